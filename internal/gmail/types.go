package gmail

// Wire types for the subset of the Gmail v1 REST surface this service
// speaks. Field names follow the provider JSON exactly; history and
// profile ids stay opaque strings end to end.

// Profile is the mailbox profile (GET /users/me/profile).
type Profile struct {
	EmailAddress  string `json:"emailAddress"`
	MessagesTotal int64  `json:"messagesTotal"`
	ThreadsTotal  int64  `json:"threadsTotal"`
	HistoryID     string `json:"historyId"`
}

// Header is one RFC 822 header on a message part.
type Header struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// MessagePartBody carries the (URL-safe base64, unpadded) content of a
// leaf part.
type MessagePartBody struct {
	AttachmentID string `json:"attachmentId,omitempty"`
	Size         int64  `json:"size"`
	Data         string `json:"data,omitempty"`
}

// MessagePart is one node of the MIME part tree. Multipart containers
// carry nested Parts; leaves carry a Body.
type MessagePart struct {
	PartID   string           `json:"partId"`
	MimeType string           `json:"mimeType"`
	Filename string           `json:"filename,omitempty"`
	Headers  []Header         `json:"headers,omitempty"`
	Body     *MessagePartBody `json:"body,omitempty"`
	Parts    []*MessagePart   `json:"parts,omitempty"`
}

// Message is a provider message (GET /users/me/messages/{id}?format=full).
type Message struct {
	ID           string       `json:"id"`
	ThreadID     string       `json:"threadId"`
	LabelIDs     []string     `json:"labelIds,omitempty"`
	Snippet      string       `json:"snippet,omitempty"`
	HistoryID    string       `json:"historyId,omitempty"`
	InternalDate int64        `json:"internalDate,string,omitempty"` // ms since epoch
	Payload      *MessagePart `json:"payload,omitempty"`
	SizeEstimate int64        `json:"sizeEstimate,omitempty"`
}

// ThreadRef is a thread entry from a listing page.
type ThreadRef struct {
	ID        string `json:"id"`
	Snippet   string `json:"snippet,omitempty"`
	HistoryID string `json:"historyId,omitempty"`
}

// Thread is a full conversation (GET /users/me/threads/{id}?format=full).
type Thread struct {
	ID        string     `json:"id"`
	HistoryID string     `json:"historyId,omitempty"`
	Messages  []*Message `json:"messages,omitempty"`
}

// ListThreadsResponse is one page of thread enumeration.
type ListThreadsResponse struct {
	Threads            []ThreadRef `json:"threads,omitempty"`
	NextPageToken      string      `json:"nextPageToken,omitempty"`
	ResultSizeEstimate int64       `json:"resultSizeEstimate,omitempty"`
}

// HistoryMessageChange references a message added to or removed from
// the mailbox.
type HistoryMessageChange struct {
	Message *Message `json:"message"`
}

// HistoryLabelChange references a message whose label set changed,
// with the labels involved.
type HistoryLabelChange struct {
	Message  *Message `json:"message"`
	LabelIDs []string `json:"labelIds,omitempty"`
}

// HistoryRecord is one change-set entry from the history feed. The
// change lists must be applied in the order the provider returns them.
type HistoryRecord struct {
	ID              string                 `json:"id"`
	MessagesAdded   []HistoryMessageChange `json:"messagesAdded,omitempty"`
	MessagesDeleted []HistoryMessageChange `json:"messagesDeleted,omitempty"`
	LabelsAdded     []HistoryLabelChange   `json:"labelsAdded,omitempty"`
	LabelsRemoved   []HistoryLabelChange   `json:"labelsRemoved,omitempty"`
}

// ListHistoryResponse is one page of the history feed. HistoryID is
// the mailbox's current history id, valid as the next sync cursor once
// every page has been applied.
type ListHistoryResponse struct {
	History       []HistoryRecord `json:"history,omitempty"`
	NextPageToken string          `json:"nextPageToken,omitempty"`
	HistoryID     string          `json:"historyId,omitempty"`
}

// SendRequest is the body of POST /users/me/messages/send.
type SendRequest struct {
	Raw      string `json:"raw"` // URL-safe base64 of the RFC 2822 message
	ThreadID string `json:"threadId,omitempty"`
}

// BatchModifyRequest is the body of POST /users/me/messages/batchModify.
type BatchModifyRequest struct {
	IDs            []string `json:"ids"`
	AddLabelIDs    []string `json:"addLabelIds,omitempty"`
	RemoveLabelIDs []string `json:"removeLabelIds,omitempty"`
}

// Well-known label ids used by the mutation facade.
const (
	LabelUnread  = "UNREAD"
	LabelInbox   = "INBOX"
	LabelStarred = "STARRED"
)
