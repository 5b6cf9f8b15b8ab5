package gmail

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/rotisserie/eris"
)

const gmailBaseURL = "https://gmail.googleapis.com/gmail/v1"

// TokenSource supplies a valid bearer token for an account.
// Implemented by TokenManager.
type TokenSource interface {
	EnsureAccessToken(ctx context.Context, accountID string) (string, error)
}

// Client is the authenticated gateway to the Gmail REST surface. It is
// stateless per call: the only side effects are the token manager's.
type Client struct {
	tokens     TokenSource
	httpClient *http.Client
	baseURL    string
}

// NewClient creates a gateway using the given token source.
func NewClient(tokens TokenSource) *Client {
	return &Client{
		tokens:     tokens,
		httpClient: &http.Client{Timeout: 15 * time.Second},
		baseURL:    gmailBaseURL,
	}
}

// do issues one authenticated JSON call. Token errors propagate
// untouched; transport and provider errors come back classified.
func (c *Client) do(ctx context.Context, accountID, method, path string, query url.Values, body, out any) error {
	token, err := c.tokens.EnsureAccessToken(ctx, accountID)
	if err != nil {
		return err
	}

	endpoint := c.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reqBody)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &RetryableError{Cause: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
	if err != nil {
		return &RetryableError{Cause: err}
	}

	if resp.StatusCode >= 500 {
		return &RetryableError{Cause: fmt.Errorf("provider returned %d", resp.StatusCode)}
	}
	if resp.StatusCode >= 400 {
		return decodeAPIError(resp.StatusCode, data)
	}

	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

// decodeAPIError turns a provider 4xx body into a ProviderError.
func decodeAPIError(statusCode int, body []byte) error {
	var envelope struct {
		Error struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
			Status  string `json:"status"`
		} `json:"error"`
	}
	pe := &ProviderError{StatusCode: statusCode, Status: http.StatusText(statusCode)}
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error.Message != "" {
		pe.Message = envelope.Error.Message
		if envelope.Error.Status != "" {
			pe.Status = envelope.Error.Status
		}
	} else {
		pe.Message = http.StatusText(statusCode)
	}
	return pe
}

// Profile fetches the mailbox profile, including the current history id.
func (c *Client) Profile(ctx context.Context, accountID string) (*Profile, error) {
	var p Profile
	if err := c.do(ctx, accountID, http.MethodGet, "/users/me/profile", nil, nil, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// ListThreadsOptions narrows a thread listing page.
type ListThreadsOptions struct {
	MaxResults int64
	PageToken  string
	Query      string   // server-side filter expression, e.g. "newer_than:7d"
	LabelIDs   []string // restrict to threads carrying all these labels
}

// ListThreads fetches one page of the mailbox's thread enumeration.
func (c *Client) ListThreads(ctx context.Context, accountID string, opts ListThreadsOptions) (*ListThreadsResponse, error) {
	q := url.Values{}
	if opts.MaxResults > 0 {
		q.Set("maxResults", strconv.FormatInt(opts.MaxResults, 10))
	}
	if opts.PageToken != "" {
		q.Set("pageToken", opts.PageToken)
	}
	if opts.Query != "" {
		q.Set("q", opts.Query)
	}
	for _, id := range opts.LabelIDs {
		q.Add("labelIds", id)
	}

	var out ListThreadsResponse
	if err := c.do(ctx, accountID, http.MethodGet, "/users/me/threads", q, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetThread fetches a full thread with all message payloads.
func (c *Client) GetThread(ctx context.Context, accountID, threadID string) (*Thread, error) {
	q := url.Values{"format": {"full"}}
	var t Thread
	if err := c.do(ctx, accountID, http.MethodGet, "/users/me/threads/"+url.PathEscape(threadID), q, nil, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// GetMessage fetches a full message with its MIME part tree.
func (c *Client) GetMessage(ctx context.Context, accountID, messageID string) (*Message, error) {
	q := url.Values{"format": {"full"}}
	var m Message
	if err := c.do(ctx, accountID, http.MethodGet, "/users/me/messages/"+url.PathEscape(messageID), q, nil, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// ListHistory fetches one page of the history feed starting at cursor,
// scoped to the change types the sync engine applies. A provider 404
// means the cursor fell out of the retention window and comes back as
// ErrStaleCursor.
func (c *Client) ListHistory(ctx context.Context, accountID, cursor, pageToken string) (*ListHistoryResponse, error) {
	q := url.Values{}
	q.Set("startHistoryId", cursor)
	for _, t := range []string{"messageAdded", "messageDeleted", "labelAdded", "labelRemoved"} {
		q.Add("historyTypes", t)
	}
	if pageToken != "" {
		q.Set("pageToken", pageToken)
	}

	var out ListHistoryResponse
	if err := c.do(ctx, accountID, http.MethodGet, "/users/me/history", q, nil, &out); err != nil {
		var pe *ProviderError
		if errors.As(err, &pe) && pe.StatusCode == http.StatusNotFound {
			return nil, eris.Wrap(ErrStaleCursor, pe.Message)
		}
		return nil, err
	}
	return &out, nil
}

// Send submits a raw RFC 2822 message, optionally threading it into an
// existing conversation. The raw bytes are transported URL-safe
// base64-encoded without padding, as the provider requires.
func (c *Client) Send(ctx context.Context, accountID string, raw []byte, threadID string) (*Message, error) {
	req := SendRequest{
		Raw:      base64.RawURLEncoding.EncodeToString(raw),
		ThreadID: threadID,
	}
	var m Message
	if err := c.do(ctx, accountID, http.MethodPost, "/users/me/messages/send", nil, req, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// BatchModify applies label changes to many messages in one call.
// Partial failure inside the provider batch surfaces as one error for
// the whole batch; callers needing per-message guarantees must split.
func (c *Client) BatchModify(ctx context.Context, accountID string, ids, addLabels, removeLabels []string) error {
	req := BatchModifyRequest{
		IDs:            ids,
		AddLabelIDs:    addLabels,
		RemoveLabelIDs: removeLabels,
	}
	return c.do(ctx, accountID, http.MethodPost, "/users/me/messages/batchModify", nil, req, nil)
}
