package gmail

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	gomail "github.com/emersion/go-message/mail"
)

// Outgoing describes a message to send through the mailbox.
type Outgoing struct {
	From       string   `json:"from,omitempty"`
	To         []string `json:"to"`
	Cc         []string `json:"cc,omitempty"`
	Bcc        []string `json:"bcc,omitempty"`
	Subject    string   `json:"subject"`
	ReplyTo    string   `json:"reply_to,omitempty"`
	InReplyTo  string   `json:"in_reply_to,omitempty"`
	References string   `json:"references,omitempty"`
	HTML       bool     `json:"html,omitempty"` // body is text/html instead of text/plain
	Body       string   `json:"body"`

	// ThreadID threads the message into an existing conversation.
	ThreadID string `json:"thread_id,omitempty"`
}

// BuildEnvelope renders the RFC 2822 message for an Outgoing.
func BuildEnvelope(out Outgoing) ([]byte, error) {
	if len(out.To) == 0 {
		return nil, fmt.Errorf("outgoing message has no recipients")
	}

	var h gomail.Header
	h.SetDate(time.Now())
	if out.From != "" {
		h.Set("From", out.From)
	}
	h.Set("To", strings.Join(out.To, ", "))
	if len(out.Cc) > 0 {
		h.Set("Cc", strings.Join(out.Cc, ", "))
	}
	if len(out.Bcc) > 0 {
		h.Set("Bcc", strings.Join(out.Bcc, ", "))
	}
	h.SetSubject(out.Subject)
	if out.ReplyTo != "" {
		h.Set("Reply-To", out.ReplyTo)
	}
	if out.InReplyTo != "" {
		h.Set("In-Reply-To", out.InReplyTo)
	}
	if out.References != "" {
		h.Set("References", out.References)
	}

	contentType := "text/plain"
	if out.HTML {
		contentType = "text/html"
	}
	h.SetContentType(contentType, map[string]string{"charset": "utf-8"})

	var buf bytes.Buffer
	w, err := gomail.CreateSingleInlineWriter(&buf, h)
	if err != nil {
		return nil, fmt.Errorf("create message writer: %w", err)
	}
	if _, err := io.WriteString(w, out.Body); err != nil {
		w.Close()
		return nil, fmt.Errorf("write message body: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("finish message: %w", err)
	}
	return buf.Bytes(), nil
}

// SendMessage builds the RFC 2822 envelope and submits it through the
// provider, optionally threaded into an existing conversation.
func (c *Client) SendMessage(ctx context.Context, accountID string, out Outgoing) (*Message, error) {
	raw, err := BuildEnvelope(out)
	if err != nil {
		return nil, err
	}
	return c.Send(ctx, accountID, raw, out.ThreadID)
}
