// Package model defines core data types shared across the application.
package model

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// NewID generates a UUIDv7 (time-ordered) identifier.
func NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		// Fallback to v4 if v7 fails (should never happen).
		return uuid.New().String()
	}
	return id.String()
}

// ProviderGmail is the only mail provider currently implemented.
const ProviderGmail = "gmail"

// ConnectedAccount is one mailbox integration owned by a tenant.
//
// When IsActive is false the refresh token has been rejected by the
// provider and no sync or mutation may run until the user reconnects.
type ConnectedAccount struct {
	ID    string `json:"id"`
	OrgID string `json:"org_id"`
	Email string `json:"email"`

	AccessToken  string    `json:"-"` // short-lived bearer secret, never exposed
	RefreshToken string    `json:"-"` // long-lived secret, never exposed
	TokenExpiry  time.Time `json:"token_expiry"`

	IsActive  bool   `json:"is_active"`
	LastError string `json:"last_error,omitempty"`

	// HistoryCursor is the provider-assigned opaque marker for
	// incremental sync. Empty means no full sync has completed yet.
	HistoryCursor string `json:"history_cursor,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// CanonicalMessage is the provider-independent view of one fetched
// message. It is transient; persistence is a caller concern.
type CanonicalMessage struct {
	ID         string            `json:"id"`
	ThreadID   string            `json:"thread_id"`
	Labels     []string          `json:"labels,omitempty"`
	ReceivedAt time.Time         `json:"received_at"`
	TextBody   string            `json:"text_body,omitempty"`
	HTMLBody   string            `json:"html_body,omitempty"`
	Headers    map[string]string `json:"headers,omitempty"` // keys lower-cased

	// ParseFailed is set when the source message had a body but no
	// part could be decoded. Distinguishes a broken message from a
	// genuinely empty one.
	ParseFailed bool `json:"parse_failed,omitempty"`
}

// Header returns a header value by case-insensitive name.
func (m *CanonicalMessage) Header(name string) string {
	return m.Headers[strings.ToLower(name)]
}

// AuditEvent is one record written to the audit log sink.
type AuditEvent struct {
	ID        string    `json:"id"`
	OrgID     string    `json:"org_id"`
	Provider  string    `json:"provider"`
	EventType string    `json:"event_type"`
	Message   string    `json:"message,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Audit event types emitted by this service.
const (
	AuditConnected    = "connected"
	AuditDisconnected = "disconnected"
)
