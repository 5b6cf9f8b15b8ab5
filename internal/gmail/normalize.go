package gmail

import (
	"encoding/base64"
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/text/encoding/htmlindex"
	"golang.org/x/text/transform"

	"github.com/glowdesk/mailsync/internal/model"
)

// Normalize converts a provider message into the canonical view: the
// first text/plain and first text/html parts of the MIME tree, decoded
// from the provider's URL-safe base64, plus a case-insensitive header
// map. Pure function: same bytes in, same message out.
func Normalize(m *Message) *model.CanonicalMessage {
	out := &model.CanonicalMessage{
		ID:       m.ID,
		ThreadID: m.ThreadID,
		Labels:   append([]string(nil), m.LabelIDs...),
		Headers:  make(map[string]string),
	}
	if m.InternalDate > 0 {
		out.ReceivedAt = time.UnixMilli(m.InternalDate).UTC()
	}
	if m.Payload == nil {
		return out
	}

	for _, h := range m.Payload.Headers {
		out.Headers[strings.ToLower(h.Name)] = h.Value
	}

	out.TextBody, _ = firstPart(m.Payload, "text/plain")
	out.HTMLBody, _ = firstPart(m.Payload, "text/html")

	// A message with a non-empty body must yield at least one decoded
	// body; both missing means the structure defeated us, not that the
	// message was empty.
	if out.TextBody == "" && out.HTMLBody == "" && hasTextBody(m.Payload) {
		out.ParseFailed = true
	}
	return out
}

// firstPart walks the part tree depth-first and returns the first
// decoded body of the wanted MIME type.
func firstPart(p *MessagePart, mimeType string) (string, bool) {
	if p == nil {
		return "", false
	}
	if len(p.Parts) == 0 {
		if strings.EqualFold(p.MimeType, mimeType) && p.Body != nil && p.Body.Data != "" {
			raw, err := decodeBody(p.Body.Data)
			if err != nil {
				return "", false
			}
			return ensureUTF8(string(raw)), true
		}
		return "", false
	}
	for _, child := range p.Parts {
		if body, ok := firstPart(child, mimeType); ok {
			return body, true
		}
	}
	return "", false
}

// hasTextBody reports whether the tree contains any inline text leaf
// with content, decodable or not.
func hasTextBody(p *MessagePart) bool {
	if p == nil {
		return false
	}
	if len(p.Parts) == 0 {
		return p.Filename == "" &&
			strings.HasPrefix(strings.ToLower(p.MimeType), "text/") &&
			p.Body != nil && (p.Body.Data != "" || p.Body.Size > 0)
	}
	for _, child := range p.Parts {
		if hasTextBody(child) {
			return true
		}
	}
	return false
}

// decodeBody decodes the provider's URL-safe base64 (no padding, but
// tolerate padded input).
func decodeBody(data string) ([]byte, error) {
	return base64.RawURLEncoding.DecodeString(strings.TrimRight(data, "="))
}

// ensureUTF8 repairs non-UTF-8 bodies by assuming windows-1252, the
// usual culprit for legacy senders.
func ensureUTF8(s string) string {
	if utf8.ValidString(s) {
		return s
	}
	enc, err := htmlindex.Get("windows-1252")
	if err != nil || enc == nil {
		return s
	}
	decoded, _, err := transform.String(enc.NewDecoder(), s)
	if err != nil {
		return s
	}
	return decoded
}
