package gmail

import (
	"bytes"
	"io"
	"strings"
	"testing"

	gomail "github.com/emersion/go-message/mail"
)

func TestBuildEnvelopeRoundTrip(t *testing.T) {
	raw, err := BuildEnvelope(Outgoing{
		From:    "Sender <sender@example.test>",
		To:      []string{"one@example.test", "two@example.test"},
		Cc:      []string{"cc@example.test"},
		Subject: "Quarterly report",
		Body:    "Please find the numbers attached.\n",
	})
	if err != nil {
		t.Fatalf("BuildEnvelope: %v", err)
	}

	r, err := gomail.CreateReader(bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("parse envelope: %v", err)
	}
	if got := r.Header.Get("To"); !strings.Contains(got, "one@example.test") ||
		!strings.Contains(got, "two@example.test") {
		t.Errorf("To = %q", got)
	}
	if got, _ := r.Header.Subject(); got != "Quarterly report" {
		t.Errorf("Subject = %q", got)
	}
	if got := r.Header.Get("From"); !strings.Contains(got, "sender@example.test") {
		t.Errorf("From = %q", got)
	}
	if date, err := r.Header.Date(); err != nil || date.IsZero() {
		t.Errorf("Date missing or unparseable: %v", err)
	}

	part, err := r.NextPart()
	if err != nil {
		t.Fatalf("read body part: %v", err)
	}
	body, _ := io.ReadAll(part.Body)
	// The writer normalizes line endings to CRLF per RFC 2822.
	if string(body) != "Please find the numbers attached.\r\n" {
		t.Errorf("body = %q", body)
	}
	ih, ok := part.Header.(*gomail.InlineHeader)
	if !ok {
		t.Fatalf("part header type = %T, want inline", part.Header)
	}
	ct, _, _ := ih.ContentType()
	if ct != "text/plain" {
		t.Errorf("content type = %q", ct)
	}
}

func TestBuildEnvelopeHTML(t *testing.T) {
	raw, err := BuildEnvelope(Outgoing{
		To:      []string{"rcpt@example.test"},
		Subject: "Hi",
		HTML:    true,
		Body:    "<p>hello</p>",
	})
	if err != nil {
		t.Fatalf("BuildEnvelope: %v", err)
	}

	r, err := gomail.CreateReader(bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("parse envelope: %v", err)
	}
	part, err := r.NextPart()
	if err != nil {
		t.Fatalf("read body part: %v", err)
	}
	ih, ok := part.Header.(*gomail.InlineHeader)
	if !ok {
		t.Fatalf("part header type = %T, want inline", part.Header)
	}
	ct, params, _ := ih.ContentType()
	if ct != "text/html" {
		t.Errorf("content type = %q", ct)
	}
	if params["charset"] != "utf-8" {
		t.Errorf("charset = %q", params["charset"])
	}
}

func TestBuildEnvelopeReplyHeaders(t *testing.T) {
	raw, err := BuildEnvelope(Outgoing{
		To:         []string{"rcpt@example.test"},
		Subject:    "Re: thread",
		InReplyTo:  "<orig-id@example.test>",
		References: "<root-id@example.test> <orig-id@example.test>",
		Body:       "replying",
	})
	if err != nil {
		t.Fatalf("BuildEnvelope: %v", err)
	}

	r, err := gomail.CreateReader(bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("parse envelope: %v", err)
	}
	if got := r.Header.Get("In-Reply-To"); got != "<orig-id@example.test>" {
		t.Errorf("In-Reply-To = %q", got)
	}
	if got := r.Header.Get("References"); !strings.Contains(got, "<root-id@example.test>") {
		t.Errorf("References = %q", got)
	}
}

func TestBuildEnvelopeRequiresRecipient(t *testing.T) {
	if _, err := BuildEnvelope(Outgoing{Subject: "no one"}); err == nil {
		t.Fatal("expected error for missing recipients")
	}
}
