package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/glowdesk/mailsync/internal/model"
	"github.com/glowdesk/mailsync/internal/sync"
)

func testCache(t *testing.T) *CacheApplier {
	t.Helper()
	return NewCacheApplier(NewFSBlobStore(t.TempDir()))
}

func cacheAccount() *model.ConnectedAccount {
	return &model.ConnectedAccount{ID: "acct-1", OrgID: "org-1"}
}

func canonical(id string, labels ...string) *model.CanonicalMessage {
	return &model.CanonicalMessage{
		ID:         id,
		ThreadID:   "t-" + id,
		Labels:     labels,
		ReceivedAt: time.Now().UTC().Truncate(time.Second),
		TextBody:   "body of " + id,
		Headers:    map[string]string{"subject": "s"},
	}
}

func TestApplyAndGetMessage(t *testing.T) {
	cache := testCache(t)
	ctx := context.Background()
	acct := cacheAccount()

	msg := canonical("m1", "INBOX", "UNREAD")
	if err := cache.ApplyMessage(ctx, acct, msg); err != nil {
		t.Fatalf("ApplyMessage: %v", err)
	}

	got, err := cache.GetMessage(ctx, acct, "m1")
	if err != nil {
		t.Fatalf("GetMessage: %v", err)
	}
	if got.TextBody != msg.TextBody || len(got.Labels) != 2 {
		t.Errorf("got %+v", got)
	}

	// Re-apply overwrites in place.
	msg.TextBody = "updated"
	if err := cache.ApplyMessage(ctx, acct, msg); err != nil {
		t.Fatalf("re-ApplyMessage: %v", err)
	}
	got, _ = cache.GetMessage(ctx, acct, "m1")
	if got.TextBody != "updated" {
		t.Errorf("body = %q after overwrite", got.TextBody)
	}
}

func TestRemoveMessageIdempotent(t *testing.T) {
	cache := testCache(t)
	ctx := context.Background()
	acct := cacheAccount()

	if err := cache.ApplyMessage(ctx, acct, canonical("m1")); err != nil {
		t.Fatalf("ApplyMessage: %v", err)
	}
	if err := cache.RemoveMessage(ctx, acct, "m1"); err != nil {
		t.Fatalf("RemoveMessage: %v", err)
	}
	if _, err := cache.GetMessage(ctx, acct, "m1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("got %v, want ErrNotFound", err)
	}
	// Removing again must stay clean.
	if err := cache.RemoveMessage(ctx, acct, "m1"); err != nil {
		t.Fatalf("second RemoveMessage: %v", err)
	}
}

func TestUpdateLabels(t *testing.T) {
	cache := testCache(t)
	ctx := context.Background()
	acct := cacheAccount()

	if err := cache.ApplyMessage(ctx, acct, canonical("m1", "INBOX", "UNREAD")); err != nil {
		t.Fatalf("ApplyMessage: %v", err)
	}
	if err := cache.UpdateLabels(ctx, acct, "m1", []string{"STARRED"}, []string{"UNREAD"}); err != nil {
		t.Fatalf("UpdateLabels: %v", err)
	}

	got, _ := cache.GetMessage(ctx, acct, "m1")
	want := map[string]bool{"INBOX": true, "STARRED": true}
	if len(got.Labels) != 2 {
		t.Fatalf("labels = %v", got.Labels)
	}
	for _, l := range got.Labels {
		if !want[l] {
			t.Errorf("unexpected label %q", l)
		}
	}

	// Adding a label twice must not duplicate it.
	if err := cache.UpdateLabels(ctx, acct, "m1", []string{"STARRED"}, nil); err != nil {
		t.Fatalf("UpdateLabels: %v", err)
	}
	got, _ = cache.GetMessage(ctx, acct, "m1")
	if len(got.Labels) != 2 {
		t.Errorf("labels = %v after duplicate add", got.Labels)
	}
}

func TestUpdateLabelsUnknownMessage(t *testing.T) {
	cache := testCache(t)
	err := cache.UpdateLabels(context.Background(), cacheAccount(), "ghost", []string{"INBOX"}, nil)
	if !errors.Is(err, sync.ErrUnknownMessage) {
		t.Fatalf("got %v, want ErrUnknownMessage", err)
	}
}

func TestListMessagesNewestFirst(t *testing.T) {
	cache := testCache(t)
	ctx := context.Background()
	acct := cacheAccount()

	old := canonical("m1")
	old.ReceivedAt = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	recent := canonical("m2")
	recent.ReceivedAt = time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	for _, m := range []*model.CanonicalMessage{old, recent} {
		if err := cache.ApplyMessage(ctx, acct, m); err != nil {
			t.Fatalf("ApplyMessage: %v", err)
		}
	}

	msgs, err := cache.ListMessages(ctx, acct)
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("got %d messages", len(msgs))
	}
	if msgs[0].ID != "m2" {
		t.Errorf("first message = %q, want newest", msgs[0].ID)
	}

	// Accounts are isolated.
	other := cacheAccount()
	other.ID = "acct-2"
	msgs, err = cache.ListMessages(ctx, other)
	if err != nil {
		t.Fatalf("ListMessages other: %v", err)
	}
	if len(msgs) != 0 {
		t.Errorf("other account sees %d messages", len(msgs))
	}
}
