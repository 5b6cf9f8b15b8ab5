package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"slices"

	"github.com/glowdesk/mailsync/internal/model"
	"github.com/glowdesk/mailsync/internal/sync"
)

// CacheApplier materializes sync changes as JSON blobs, one per
// message, keyed org/account/messages/id.json. It is the local
// mailbox cache the web layer reads from.
type CacheApplier struct {
	blobs BlobStore
}

// NewCacheApplier creates an applier backed by the given blob store.
func NewCacheApplier(blobs BlobStore) *CacheApplier {
	return &CacheApplier{blobs: blobs}
}

func messageKey(acct *model.ConnectedAccount, messageID string) string {
	return fmt.Sprintf("%s/%s/messages/%s.json", acct.OrgID, acct.ID, messageID)
}

// ApplyMessage writes or overwrites the cached message. Re-applying
// the same message is a plain overwrite, so redelivered history pages
// are harmless.
func (a *CacheApplier) ApplyMessage(ctx context.Context, acct *model.ConnectedAccount, msg *model.CanonicalMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode message %s: %w", msg.ID, err)
	}
	return a.blobs.Write(ctx, messageKey(acct, msg.ID), data)
}

// RemoveMessage drops the cached message. Removing a message that was
// never cached is a no-op.
func (a *CacheApplier) RemoveMessage(ctx context.Context, acct *model.ConnectedAccount, messageID string) error {
	return a.blobs.Delete(ctx, messageKey(acct, messageID))
}

// UpdateLabels patches the cached message's label set. A label change
// for a message we have never cached means our view has drifted from
// the provider's; report it so the engine can resync.
func (a *CacheApplier) UpdateLabels(ctx context.Context, acct *model.ConnectedAccount, messageID string, added, removed []string) error {
	key := messageKey(acct, messageID)
	data, err := a.blobs.Read(ctx, key)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return fmt.Errorf("label change for %s: %w", messageID, sync.ErrUnknownMessage)
		}
		return err
	}

	var msg model.CanonicalMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return fmt.Errorf("decode cached message %s: %w", messageID, err)
	}

	labels := msg.Labels
	for _, l := range removed {
		if i := slices.Index(labels, l); i >= 0 {
			labels = slices.Delete(labels, i, i+1)
		}
	}
	for _, l := range added {
		if !slices.Contains(labels, l) {
			labels = append(labels, l)
		}
	}
	msg.Labels = labels

	out, err := json.Marshal(&msg)
	if err != nil {
		return fmt.Errorf("encode message %s: %w", messageID, err)
	}
	return a.blobs.Write(ctx, key, out)
}

// GetMessage reads one cached message.
func (a *CacheApplier) GetMessage(ctx context.Context, acct *model.ConnectedAccount, messageID string) (*model.CanonicalMessage, error) {
	data, err := a.blobs.Read(ctx, messageKey(acct, messageID))
	if err != nil {
		return nil, err
	}
	var msg model.CanonicalMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("decode cached message %s: %w", messageID, err)
	}
	return &msg, nil
}

// ListMessages returns all cached messages for an account. Blobs that
// fail to decode are skipped with a warning rather than failing the
// listing.
func (a *CacheApplier) ListMessages(ctx context.Context, acct *model.ConnectedAccount) ([]*model.CanonicalMessage, error) {
	prefix := fmt.Sprintf("%s/%s/messages/", acct.OrgID, acct.ID)
	keys, err := a.blobs.List(ctx, prefix)
	if err != nil {
		return nil, err
	}

	msgs := make([]*model.CanonicalMessage, 0, len(keys))
	for _, key := range keys {
		data, err := a.blobs.Read(ctx, key)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return nil, err
		}
		var msg model.CanonicalMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			log.Printf("WARN: skip unreadable cache blob %s: %v", key, err)
			continue
		}
		msgs = append(msgs, &msg)
	}

	slices.SortFunc(msgs, func(a, b *model.CanonicalMessage) int {
		return b.ReceivedAt.Compare(a.ReceivedAt)
	})
	return msgs, nil
}
