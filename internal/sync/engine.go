// Package sync orchestrates mailbox synchronization: full listing,
// incremental history sync with cursor advancement, and the
// disconnect flow. One engine serves all connected accounts; work for
// the same account is single-flight, different accounts run freely in
// parallel.
package sync

import (
	"context"
	"errors"
	"fmt"
	"log"
	gosync "sync"
	"time"

	"github.com/rotisserie/eris"

	"github.com/glowdesk/mailsync/internal/gmail"
	"github.com/glowdesk/mailsync/internal/model"
	"github.com/glowdesk/mailsync/internal/store"
)

var (
	// ErrSyncRunning is returned when an operation for an account is
	// already in flight.
	ErrSyncRunning = errors.New("sync already running for account")

	// ErrUnknownMessage is returned by an Applier when a label or
	// delete change references a message it has never seen. The
	// engine treats it as a cursor anomaly and falls back to a full
	// resync rather than guessing.
	ErrUnknownMessage = errors.New("message not present locally")
)

// ProviderClient is the slice of the provider gateway the engine
// drives. Implemented by gmail.Client.
type ProviderClient interface {
	Profile(ctx context.Context, accountID string) (*gmail.Profile, error)
	ListThreads(ctx context.Context, accountID string, opts gmail.ListThreadsOptions) (*gmail.ListThreadsResponse, error)
	GetThread(ctx context.Context, accountID, threadID string) (*gmail.Thread, error)
	GetMessage(ctx context.Context, accountID, messageID string) (*gmail.Message, error)
	ListHistory(ctx context.Context, accountID, cursor, pageToken string) (*gmail.ListHistoryResponse, error)
}

// TokenRevoker revokes an access token at the provider and releases
// per-account state held for it. Implemented by gmail.TokenManager.
type TokenRevoker interface {
	Revoke(ctx context.Context, accessToken string) error
	Forget(accountID string)
}

// Store is the account persistence contract the engine needs.
// Implemented by store.DB.
type Store interface {
	Get(ctx context.Context, id string) (*model.ConnectedAccount, error)
	AdvanceCursor(ctx context.Context, id, from, to string) error
	Delete(ctx context.Context, id string) error
	AppendAudit(ctx context.Context, ev model.AuditEvent) error
}

// Applier receives the local effects of provider changes: new or
// refetched messages, deletions, and label updates.
type Applier interface {
	ApplyMessage(ctx context.Context, acct *model.ConnectedAccount, msg *model.CanonicalMessage) error
	RemoveMessage(ctx context.Context, acct *model.ConnectedAccount, messageID string) error
	UpdateLabels(ctx context.Context, acct *model.ConnectedAccount, messageID string, added, removed []string) error
}

// Result summarizes one finished sync.
type Result struct {
	Mode    string `json:"mode"` // "full" or "incremental"
	Applied int    `json:"applied"`
	Cursor  string `json:"cursor"`
}

// Status reports the in-flight state of an account's sync.
type Status struct {
	Running   bool      `json:"running"`
	StartedAt time.Time `json:"started_at,omitzero"`
	Progress  string    `json:"progress,omitempty"`
	LastError string    `json:"last_error,omitempty"`
}

type entry struct {
	cancel    context.CancelFunc
	startedAt time.Time
	progress  string
	lastError string
}

// Engine coordinates sync and disconnect for all accounts.
type Engine struct {
	store    Store
	client   ProviderClient
	revoker  TokenRevoker
	applier  Applier
	pageSize int64

	mu      gosync.Mutex
	running map[string]*entry // accountID -> in-flight entry
}

// NewEngine creates a sync engine.
func NewEngine(st Store, client ProviderClient, revoker TokenRevoker, applier Applier) *Engine {
	return &Engine{
		store:    st,
		client:   client,
		revoker:  revoker,
		applier:  applier,
		pageSize: 100,
		running:  make(map[string]*entry),
	}
}

// begin claims the single-flight slot for an account.
func (e *Engine) begin(accountID string, cancel context.CancelFunc) (*entry, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.running[accountID]; ok {
		return nil, ErrSyncRunning
	}
	ent := &entry{cancel: cancel, startedAt: time.Now(), progress: "starting"}
	e.running[accountID] = ent
	return ent, nil
}

func (e *Engine) end(accountID string) {
	e.mu.Lock()
	delete(e.running, accountID)
	e.mu.Unlock()
}

func (e *Engine) setProgress(accountID, progress, lastError string) {
	e.mu.Lock()
	if ent, ok := e.running[accountID]; ok {
		if progress != "" {
			ent.progress = progress
		}
		if lastError != "" {
			ent.lastError = lastError
		}
	}
	e.mu.Unlock()
}

// IsRunning checks whether work is in flight for an account.
func (e *Engine) IsRunning(accountID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.running[accountID]
	return ok
}

// AccountStatus returns the in-flight state for an account.
func (e *Engine) AccountStatus(accountID string) Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	ent, ok := e.running[accountID]
	if !ok {
		return Status{}
	}
	return Status{
		Running:   true,
		StartedAt: ent.startedAt,
		Progress:  ent.progress,
		LastError: ent.lastError,
	}
}

// StartSync triggers a sync in the background. Non-blocking; returns
// ErrSyncRunning when the account already has work in flight.
func (e *Engine) StartSync(accountID string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	if _, err := e.begin(accountID, cancel); err != nil {
		cancel()
		return err
	}

	go func() {
		defer cancel()
		defer e.end(accountID)
		res, err := e.syncLocked(ctx, accountID)
		if err != nil {
			e.setProgress(accountID, "", err.Error())
			log.Printf("ERROR: sync account %s: %v", accountID, err)
			return
		}
		log.Printf("INFO: synced account %s (%s): %d changes, cursor %s",
			accountID, res.Mode, res.Applied, res.Cursor)
	}()
	return nil
}

// StopSync cancels in-flight work for the account.
func (e *Engine) StopSync(accountID string) error {
	e.mu.Lock()
	ent, ok := e.running[accountID]
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("no sync running for account %s", accountID)
	}
	ent.cancel()
	log.Printf("INFO: sync cancelled for account %s", accountID)
	return nil
}

// SyncNow runs one synchronous sync for the account: incremental when
// a cursor exists, full listing otherwise. Safe to call repeatedly;
// concurrent calls for the same account return ErrSyncRunning.
func (e *Engine) SyncNow(ctx context.Context, accountID string) (*Result, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	if _, err := e.begin(accountID, cancel); err != nil {
		return nil, err
	}
	defer e.end(accountID)
	return e.syncLocked(ctx, accountID)
}

// syncLocked assumes the caller holds the account's single-flight slot.
func (e *Engine) syncLocked(ctx context.Context, accountID string) (*Result, error) {
	acct, err := e.store.Get(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if !acct.IsActive {
		reason := acct.LastError
		if reason == "" {
			reason = "mailbox is disconnected, please reconnect"
		}
		return nil, &gmail.AuthError{Reason: reason}
	}

	if acct.HistoryCursor == "" {
		e.setProgress(accountID, "full sync", "")
		return e.fullSync(ctx, acct)
	}

	e.setProgress(accountID, "incremental sync", "")
	res, err := e.incrementalSync(ctx, acct)
	if err == nil {
		return res, nil
	}
	if eris.Is(err, gmail.ErrStaleCursor) || errors.Is(err, ErrUnknownMessage) {
		// Cursor fell out of the provider's retention window, or the
		// history feed referenced state we do not have. Re-derive
		// everything from scratch instead of failing permanently.
		log.Printf("WARN: account %s: %v; falling back to full resync", accountID, err)
		e.setProgress(accountID, "full resync", "")
		fresh, gerr := e.store.Get(ctx, accountID)
		if gerr != nil {
			return nil, gerr
		}
		return e.fullSync(ctx, fresh)
	}
	return nil, err
}

// fullSync enumerates every thread, normalizes and applies each
// message, then advances the cursor to the history id read from the
// profile before the walk began. Changes that land during the walk are
// replayed by the next incremental pass.
func (e *Engine) fullSync(ctx context.Context, acct *model.ConnectedAccount) (*Result, error) {
	profile, err := e.client.Profile(ctx, acct.ID)
	if err != nil {
		return nil, fmt.Errorf("fetch profile: %w", err)
	}

	applied := 0
	pageToken := ""
	for {
		page, err := e.client.ListThreads(ctx, acct.ID, gmail.ListThreadsOptions{
			MaxResults: e.pageSize,
			PageToken:  pageToken,
		})
		if err != nil {
			return nil, fmt.Errorf("list threads: %w", err)
		}

		for _, ref := range page.Threads {
			thread, err := e.client.GetThread(ctx, acct.ID, ref.ID)
			if err != nil {
				if isGone(err) {
					continue // thread deleted while we were listing
				}
				return nil, fmt.Errorf("fetch thread %s: %w", ref.ID, err)
			}
			for _, m := range thread.Messages {
				if err := e.applier.ApplyMessage(ctx, acct, gmail.Normalize(m)); err != nil {
					return nil, fmt.Errorf("apply message %s: %w", m.ID, err)
				}
				applied++
			}
		}
		e.setProgress(acct.ID, fmt.Sprintf("full sync: %d messages", applied), "")

		if page.NextPageToken == "" {
			break
		}
		pageToken = page.NextPageToken
	}

	if err := e.store.AdvanceCursor(ctx, acct.ID, acct.HistoryCursor, profile.HistoryID); err != nil {
		return nil, fmt.Errorf("advance cursor: %w", err)
	}
	return &Result{Mode: "full", Applied: applied, Cursor: profile.HistoryID}, nil
}

// incrementalSync consumes the history feed from the stored cursor.
// The cursor advances only after a page's records are fully applied;
// a failure mid-page leaves it at the last durable value so the whole
// page is redelivered on retry.
func (e *Engine) incrementalSync(ctx context.Context, acct *model.ConnectedAccount) (*Result, error) {
	cursor := acct.HistoryCursor
	pageToken := ""
	applied := 0
	seen := make(map[string]bool) // message ids already fetched this run

	for {
		page, err := e.client.ListHistory(ctx, acct.ID, cursor, pageToken)
		if err != nil {
			return nil, err
		}

		n, lastID, err := e.applyPage(ctx, acct, page.History, seen)
		applied += n
		if err != nil {
			return nil, err
		}

		// Page fully applied: pick the next durable cursor value. On
		// the final page prefer the mailbox's current history id.
		next := lastID
		if page.NextPageToken == "" && page.HistoryID != "" {
			next = page.HistoryID
		}
		if next != "" && next != cursor {
			if err := e.store.AdvanceCursor(ctx, acct.ID, cursor, next); err != nil {
				return nil, fmt.Errorf("advance cursor: %w", err)
			}
			cursor = next
		}

		if page.NextPageToken == "" {
			break
		}
		pageToken = page.NextPageToken
		e.setProgress(acct.ID, fmt.Sprintf("incremental sync: %d changes", applied), "")
	}

	return &Result{Mode: "incremental", Applied: applied, Cursor: cursor}, nil
}

// applyPage applies one history page's records in provider order.
// Returns the number of applied changes and the id of the last record.
func (e *Engine) applyPage(ctx context.Context, acct *model.ConnectedAccount, records []gmail.HistoryRecord, seen map[string]bool) (int, string, error) {
	applied := 0
	lastID := ""
	for _, rec := range records {
		for _, add := range rec.MessagesAdded {
			if add.Message == nil || seen[add.Message.ID] {
				continue
			}
			seen[add.Message.ID] = true

			full, err := e.client.GetMessage(ctx, acct.ID, add.Message.ID)
			if err != nil {
				if isGone(err) {
					continue // deleted before we could fetch; a delete record follows
				}
				return applied, lastID, fmt.Errorf("fetch message %s: %w", add.Message.ID, err)
			}
			if err := e.applier.ApplyMessage(ctx, acct, gmail.Normalize(full)); err != nil {
				return applied, lastID, fmt.Errorf("apply message %s: %w", full.ID, err)
			}
			applied++
		}

		for _, del := range rec.MessagesDeleted {
			if del.Message == nil {
				continue
			}
			if err := e.applier.RemoveMessage(ctx, acct, del.Message.ID); err != nil {
				return applied, lastID, err
			}
			applied++
		}

		for _, lab := range rec.LabelsAdded {
			if lab.Message == nil {
				continue
			}
			if err := e.applier.UpdateLabels(ctx, acct, lab.Message.ID, lab.LabelIDs, nil); err != nil {
				return applied, lastID, err
			}
			applied++
		}

		for _, lab := range rec.LabelsRemoved {
			if lab.Message == nil {
				continue
			}
			if err := e.applier.UpdateLabels(ctx, acct, lab.Message.ID, nil, lab.LabelIDs); err != nil {
				return applied, lastID, err
			}
			applied++
		}

		lastID = rec.ID
	}
	return applied, lastID, nil
}

// Disconnect revokes the account's token (best effort), deletes the
// credential record and writes an audit entry. Idempotent: a second
// call on an already-deleted account is a clean no-op.
func (e *Engine) Disconnect(ctx context.Context, accountID string) error {
	if _, err := e.begin(accountID, func() {}); err != nil {
		return err
	}
	defer e.end(accountID)

	acct, err := e.store.Get(ctx, accountID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			e.revoker.Forget(accountID)
			log.Printf("INFO: disconnect %s: already removed", accountID)
			return nil
		}
		return err
	}

	// Best-effort revoke by explicit policy: a token the provider no
	// longer recognizes is not a failure worth surfacing.
	if acct.AccessToken != "" {
		if err := e.revoker.Revoke(ctx, acct.AccessToken); err != nil {
			log.Printf("WARN: revoke token for %s: %v", accountID, err)
		}
	}

	if err := e.store.Delete(ctx, accountID); err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("delete account: %w", err)
	}
	e.revoker.Forget(accountID)

	ev := model.AuditEvent{
		OrgID:     acct.OrgID,
		Provider:  model.ProviderGmail,
		EventType: model.AuditDisconnected,
		Message:   "mailbox " + acct.Email + " disconnected",
	}
	if err := e.store.AppendAudit(ctx, ev); err != nil {
		log.Printf("WARN: audit disconnect for %s: %v", accountID, err)
	}
	return nil
}

// isGone reports a provider 404 for an individual resource.
func isGone(err error) bool {
	var pe *gmail.ProviderError
	return errors.As(err, &pe) && pe.StatusCode == 404
}
