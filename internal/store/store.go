// Package store persists connected mailbox accounts and audit events
// in a SQLite database. It is the single write path for account state:
// token updates, deactivation, cursor advancement and deletion each go
// through one dedicated statement so that concurrent operations never
// interleave partial field writes.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/glowdesk/mailsync/internal/model"
)

const createTablesSQL = `
CREATE TABLE IF NOT EXISTS accounts (
	id             TEXT PRIMARY KEY,
	org_id         TEXT NOT NULL,
	email          TEXT NOT NULL,
	access_token   TEXT NOT NULL DEFAULT '',
	refresh_token  TEXT NOT NULL DEFAULT '',
	token_expiry   DATETIME,
	is_active      INTEGER NOT NULL DEFAULT 1,
	last_error     TEXT,
	history_cursor TEXT NOT NULL DEFAULT '',
	created_at     DATETIME NOT NULL,
	updated_at     DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS audit_log (
	id         TEXT PRIMARY KEY,
	org_id     TEXT NOT NULL,
	provider   TEXT NOT NULL,
	event_type TEXT NOT NULL,
	message    TEXT,
	created_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_accounts_org ON accounts(org_id);
CREATE INDEX IF NOT EXISTS idx_audit_org ON audit_log(org_id);
`

var (
	// ErrNotFound is returned when an account does not exist.
	ErrNotFound = errors.New("account not found")

	// ErrCursorConflict is returned by AdvanceCursor when the stored
	// cursor no longer matches the caller's pre-read value, meaning a
	// concurrent sync already advanced it.
	ErrCursorConflict = errors.New("history cursor changed concurrently")
)

// DB is the SQLite-backed account and audit store.
type DB struct {
	db *sql.DB
}

// Open opens or creates the store database at path.
func Open(path string) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open store db: %w", err)
	}

	if _, err := db.Exec(createTablesSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("init store db: %w", err)
	}

	return &DB{db: db}, nil
}

// Close releases the database connection.
func (s *DB) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Create inserts a new connected account. Fills ID and timestamps if unset.
func (s *DB) Create(ctx context.Context, acct *model.ConnectedAccount) error {
	if acct.ID == "" {
		acct.ID = model.NewID()
	}
	now := time.Now().UTC()
	if acct.CreatedAt.IsZero() {
		acct.CreatedAt = now
	}
	acct.UpdatedAt = now

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO accounts
		 (id, org_id, email, access_token, refresh_token, token_expiry,
		  is_active, last_error, history_cursor, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		acct.ID, acct.OrgID, acct.Email, acct.AccessToken, acct.RefreshToken,
		nullTime(acct.TokenExpiry), acct.IsActive, acct.LastError,
		acct.HistoryCursor, acct.CreatedAt, acct.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert account: %w", err)
	}
	return nil
}

// Get loads an account by ID.
func (s *DB) Get(ctx context.Context, id string) (*model.ConnectedAccount, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, org_id, email, access_token, refresh_token, token_expiry,
		        is_active, last_error, history_cursor, created_at, updated_at
		 FROM accounts WHERE id = ?`, id)
	return scanAccount(row)
}

// ListByOrg returns all accounts owned by a tenant.
func (s *DB) ListByOrg(ctx context.Context, orgID string) ([]model.ConnectedAccount, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, org_id, email, access_token, refresh_token, token_expiry,
		        is_active, last_error, history_cursor, created_at, updated_at
		 FROM accounts WHERE org_id = ? ORDER BY created_at`, orgID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var accounts []model.ConnectedAccount
	for rows.Next() {
		acct, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, *acct)
	}
	return accounts, rows.Err()
}

// UpdateTokens stores a freshly exchanged access token and its expiry,
// clearing any previous error. The refresh token is left untouched.
func (s *DB) UpdateTokens(ctx context.Context, id, accessToken string, expiry time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE accounts
		 SET access_token = ?, token_expiry = ?, last_error = NULL, updated_at = ?
		 WHERE id = ?`,
		accessToken, expiry.UTC(), time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("update tokens: %w", err)
	}
	return requireRow(res)
}

// Deactivate marks an account as requiring re-consent and records the
// human-readable reason shown to the user.
func (s *DB) Deactivate(ctx context.Context, id, reason string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE accounts SET is_active = 0, last_error = ?, updated_at = ? WHERE id = ?`,
		reason, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("deactivate account: %w", err)
	}
	return requireRow(res)
}

// AdvanceCursor moves the history cursor from the value the caller read
// to a new value. Compare-and-swap: if another sync advanced the cursor
// in the meantime the update is rejected with ErrCursorConflict.
func (s *DB) AdvanceCursor(ctx context.Context, id, from, to string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE accounts SET history_cursor = ?, updated_at = ?
		 WHERE id = ? AND history_cursor = ?`,
		to, time.Now().UTC(), id, from)
	if err != nil {
		return fmt.Errorf("advance cursor: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		// Distinguish a vanished account from a concurrent advance.
		if _, err := s.Get(ctx, id); err != nil {
			return err
		}
		return ErrCursorConflict
	}
	return nil
}

// Delete removes an account. Returns ErrNotFound if it does not exist,
// so a repeated disconnect stays a clean no-op for the caller.
func (s *DB) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM accounts WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete account: %w", err)
	}
	return requireRow(res)
}

// AppendAudit writes one audit record. Fills ID and timestamp if unset.
func (s *DB) AppendAudit(ctx context.Context, ev model.AuditEvent) error {
	if ev.ID == "" {
		ev.ID = model.NewID()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_log (id, org_id, provider, event_type, message, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.OrgID, ev.Provider, ev.EventType, ev.Message, ev.CreatedAt)
	if err != nil {
		return fmt.Errorf("append audit: %w", err)
	}
	return nil
}

// RecentAudit returns the most recent audit events for a tenant.
func (s *DB) RecentAudit(ctx context.Context, orgID string, limit int) ([]model.AuditEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, org_id, provider, event_type, message, created_at
		 FROM audit_log WHERE org_id = ? ORDER BY created_at DESC LIMIT ?`,
		orgID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []model.AuditEvent
	for rows.Next() {
		var ev model.AuditEvent
		var msg sql.NullString
		if err := rows.Scan(&ev.ID, &ev.OrgID, &ev.Provider, &ev.EventType, &msg, &ev.CreatedAt); err != nil {
			return nil, err
		}
		ev.Message = msg.String
		events = append(events, ev)
	}
	return events, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccount(row rowScanner) (*model.ConnectedAccount, error) {
	var acct model.ConnectedAccount
	var expiry sql.NullTime
	var lastErr sql.NullString
	err := row.Scan(&acct.ID, &acct.OrgID, &acct.Email, &acct.AccessToken,
		&acct.RefreshToken, &expiry, &acct.IsActive, &lastErr,
		&acct.HistoryCursor, &acct.CreatedAt, &acct.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	acct.TokenExpiry = expiry.Time
	acct.LastError = lastErr.String
	return &acct, nil
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC()
}
