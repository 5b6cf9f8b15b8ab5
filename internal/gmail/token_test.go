package gmail

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/glowdesk/mailsync/internal/model"
)

// fakeStore is an in-memory AccountStore recording mutations. Safe for
// concurrent use so refresh serialization can be exercised.
type fakeStore struct {
	mu          sync.Mutex
	acct        model.ConnectedAccount
	updates     int32
	deactivated atomic.Bool
	lastReason  string
}

func (f *fakeStore) Get(ctx context.Context, id string) (*model.ConnectedAccount, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := f.acct
	return &cp, nil
}

func (f *fakeStore) UpdateTokens(ctx context.Context, id, accessToken string, expiry time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	atomic.AddInt32(&f.updates, 1)
	f.acct.AccessToken = accessToken
	f.acct.TokenExpiry = expiry
	return nil
}

func (f *fakeStore) Deactivate(ctx context.Context, id, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deactivated.Store(true)
	f.lastReason = reason
	f.acct.IsActive = false
	f.acct.LastError = reason
	return nil
}

func newTestManager(store *fakeStore, tokenURL string) *TokenManager {
	m := NewTokenManager(store, "client-id", "client-secret")
	if tokenURL != "" {
		m.tokenURL = tokenURL
	}
	return m
}

func TestEnsureAccessTokenReusesValidToken(t *testing.T) {
	calls := int32(0)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		t.Error("token endpoint should not be called for a valid token")
	}))
	defer srv.Close()

	store := &fakeStore{acct: model.ConnectedAccount{
		ID:           "acct-1",
		IsActive:     true,
		AccessToken:  "cached-token",
		RefreshToken: "refresh-1",
		TokenExpiry:  time.Now().Add(time.Hour),
	}}
	m := newTestManager(store, srv.URL)

	tok, err := m.EnsureAccessToken(context.Background(), "acct-1")
	if err != nil {
		t.Fatalf("EnsureAccessToken: %v", err)
	}
	if tok != "cached-token" {
		t.Errorf("got token %q, want cached-token", tok)
	}
	if n := atomic.LoadInt32(&calls); n != 0 {
		t.Errorf("token endpoint called %d times, want 0", n)
	}
}

func TestEnsureAccessTokenRefreshesNearExpiry(t *testing.T) {
	calls := int32(0)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		if err := r.ParseForm(); err != nil {
			t.Fatalf("parse form: %v", err)
		}
		if got := r.Form.Get("grant_type"); got != "refresh_token" {
			t.Errorf("grant_type = %q, want refresh_token", got)
		}
		if got := r.Form.Get("refresh_token"); got != "refresh-1" {
			t.Errorf("refresh_token = %q, want refresh-1", got)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token":"fresh-token","expires_in":3600,"token_type":"Bearer"}`))
	}))
	defer srv.Close()

	store := &fakeStore{acct: model.ConnectedAccount{
		ID:           "acct-1",
		IsActive:     true,
		AccessToken:  "old-token",
		RefreshToken: "refresh-1",
		// Inside the reuse buffer, so a refresh must run.
		TokenExpiry: time.Now().Add(time.Minute),
	}}
	m := newTestManager(store, srv.URL)

	tok, err := m.EnsureAccessToken(context.Background(), "acct-1")
	if err != nil {
		t.Fatalf("EnsureAccessToken: %v", err)
	}
	if tok != "fresh-token" {
		t.Errorf("got token %q, want fresh-token", tok)
	}
	if n := atomic.LoadInt32(&calls); n != 1 {
		t.Errorf("token endpoint called %d times, want 1", n)
	}
	if store.updates != 1 {
		t.Errorf("UpdateTokens called %d times, want 1", store.updates)
	}

	// The refreshed token must be reused without another exchange.
	tok2, err := m.EnsureAccessToken(context.Background(), "acct-1")
	if err != nil {
		t.Fatalf("second EnsureAccessToken: %v", err)
	}
	if tok2 != "fresh-token" {
		t.Errorf("got token %q, want fresh-token", tok2)
	}
	if n := atomic.LoadInt32(&calls); n != 1 {
		t.Errorf("token endpoint called %d times after reuse, want 1", n)
	}
}

func TestEnsureAccessTokenConcurrentSingleExchange(t *testing.T) {
	calls := int32(0)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		// Slow endpoint so racing callers pile up on the lock.
		time.Sleep(20 * time.Millisecond)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token":"fresh-token","expires_in":3600,"token_type":"Bearer"}`))
	}))
	defer srv.Close()

	store := &fakeStore{acct: model.ConnectedAccount{
		ID:           "acct-1",
		IsActive:     true,
		AccessToken:  "expired-token",
		RefreshToken: "refresh-1",
		TokenExpiry:  time.Now().Add(-time.Minute),
	}}
	m := newTestManager(store, srv.URL)

	const workers = 8
	var wg sync.WaitGroup
	tokens := make([]string, workers)
	errs := make([]error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tokens[i], errs[i] = m.EnsureAccessToken(context.Background(), "acct-1")
		}(i)
	}
	wg.Wait()

	for i := 0; i < workers; i++ {
		if errs[i] != nil {
			t.Fatalf("worker %d: %v", i, errs[i])
		}
		if tokens[i] != "fresh-token" {
			t.Errorf("worker %d got token %q", i, tokens[i])
		}
	}
	// The first caller exchanges; everyone queued behind it reuses the
	// stored result instead of spending the refresh token again.
	if n := atomic.LoadInt32(&calls); n != 1 {
		t.Errorf("token endpoint called %d times, want 1", n)
	}
	if n := atomic.LoadInt32(&store.updates); n != 1 {
		t.Errorf("UpdateTokens called %d times, want 1", n)
	}
}

func TestEnsureAccessTokenDeactivatesOnInvalidGrant(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":"invalid_grant","error_description":"Token has been revoked."}`))
	}))
	defer srv.Close()

	store := &fakeStore{acct: model.ConnectedAccount{
		ID:           "acct-1",
		IsActive:     true,
		RefreshToken: "refresh-1",
	}}
	m := newTestManager(store, srv.URL)

	_, err := m.EnsureAccessToken(context.Background(), "acct-1")
	var ae *AuthError
	if !errors.As(err, &ae) {
		t.Fatalf("got %v, want AuthError", err)
	}
	if !store.deactivated.Load() {
		t.Error("account was not deactivated after invalid_grant")
	}
	if store.lastReason == "" {
		t.Error("deactivation recorded no reason")
	}

	// Subsequent calls fail fast on the inactive account without
	// touching the network.
	_, err = m.EnsureAccessToken(context.Background(), "acct-1")
	if !errors.As(err, &ae) {
		t.Fatalf("inactive account: got %v, want AuthError", err)
	}
}

func TestEnsureAccessTokenTransientFailureKeepsState(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	store := &fakeStore{acct: model.ConnectedAccount{
		ID:           "acct-1",
		IsActive:     true,
		RefreshToken: "refresh-1",
	}}
	m := newTestManager(store, srv.URL)

	_, err := m.EnsureAccessToken(context.Background(), "acct-1")
	var re *RetryableError
	if !errors.As(err, &re) {
		t.Fatalf("got %v, want RetryableError", err)
	}
	if store.deactivated.Load() {
		t.Error("transient failure must not deactivate the account")
	}
	if store.updates != 0 {
		t.Error("transient failure must not persist tokens")
	}
}

func TestEnsureAccessTokenInactiveAccount(t *testing.T) {
	store := &fakeStore{acct: model.ConnectedAccount{
		ID:        "acct-1",
		IsActive:  false,
		LastError: "refresh token rejected (invalid_grant): revoked",
	}}
	m := newTestManager(store, "")

	_, err := m.EnsureAccessToken(context.Background(), "acct-1")
	var ae *AuthError
	if !errors.As(err, &ae) {
		t.Fatalf("got %v, want AuthError", err)
	}
	if ae.Reason != store.acct.LastError {
		t.Errorf("reason = %q, want stored last error", ae.Reason)
	}
}

func TestForgetDropsLock(t *testing.T) {
	store := &fakeStore{acct: model.ConnectedAccount{
		ID:           "acct-1",
		IsActive:     true,
		AccessToken:  "cached-token",
		RefreshToken: "refresh-1",
		TokenExpiry:  time.Now().Add(time.Hour),
	}}
	m := newTestManager(store, "")

	if _, err := m.EnsureAccessToken(context.Background(), "acct-1"); err != nil {
		t.Fatalf("EnsureAccessToken: %v", err)
	}
	if len(m.locks) != 1 {
		t.Fatalf("locks = %d, want 1", len(m.locks))
	}

	m.Forget("acct-1")
	if len(m.locks) != 0 {
		t.Errorf("locks = %d after Forget, want 0", len(m.locks))
	}
	// Forgetting an unknown account is a no-op.
	m.Forget("never-seen")
}

func TestRevoke(t *testing.T) {
	gotToken := ""
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotToken = r.URL.Query().Get("token")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	m := newTestManager(&fakeStore{}, "")
	m.revokeURL = srv.URL

	if err := m.Revoke(context.Background(), "the-token"); err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	if gotToken != "the-token" {
		t.Errorf("revoked token = %q, want the-token", gotToken)
	}
}
