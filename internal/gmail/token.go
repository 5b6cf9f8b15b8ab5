package gmail

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/glowdesk/mailsync/internal/model"
)

const (
	googleTokenURL  = "https://oauth2.googleapis.com/token"
	googleRevokeURL = "https://oauth2.googleapis.com/revoke"

	// expiryBuffer is how long before the stored expiry a token is
	// already considered unusable. Keeps in-flight requests from
	// racing the actual expiry.
	expiryBuffer = 5 * time.Minute
)

// AccountStore is the narrow persistence contract the provider core
// consumes. Implemented by store.DB.
type AccountStore interface {
	Get(ctx context.Context, id string) (*model.ConnectedAccount, error)
	UpdateTokens(ctx context.Context, id, accessToken string, expiry time.Time) error
	Deactivate(ctx context.Context, id, reason string) error
}

// TokenManager decides whether a cached access token is usable and
// performs the refresh-token exchange when it is not.
type TokenManager struct {
	store        AccountStore
	clientID     string
	clientSecret string
	httpClient   *http.Client

	tokenURL  string
	revokeURL string
	now       func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.Mutex // per-account refresh serialization
}

// NewTokenManager creates a token manager using the given OAuth client
// credentials.
func NewTokenManager(store AccountStore, clientID, clientSecret string) *TokenManager {
	return &TokenManager{
		store:        store,
		clientID:     clientID,
		clientSecret: clientSecret,
		httpClient:   &http.Client{Timeout: 15 * time.Second},
		tokenURL:     googleTokenURL,
		revokeURL:    googleRevokeURL,
		now:          time.Now,
		locks:        make(map[string]*sync.Mutex),
	}
}

// Forget drops the refresh lock held for an account, so the locks map
// does not accumulate entries for disconnected accounts.
func (m *TokenManager) Forget(accountID string) {
	m.mu.Lock()
	delete(m.locks, accountID)
	m.mu.Unlock()
}

// lockFor returns the mutex serializing refreshes for one account.
func (m *TokenManager) lockFor(accountID string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[accountID]
	if !ok {
		l = &sync.Mutex{}
		m.locks[accountID] = l
	}
	return l
}

// EnsureAccessToken returns a usable bearer token for the account. If
// the stored token expires more than expiryBuffer from now it is
// returned as-is with no network call; otherwise a refresh-token
// exchange runs. Exchanges for the same account are serialized: Google
// invalidates a refresh token after first use, so two racing exchanges
// would spuriously deactivate the account.
func (m *TokenManager) EnsureAccessToken(ctx context.Context, accountID string) (string, error) {
	lock := m.lockFor(accountID)
	lock.Lock()
	defer lock.Unlock()

	acct, err := m.store.Get(ctx, accountID)
	if err != nil {
		return "", err
	}
	if !acct.IsActive {
		reason := acct.LastError
		if reason == "" {
			reason = "mailbox is disconnected, please reconnect"
		}
		return "", &AuthError{Reason: reason}
	}
	if acct.RefreshToken == "" {
		return "", &AuthError{Reason: "no refresh token on file, please reconnect"}
	}

	// A token with a zero or stale-looking expiry is untrustworthy
	// and goes through refresh even if it looks syntactically valid.
	if acct.AccessToken != "" && !acct.TokenExpiry.IsZero() &&
		m.now().Add(expiryBuffer).Before(acct.TokenExpiry) {
		return acct.AccessToken, nil
	}

	token, expiresIn, err := m.exchange(ctx, acct.RefreshToken)
	if err != nil {
		if ae, ok := authReason(err); ok {
			if derr := m.store.Deactivate(ctx, accountID, ae); derr != nil {
				log.Printf("WARN: deactivate account %s: %v", accountID, derr)
			}
		}
		return "", err
	}

	expiry := m.now().Add(time.Duration(expiresIn) * time.Second)
	if err := m.store.UpdateTokens(ctx, accountID, token, expiry); err != nil {
		return "", fmt.Errorf("persist refreshed token: %w", err)
	}
	return token, nil
}

// exchange performs the refresh-token grant against the token endpoint.
func (m *TokenManager) exchange(ctx context.Context, refreshToken string) (string, int, error) {
	form := url.Values{
		"client_id":     {m.clientID},
		"client_secret": {m.clientSecret},
		"refresh_token": {refreshToken},
		"grant_type":    {"refresh_token"},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.tokenURL,
		strings.NewReader(form.Encode()))
	if err != nil {
		return "", 0, fmt.Errorf("build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return "", 0, &RetryableError{Cause: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", 0, &RetryableError{Cause: err}
	}

	if resp.StatusCode >= 500 {
		return "", 0, &RetryableError{Cause: fmt.Errorf("token endpoint returned %d", resp.StatusCode)}
	}
	if resp.StatusCode != http.StatusOK {
		var oauthErr struct {
			Error       string `json:"error"`
			Description string `json:"error_description"`
		}
		_ = json.Unmarshal(body, &oauthErr)
		reason := "refresh token rejected by provider"
		if oauthErr.Error != "" {
			reason = fmt.Sprintf("refresh token rejected (%s): %s", oauthErr.Error, oauthErr.Description)
		}
		return "", 0, &AuthError{Reason: reason}
	}

	var tok struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
		TokenType   string `json:"token_type"`
		Scope       string `json:"scope"`
	}
	if err := json.Unmarshal(body, &tok); err != nil {
		return "", 0, &RetryableError{Cause: fmt.Errorf("decode token response: %w", err)}
	}
	if tok.AccessToken == "" {
		return "", 0, &AuthError{Reason: "token endpoint returned no access token"}
	}
	return tok.AccessToken, tok.ExpiresIn, nil
}

// Revoke invalidates an access token at the provider's revocation
// endpoint. Callers in the disconnect flow treat failure as
// non-fatal; a token that is already invalid is not an error worth
// surfacing.
func (m *TokenManager) Revoke(ctx context.Context, accessToken string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		m.revokeURL+"?token="+url.QueryEscape(accessToken), nil)
	if err != nil {
		return err
	}
	resp, err := m.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("revoke endpoint returned %d", resp.StatusCode)
	}
	return nil
}

// authReason extracts the user-facing reason from an AuthError.
func authReason(err error) (string, bool) {
	var ae *AuthError
	if errors.As(err, &ae) {
		return ae.Reason, true
	}
	return "", false
}
