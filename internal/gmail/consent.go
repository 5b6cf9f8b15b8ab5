package gmail

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	"github.com/glowdesk/mailsync/internal/model"
)

// oauthScopes is what a connected mailbox needs: read/modify for sync
// and label mutations, send for the outbound path.
var oauthScopes = []string{
	"https://www.googleapis.com/auth/gmail.modify",
	"https://www.googleapis.com/auth/gmail.send",
}

// ConnectorStore is the persistence contract for completing consent.
type ConnectorStore interface {
	Create(ctx context.Context, acct *model.ConnectedAccount) error
	AppendAudit(ctx context.Context, ev model.AuditEvent) error
}

// Connector runs the OAuth consent flow: it hands out the provider
// authorization URL and turns a returned code into a ConnectedAccount.
type Connector struct {
	cfg        *oauth2.Config
	store      ConnectorStore
	httpClient *http.Client
	apiBase    string
}

// NewConnector creates a consent connector for the given OAuth client.
func NewConnector(store ConnectorStore, clientID, clientSecret, redirectURL string) *Connector {
	return &Connector{
		cfg: &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			RedirectURL:  redirectURL,
			Scopes:       oauthScopes,
			Endpoint:     google.Endpoint,
		},
		store:      store,
		httpClient: &http.Client{Timeout: 15 * time.Second},
		apiBase:    gmailBaseURL,
	}
}

// AuthURL returns the provider consent URL. Offline access plus forced
// approval so a refresh token is always issued.
func (c *Connector) AuthURL(state string) string {
	return c.cfg.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.ApprovalForce)
}

// Complete trades an authorization code for tokens, resolves the
// mailbox address from the profile endpoint, and persists the new
// ConnectedAccount for the tenant.
func (c *Connector) Complete(ctx context.Context, orgID, code string) (*model.ConnectedAccount, error) {
	tok, err := c.cfg.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("oauth exchange: %w", err)
	}
	if tok.RefreshToken == "" {
		return nil, fmt.Errorf("provider issued no refresh token; consent must request offline access")
	}

	profile, err := c.fetchProfile(ctx, tok.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("fetch mailbox profile: %w", err)
	}

	acct := &model.ConnectedAccount{
		OrgID:        orgID,
		Email:        profile.EmailAddress,
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		TokenExpiry:  tok.Expiry,
		IsActive:     true,
		// HistoryCursor stays empty: the first sync must be a full
		// listing, which derives a fresh cursor itself.
	}
	if err := c.store.Create(ctx, acct); err != nil {
		return nil, fmt.Errorf("persist account: %w", err)
	}

	ev := model.AuditEvent{
		OrgID:     orgID,
		Provider:  model.ProviderGmail,
		EventType: model.AuditConnected,
		Message:   "mailbox " + acct.Email + " connected",
	}
	if err := c.store.AppendAudit(ctx, ev); err != nil {
		log.Printf("WARN: audit connect for %s: %v", acct.ID, err)
	}
	return acct, nil
}

// fetchProfile calls the profile endpoint with a raw bearer token,
// before the account exists for the token manager.
func (c *Connector) fetchProfile(ctx context.Context, accessToken string) (*Profile, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.apiBase+"/users/me/profile", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &RetryableError{Cause: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, &RetryableError{Cause: err}
	}
	if resp.StatusCode >= 500 {
		return nil, &RetryableError{Cause: fmt.Errorf("provider returned %d", resp.StatusCode)}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, decodeAPIError(resp.StatusCode, data)
	}

	var p Profile
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("decode profile: %w", err)
	}
	return &p, nil
}
