package web

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	gosync "sync"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/glowdesk/mailsync/internal/gmail"
	"github.com/glowdesk/mailsync/internal/model"
	"github.com/glowdesk/mailsync/internal/store"
	"github.com/glowdesk/mailsync/internal/sync"
)

type server struct {
	cfg    Config
	states *stateStore
}

// stateStore holds pending OAuth states, mapping the random state
// value back to the tenant that started the consent flow.
type stateStore struct {
	mu      gosync.Mutex
	pending map[string]stateEntry
}

type stateEntry struct {
	orgID   string
	expires time.Time
}

func newStateStore() *stateStore {
	return &stateStore{pending: make(map[string]stateEntry)}
}

func (s *stateStore) issue(orgID string) string {
	buf := make([]byte, 16)
	rand.Read(buf)
	state := hex.EncodeToString(buf)

	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	for k, e := range s.pending {
		if now.After(e.expires) {
			delete(s.pending, k)
		}
	}
	s.pending[state] = stateEntry{orgID: orgID, expires: now.Add(15 * time.Minute)}
	return state
}

// consume resolves and invalidates a state value. Second use fails.
func (s *stateStore) consume(state string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.pending[state]
	if !ok || time.Now().After(e.expires) {
		return "", false
	}
	delete(s.pending, state)
	return e.orgID, true
}

func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// POST /api/connect {"org_id": "..."} -> consent URL for the tenant.
func (s *server) handleConnect(w http.ResponseWriter, r *http.Request) {
	var req struct {
		OrgID string `json:"org_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.OrgID == "" {
		writeError(w, http.StatusBadRequest, "org_id is required")
		return
	}
	state := s.states.issue(req.OrgID)
	writeJSON(w, http.StatusOK, map[string]string{
		"auth_url": s.cfg.Connector.AuthURL(state),
	})
}

// GET /auth/google/callback?state=...&code=...
func (s *server) handleOAuthCallback(w http.ResponseWriter, r *http.Request) {
	if errMsg := r.URL.Query().Get("error"); errMsg != "" {
		writeError(w, http.StatusBadRequest, "consent denied: "+errMsg)
		return
	}
	state := r.URL.Query().Get("state")
	code := r.URL.Query().Get("code")
	if state == "" || code == "" {
		writeError(w, http.StatusBadRequest, "missing state or code")
		return
	}
	orgID, ok := s.states.consume(state)
	if !ok {
		writeError(w, http.StatusBadRequest, "unknown or expired state")
		return
	}

	acct, err := s.cfg.Connector.Complete(r.Context(), orgID, code)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, acct)
}

func (s *server) handleListAccounts(w http.ResponseWriter, r *http.Request) {
	orgID := r.URL.Query().Get("org_id")
	if orgID == "" {
		writeError(w, http.StatusBadRequest, "org_id is required")
		return
	}
	accounts, err := s.cfg.Accounts.ListByOrg(r.Context(), orgID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, accounts)
}

func (s *server) handleGetAccount(w http.ResponseWriter, r *http.Request) {
	acct, err := s.cfg.Accounts.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, acct)
}

func (s *server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	if err := s.cfg.Engine.Disconnect(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "disconnected"})
}

// POST .../sync?wait=1 runs synchronously; default is fire-and-forget.
func (s *server) handleSyncTrigger(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if r.URL.Query().Get("wait") != "" {
		res, err := s.cfg.Engine.SyncNow(r.Context(), id)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, res)
		return
	}
	if err := s.cfg.Engine.StartSync(id); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "sync started"})
}

func (s *server) handleSyncStop(w http.ResponseWriter, r *http.Request) {
	if err := s.cfg.Engine.StopSync(chi.URLParam(r, "id")); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopping"})
}

func (s *server) handleSyncStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.cfg.Engine.AccountStatus(chi.URLParam(r, "id")))
}

func (s *server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	acct, err := s.cfg.Accounts.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	msgs, err := s.cfg.Cache.ListMessages(r.Context(), acct)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, msgs)
}

func (s *server) handleGetMessage(w http.ResponseWriter, r *http.Request) {
	acct, err := s.cfg.Accounts.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	msg, err := s.cfg.Cache.GetMessage(r.Context(), acct, chi.URLParam(r, "msgID"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, msg)
}

func (s *server) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	var req struct {
		IDs  []string `json:"ids"`
		Read bool     `json:"read"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.cfg.Gmail.MarkRead(r.Context(), chi.URLParam(r, "id"), req.IDs, req.Read); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"updated": len(req.IDs)})
}

func (s *server) handleArchive(w http.ResponseWriter, r *http.Request) {
	var req struct {
		IDs []string `json:"ids"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.cfg.Gmail.Archive(r.Context(), chi.URLParam(r, "id"), req.IDs); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"updated": len(req.IDs)})
}

func (s *server) handleStar(w http.ResponseWriter, r *http.Request) {
	var req struct {
		IDs     []string `json:"ids"`
		Starred bool     `json:"starred"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.cfg.Gmail.SetStar(r.Context(), chi.URLParam(r, "id"), req.IDs, req.Starred); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"updated": len(req.IDs)})
}

func (s *server) handleSend(w http.ResponseWriter, r *http.Request) {
	var out gmail.Outgoing
	if err := json.NewDecoder(r.Body).Decode(&out); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	sent, err := s.cfg.Gmail.SendMessage(r.Context(), chi.URLParam(r, "id"), out)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"id":        sent.ID,
		"thread_id": sent.ThreadID,
	})
}

func (s *server) handleAudit(w http.ResponseWriter, r *http.Request) {
	orgID := r.URL.Query().Get("org_id")
	if orgID == "" {
		writeError(w, http.StatusBadRequest, "org_id is required")
		return
	}
	events, err := s.cfg.Accounts.RecentAudit(r.Context(), orgID, 100)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if events == nil {
		events = []model.AuditEvent{}
	}
	writeJSON(w, http.StatusOK, events)
}

// writeDomainError maps domain errors onto HTTP statuses: missing
// records to 404, credential problems to 422, provider throttling and
// outages to 429/502, single-flight conflicts to 409.
func writeDomainError(w http.ResponseWriter, err error) {
	var ae *gmail.AuthError
	var pe *gmail.ProviderError
	var re *gmail.RetryableError
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, sync.ErrSyncRunning):
		writeError(w, http.StatusConflict, err.Error())
	case errors.As(err, &ae):
		writeError(w, http.StatusUnprocessableEntity, ae.Reason)
	case errors.As(err, &pe) && pe.RateLimited():
		writeError(w, http.StatusTooManyRequests, pe.Message)
	case errors.As(err, &pe):
		writeError(w, http.StatusBadGateway, pe.Message)
	case errors.As(err, &re):
		writeError(w, http.StatusBadGateway, "provider temporarily unavailable")
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}
