// Package web provides the HTTP router and handlers for the mailbox
// sync service.
package web

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/glowdesk/mailsync/internal/gmail"
	"github.com/glowdesk/mailsync/internal/storage"
	"github.com/glowdesk/mailsync/internal/store"
	"github.com/glowdesk/mailsync/internal/sync"
)

// Config holds dependencies for the web layer.
type Config struct {
	Accounts  *store.DB
	Connector *gmail.Connector
	Gmail     *gmail.Client
	Engine    *sync.Engine
	Cache     *storage.CacheApplier

	// APIKeyHash is the bcrypt hash requests must authenticate
	// against. Empty disables auth.
	APIKeyHash string
}

// NewRouter creates the Chi router with all routes.
func NewRouter(cfg Config) http.Handler {
	s := &server{cfg: cfg, states: newStateStore()}

	r := chi.NewRouter()

	// Middleware.
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(corsMiddleware)

	// Public routes. The OAuth callback is hit by the provider's
	// redirect, which carries no API key.
	r.Group(func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/auth/google/callback", s.handleOAuthCallback)
	})

	// Protected API.
	r.Group(func(r chi.Router) {
		r.Use(requireAPIKey(cfg.APIKeyHash))

		r.Post("/api/connect", s.handleConnect)

		r.Get("/api/accounts", s.handleListAccounts)
		r.Get("/api/accounts/{id}", s.handleGetAccount)
		r.Delete("/api/accounts/{id}", s.handleDisconnect)

		r.Post("/api/accounts/{id}/sync", s.handleSyncTrigger)
		r.Post("/api/accounts/{id}/sync/stop", s.handleSyncStop)
		r.Get("/api/accounts/{id}/sync/status", s.handleSyncStatus)

		r.Get("/api/accounts/{id}/messages", s.handleListMessages)
		r.Get("/api/accounts/{id}/messages/{msgID}", s.handleGetMessage)
		r.Post("/api/accounts/{id}/messages/read", s.handleMarkRead)
		r.Post("/api/accounts/{id}/messages/archive", s.handleArchive)
		r.Post("/api/accounts/{id}/messages/star", s.handleStar)

		r.Post("/api/accounts/{id}/send", s.handleSend)

		r.Get("/api/audit", s.handleAudit)
	})

	return r
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-API-Key")
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
