package web

import (
	"fmt"
	"net/http"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

const bcryptCost = 12

// HashAPIKey returns a bcrypt hash of the plaintext API key, for
// storing in server config instead of the key itself.
func HashAPIKey(key string) (string, error) {
	if len(key) < 16 {
		return "", fmt.Errorf("api key must be at least 16 characters")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(key), bcryptCost)
	if err != nil {
		return "", fmt.Errorf("hash api key: %w", err)
	}
	return string(hash), nil
}

// checkAPIKey compares a presented key with the configured bcrypt hash.
func checkAPIKey(hash, key string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(key)) == nil
}

// keyFromRequest extracts the API key from the Authorization bearer
// header or the X-API-Key header.
func keyFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return r.Header.Get("X-API-Key")
}

// requireAPIKey is middleware that rejects requests without the
// configured key. An empty hash disables auth (local development).
func requireAPIKey(hash string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if hash == "" {
				next.ServeHTTP(w, r)
				return
			}
			key := keyFromRequest(r)
			if key == "" || !checkAPIKey(hash, key) {
				writeError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
