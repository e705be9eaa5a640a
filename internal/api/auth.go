package api

import (
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"log/slog"
	"net/http"
	"strings"
)

var ErrAuthRejected = errors.New("authentication required")

// APIKeyAuthenticator checks the shared admin key.
type APIKeyAuthenticator struct {
	keyHash [sha256.Size]byte
}

func NewAPIKeyAuthenticator(key string) (*APIKeyAuthenticator, error) {
	if key == "" {
		return nil, errors.New("api key must not be empty")
	}
	return &APIKeyAuthenticator{keyHash: sha256.Sum256([]byte(key))}, nil
}

// Authenticate reads the key from X-API-Key or an Authorization bearer
// token and compares it in constant time.
func (a *APIKeyAuthenticator) Authenticate(r *http.Request) error {
	key := r.Header.Get("X-API-Key")
	if key == "" {
		if token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok {
			key = token
		}
	}
	if key == "" {
		return ErrAuthRejected
	}

	got := sha256.Sum256([]byte(key))
	if subtle.ConstantTimeCompare(got[:], a.keyHash[:]) != 1 {
		return ErrAuthRejected
	}
	return nil
}

// RequireAPIKey rejects requests without a valid key before next runs.
func RequireAPIKey(auth *APIKeyAuthenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if err := auth.Authenticate(r); err != nil {
				slog.Warn("rejected unauthenticated request", "method", r.Method, "path", r.URL.Path, "remote", r.RemoteAddr)
				writeError(w, err)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
