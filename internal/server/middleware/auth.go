package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// healthPath stays reachable without credentials so load balancers and
// orchestrators can probe a locked-down deployment.
const healthPath = "/api/health"

// Auth guards the control plane with a single static key, accepted either as
// "Authorization: Bearer <key>" or in X-API-Key. An empty configured key
// disables the check, which is how the paper-trading setup usually runs.
func Auth(apiKey string) func(http.Handler) http.Handler {
	secret := []byte(apiKey)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if apiKey == "" || r.URL.Path == healthPath {
				next.ServeHTTP(w, r)
				return
			}

			// Constant-time compare; the key gates live trading accounts.
			got := credential(r)
			if got == "" || subtle.ConstantTimeCompare([]byte(got), secret) != 1 {
				w.Header().Set("Content-Type", "application/json; charset=utf-8")
				w.WriteHeader(http.StatusUnauthorized)
				w.Write([]byte(`{"error":"unauthorized"}`))
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// credential pulls the presented key from the Authorization Bearer scheme,
// then from X-API-Key.
func credential(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		if scheme, rest, ok := strings.Cut(auth, " "); ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(rest)
		}
	}
	return strings.TrimSpace(r.Header.Get("X-API-Key"))
}
