package middleware

import (
	"net/http"

	"clinicflow/internal/auth"
)

// RequireInternalAuth middleware ensures the request carries the system
// secret as a bearer token. systemSecret is plain or "sha256:<hex>"; an
// empty or malformed secret rejects every request.
func RequireInternalAuth(systemSecret string) func(http.Handler) http.Handler {
	secret, err := auth.ParseSecret(systemSecret)
	if err != nil {
		secret = auth.Secret{}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !secret.Enabled() {
				http.Error(w, "Internal API disabled", http.StatusUnauthorized)
				return
			}

			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				http.Error(w, "Missing authorization header", http.StatusUnauthorized)
				return
			}

			token, ok := auth.BearerToken(authHeader)
			if !ok {
				http.Error(w, "Invalid authorization header", http.StatusUnauthorized)
				return
			}

			if !secret.Matches(token) {
				http.Error(w, "Invalid authorization token", http.StatusUnauthorized)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
