package account

import (
	"encoding/json"
	"net/http"
)

// Middleware resolves the account with resolver and stores it in the request
// context. Anonymous requests pass through without an account; a malformed
// identity is rejected with 400.
func Middleware(resolver Resolver) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			a, ok, err := resolver.Resolve(r)
			if err != nil {
				writeError(w, http.StatusBadRequest, "bad_request", err.Error())
				return
			}
			if !ok {
				next.ServeHTTP(w, r)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithAccount(r.Context(), a)))
		})
	}
}

// RequireAccount rejects anonymous requests with 401.
func RequireAccount(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if IDFromContext(r.Context()) == "" {
			writeError(w, http.StatusUnauthorized, "unauthorized", "missing "+IDHeader+" header")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RequireReviewer rejects requests from accounts without the reviewer role.
func RequireReviewer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		a, ok := FromContext(r.Context())
		if !ok {
			writeError(w, http.StatusUnauthorized, "unauthorized", "missing "+IDHeader+" header")
			return
		}
		if !a.IsReviewer() {
			writeError(w, http.StatusForbidden, "forbidden", "reviewer role required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error":   code,
		"message": message,
	})
}
