package api

import (
	"context"
	"net/http"
	"strings"
)

const userIDHeader = "X-User-ID"

type userKey struct{}

// requireUser takes the caller identity from the gateway-injected header.
func (h *Handlers) requireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID := strings.TrimSpace(r.Header.Get(userIDHeader))
		if userID == "" {
			writeJSON(w, http.StatusUnauthorized, response{Success: false, Message: "Unauthorized"})
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userKey{}, userID)))
	})
}

func userFromContext(ctx context.Context) string {
	userID, _ := ctx.Value(userKey{}).(string)
	return userID
}
