package server

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"

	"github.com/54b3r/ragkit-go/internal/logging"
)

// authMiddleware requires "Authorization: Bearer <apiKey>" on the tool
// routes and /mcp. An empty apiKey disables the check; New warns about that
// once at startup. Rejections carry a Bearer challenge and the API's JSON
// error body. Presented tokens are never logged.
func authMiddleware(apiKey string, next http.Handler) http.Handler {
	if apiKey == "" {
		return next
	}
	want := []byte(apiKey)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, present := bearerToken(r)
		if present && subtle.ConstantTimeCompare([]byte(token), want) == 1 {
			next.ServeHTTP(w, r)
			return
		}

		challenge, msg := `Bearer realm="ragkit"`, "authorization required"
		if present {
			challenge, msg = `Bearer realm="ragkit", error="invalid_token"`, "invalid token"
		}
		logging.FromContext(r.Context()).Warn("auth: request rejected",
			slog.Bool("token_present", present),
		)
		w.Header().Set("WWW-Authenticate", challenge)
		writeJSON(r.Context(), w, http.StatusUnauthorized, errorResponse{
			Status:  "error",
			Kind:    "Unauthorized",
			Message: msg,
		})
	})
}

// bearerToken extracts the token from an "Authorization: Bearer <token>"
// header. present is false when the header is absent, uses another scheme
// or carries an empty token.
func bearerToken(r *http.Request) (token string, present bool) {
	scheme, token, ok := strings.Cut(r.Header.Get("Authorization"), " ")
	if !ok || !strings.EqualFold(scheme, "bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}
