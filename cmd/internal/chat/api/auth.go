package chatapi

import (
	"context"
	"net/http"
	"strings"
)

// DevUserHeader carries the caller id when dev authentication is enabled.
const DevUserHeader = "X-User-ID"

type userKey struct{}

func userFrom(ctx context.Context) string {
	id, _ := ctx.Value(userKey{}).(string)
	return id
}

// requireUser resolves the caller from a bearer token, or from DevUserHeader
// when no verifier is configured and dev auth is on.
func (h *Handler) requireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var userID string
		switch {
		case h.verifier != nil:
			tok := bearerToken(r)
			if tok == "" {
				writeError(w, http.StatusUnauthorized, "unauthorized", "missing bearer token")
				return
			}
			claims, err := h.verifier.Verify(tok, h.now())
			if err != nil {
				writeError(w, http.StatusUnauthorized, "unauthorized", "invalid token")
				return
			}
			userID = claims.UserID
		case h.devAuth:
			userID = strings.TrimSpace(r.Header.Get(DevUserHeader))
			if userID == "" {
				writeError(w, http.StatusUnauthorized, "unauthorized", "missing "+DevUserHeader)
				return
			}
		default:
			writeError(w, http.StatusUnauthorized, "unauthorized", "authentication unavailable")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userKey{}, userID)))
	})
}

func bearerToken(r *http.Request) string {
	raw := strings.TrimSpace(r.Header.Get("Authorization"))
	if raw == "" {
		return ""
	}
	parts := strings.SplitN(raw, " ", 2)
	if len(parts) != 2 {
		return ""
	}
	if !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
