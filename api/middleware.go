package api

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"strings"

	"CommitrakCRM/api/auth"
	"CommitrakCRM/api/constants"
)

type contextKey string

// SessionKey carries the authenticated *auth.UserSession; read it through
// CtxSession and the other context helpers.
const SessionKey contextKey = "session"

// extractUserID pulls user_id out of the request without consuming the body
// for downstream handlers. JSON bodies are re-wound after decoding; multipart
// forms are parsed in place (ParseMultipartForm caches the parts).
func extractUserID(r *http.Request) string {
	if uid := strings.TrimSpace(r.URL.Query().Get("user_id")); uid != "" {
		return uid
	}
	ct := r.Header.Get(constants.ContentTypeText)
	switch {
	case strings.HasPrefix(ct, constants.ContentTypeJSON) && (r.Method == http.MethodPost || r.Method == http.MethodPut):
		var bodyMap map[string]interface{}
		bodyBytes, _ := io.ReadAll(r.Body)
		r.Body = io.NopCloser(strings.NewReader(string(bodyBytes)))
		if err := json.Unmarshal(bodyBytes, &bodyMap); err == nil {
			if uid, ok := bodyMap[constants.KeyUserID].(string); ok {
				return strings.TrimSpace(uid)
			}
		}
	case strings.HasPrefix(ct, constants.ContentTypeMultipart) && (r.Method == http.MethodPost || r.Method == http.MethodPut):
		if err := r.ParseMultipartForm(32 << 20); err == nil {
			return strings.TrimSpace(r.FormValue(constants.KeyUserID))
		}
	}
	return ""
}

// SessionMiddleware requires a live session for the request's user_id and
// attaches it to the context for audit helpers.
func SessionMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID := extractUserID(r)
			if userID == "" {
				log.Println("[ERROR] Missing user_id in request")
				w.Header().Set(constants.ContentTypeText, constants.ContentTypeJSON)
				json.NewEncoder(w).Encode(map[string]interface{}{
					constants.ValueSuccess: false,
					constants.ValueError:   constants.ErrMissingUserID,
				})
				return
			}

			session := auth.SessionForUser(userID)
			if session == nil {
				log.Println("[ERROR] Invalid session for user_id:", userID)
				w.Header().Set(constants.ContentTypeText, constants.ContentTypeJSON)
				json.NewEncoder(w).Encode(map[string]interface{}{
					constants.ValueSuccess: false,
					constants.ValueError:   constants.ErrInvalidSession,
				})
				return
			}

			ctx := context.WithValue(r.Context(), SessionKey, session)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
