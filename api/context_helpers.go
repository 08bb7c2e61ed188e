package api

import (
	"context"
	"strings"

	"CommitrakCRM/api/auth"
)

// RequestedByFromCtx resolves a display name for audit trails: the session on
// the context wins, falling back to the live session registry for the user.
func RequestedByFromCtx(ctx context.Context, userID string) string {
	if s := CtxSession(ctx); s != nil {
		if strings.TrimSpace(s.Name) != "" {
			return s.Name
		}
		if strings.TrimSpace(s.UserID) != "" {
			return s.UserID
		}
	}
	for _, s := range auth.GetActiveSessions() {
		if s.UserID == userID {
			return s.Name
		}
	}
	return ""
}

// CtxSession returns the authenticated session attached by SessionMiddleware.
func CtxSession(ctx context.Context) *auth.UserSession {
	if v := ctx.Value(SessionKey); v != nil {
		if s, ok := v.(*auth.UserSession); ok {
			return s
		}
	}
	return nil
}

// CtxWorkspaceID returns the workspace the session belongs to, or "".
func CtxWorkspaceID(ctx context.Context) string {
	if s := CtxSession(ctx); s != nil {
		return s.WorkspaceID
	}
	return ""
}

// CtxIsAdmin reports whether the session carries an admin role.
func CtxIsAdmin(ctx context.Context) bool {
	s := CtxSession(ctx)
	return s != nil && strings.EqualFold(s.Role, "admin")
}

// WorkspaceAllowed reports whether the session on ctx may act on the given
// workspace. Admin sessions cross workspaces; other sessions are pinned to
// their own. Requests without a session (open routes behind the gateway)
// are not restricted here.
func WorkspaceAllowed(ctx context.Context, workspaceID string) bool {
	ws := CtxWorkspaceID(ctx)
	return ws == "" || CtxIsAdmin(ctx) || ws == workspaceID
}
