package api

import (
	"context"
	"testing"

	"CommitrakCRM/api/auth"
)

func sessionCtx(s *auth.UserSession) context.Context {
	return context.WithValue(context.Background(), SessionKey, s)
}

func TestWorkspaceAllowed(t *testing.T) {
	if !WorkspaceAllowed(context.Background(), "ws-1") {
		t.Error("request without a session should not be restricted")
	}

	member := sessionCtx(&auth.UserSession{UserID: "u1", Name: "Pat", WorkspaceID: "ws-1", Role: "analyst"})
	if !WorkspaceAllowed(member, "ws-1") {
		t.Error("session denied its own workspace")
	}
	if WorkspaceAllowed(member, "ws-2") {
		t.Error("session crossed into another workspace")
	}

	admin := sessionCtx(&auth.UserSession{UserID: "u2", Name: "Sam", WorkspaceID: "ws-1", Role: "Admin"})
	if !WorkspaceAllowed(admin, "ws-2") {
		t.Error("admin session should cross workspaces")
	}
}

func TestRequestedByFromCtx(t *testing.T) {
	ctx := sessionCtx(&auth.UserSession{UserID: "u1", Name: "Pat Doe"})
	if got := RequestedByFromCtx(ctx, "u1"); got != "Pat Doe" {
		t.Errorf("got %q, want session name", got)
	}

	// A session without a display name still identifies the actor.
	ctx = sessionCtx(&auth.UserSession{UserID: "u1"})
	if got := RequestedByFromCtx(ctx, "u1"); got != "u1" {
		t.Errorf("got %q, want user id fallback", got)
	}

	if got := RequestedByFromCtx(context.Background(), "nobody"); got != "" {
		t.Errorf("got %q, want empty for unknown user", got)
	}
}
