package auth

import (
	"context"

	"setu/core/lifecycle"
	"setu/core/store"
)

// Viewer is the signed-in user as seen by one request. It is a copy and never
// changes after it is built.
type Viewer struct {
	UserID      string
	DisplayName string
	Email       string
	Role        store.Role
	City        string
	Points      int64
	SessionID   string
}

func (v Viewer) Actor() lifecycle.Actor {
	return lifecycle.Actor{ID: v.UserID, Name: v.DisplayName, Email: v.Email, Role: v.Role}
}

func (v Viewer) Is(role store.Role) bool { return v.Role == role }

type viewerKey struct{}

func WithViewer(ctx context.Context, v *Viewer) context.Context {
	if v == nil {
		return ctx
	}
	cp := *v
	return context.WithValue(ctx, viewerKey{}, cp)
}

func ViewerFromContext(ctx context.Context) (Viewer, bool) {
	v, ok := ctx.Value(viewerKey{}).(Viewer)
	return v, ok
}
