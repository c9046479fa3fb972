// Package actor carries the caller identity for administrative operations.
package actor

import (
	"context"
	"strings"

	"github.com/angelmondragon/eventrelay/pkg/enums"
	pkgerrors "github.com/angelmondragon/eventrelay/pkg/errors"
)

// Actor is whoever triggered an operation: an operator token or a scheduled job.
type Actor struct {
	ID   string
	Role enums.ActorRole
}

type ctxKey struct{}

// System is the identity background jobs act under.
var System = Actor{ID: "system", Role: enums.ActorRoleSystem}

func WithActor(ctx context.Context, a Actor) context.Context {
	return context.WithValue(ctx, ctxKey{}, a)
}

func FromContext(ctx context.Context) (Actor, bool) {
	if ctx == nil {
		return Actor{}, false
	}
	a, ok := ctx.Value(ctxKey{}).(Actor)
	if !ok || strings.TrimSpace(a.ID) == "" {
		return Actor{}, false
	}
	return a, true
}

// RequireElevated returns the actor when it may run recovery operations.
func RequireElevated(ctx context.Context) (Actor, error) {
	a, ok := FromContext(ctx)
	if !ok {
		return Actor{}, pkgerrors.New(pkgerrors.CodeUnauthorized, "actor required")
	}
	if !a.Role.IsElevated() {
		return Actor{}, pkgerrors.New(pkgerrors.CodeForbidden, "admin role required")
	}
	return a, nil
}
