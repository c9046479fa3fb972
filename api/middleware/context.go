package middleware

import (
	"context"

	"github.com/angelmondragon/eventrelay/pkg/actor"
)

// ActorIDFromContext returns the authenticated actor id or an empty string.
func ActorIDFromContext(ctx context.Context) string {
	if a, ok := actor.FromContext(ctx); ok {
		return a.ID
	}
	return ""
}

// RoleFromContext returns the authenticated actor role or an empty string.
func RoleFromContext(ctx context.Context) string {
	if a, ok := actor.FromContext(ctx); ok {
		return string(a.Role)
	}
	return ""
}
