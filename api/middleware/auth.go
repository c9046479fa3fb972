package middleware

import (
	"net/http"
	"strings"

	"github.com/angelmondragon/eventrelay/api/responses"
	"github.com/angelmondragon/eventrelay/pkg/actor"
	pkgAuth "github.com/angelmondragon/eventrelay/pkg/auth"
	"github.com/angelmondragon/eventrelay/pkg/config"
	pkgerrors "github.com/angelmondragon/eventrelay/pkg/errors"
	"github.com/angelmondragon/eventrelay/pkg/logger"
)

// Auth validates a bearer token and seeds the request context with the actor it names.
func Auth(cfg config.JWTConfig, logg *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := strings.TrimSpace(r.Header.Get("Authorization"))
			if raw == "" {
				responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeUnauthorized, "missing credentials"))
				return
			}

			token := raw
			if strings.HasPrefix(strings.ToLower(token), "bearer ") {
				token = strings.TrimSpace(token[7:])
			}
			if token == "" {
				responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeUnauthorized, "missing credentials"))
				return
			}

			claims, err := pkgAuth.ParseAccessToken(cfg, token)
			if err != nil {
				responses.WriteError(r.Context(), logg, w, pkgerrors.Wrap(pkgerrors.CodeUnauthorized, err, "invalid token"))
				return
			}

			ctx := actor.WithActor(r.Context(), actor.Actor{ID: claims.ActorID(), Role: claims.Role})
			if logg != nil {
				ctx = logg.WithFields(ctx, map[string]any{
					"actor_id":   claims.ActorID(),
					"actor_role": string(claims.Role),
				})
			}

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
