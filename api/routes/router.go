package routes

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/angelmondragon/eventrelay/api/controllers"
	"github.com/angelmondragon/eventrelay/api/middleware"
	"github.com/angelmondragon/eventrelay/pkg/config"
	"github.com/angelmondragon/eventrelay/pkg/enums"
	"github.com/angelmondragon/eventrelay/pkg/logger"
	pkgredis "github.com/angelmondragon/eventrelay/pkg/redis"
)

type RouterParams struct {
	Config         *config.Config
	Logger         *logger.Logger
	Readiness      map[string]controllers.Pinger
	Idempotency    pkgredis.IdempotencyStore
	DeadLetters    controllers.DeadLetterService
	Monitor        controllers.QueueMonitor
	Inbox          controllers.InboxLister
	Webhooks       controllers.WebhookIngester
	MetricsHandler http.Handler
}

func NewRouter(p RouterParams) http.Handler {
	cfg, logg := p.Config, p.Logger
	r := chi.NewRouter()
	r.Use(
		middleware.Recoverer(logg),
		middleware.RequestID(logg),
		middleware.Logging(logg),
	)

	r.Route("/health", func(r chi.Router) {
		r.Get("/live", controllers.HealthLive(cfg))
		r.Get("/ready", controllers.HealthReady(cfg, logg, p.Readiness))
	})

	if p.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", p.MetricsHandler)
	}

	r.Post("/api/webhooks/{source}", controllers.Webhook(p.Webhooks, logg))

	r.Route("/api/admin", func(r chi.Router) {
		r.Use(middleware.CORS(cfg.App.CORSOrigins))
		r.Use(middleware.Auth(cfg.JWT, logg))
		r.Use(middleware.RequireRole(logg, enums.ActorRoleAdmin, enums.ActorRoleSystem))
		r.Use(middleware.Idempotency(p.Idempotency, logg))

		r.Route("/outbox", func(r chi.Router) {
			r.Route("/dead-letters", func(r chi.Router) {
				r.Get("/", controllers.AdminDeadLetterList(p.DeadLetters, logg))
				r.Delete("/", controllers.AdminDeadLetterPurge(p.DeadLetters, logg))
				r.Get("/count", controllers.AdminDeadLetterCount(p.DeadLetters, logg))
				r.Post("/retry", controllers.AdminDeadLetterRetryAll(p.DeadLetters, logg))
				r.Post("/{eventID}/retry", controllers.AdminDeadLetterRetry(p.DeadLetters, logg))
			})
			r.Get("/metrics", controllers.AdminQueueMetrics(p.Monitor, logg))
			r.Get("/stuck", controllers.AdminStuckEvents(p.Monitor, logg))
			r.Post("/stuck/{eventID}/release", controllers.AdminReleaseStuck(p.Monitor, logg))
		})
		r.Get("/inbox/unprocessed", controllers.AdminInboxUnprocessed(p.Inbox, logg))
	})

	return r
}
