package main

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/phrazzld/segqueue/internal/api"
	apiMiddleware "github.com/phrazzld/segqueue/internal/api/middleware"
)

// setupRouter creates and configures the application router.
func (app *application) setupRouter() http.Handler {
	r := chi.NewRouter()

	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Recoverer)
	r.Use(apiMiddleware.NewTraceMiddleware(app.logger))

	authMiddleware := apiMiddleware.NewAuthMiddleware(app.jwtService)
	queueHandler := api.NewQueueHandler(app.queueService, app.logger)
	eventsHandler := api.NewEventsHandler(app.notify.channel, app.logger)
	healthHandler := api.NewHealthHandler(app.healthChecks(), app.logger)

	r.Route("/api", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(authMiddleware.Authenticate)

			r.Route("/projects/{projectID}", func(r chi.Router) {
				r.Post("/queue", queueHandler.Submit)
				r.Get("/queue", queueHandler.List)
				r.Post("/queue/batch", queueHandler.SubmitBatch)
				r.Post("/queue/cancel", queueHandler.Cancel)
				r.Get("/queue/stats", queueHandler.Stats)
				r.Get("/events", eventsHandler.Stream)
			})
		})
	})

	r.Get("/health", healthHandler.Health)

	return r
}
