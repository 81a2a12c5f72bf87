package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/sungwon/mailqueue/internal/auth"
)

// Store is the persistence the API reads from directly.
type Store interface {
	EmailLister
	TemplateStore
}

// Deps are the collaborators NewRouter wires into handlers.
type Deps struct {
	Emails EmailService
	Store  Store
	DB     Pinger
	// Keys authenticates /api/v1. A nil or empty ring leaves the API open.
	Keys *auth.KeyRing
	// SpoolDir holds submitted attachment content until it is staged.
	SpoolDir string
	Log      zerolog.Logger
}

// NewRouter creates a chi.Mux with all routes, middleware, and handlers configured.
func NewRouter(d Deps) *chi.Mux {
	r := chi.NewRouter()

	// Global middleware
	r.Use(CorrelationIDMiddleware)
	r.Use(LoggingMiddleware(d.Log))
	r.Use(RecoverMiddleware(d.Log))

	// Health and metrics endpoints (no auth required)
	r.Get("/healthz", HealthzHandler())
	r.Get("/readyz", ReadyzHandler(d.DB))
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(auth.BearerAuth(d.Keys))

		// Emails
		r.Post("/emails", CreateEmailHandler(d.Emails, d.SpoolDir))
		r.Post("/emails/raw", CreateRawEmailHandler(d.Emails, d.SpoolDir))
		r.Post("/emails/compose", ComposeEmailHandler(d.Emails))
		r.Get("/emails", ListEmailsHandler(d.Store))
		r.Get("/emails/{id}", GetEmailHandler(d.Emails))
		r.Post("/emails/{id}/requeue", RequeueEmailHandler(d.Emails))
		r.Get("/stats", StatsHandler(d.Store))

		// Templates
		r.Post("/templates", CreateTemplateHandler(d.Store))
		r.Get("/templates", ListTemplatesHandler(d.Store))

		// Persisted emailer log
		r.Get("/logs", ListLogsHandler(d.Store))
	})

	return r
}
