package handler

import (
	"github.com/go-chi/chi/v5"
	"github.com/uptrace/opentelemetry-go-extra/otelzap"
)

// Routes registers the public intake and the internal review routes on r.
// Public submissions are throttled when limiter is not nil.
func Routes(r chi.Router, lh *LeadHandler, limiter Limiter, log *otelzap.SugaredLogger) {
	r.Route("/public/leads", func(r chi.Router) {
		if limiter != nil {
			r.Use(RateLimit(limiter, log))
		}
		r.Post("/", lh.Submit)
		r.Put("/{id}", lh.Update)
	})

	r.Route("/internal/leads", func(r chi.Router) {
		r.Get("/", lh.List)
		r.Get("/{id}", lh.GetByID)
		r.Get("/{id}/resume", lh.Resume)
		r.Patch("/{id}/state", lh.SetState)
		r.Delete("/{id}", lh.Delete)
	})
}
