package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
)

// RouterOptions carries the optional pieces of the HTTP surface.
type RouterOptions struct {
	Limiter *RateLimiter
	Metrics http.Handler
	Logger  zerolog.Logger
}

// NewRouter wires the submission endpoints and the operator surfaces.
func NewRouter(h *Handler, opts RouterOptions) *chi.Mux {
	r := chi.NewRouter()

	r.Use(AccessLog(opts.Logger))
	r.Use(Recovery(opts.Logger))

	r.Group(func(r chi.Router) {
		r.Use(RateLimit(opts.Limiter))

		r.Post("/contact", h.Contact)
		r.Post("/career", h.Career)
		r.Post("/collaboration", h.Collaboration)
	})

	r.Get("/submissions", h.Submissions)
	r.Get("/health", h.Health)
	if opts.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", opts.Metrics)
	}

	return r
}
