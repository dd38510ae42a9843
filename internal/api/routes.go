package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// SetupRoutes configures all API routes.
func SetupRoutes(h *Handlers, allowedOrigins []string) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestID)

	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"http://localhost:5173", "http://localhost:8080"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health check
	r.Get("/health", h.HealthCheck)

	r.Route("/api/mailing", func(r chi.Router) {
		// Immediate send, bypasses the queue
		r.Post("/send", h.HandleImmediateSend)

		// Job management
		r.Route("/jobs", func(r chi.Router) {
			r.Get("/", h.HandleListJobs)
			r.Post("/single", h.HandleAddSingleJob)
			r.Post("/bulk", h.HandleAddBulkJob)
			r.Post("/bulk/csv", h.HandleAddBulkCSV)
			r.Get("/{id}", h.HandleJobStatus)
			r.Delete("/{id}", h.HandleCancelJob)
		})

		// Queue control
		r.Route("/queue", func(r chi.Router) {
			r.Get("/stats", h.HandleQueueStats)
			r.Post("/pause", h.HandlePauseQueue)
			r.Post("/resume", h.HandleResumeQueue)
			r.Post("/clean", h.HandleCleanQueue)
		})

		// Sending accounts
		r.Get("/accounts", h.HandleAccountStatus)

		// Templates
		r.Route("/templates", func(r chi.Router) {
			r.Post("/validate", h.HandleValidateTemplate)
			r.Post("/preview", h.HandlePreviewTemplate)
		})
	})

	return r
}
