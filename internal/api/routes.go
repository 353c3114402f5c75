package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"

	"github.com/vnmchuo/chat-queue/internal/logging"
)

// Routes mounts every endpoint on a chi router with the standard middleware.
func Routes(h *Handler, log logrus.FieldLogger) http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(logging.RequestLogger(log))
	r.Use(chimiddleware.Recoverer)

	r.Get("/healthz", h.HandleHealth)
	r.Get("/readyz", h.HandleReady)

	r.Post("/chat", h.HandleChat)
	r.Get("/get-response/{job_id}", h.HandleGetResponse)
	r.Get("/queue/stats", h.HandleQueueStats)
	r.Post("/process-queue", h.HandleProcessQueue)

	r.Route("/v1", func(r chi.Router) {
		r.Post("/jobs", h.HandleSubmitJob)
		r.Get("/jobs/{id}", h.HandleGetJob)
	})
	r.Get("/usage", h.HandleUsage)

	return r
}
