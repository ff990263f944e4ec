package publicapi

import (
	"net/http"
	"time"

	"franchise-onboarding/internal/common/logger"
	"franchise-onboarding/internal/common/observability"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// NewRouter assembles the route tree. Public routes are reachable with
// nothing but the bearer token in the path; internal routes are expected to
// sit behind the operator network boundary.
func NewRouter(h *Handler, obs *observability.Observability, log logger.Logger) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(obs, log))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/public", func(r chi.Router) {
		r.Get("/contract/{token}", h.ViewContract)
		r.Post("/contract/{token}/accept", h.AcceptContract)
		r.Post("/entry-fee/{token}/create-payment-intent", h.CreatePaymentIntent)
		r.Post("/entry-fee/{token}/client-result", h.RecordClientResult)
	})

	r.Post("/webhooks/payment-gateway", h.GatewayWebhook)

	r.Route("/internal", func(r chi.Router) {
		r.Post("/applications", h.SubmitApplication)
		r.Get("/applications/{id}", h.GetApplication)
		r.Post("/applications/{id}/review", h.ReviewApplication)
		r.Post("/contracts/{id}/generate", h.GenerateContract)
		r.Post("/contracts/{id}/reissue", h.ReissueContract)
	})

	return r
}

func requestLogger(obs *observability.Observability, log logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			duration := time.Since(start)
			route := chi.RouteContext(r.Context()).RoutePattern()
			status := http.StatusText(ww.Status())

			if obs != nil {
				obs.RecordRequestDuration(r.Context(), duration, route, status)
			}
			log.Debug("request handled", map[string]interface{}{
				"method":   r.Method,
				"route":    route,
				"status":   ww.Status(),
				"duration": duration.String(),
			})
		})
	}
}
