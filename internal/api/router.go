package api

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"shiftwatch.service/internal/api/handler"
	"shiftwatch.service/pkg/logger"
)

// NewRouter sets up the gorilla/mux router and defines all API routes.
func NewRouter(h *handler.Handler) *mux.Router {
	r := mux.NewRouter()
	r.Use(tracedLogger)

	api := r.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/events", h.RecordEvent).Methods(http.MethodPost)
	api.HandleFunc("/actions", h.SaveAction).Methods(http.MethodPost)
	api.HandleFunc("/actions/{owner}/{kind}", h.GetAction).Methods(http.MethodGet)
	api.HandleFunc("/actions/{owner}/{kind}", h.CompleteAction).Methods(http.MethodDelete)
	api.HandleFunc("/workers", h.RegisterWorker).Methods(http.MethodPost)
	api.HandleFunc("/workers", h.ListWorkers).Methods(http.MethodGet)
	api.HandleFunc("/workers/{id}", h.UpdateWorkerStatus).Methods(http.MethodPatch)
	api.HandleFunc("/workers/{id}/message", h.MessageWorker).Methods(http.MethodPost)
	api.HandleFunc("/compliance", h.ComplianceSnapshot).Methods(http.MethodGet)
	api.HandleFunc("/schedule/refresh", h.RefreshSchedule).Methods(http.MethodPost)

	r.HandleFunc("/webhook", h.Webhook).Methods(http.MethodPost)
	r.HandleFunc("/health", h.HealthCheck).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/shutdown", h.TriggerShutdown).Methods(http.MethodPost)

	return r
}

// tracedLogger stamps each request context with a logger carrying the
// active trace and span IDs.
func tracedLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		next.ServeHTTP(w, req.WithContext(logger.EnrichContextWithLogger(req.Context())))
	})
}
