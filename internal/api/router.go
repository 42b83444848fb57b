package api

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"regio-portal/internal/middleware"
)

func SetupRoutes(h *Handler, log zerolog.Logger) *mux.Router {
	r := mux.NewRouter()

	// Middleware runs in order: tracing, then recovery, then CORS
	r.Use(middleware.TracingMiddleware(log))
	r.Use(middleware.ErrorRecoveryMiddleware(log))
	r.Use(middleware.CORSMiddleware)

	api := r.PathPrefix("/api").Subrouter()

	// Health
	api.HandleFunc("/health", h.Health).Methods(http.MethodGet)
	api.HandleFunc("/metrics/health", h.MetricsHealth).Methods(http.MethodGet)

	// Cache management
	api.HandleFunc("/performance/cache", h.CacheInfo).Methods(http.MethodGet)
	api.HandleFunc("/performance/cache", h.CacheAction).Methods(http.MethodPost)

	// Session analytics
	api.HandleFunc("/analytics/session/start", h.StartSession).Methods(http.MethodPost)
	api.HandleFunc("/analytics/session/end", h.EndSession).Methods(http.MethodPost)
	api.HandleFunc("/analytics/session/update-user", h.UpdateSessionUser).Methods(http.MethodPost)
	api.HandleFunc("/analytics/activity", h.TrackActivity).Methods(http.MethodPost)
	api.HandleFunc("/analytics/page-view", h.TrackPageView).Methods(http.MethodPost)
	api.HandleFunc("/analytics/history", h.History).Methods(http.MethodGet)
	api.HandleFunc("/realtime/user-count", h.UserCount).Methods(http.MethodGet)

	// Collaboration
	api.HandleFunc("/collaboration/events", h.AppendEvent).Methods(http.MethodPost)
	api.HandleFunc("/collaboration/events", h.ListEvents).Methods(http.MethodGet)
	api.HandleFunc("/collaboration/sessions", h.JoinCollaborationSession).Methods(http.MethodPost)
	api.HandleFunc("/collaboration/sessions", h.GetCollaborationSession).Methods(http.MethodGet)

	if h.wsHandler != nil {
		r.HandleFunc("/ws/collaboration/{id}", h.wsHandler)
	}

	return r
}
