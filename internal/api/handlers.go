package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"regio-portal/internal/middleware"
	"regio-portal/internal/services/collaboration"
	"regio-portal/internal/services/sessions"
)

// Handler handles HTTP requests
type Handler struct {
	cache      CacheService
	tracker    SessionTracker
	reconciler EventReconciler
	rooms      CollaborationRooms
	health     HealthReporter
	wsHandler  http.HandlerFunc
	log        zerolog.Logger
	now        func() time.Time
}

func NewHandler(
	cache CacheService,
	tracker SessionTracker,
	reconciler EventReconciler,
	rooms CollaborationRooms,
	health HealthReporter,
	wsHandler http.HandlerFunc,
	log zerolog.Logger,
) *Handler {
	return &Handler{
		cache:      cache,
		tracker:    tracker,
		reconciler: reconciler,
		rooms:      rooms,
		health:     health,
		wsHandler:  wsHandler,
		log:        log.With().Str("component", "api").Logger(),
		now:        time.Now,
	}
}

var errBadRequest = errors.New("bad request")

type errorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, errBadRequest),
		errors.Is(err, sessions.ErrMissingSessionID),
		errors.Is(err, collaboration.ErrMissingSessionID),
		errors.Is(err, collaboration.ErrMissingUserID),
		errors.Is(err, collaboration.ErrInvalidEvent):
		return http.StatusBadRequest
	case errors.Is(err, sessions.ErrSessionNotFound):
		return http.StatusNotFound
	case errors.Is(err, sessions.ErrSessionEnded):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		middleware.AddSpanError(r.Context(), err)
		h.log.Error().Err(err).Str("request_id", middleware.GetRequestID(r.Context())).Msg("request failed")
		writeJSON(w, status, errorResponse{Error: "internal error"})
		return
	}
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

func decodeJSON(r *http.Request, dst any) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return fmt.Errorf("%w: invalid JSON body: %v", errBadRequest, err)
	}
	return nil
}

func (h *Handler) timestamp() string {
	return h.now().UTC().Format(time.RFC3339)
}

// Health reports that the process is up.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"timestamp": h.timestamp(),
	})
}

// MetricsHealth serves the aggregated health report.
func (h *Handler) MetricsHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.health.Snapshot())
}
