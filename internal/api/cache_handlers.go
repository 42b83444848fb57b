package api

import (
	"fmt"
	"net/http"
)

const cacheServiceVersion = "2.0.0"

// CacheInfo serves GET /api/performance/cache?action=stats|health|cleanup.
func (h *Handler) CacheInfo(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Query().Get("action") {
	case "stats":
		writeJSON(w, http.StatusOK, map[string]any{
			"success":   true,
			"data":      h.cache.DetailedStats(),
			"timestamp": h.timestamp(),
		})

	case "health":
		writeJSON(w, http.StatusOK, map[string]any{
			"success":   true,
			"data":      h.health.Snapshot(),
			"timestamp": h.timestamp(),
		})

	case "cleanup":
		cleaned := h.cache.Cleanup()
		writeJSON(w, http.StatusOK, map[string]any{
			"success":   true,
			"message":   fmt.Sprintf("Cleaned %d expired entries", cleaned),
			"data":      map[string]int{"cleanedEntries": cleaned},
			"timestamp": h.timestamp(),
		})

	default:
		writeJSON(w, http.StatusOK, map[string]any{
			"success":   true,
			"service":   "Cache Performance Monitor",
			"version":   cacheServiceVersion,
			"actions":   []string{"stats", "health", "cleanup"},
			"timestamp": h.timestamp(),
		})
	}
}

type cacheActionRequest struct {
	Action   string `json:"action"`
	Category string `json:"category"`
	Key      string `json:"key"`
}

// CacheAction serves POST /api/performance/cache.
func (h *Handler) CacheAction(w http.ResponseWriter, r *http.Request) {
	var req cacheActionRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	switch req.Action {
	case "clear-category":
		if req.Category == "" {
			h.writeError(w, r, fmt.Errorf("%w: category parameter required", errBadRequest))
			return
		}
		cleared := h.cache.ClearCategory(req.Category)
		h.log.Info().Str("category", req.Category).Int("count", cleared).Msg("cache category cleared")
		writeJSON(w, http.StatusOK, map[string]any{
			"success":   true,
			"message":   fmt.Sprintf("Cleared %d entries from category: %s", cleared, req.Category),
			"data":      map[string]int{"clearedEntries": cleared},
			"timestamp": h.timestamp(),
		})

	case "clear-all":
		h.cache.Clear()
		h.log.Info().Msg("cache cleared")
		writeJSON(w, http.StatusOK, map[string]any{
			"success":   true,
			"message":   "All cache entries cleared",
			"timestamp": h.timestamp(),
		})

	case "warmup":
		failed := h.cache.Warmup(r.Context())
		writeJSON(w, http.StatusOK, map[string]any{
			"success":   true,
			"message":   "Cache warmed up successfully",
			"data":      map[string]int{"failedWarmers": failed},
			"timestamp": h.timestamp(),
		})

	case "delete":
		if req.Key == "" {
			h.writeError(w, r, fmt.Errorf("%w: key parameter required", errBadRequest))
			return
		}
		deleted := h.cache.Delete(req.Key)
		msg := "Deleted cache entry: " + req.Key
		if !deleted {
			msg = "Cache entry not found: " + req.Key
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"success":   true,
			"message":   msg,
			"data":      map[string]bool{"deleted": deleted},
			"timestamp": h.timestamp(),
		})

	default:
		h.writeError(w, r, fmt.Errorf("%w: invalid action %q", errBadRequest, req.Action))
	}
}
