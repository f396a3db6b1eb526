/*
[AI GENERATED - GOVERNANCE PROTOCOL]
──────────────────────────────────────────────────────────────
Model:       Claude Opus 4.6
Tier:        L2
Logic:       Admin inspection REST handler over the tracker: lookup a
             single entry by request id, evict a stuck entry, and
             report aggregate in-flight/stored counts.
Root Cause:  Sprint tasks T211-T213 — idempotency admin API.
Context:     Operators need a way to inspect a key stuck in Processing
             and manually evict it without restarting the service.
Suitability: L2 — standard REST wrapping the tracker's read-only API.
──────────────────────────────────────────────────────────────
*/

package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/AlfredDev/idempotency-gateway/store"
	"github.com/AlfredDev/idempotency-gateway/tracker"
)

// IdempotencyHandler exposes read/delete access to tracked requests.
type IdempotencyHandler struct {
	tracker *tracker.Tracker
	logger  zerolog.Logger
}

// NewIdempotencyHandler creates a new admin handler.
func NewIdempotencyHandler(t *tracker.Tracker, logger zerolog.Logger) *IdempotencyHandler {
	return &IdempotencyHandler{
		tracker: t,
		logger:  logger.With().Str("handler", "idempotency").Logger(),
	}
}

// Get handles GET /v1/idempotency/{id}.
func (h *IdempotencyHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	entry, err := h.tracker.Lookup(id)
	if errors.Is(err, store.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "entry not found"})
		return
	}
	if err != nil {
		h.logger.Error().Err(err).Str("request_id", id).Msg("lookup failed")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"request_id":  entry.RequestID,
		"state":       entry.State,
		"fingerprint": entry.Fingerprint,
		"expires_at":  entry.ExpiresAt,
	})
}

// Delete handles DELETE /v1/idempotency/{id} — an operator override that
// drops the Store entry for a key in any state. The Builder Registry is
// not touched: while a builder for the key is still registered in this
// process, the next request for the key fails admission with an
// internal error instead of being admitted.
func (h *IdempotencyHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if err := h.tracker.Evict(id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "entry not found"})
			return
		}
		h.logger.Error().Err(err).Str("request_id", id).Msg("evict failed")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}

	h.logger.Info().Str("request_id", id).Msg("entry evicted by admin request")
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"evicted":    true,
		"request_id": id,
	})
}

// Stats handles GET /v1/idempotency/stats.
func (h *IdempotencyHandler) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.tracker.Stats()
	if err != nil {
		h.logger.Error().Err(err).Msg("stats failed")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"in_flight_builders": stats.InFlightBuilders,
		"stored_entries":     stats.StoredEntries,
	})
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
