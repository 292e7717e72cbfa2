package gateway

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/verdictlab/courtroom/internal/models"
)

// RoundLister serves archived rounds for a session. Nil when the
// daemon runs without a database.
type RoundLister interface {
	ListRounds(ctx context.Context, sessionID string) ([]models.RoundRecord, error)
}

// Handler exposes the WebSocket endpoint, the round archive and a
// health check.
type Handler struct {
	cm     *ConnectionManager
	relay  *Relay
	rounds RoundLister
}

// NewHandler wires the connection manager and relay into HTTP routes.
func NewHandler(cm *ConnectionManager, relay *Relay, rounds RoundLister) *Handler {
	return &Handler{cm: cm, relay: relay, rounds: rounds}
}

// Routes mounts the gateway endpoints on a chi router.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/healthz", h.handleHealth)
	r.Get("/ws/{sessionID}", h.handleWebSocket)
	r.Get("/sessions/{sessionID}/rounds", h.handleRounds)
	return r
}

func (h *Handler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// handleWebSocket attaches a client to a session's frame stream. The
// user id is informational; the gateway does no authentication, per
// the identity bootstrap owning that concern.
func (h *Handler) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	if sessionID == "" {
		http.Error(w, "missing session id", http.StatusBadRequest)
		return
	}
	userID := r.URL.Query().Get("user")

	if err := h.relay.EnsureSession(context.Background(), sessionID); err != nil {
		log.Error().Err(err).Str("session_id", sessionID).Msg("start session relay")
		http.Error(w, "failed to attach session", http.StatusInternalServerError)
		return
	}

	if _, err := h.cm.UpgradeConnection(w, r, userID, sessionID); err != nil {
		log.Error().Err(err).Str("session_id", sessionID).Msg("upgrade WebSocket")
	}
}

// handleRounds returns the archived rounds for a session, most recent
// first.
func (h *Handler) handleRounds(w http.ResponseWriter, r *http.Request) {
	if h.rounds == nil {
		http.Error(w, "round archive not configured", http.StatusNotFound)
		return
	}
	sessionID := chi.URLParam(r, "sessionID")
	if sessionID == "" {
		http.Error(w, "missing session id", http.StatusBadRequest)
		return
	}

	rounds, err := h.rounds.ListRounds(r.Context(), sessionID)
	if err != nil {
		log.Error().Err(err).Str("session_id", sessionID).Msg("list archived rounds")
		http.Error(w, "failed to list rounds", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(rounds); err != nil {
		log.Error().Err(err).Str("session_id", sessionID).Msg("encode rounds response")
	}
}
