package gateway

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/mcdev12/meetingmeter/go/internal/meter"
	"github.com/rs/zerolog/log"
)

// WebSocketHandler handles WebSocket upgrade requests for meter sessions
type WebSocketHandler struct {
	connectionManager *ConnectionManager
	hub               *Hub
}

// NewWebSocketHandler creates a new WebSocket handler
func NewWebSocketHandler(cm *ConnectionManager, hub *Hub) *WebSocketHandler {
	return &WebSocketHandler{
		connectionManager: cm,
		hub:               hub,
	}
}

// HandleMeterConnection streams a session's readings to the client and
// accepts commands from it. The session's meter is held for as long as the
// connection stays open.
func (h *WebSocketHandler) HandleMeterConnection(w http.ResponseWriter, r *http.Request) {
	sessionID, err := meter.ValidateSessionID(r.URL.Query().Get("session_id"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	// In production, this would come from an authenticated session
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		userID = "anonymous"
	}

	m, release, err := h.hub.Acquire(r.Context(), sessionID)
	if err != nil {
		log.Error().Err(err).Str("session_id", sessionID).Msg("failed to acquire meter")
		status := http.StatusServiceUnavailable
		var noSession *meter.NoSessionError
		if errors.As(err, &noSession) {
			status = http.StatusBadRequest
		}
		http.Error(w, err.Error(), status)
		return
	}

	conn, err := h.connectionManager.UpgradeConnection(w, r, userID, sessionID, release)
	if err != nil {
		release()
		log.Error().
			Err(err).
			Str("session_id", sessionID).
			Str("user_id", userID).
			Msg("failed to upgrade WebSocket connection")
		return
	}

	// New connections get the current reading without waiting for a tick.
	event, err := NewMeterEvent(sessionID, EventTypeReading, NewReadingPayload(m.Current()))
	if err == nil {
		h.connectionManager.SendToConnection(sessionID, conn.ID, event)
	}
}

// HandleConnectionStats returns statistics about active connections
func (h *WebSocketHandler) HandleConnectionStats(w http.ResponseWriter, r *http.Request) {
	stats := h.connectionManager.GetConnectionStats()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(stats); err != nil {
		log.Error().Err(err).Msg("failed to write connection stats")
	}
}

// RegisterRoutes registers WebSocket routes with an HTTP mux
func (h *WebSocketHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/ws/meter", h.HandleMeterConnection)
	mux.HandleFunc("/ws/stats", h.HandleConnectionStats)
}
