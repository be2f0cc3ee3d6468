package api

import (
	"errors"
	"net/http"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/Capitan-Parrot/surveillance-pipeline/internal/orchestrator"
)

// StopSessionHandler обработчик остановки наблюдения
func (h *Handlers) StopSessionHandler(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["session_id"]

	err := h.sessions.StopSession(r.Context(), userFromContext(r.Context()), sessionID)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, response{Success: true, Message: "Surveillance Stopped", SessionID: sessionID})
	case errors.Is(err, orchestrator.ErrSessionNotFound):
		writeJSON(w, http.StatusNotFound, response{Success: false, Message: "Session not found"})
	case errors.Is(err, orchestrator.ErrSessionNotRunning):
		writeJSON(w, http.StatusConflict, response{Success: false, Message: "Session is not running"})
	default:
		h.logger.Error("failed to stop surveillance", zap.String("session_id", sessionID), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, response{Success: false, Message: "Failed to stop Surveillance"})
	}
}
