package api

import (
	"errors"
	"net/http"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/Capitan-Parrot/surveillance-pipeline/internal/orchestrator"
)

// GetSessionHandler обработчик для получения сессии и её статуса
func (h *Handlers) GetSessionHandler(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["session_id"]

	session, err := h.sessions.GetSession(r.Context(), userFromContext(r.Context()), sessionID)
	if err != nil {
		if errors.Is(err, orchestrator.ErrSessionNotFound) {
			writeJSON(w, http.StatusNotFound, response{Success: false, Message: "Session not found"})
			return
		}
		h.logger.Error("failed to get session", zap.String("session_id", sessionID), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, response{Success: false, Message: "Database error"})
		return
	}

	writeJSON(w, http.StatusOK, session)
}

func (h *Handlers) ListSessionsHandler(w http.ResponseWriter, r *http.Request) {
	sessions, err := h.sessions.ListSessions(r.Context(), userFromContext(r.Context()))
	if err != nil {
		h.logger.Error("failed to list sessions", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, response{Success: false, Message: "Database error"})
		return
	}

	writeJSON(w, http.StatusOK, sessions)
}
