package api

import (
	"errors"
	"net/http"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/Capitan-Parrot/surveillance-pipeline/internal/orchestrator"
)

// ListSessionLogsHandler возвращает логи одной сессии, новые первыми
func (h *Handlers) ListSessionLogsHandler(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["session_id"]

	logs, err := h.sessions.ListSessionLogs(r.Context(), userFromContext(r.Context()), sessionID, limitParam(r))
	if err != nil {
		if errors.Is(err, orchestrator.ErrSessionNotFound) {
			writeJSON(w, http.StatusNotFound, response{Success: false, Message: "Session not found"})
			return
		}
		h.logger.Error("failed to list session logs", zap.String("session_id", sessionID), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, response{Success: false, Message: "Database error"})
		return
	}

	writeJSON(w, http.StatusOK, logs)
}

func (h *Handlers) ListUserLogsHandler(w http.ResponseWriter, r *http.Request) {
	logs, err := h.sessions.ListUserLogs(r.Context(), userFromContext(r.Context()), limitParam(r))
	if err != nil {
		h.logger.Error("failed to list logs", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, response{Success: false, Message: "Database error"})
		return
	}

	writeJSON(w, http.StatusOK, logs)
}
