package api

import (
	"errors"
	"math"
	"net/http"
	"strconv"
	"strings"

	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/Capitan-Parrot/surveillance-pipeline/internal/orchestrator"
)

const (
	msgFieldsRequired = "All fields are required"
	msgStarted        = "Surveillance Started"
	msgStartFailed    = "Failed to start Surveillance"
)

type startRequest struct {
	YoutubeURL string          `json:"youtubeUrl"`
	Interval   json.RawMessage `json:"interval"`
	Prompt     string          `json:"prompt"`
}

// StartSessionHandler обработчик запуска наблюдения
func (h *Handlers) StartSessionHandler(w http.ResponseWriter, r *http.Request) {
	var body startRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, response{Success: false, Message: msgFieldsRequired})
		return
	}

	interval, ok := parseInterval(body.Interval)
	if !ok || strings.TrimSpace(body.YoutubeURL) == "" || strings.TrimSpace(body.Prompt) == "" {
		writeJSON(w, http.StatusBadRequest, response{Success: false, Message: msgFieldsRequired})
		return
	}

	sessionID, err := h.sessions.StartSession(r.Context(), orchestrator.StartRequest{
		UserID:    userFromContext(r.Context()),
		SourceURL: strings.TrimSpace(body.YoutubeURL),
		Interval:  interval,
		Prompt:    body.Prompt,
	})
	if err != nil {
		var verr *orchestrator.ValidationError
		if errors.As(err, &verr) {
			writeJSON(w, http.StatusBadRequest, response{Success: false, Message: msgFieldsRequired})
			return
		}

		h.logger.Error("failed to start surveillance", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, response{Success: false, Message: msgStartFailed})
		return
	}

	writeJSON(w, http.StatusCreated, response{Success: true, Message: msgStarted, SessionID: sessionID})
}

// parseInterval accepts a positive whole number, given as a JSON number or a
// numeric string.
func parseInterval(raw json.RawMessage) (int, bool) {
	if len(raw) == 0 || string(raw) == "null" {
		return 0, false
	}

	var n float64
	if err := json.Unmarshal(raw, &n); err != nil {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return 0, false
		}
		if n, err = strconv.ParseFloat(strings.TrimSpace(s), 64); err != nil {
			return 0, false
		}
	}

	if n < 1 || n != math.Trunc(n) || n > math.MaxInt32 {
		return 0, false
	}
	return int(n), true
}
