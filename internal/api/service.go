package api

import (
	"context"
	"net/http"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/Capitan-Parrot/surveillance-pipeline/internal/models"
	"github.com/Capitan-Parrot/surveillance-pipeline/internal/orchestrator"
)

type sessionService interface {
	StartSession(ctx context.Context, req orchestrator.StartRequest) (string, error)
	StopSession(ctx context.Context, userID, sessionID string) error
	GetSession(ctx context.Context, userID, sessionID string) (*models.Session, error)
	ListSessions(ctx context.Context, userID string) ([]models.Session, error)
	ListSessionLogs(ctx context.Context, userID, sessionID string, limit int) ([]models.Log, error)
	ListUserLogs(ctx context.Context, userID string, limit int) ([]models.Log, error)
}

type pinger interface {
	Ping(ctx context.Context) error
}

type Handlers struct {
	sessions sessionService
	db       pinger
	logger   *zap.Logger
}

func NewHandlers(sessions sessionService, db pinger, logger *zap.Logger) *Handlers {
	return &Handlers{sessions: sessions, db: db, logger: logger}
}

// Router wires the surveillance routes. Static paths are registered before
// the {session_id} ones so they are matched first.
func (h *Handlers) Router(allowedOrigins []string) http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/health", h.HealthHandler).Methods("GET")

	s := r.PathPrefix("/surveillance").Subrouter()
	s.Use(h.requireUser)
	s.HandleFunc("/start", h.StartSessionHandler).Methods("POST")
	s.HandleFunc("/sessions", h.ListSessionsHandler).Methods("GET")
	s.HandleFunc("/logs", h.ListUserLogsHandler).Methods("GET")
	s.HandleFunc("/{session_id}", h.GetSessionHandler).Methods("GET")
	s.HandleFunc("/{session_id}/stop", h.StopSessionHandler).Methods("POST")
	s.HandleFunc("/{session_id}/logs", h.ListSessionLogsHandler).Methods("GET")

	cors := handlers.CORS(
		handlers.AllowedOrigins(allowedOrigins),
		handlers.AllowedMethods([]string{"GET", "POST", "OPTIONS"}),
		// X-User-ID проставляет API gateway
		handlers.AllowedHeaders([]string{"Content-Type", "X-User-ID", "Authorization"}),
	)
	recovery := handlers.RecoveryHandler(
		handlers.RecoveryLogger(zap.NewStdLog(h.logger)),
		handlers.PrintRecoveryStack(false),
	)

	return recovery(cors(r))
}

func (h *Handlers) HealthHandler(w http.ResponseWriter, r *http.Request) {
	if err := h.db.Ping(r.Context()); err != nil {
		h.logger.Warn("health check failed", zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
