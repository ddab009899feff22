package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"radonflow/internal/api"
	"radonflow/internal/config"
	"radonflow/internal/logging"
	"radonflow/internal/services"
)

type apiServer struct {
	bind   string
	logger *slog.Logger
	daemon *Daemon

	listener net.Listener
	server   *http.Server
}

func newAPIServer(cfg *config.Config, d *Daemon, logger *slog.Logger) *apiServer {
	if cfg == nil || d == nil {
		return nil
	}
	bind := strings.TrimSpace(cfg.Paths.APIBind)
	if bind == "" {
		return nil
	}

	srv := &apiServer{
		bind:   bind,
		logger: logger,
		daemon: d,
	}
	srv.server = &http.Server{
		Handler:           srv.handler(cfg.Paths.APIToken),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return srv
}

func (s *apiServer) handler(token string) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/status", s.handleStatus)
	mux.HandleFunc("GET /api/summary", s.handleSummary)
	mux.HandleFunc("GET /api/records/{id}", s.handleRecord)
	mux.HandleFunc("GET /api/workers", s.handleWorkers)
	mux.HandleFunc("POST /api/cycle", s.handleCycle)
	mux.HandleFunc("POST /api/stages/{stage}/{action}", s.handleStageAction)
	return s.requestID(authMiddleware(token, mux))
}

// requestID tags the request context with the caller's correlation id or a fresh one.
func (s *apiServer) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get(api.RequestIDHeader))
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(api.RequestIDHeader, id)
		next.ServeHTTP(w, r.WithContext(services.WithRequestID(r.Context(), id)))
	})
}

func (s *apiServer) start(ctx context.Context) error {
	if s == nil {
		return nil
	}
	listener, err := net.Listen("tcp", s.bind)
	if err != nil {
		return fmt.Errorf("api listen: %w", err)
	}
	s.listener = listener

	go func() {
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log().Error("api server error", logging.Error(err))
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.server.Shutdown(shutdownCtx)
	}()

	s.log().Info("api server listening", logging.String("address", listener.Addr().String()))
	return nil
}

func (s *apiServer) stop() {
	if s == nil {
		return
	}
	if s.server != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.server.Shutdown(shutdownCtx)
	}
	if s.listener != nil {
		_ = s.listener.Close()
		s.listener = nil
	}
}

func (s *apiServer) address() string {
	if s == nil || s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

func (s *apiServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	status := s.daemon.Status(r.Context())
	s.writeJSON(w, http.StatusOK, api.DaemonStatus{
		Running:      status.Running,
		PID:          status.PID,
		CatalogPath:  status.CatalogPath,
		LockFilePath: status.LockFilePath,
		Workflow:     api.FromStatusSummary(status.Workflow),
	})
}

func (s *apiServer) handleSummary(w http.ResponseWriter, r *http.Request) {
	summary, err := s.daemon.Summary(r.Context())
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, summary)
}

func (s *apiServer) handleRecord(w http.ResponseWriter, r *http.Request) {
	view, err := s.daemon.Record(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, view)
}

func (s *apiServer) handleWorkers(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, api.WorkersResponse{Workers: s.daemon.Workers()})
}

func (s *apiServer) handleCycle(w http.ResponseWriter, _ *http.Request) {
	s.daemon.TriggerCycle()
	s.writeJSON(w, http.StatusAccepted, api.ActionResponse{OK: true, Message: "dispatch cycle requested"})
}

func (s *apiServer) handleStageAction(w http.ResponseWriter, r *http.Request) {
	stage := r.PathValue("stage")
	var err error
	switch action := r.PathValue("action"); action {
	case "pause":
		err = s.daemon.PauseStage(stage)
	case "resume":
		err = s.daemon.ResumeStage(stage)
	default:
		s.writeError(w, http.StatusNotFound, fmt.Sprintf("unknown stage action %q", action))
		return
	}
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, api.ActionResponse{OK: true, Message: fmt.Sprintf("%s %sd", stage, r.PathValue("action"))})
}

// writeFailure maps err onto an HTTP status via its failure class.
func (s *apiServer) writeFailure(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch services.Classify(err) {
	case services.KindNotFound:
		status = http.StatusNotFound
	case services.KindValidation:
		status = http.StatusBadRequest
	case services.KindStoreUnavailable:
		status = http.StatusServiceUnavailable
	}
	if status >= http.StatusInternalServerError {
		logging.WithContext(r.Context(), s.log()).Warn("api request failed",
			logging.String("path", r.URL.Path),
			logging.Int("status", status),
			logging.Error(err),
			logging.String(logging.FieldEventType, "api_request_failed"),
		)
	}
	s.writeError(w, status, err.Error())
}

func (s *apiServer) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.log().Error("failed to encode response", logging.Error(err))
	}
}

func (s *apiServer) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, api.ErrorResponse{Error: message})
}

func (s *apiServer) log() *slog.Logger {
	if s.logger != nil {
		return s.logger.With(logging.String(logging.FieldComponent, "api-server"))
	}
	return logging.NewNop()
}
