package api

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/pureboot/pureboot/pkg/boot"
	"github.com/pureboot/pureboot/pkg/clone"
	"github.com/pureboot/pureboot/pkg/health"
	"github.com/pureboot/pureboot/pkg/log"
	"github.com/pureboot/pureboot/pkg/metrics"
	"github.com/pureboot/pureboot/pkg/registry"
	"github.com/pureboot/pureboot/pkg/storage"
	"github.com/pureboot/pureboot/pkg/tftpd"
	"github.com/pureboot/pureboot/pkg/workflow"
)

// Deps bundles the subsystems the HTTP surface exposes.
type Deps struct {
	Store     storage.Store
	Registry  *registry.Registry
	Boot      *boot.Service
	Workflows *workflow.Store
	Engine    *workflow.Engine
	Clone     *clone.Orchestrator
	Monitor   *health.Monitor
	PiDirs    *tftpd.PiDirManager
}

// Server is the REST API server.
type Server struct {
	deps   Deps
	router *mux.Router
	srv    *http.Server
	logger zerolog.Logger
}

// NewServer creates the API server listening on addr.
func NewServer(addr string, deps Deps) *Server {
	s := &Server{
		deps:   deps,
		router: mux.NewRouter(),
		logger: log.WithComponent("api"),
	}
	s.routes()
	s.srv = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return s
}

// Handler returns the router, for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", s.srv.Addr).Msg("api listening")
		errCh <- s.srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		<-errCh
		return nil
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("api server: %w", err)
		}
		return nil
	}
}

func (s *Server) routes() {
	s.router.Use(s.observe)

	v1 := s.router.PathPrefix("/api/v1").Subrouter()

	// Boot surface, consumed by iPXE and Pi firmware.
	v1.HandleFunc("/boot", s.handleBoot).Methods(http.MethodGet)
	v1.HandleFunc("/boot/pi", s.handleBootPi).Methods(http.MethodGet)
	v1.HandleFunc("/report", s.handleReport).Methods(http.MethodPost)

	// Nodes.
	v1.HandleFunc("/nodes", s.handleListNodes).Methods(http.MethodGet)
	v1.HandleFunc("/nodes", s.handleCreateNode).Methods(http.MethodPost)
	v1.HandleFunc("/nodes/register-pi", s.handleRegisterPi).Methods(http.MethodPost)
	v1.HandleFunc("/nodes/{id}", s.handleGetNode).Methods(http.MethodGet)
	v1.HandleFunc("/nodes/{id}", s.handleRetireNode).Methods(http.MethodDelete)
	v1.HandleFunc("/nodes/{id}/state", s.handleTransition).Methods(http.MethodPatch)
	v1.HandleFunc("/nodes/{id}/workflow", s.handleAssignWorkflow).Methods(http.MethodPut)
	v1.HandleFunc("/nodes/{id}/group", s.handleAssignGroup).Methods(http.MethodPut)
	v1.HandleFunc("/nodes/{id}/history", s.handleNodeHistory).Methods(http.MethodGet)
	v1.HandleFunc("/nodes/{id}/events", s.handleNodeEvents).Methods(http.MethodGet)
	v1.HandleFunc("/nodes/{id}/health", s.handleNodeHealth).Methods(http.MethodGet)

	// Groups.
	v1.HandleFunc("/groups", s.handleListGroups).Methods(http.MethodGet)
	v1.HandleFunc("/groups", s.handleCreateGroup).Methods(http.MethodPost)
	v1.HandleFunc("/groups/{id}", s.handleGetGroup).Methods(http.MethodGet)
	v1.HandleFunc("/groups/{id}", s.handleDeleteGroup).Methods(http.MethodDelete)
	v1.HandleFunc("/groups/{id}/move", s.handleMoveGroup).Methods(http.MethodPost)
	v1.HandleFunc("/groups/{id}/effective-settings", s.handleEffectiveSettings).Methods(http.MethodGet)

	// Workflows and executions.
	v1.HandleFunc("/workflows", s.handleListWorkflows).Methods(http.MethodGet)
	v1.HandleFunc("/workflows/{id}", s.handleGetWorkflow).Methods(http.MethodGet)
	v1.HandleFunc("/executions", s.handleStartExecution).Methods(http.MethodPost)
	v1.HandleFunc("/executions/{id}", s.handleGetExecution).Methods(http.MethodGet)
	v1.HandleFunc("/executions/{id}/cancel", s.handleCancelExecution).Methods(http.MethodPost)
	v1.HandleFunc("/executions/{id}/steps/{stepID}/callback", s.handleStepCallback).Methods(http.MethodPost)

	// Clone sessions.
	v1.HandleFunc("/clone-sessions", s.handleListSessions).Methods(http.MethodGet)
	v1.HandleFunc("/clone-sessions", s.handleCreateSession).Methods(http.MethodPost)
	v1.HandleFunc("/clone-sessions/{id}", s.handleGetSession).Methods(http.MethodGet)
	v1.HandleFunc("/clone-sessions/{id}/start", s.handleStartSession).Methods(http.MethodPost)
	v1.HandleFunc("/clone-sessions/{id}/source-ready", s.handleSourceReady).Methods(http.MethodPost)
	v1.HandleFunc("/clone-sessions/{id}/progress", s.handleSessionProgress).Methods(http.MethodPost)
	v1.HandleFunc("/clone-sessions/{id}/complete", s.handleSessionComplete).Methods(http.MethodPost)
	v1.HandleFunc("/clone-sessions/{id}/failed", s.handleSessionFailed).Methods(http.MethodPost)
	v1.HandleFunc("/clone-sessions/{id}/cancel", s.handleSessionCancel).Methods(http.MethodPost)
	v1.HandleFunc("/clone-sessions/{id}/certs", s.handleSessionCerts).Methods(http.MethodGet)

	// Health surface.
	v1.HandleFunc("/health/summary", s.handleHealthSummary).Methods(http.MethodGet)
	v1.HandleFunc("/health/alerts", s.handleListAlerts).Methods(http.MethodGet)
	v1.HandleFunc("/health/alerts/{id}/acknowledge", s.handleAcknowledgeAlert).Methods(http.MethodPost)

	s.router.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)
	s.router.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
}

// statusRecorder captures the response code for the request log.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		timer := metrics.NewTimer()
		next.ServeHTTP(rec, r)

		metrics.APIRequestsTotal.WithLabelValues(r.Method, strconv.Itoa(rec.status)).Inc()
		metrics.APIRequestDuration.WithLabelValues(r.Method).Observe(timer.Duration().Seconds())
		s.logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Dur("duration", timer.Duration()).
			Msg("request")
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok\n"))
}
