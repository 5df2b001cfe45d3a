// Package server exposes the upgrade operations over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-logr/logr"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/medic/cht-upgrade-service/internal/model"
	"github.com/medic/cht-upgrade-service/internal/upgrade"
	"sigs.k8s.io/controller-runtime/pkg/log"
)

const (
	// MaxBodyBytes caps the size of an upgrade request body
	MaxBodyBytes = 1 << 20

	notFoundVersion = "Not found"
	shutdownTimeout = 10 * time.Second
)

// Upgrader is the upgrade surface the HTTP layer drives
type Upgrader interface {
	Upgrade(ctx context.Context, requests []model.UpgradeRequest) (model.Outcomes, error)
	Readiness(ctx context.Context) (model.ReadinessReport, error)
	CurrentVersion(ctx context.Context, identifier string) ([]string, error)
}

// Config holds configuration for the HTTP server
type Config struct {
	BindAddress    string
	AllowedOrigins []string
	ServiceVersion string
}

// Server serves the upgrade API and runs as a manager runnable
type Server struct {
	config   Config
	upgrader Upgrader
	logger   logr.Logger
}

func New(config Config, upgrader Upgrader, logger logr.Logger) *Server {
	if len(config.AllowedOrigins) == 0 {
		config.AllowedOrigins = []string{"*"}
	}
	return &Server{
		config:   config,
		upgrader: upgrader,
		logger:   logger.WithName("server"),
	}
}

type indexResponse struct {
	Message string `json:"message"`
	Version string `json:"version"`
}

type statusResponse struct {
	Ready        bool              `json:"ready"`
	Message      string            `json:"message"`
	NotReadyPods []model.PodStatus `json:"notReadyPods,omitempty"`
}

type versionResponse struct {
	Container string   `json:"container"`
	Images    []string `json:"images"`
	Version   string   `json:"version"`
}

// errorResponse tells apart failures that left the cluster untouched from ones that may not have
type errorResponse struct {
	Message          string            `json:"message"`
	Reason           string            `json:"reason,omitempty"`
	MutationsApplied bool              `json:"mutationsApplied"`
	NotReadyPods     []model.PodStatus `json:"notReadyPods,omitempty"`
	Outcomes         model.Outcomes    `json:"outcomes,omitempty"`
}

// Handler returns the routed API with CORS applied
func (s *Server) Handler() http.Handler {
	router := mux.NewRouter()
	router.Use(s.withLogger)

	router.HandleFunc("/", s.index).Methods(http.MethodGet)
	router.HandleFunc("/upgrade", s.upgrade).Methods(http.MethodPost)
	router.HandleFunc("/server-status", s.serverStatus).Methods(http.MethodGet)
	router.HandleFunc("/version/{container}", s.version).Methods(http.MethodGet)

	return handlers.CORS(
		handlers.AllowedOrigins(s.config.AllowedOrigins),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Content-Type"}),
	)(router)
}

// Start listens until ctx is cancelled, then shuts down gracefully
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.config.BindAddress,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Starting upgrade API", "address", s.config.BindAddress)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("upgrade API failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	s.logger.Info("Shutting down upgrade API")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

// NeedLeaderElection keeps the API serving on every replica
func (s *Server) NeedLeaderElection() bool {
	return false
}

func (s *Server) withLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		logger := s.logger.WithValues("method", r.Method, "path", r.URL.Path)
		next.ServeHTTP(w, r.WithContext(log.IntoContext(r.Context(), logger)))
	})
}

func (s *Server) index(w http.ResponseWriter, r *http.Request) {
	writeJSON(r.Context(), w, http.StatusOK, indexResponse{
		Message: "CHT upgrade service",
		Version: s.config.ServiceVersion,
	})
}

func (s *Server) upgrade(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := log.FromContext(ctx)

	var payload model.UpgradePayload
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, MaxBodyBytes))
	if err := decoder.Decode(&payload); err != nil {
		status := http.StatusBadRequest
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			status = http.StatusRequestEntityTooLarge
		}
		logger.Info("Rejected upgrade body", "error", err.Error())
		writeJSON(ctx, w, status, errorResponse{
			Message: fmt.Sprintf("invalid request body: %v", err),
			Reason:  upgrade.ReasonValidation,
		})
		return
	}

	outcomes, err := s.upgrader.Upgrade(ctx, payload.Containers)
	if err != nil {
		writeJSON(ctx, w, http.StatusInternalServerError, upgradeErrorResponse(err))
		return
	}

	writeJSON(ctx, w, http.StatusOK, outcomes)
}

func upgradeErrorResponse(err error) errorResponse {
	response := errorResponse{
		Message:          err.Error(),
		MutationsApplied: upgrade.MutationsApplied(err),
	}

	var upgradeErr upgrade.Error
	if errors.As(err, &upgradeErr) {
		response.Reason = upgradeErr.Reason()
	}
	var notReady *upgrade.NotReadyError
	if errors.As(err, &notReady) {
		response.NotReadyPods = notReady.NotReadyPods
	}
	var clusterErr *upgrade.ClusterError
	if errors.As(err, &clusterErr) {
		response.Outcomes = clusterErr.Outcomes
	}
	return response
}

func (s *Server) serverStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	report, err := s.upgrader.Readiness(ctx)
	if err != nil {
		log.FromContext(ctx).Error(err, "Failed to evaluate readiness")
		writeJSON(ctx, w, http.StatusInternalServerError, upgradeErrorResponse(err))
		return
	}

	if report.Ready {
		writeJSON(ctx, w, http.StatusOK, statusResponse{
			Ready:   true,
			Message: "Deployment is ready for upgrades",
		})
		return
	}
	writeJSON(ctx, w, http.StatusOK, statusResponse{
		Ready:        false,
		Message:      "Deployment is not ready for upgrades",
		NotReadyPods: report.NotReadyPods,
	})
}

func (s *Server) version(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	container := mux.Vars(r)["container"]

	images, err := s.upgrader.CurrentVersion(ctx, container)
	if err != nil {
		log.FromContext(ctx).Error(err, "Failed to read current version", "container", container)
		writeJSON(ctx, w, http.StatusInternalServerError, upgradeErrorResponse(err))
		return
	}

	version := notFoundVersion
	if len(images) > 0 {
		version = strings.Join(images, " ")
	}
	writeJSON(ctx, w, http.StatusOK, versionResponse{
		Container: container,
		Images:    images,
		Version:   version,
	})
}

func writeJSON(ctx context.Context, w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.FromContext(ctx).Error(err, "Failed to write response")
	}
}
