// Package api exposes the container service over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/sirupsen/logrus"

	"github.com/anweddol/anwdlserver/internal/auth"
	"github.com/anweddol/anwdlserver/internal/events"
	"github.com/anweddol/anwdlserver/internal/orchestrator"
	"github.com/anweddol/anwdlserver/internal/service"
)

// ClientTokenHeader carries the token returned at creation on destroy requests.
const ClientTokenHeader = "X-Client-Token"

// ContainerService is the part of service.Manager the API drives.
type ContainerService interface {
	Create(ctx context.Context) (*service.CreatedContainer, error)
	Destroy(ctx context.Context, containerUUID, clientToken string) error
	Stat() service.Stat
	List() []service.ContainerInfo
	Events() *events.Broker
}

// Config holds configuration for the API server.
type Config struct {
	AccessTokenHash   string   // bcrypt hash of the bearer token; empty disables auth
	CORSOrigins       []string // Allowed origins (default: *)
	EnableEventStream bool     // Serve GET /events
	Version           string
}

type Server struct {
	router  *chi.Mux
	service ContainerService
	config  Config
	logger  *logrus.Logger
}

func NewServer(svc ContainerService, cfg Config, logger *logrus.Logger) *Server {
	if logger == nil {
		logger = logrus.New()
		logger.SetLevel(logrus.InfoLevel)
	}
	if len(cfg.CORSOrigins) == 0 {
		cfg.CORSOrigins = []string{"*"}
	}

	s := &Server{
		router:  chi.NewRouter(),
		service: svc,
		config:  cfg,
		logger:  logger,
	}
	s.routes()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(middleware.Recoverer)
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.config.CORSOrigins,
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", ClientTokenHeader},
	}))

	// Health check - no auth required
	s.router.Get("/health", s.handleHealth)

	s.router.Group(func(r chi.Router) {
		r.Use(auth.BearerMiddleware(s.config.AccessTokenHash, s.logger))

		r.Get("/stat", s.handleStat)
		r.Route("/containers", func(r chi.Router) {
			r.Get("/", s.handleListContainers)
			r.Post("/", s.handleCreateContainer)
			r.Delete("/{uuid}", s.handleDestroyContainer)
		})

		if s.config.EnableEventStream {
			r.Get("/events", s.handleEvents)
		}
	})
}

// ErrorResponse is returned for error cases.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Errorf("Failed to encode JSON response: %v", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, code, message string) {
	s.writeJSON(w, status, ErrorResponse{
		Error: message,
		Code:  code,
	})
}

// writeServiceError maps a service error to its HTTP status.
func (s *Server) writeServiceError(w http.ResponseWriter, err error) {
	var cmdErr *orchestrator.CommandError
	switch {
	case errors.Is(err, orchestrator.ErrCapacity):
		s.writeError(w, http.StatusServiceUnavailable, "at_capacity", "No container slot available")
	case errors.Is(err, service.ErrShuttingDown):
		s.writeError(w, http.StatusServiceUnavailable, "shutting_down", "Server is shutting down")
	case errors.Is(err, orchestrator.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		s.writeError(w, http.StatusGatewayTimeout, "start_timeout", "Container did not become available in time")
	case errors.As(err, &cmdErr):
		s.writeError(w, http.StatusBadGateway, "setup_failed", "Container setup script failed")
	case errors.Is(err, service.ErrUnauthorized):
		s.writeError(w, http.StatusUnauthorized, "invalid_client_token", "Client token rejected")
	case errors.Is(err, orchestrator.ErrNotFound):
		s.writeError(w, http.StatusNotFound, "container_not_found", "Container not found")
	case errors.Is(err, orchestrator.ErrInvalidState):
		s.writeError(w, http.StatusConflict, "container_busy", "Container is still starting")
	default:
		s.writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
	}
}

// HealthResponse is the response for the health check endpoint.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, HealthResponse{Status: "ok", Version: s.config.Version})
}

func (s *Server) handleStat(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.service.Stat())
}

func (s *Server) handleListContainers(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"containers": s.service.List(),
	})
}

func (s *Server) handleCreateContainer(w http.ResponseWriter, r *http.Request) {
	started := time.Now()

	created, err := s.service.Create(r.Context())
	if err != nil {
		s.logger.WithError(err).WithField("client", r.RemoteAddr).Warn("Container creation failed")
		s.writeServiceError(w, err)
		return
	}

	s.logger.WithFields(logrus.Fields{
		"container":   created.UUID,
		"client":      r.RemoteAddr,
		"duration_ms": time.Since(started).Milliseconds(),
	}).Info("Container handed out")
	s.writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleDestroyContainer(w http.ResponseWriter, r *http.Request) {
	containerUUID := chi.URLParam(r, "uuid")

	token := r.Header.Get(ClientTokenHeader)
	if token == "" {
		s.writeError(w, http.StatusUnauthorized, "missing_client_token", ClientTokenHeader+" header required")
		return
	}

	if err := s.service.Destroy(r.Context(), containerUUID, token); err != nil {
		s.logger.WithError(err).WithField("container", containerUUID).Warn("Container destruction failed")
		s.writeServiceError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]string{
		"container_uuid": containerUUID,
		"status":         "destroyed",
	})
}
