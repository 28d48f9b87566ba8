package api

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/erni-foto/pipeline/internal/pipeline"
	"github.com/erni-foto/pipeline/internal/session"
	"github.com/erni-foto/pipeline/pkg/config"
	"github.com/erni-foto/pipeline/pkg/errors"
	"github.com/erni-foto/pipeline/pkg/logging"
	"github.com/erni-foto/pipeline/pkg/metrics"
	"github.com/erni-foto/pipeline/pkg/tracing"
)

// Orchestrator is the pipeline surface the front door talks to
type Orchestrator interface {
	Submit(ctx context.Context, item pipeline.WorkItem) (string, error)
	Cancel(ctx context.Context, runID string) error
	GetStatus(ctx context.Context, runID string) (*pipeline.RunStatus, error)
	SessionStats() session.Stats
}

// Server is the HTTP front door of the pipeline
type Server struct {
	orchestrator Orchestrator
	logger       *logging.Logger
	httpServer   *http.Server
}

// NewServer creates the HTTP server with all routes and middleware wired
func NewServer(
	cfg *config.Config,
	orchestrator Orchestrator,
	m *metrics.Metrics,
	ts *tracing.TracingService,
	logger *logging.Logger,
) *Server {
	s := &Server{
		orchestrator: orchestrator,
		logger:       logger,
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(CORSMiddleware(nil))
	if ts != nil {
		router.Use(ts.TracingMiddleware())
	}
	if m != nil {
		router.Use(m.PrometheusMiddleware())
	}
	router.Use(RequestLoggingMiddleware(logger))

	router.GET("/health", s.handleHealth)
	if m != nil && cfg.Metrics.Enabled {
		router.GET(cfg.Metrics.Path, gin.WrapH(m.Handler()))
	}

	apiGroup := router.Group("/api")
	apiGroup.Use(AuthMiddleware(cfg.Auth.JWTSecret))
	{
		apiGroup.POST("/runs", s.handleSubmit)
		apiGroup.GET("/runs/:id", s.handleGetStatus)
		apiGroup.POST("/runs/:id/cancel", s.handleCancel)
	}

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	return s
}

// Start begins serving; it blocks until the listener fails or closes
func (s *Server) Start() error {
	s.logger.Info("HTTP server starting", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

type submitRequest struct {
	SessionID string `json:"session_id"`
	AssetID   string `json:"asset_id" binding:"required"`
	LibraryID string `json:"library_id" binding:"required"`
	FileName  string `json:"file_name"`
}

func (s *Server) handleSubmit(c *gin.Context) {
	var req submitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	runID, err := s.orchestrator.Submit(c.Request.Context(), pipeline.WorkItem{
		SessionID: req.SessionID,
		AssetID:   req.AssetID,
		LibraryID: req.LibraryID,
		FileName:  req.FileName,
	})
	if err != nil {
		s.writeError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"run_id": runID})
}

func (s *Server) handleGetStatus(c *gin.Context) {
	status, err := s.orchestrator.GetStatus(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, status)
}

func (s *Server) handleCancel(c *gin.Context) {
	if err := s.orchestrator.Cancel(c.Request.Context(), c.Param("id")); err != nil {
		s.writeError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"status": "cancellation requested"})
}

func (s *Server) handleHealth(c *gin.Context) {
	stats := s.orchestrator.SessionStats()
	status := "healthy"
	if stats.UsingFallback {
		status = "degraded"
	}

	c.JSON(http.StatusOK, gin.H{
		"status":  status,
		"session": stats,
	})
}

// writeError maps the error taxonomy onto HTTP statuses
func (s *Server) writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch errors.GetType(err) {
	case errors.ErrorTypeValidation:
		status = http.StatusBadRequest
	case errors.ErrorTypeNotFound:
		status = http.StatusNotFound
	case errors.ErrorTypeConflict:
		status = http.StatusConflict
	case errors.ErrorTypeRateLimit:
		status = http.StatusTooManyRequests
	case errors.ErrorTypeAuthentication:
		status = http.StatusUnauthorized
	case errors.ErrorTypeAuthorization:
		status = http.StatusForbidden
	}

	c.JSON(status, gin.H{
		"error": err.Error(),
		"code":  errors.GetCode(err),
	})
}
