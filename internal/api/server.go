// Package api exposes conversation sessions over HTTP and WebSocket.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/clinical-codes-finder/internal/domain"
	"github.com/clinical-codes-finder/internal/middleware"
	"github.com/clinical-codes-finder/internal/workflow"
	"github.com/clinical-codes-finder/pkg/external"
)

// Server represents the HTTP server
type Server struct {
	configManager domain.ConfigManager
	sessions      *workflow.SessionManager
	health        external.HealthChecker
	logger        *logrus.Logger
	router        *gin.Engine
	server        *http.Server
	upgrader      websocket.Upgrader
}

// NewServer creates a new HTTP server instance
func NewServer(configManager domain.ConfigManager, sessions *workflow.SessionManager, health external.HealthChecker, logger *logrus.Logger) *Server {
	cfg := configManager.GetConfig()

	// Set Gin mode based on environment
	if cfg.Logging.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())
	router.Use(middleware.RequestID())
	router.Use(middleware.SecurityHeaders())
	router.Use(middleware.AuditLogger(logger))

	server := &Server{
		configManager: configManager,
		sessions:      sessions,
		health:        health,
		logger:        logger,
		router:        router,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}

	server.setupRoutes()

	return server
}

// Handler returns the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start starts the HTTP server
func (s *Server) Start(ctx context.Context) error {
	cfg := s.configManager.GetServerConfig()
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)

	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.WithField("addr", addr).Info("HTTP server listening")
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("failed to start server: %w", err)
	case <-ctx.Done():
	}

	// Graceful shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	return s.server.Shutdown(shutdownCtx)
}

// setupRoutes configures the API routes
func (s *Server) setupRoutes() {
	requestTimeout := s.configManager.GetServerConfig().RequestTimeout

	s.router.GET("/health", s.handleHealth)

	v1 := s.router.Group("/api/v1")
	{
		v1.GET("/systems", s.handleListSystems)
		v1.POST("/sessions", s.handleCreateSession)
		v1.DELETE("/sessions/:id", s.handleDeleteSession)
		v1.POST("/sessions/:id/query", middleware.RequestTimeout(requestTimeout), s.handleQuery)
		v1.DELETE("/sessions/:id/conversation", s.handleResetConversation)
		v1.GET("/sessions/:id/history", s.handleHistory)
		v1.GET("/sessions/:id/ws", s.handleWebSocket)
	}
}

// QueryRequest is the body of a query request.
type QueryRequest struct {
	Text string `json:"text"`
}

// HistoryResponse describes a session's conversation.
type HistoryResponse struct {
	SessionID string                    `json:"session_id"`
	LastTopic string                    `json:"last_topic,omitempty"`
	Stage     workflow.Stage            `json:"stage"`
	MaxTurns  int                       `json:"max_turns"`
	Turns     []domain.ConversationTurn `json:"turns"`
}

// SystemInfo describes one supported coding system.
type SystemInfo struct {
	ID          domain.CodingSystem `json:"id"`
	Name        string              `json:"name"`
	Description string              `json:"description"`
}

// handleHealth reports breaker state per coding system and the cache tier.
func (s *Server) handleHealth(c *gin.Context) {
	services := s.health.HealthCheck(c.Request.Context())

	status := "healthy"
	for _, svc := range services {
		if !svc.Healthy {
			status = "degraded"
		}
	}

	resp := gin.H{
		"status":    status,
		"timestamp": time.Now(),
		"version":   s.configManager.GetConfig().MCP.ServerVersion,
		"services":  services,
		"sessions":  s.sessions.Len(),
	}
	if cache, ok := s.health.(memoryStatser); ok {
		if stats, enabled := cache.MemoryStats(); enabled {
			resp["cache"] = stats
		}
	}
	c.JSON(http.StatusOK, resp)
}

type memoryStatser interface {
	MemoryStats() (external.MemoryCacheStats, bool)
}

func (s *Server) handleListSystems(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"systems": ListSystems()})
}

func (s *Server) handleCreateSession(c *gin.Context) {
	id, _ := s.sessions.Create()
	c.JSON(http.StatusCreated, gin.H{"session_id": id})
}

func (s *Server) handleDeleteSession(c *gin.Context) {
	if !s.sessions.Delete(c.Param("id")) {
		s.writeError(c, workflow.ErrSessionNotFound)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleQuery(c *gin.Context) {
	session, err := s.sessions.Get(c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}

	var req QueryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.writeError(c, domain.NewValidationError("body", "expected JSON object with a text field", nil))
		return
	}

	result, err := session.SubmitQuery(c.Request.Context(), req.Text)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) handleResetConversation(c *gin.Context) {
	session, err := s.sessions.Get(c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	session.ResetConversation()
	c.JSON(http.StatusOK, gin.H{"session_id": c.Param("id"), "reset": true})
}

func (s *Server) handleHistory(c *gin.Context) {
	session, err := s.sessions.Get(c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	topic, _ := session.CurrentTopic()
	c.JSON(http.StatusOK, HistoryResponse{
		SessionID: c.Param("id"),
		LastTopic: topic,
		Stage:     session.Stage(),
		MaxTurns:  session.MaxTurns(),
		Turns:     session.History(),
	})
}

// writeError maps domain errors onto HTTP status codes.
func (s *Server) writeError(c *gin.Context, err error) {
	status, apiErr := toAPIError(err, c.GetString(middleware.RequestIDKey))
	_ = c.Error(err)
	c.AbortWithStatusJSON(status, apiErr)
}

func toAPIError(err error, requestID string) (int, *domain.APIError) {
	if errors.Is(err, workflow.ErrSessionNotFound) {
		return http.StatusNotFound, domain.NewAPIError("SESSION_NOT_FOUND", "session not found", "", requestID)
	}

	kind := domain.KindOf(err)
	status := http.StatusInternalServerError
	switch kind {
	case domain.ErrKindEmptyQuery, domain.ErrKindValidation:
		status = http.StatusBadRequest
	case domain.ErrKindNoContext:
		status = http.StatusUnprocessableEntity
	case domain.ErrKindClassification:
		status = http.StatusBadGateway
	case domain.ErrKindLookupUnavailable:
		status = http.StatusServiceUnavailable
	case domain.ErrKindStateReset:
		status = http.StatusConflict
	}

	message := err.Error()
	var qe *domain.QueryError
	if errors.As(err, &qe) {
		message = qe.Message
	}
	var ve *domain.ValidationError
	if errors.As(err, &ve) {
		message = ve.Message
	}
	return status, domain.NewAPIError(string(kind), message, err.Error(), requestID)
}

// ListSystems describes every supported coding system.
func ListSystems() []SystemInfo {
	systems := domain.AllCodingSystems()
	out := make([]SystemInfo, 0, len(systems))
	for _, system := range systems {
		out = append(out, SystemInfo{
			ID:          system,
			Name:        system.DisplayName(),
			Description: system.Description(),
		})
	}
	return out
}

// corsMiddleware adds CORS headers to responses
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, X-Request-ID")
		c.Header("Access-Control-Expose-Headers", "Content-Length, X-Request-ID")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
