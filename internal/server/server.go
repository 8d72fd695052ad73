package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/storyforge/gateway/internal/circuitbreaker"
	"github.com/storyforge/gateway/internal/dispatch"
	"github.com/storyforge/gateway/internal/store"
	"github.com/storyforge/gateway/internal/token"
)

// ginModeOnce ensures gin.SetMode is called once across servers.
var ginModeOnce sync.Once

// TokenService is the token lifecycle surface the server exposes over HTTP.
type TokenService interface {
	Issue(ctx context.Context, subject, role string, permissions []string) (*token.TokenPair, error)
	Refresh(ctx context.Context, refreshToken string) (*token.TokenPair, error)
	RevokeAllForSubject(ctx context.Context, subjectID string) error
}

// Server is the gateway HTTP server.
type Server struct {
	engine     *gin.Engine
	httpServer *http.Server
	config     *Config
	logger     *zap.Logger

	dispatcher *dispatch.Dispatcher
	tokens     TokenService
	breakers   *circuitbreaker.Registry

	mu      sync.Mutex
	running bool
}

// New creates the server and mounts all routes.
func New(
	config *Config,
	logger *zap.Logger,
	dispatcher *dispatch.Dispatcher,
	tokens TokenService,
	breakers *circuitbreaker.Registry,
) (*Server, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	ginModeOnce.Do(func() {
		gin.SetMode(gin.ReleaseMode)
	})

	s := &Server{
		engine:     gin.New(),
		config:     config,
		logger:     logger,
		dispatcher: dispatcher,
		tokens:     tokens,
		breakers:   breakers,
	}
	s.mountRoutes()
	return s, nil
}

// mountRoutes wires middleware and all endpoint groups.
func (s *Server) mountRoutes() {
	s.engine.Use(recovery(s.logger))
	s.engine.Use(requestLogging(s.logger))
	s.engine.Use(func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, s.config.MaxRequestBody)
		c.Next()
	})

	s.engine.GET("/healthz", s.handleHealthz)
	s.engine.GET("/metrics", gin.WrapH(promhttp.Handler()))
	s.engine.POST("/auth/refresh", s.handleRefresh)

	if s.config.AdminToken != "" {
		admin := s.engine.Group("/admin", adminAuth(s.config.AdminToken))
		admin.POST("/tokens", s.handleIssue)
		admin.POST("/subjects/:id/revoke", s.handleRevokeSubject)
		admin.GET("/breakers", s.handleListBreakers)
		admin.GET("/breakers/:name", s.handleGetBreaker)
		admin.POST("/breakers/:name/reset", s.handleResetBreaker)
	} else {
		s.logger.Warn("admin token not configured, admin endpoints disabled")
	}

	// Everything else is edge traffic for the dispatcher.
	s.engine.NoRoute(func(c *gin.Context) {
		s.dispatcher.ServeHTTP(c.Writer, c.Request)
	})
}

// Engine returns the underlying gin engine, for tests.
func (s *Server) Engine() *gin.Engine {
	return s.engine
}

// Start runs the server until it is stopped. It blocks.
func (s *Server) Start() error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("server already running")
	}
	s.httpServer = &http.Server{
		Addr:         s.config.Address,
		Handler:      s.engine,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
		IdleTimeout:  s.config.IdleTimeout,
	}
	s.running = true
	s.mu.Unlock()

	s.logger.Info("starting HTTP server", zap.String("address", s.config.Address))

	err := s.httpServer.ListenAndServe()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	srv := s.httpServer
	s.running = false
	s.mu.Unlock()

	s.logger.Info("stopping HTTP server")
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown server: %w", err)
	}
	return nil
}

// handleHealthz reports liveness.
func (s *Server) handleHealthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// tokenPairResponse is the JSON shape for issued pairs.
type tokenPairResponse struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	ExpiresIn    int64  `json:"expiresInSeconds"`
	TokenID      string `json:"tokenId"`
}

func pairResponse(pair *token.TokenPair) tokenPairResponse {
	return tokenPairResponse{
		AccessToken:  pair.AccessToken,
		RefreshToken: pair.RefreshToken,
		ExpiresIn:    pair.ExpiresIn,
		TokenID:      pair.TokenID,
	}
}

// handleRefresh exchanges a refresh token for a new pair. Reuse of a
// consumed refresh token is reported with its own code so clients can
// force a full re-login.
func (s *Server) handleRefresh(c *gin.Context) {
	traceID := dispatch.TraceID(c.Request.Context())

	var req struct {
		RefreshToken string `json:"refreshToken" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		dispatch.WriteError(c.Writer, http.StatusBadRequest, dispatch.ErrorEnvelope{
			Code:      dispatch.CodeValidation,
			Message:   "refreshToken is required",
			Retryable: false,
			TraceID:   traceID,
		})
		return
	}

	pair, err := s.tokens.Refresh(c.Request.Context(), req.RefreshToken)
	if err != nil {
		s.writeTokenError(c, err, traceID)
		return
	}
	c.JSON(http.StatusOK, pairResponse(pair))
}

// handleIssue mints a pair for a subject. Reserved for trusted internal
// services behind the admin token.
func (s *Server) handleIssue(c *gin.Context) {
	traceID := dispatch.TraceID(c.Request.Context())

	var req struct {
		Subject     string   `json:"subject" binding:"required"`
		Role        string   `json:"role" binding:"required"`
		Permissions []string `json:"permissions"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		dispatch.WriteError(c.Writer, http.StatusBadRequest, dispatch.ErrorEnvelope{
			Code:      dispatch.CodeValidation,
			Message:   "subject and role are required",
			Retryable: false,
			TraceID:   traceID,
		})
		return
	}

	pair, err := s.tokens.Issue(c.Request.Context(), req.Subject, req.Role, req.Permissions)
	if err != nil {
		if errors.Is(err, token.ErrInvalidSubject) {
			dispatch.WriteError(c.Writer, http.StatusBadRequest, dispatch.ErrorEnvelope{
				Code:      dispatch.CodeValidation,
				Message:   "invalid subject, role, or permissions",
				Retryable: false,
				TraceID:   traceID,
			})
			return
		}
		s.writeTokenError(c, err, traceID)
		return
	}
	c.JSON(http.StatusCreated, pairResponse(pair))
}

// handleRevokeSubject blacklists every live token for a subject.
func (s *Server) handleRevokeSubject(c *gin.Context) {
	traceID := dispatch.TraceID(c.Request.Context())
	subject := c.Param("id")

	if err := s.tokens.RevokeAllForSubject(c.Request.Context(), subject); err != nil {
		s.writeTokenError(c, err, traceID)
		return
	}
	if s.dispatcher != nil {
		s.dispatcher.InvalidateSubject(subject)
	}

	s.logger.Info("subject revoked via admin endpoint",
		zap.String("subject", subject),
		zap.String("traceId", traceID),
	)
	c.Status(http.StatusNoContent)
}

// handleListBreakers returns stats for every known breaker.
func (s *Server) handleListBreakers(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"breakers": s.breakers.Stats()})
}

// handleGetBreaker returns stats for one breaker.
func (s *Server) handleGetBreaker(c *gin.Context) {
	name := c.Param("name")
	b, ok := s.breakers.Lookup(name)
	if !ok {
		dispatch.WriteError(c.Writer, http.StatusNotFound, dispatch.ErrorEnvelope{
			Code:      dispatch.CodeRouteNotFound,
			Message:   "unknown backend",
			Retryable: false,
			TraceID:   dispatch.TraceID(c.Request.Context()),
		})
		return
	}
	c.JSON(http.StatusOK, b.Stats())
}

// handleResetBreaker forces a breaker back to closed.
func (s *Server) handleResetBreaker(c *gin.Context) {
	name := c.Param("name")
	b, ok := s.breakers.Lookup(name)
	if !ok {
		dispatch.WriteError(c.Writer, http.StatusNotFound, dispatch.ErrorEnvelope{
			Code:      dispatch.CodeRouteNotFound,
			Message:   "unknown backend",
			Retryable: false,
			TraceID:   dispatch.TraceID(c.Request.Context()),
		})
		return
	}
	b.Reset()
	c.Status(http.StatusNoContent)
}

// writeTokenError maps token lifecycle failures to the envelope.
func (s *Server) writeTokenError(c *gin.Context, err error, traceID string) {
	switch {
	case errors.Is(err, token.ErrReuseDetected):
		s.logger.Error("refresh token reuse detected",
			zap.Error(err),
			zap.String("traceId", traceID),
		)
		dispatch.WriteError(c.Writer, http.StatusUnauthorized, dispatch.ErrorEnvelope{
			Code:      dispatch.CodeReuseDetected,
			Message:   "credential rejected",
			Retryable: false,
			TraceID:   traceID,
		})
	case store.IsUnavailable(err):
		dispatch.WriteError(c.Writer, http.StatusServiceUnavailable, dispatch.ErrorEnvelope{
			Code:      dispatch.CodeStoreUnavailable,
			Message:   "service temporarily unavailable",
			Retryable: true,
			TraceID:   traceID,
		})
	case token.IsAuthenticationError(err):
		dispatch.WriteError(c.Writer, http.StatusUnauthorized, dispatch.ErrorEnvelope{
			Code:      dispatch.CodeAuthentication,
			Message:   "authentication failed",
			Retryable: false,
			TraceID:   traceID,
		})
	default:
		s.logger.Error("token operation failed", zap.Error(err), zap.String("traceId", traceID))
		dispatch.WriteError(c.Writer, http.StatusInternalServerError, dispatch.ErrorEnvelope{
			Code:      dispatch.CodeBackendError,
			Message:   "internal error",
			Retryable: false,
			TraceID:   traceID,
		})
	}
}
