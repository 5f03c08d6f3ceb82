// Package api provides the management HTTP server for copilotctl.
// It wires the gin engine, the logging, metrics and CORS middleware and the Copilot
// management routes under /v0.
package api

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/router-for-me/copilotctl/internal/api/handlers/management"
	"github.com/router-for-me/copilotctl/internal/api/middleware"
	"github.com/router-for-me/copilotctl/internal/config"
	"github.com/router-for-me/copilotctl/internal/logging"
	log "github.com/sirupsen/logrus"
)

// ManagementPasswordEnv names the environment variable holding the optional management key.
const ManagementPasswordEnv = "MANAGEMENT_PASSWORD"

type serverOptionConfig struct {
	extraMiddleware []gin.HandlerFunc
	logs            *logging.RingBuffer
	password        string
	passwordSet     bool
}

// ServerOption customises HTTP server construction.
type ServerOption func(*serverOptionConfig)

// WithMiddleware appends additional Gin middleware during server construction.
func WithMiddleware(mw ...gin.HandlerFunc) ServerOption {
	return func(cfg *serverOptionConfig) {
		cfg.extraMiddleware = append(cfg.extraMiddleware, mw...)
	}
}

// WithLogBuffer serves /v0/logs from buf instead of logging.GlobalBuffer.
func WithLogBuffer(buf *logging.RingBuffer) ServerOption {
	return func(cfg *serverOptionConfig) {
		cfg.logs = buf
	}
}

// WithManagementPassword requires password on every /v0 request. It overrides the
// MANAGEMENT_PASSWORD environment variable.
func WithManagementPassword(password string) ServerOption {
	return func(cfg *serverOptionConfig) {
		cfg.password = strings.TrimSpace(password)
		cfg.passwordSet = true
	}
}

// Server represents the management API server.
type Server struct {
	// engine is the Gin web framework engine instance.
	engine *gin.Engine

	// server is the underlying HTTP server.
	server *http.Server

	cfg      *config.Config
	mgmt     *management.Handler
	password string
}

// NewServer creates the management API server for sess.
func NewServer(cfg *config.Config, sess management.Session, opts ...ServerOption) *Server {
	optionState := &serverOptionConfig{}
	for i := range opts {
		opts[i](optionState)
	}
	if !optionState.passwordSet {
		optionState.password = strings.TrimSpace(os.Getenv(ManagementPasswordEnv))
	}

	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}
	middleware.SetMetricsEnabled(cfg.MetricsEnabled)

	engine := gin.New()
	engine.Use(logging.GinLogrusLogger())
	engine.Use(logging.GinLogrusRecovery())
	engine.Use(middleware.PrometheusMiddleware())
	if cfg.RequestLog {
		engine.Use(middleware.RequestLoggingMiddleware())
	}
	for _, mw := range optionState.extraMiddleware {
		engine.Use(mw)
	}
	engine.Use(corsMiddleware())

	s := &Server{
		engine:   engine,
		cfg:      cfg,
		mgmt:     management.NewHandler(sess, optionState.logs),
		password: optionState.password,
	}
	s.setupRoutes()

	host := strings.TrimSpace(cfg.Host)
	if host == "" {
		host = "127.0.0.1"
	}
	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", host, cfg.Port),
		Handler:           engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// setupRoutes configures the API routes for the server.
func (s *Server) setupRoutes() {
	s.engine.GET("/healthz", logging.SkipGinRequestLogging, func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "port": s.cfg.Port})
	})
	s.engine.GET("/metrics", logging.SkipGinRequestLogging, middleware.MetricsHandler())

	v0 := s.engine.Group("/v0")
	v0.Use(s.managementAuth())
	{
		v0.GET("/logs", s.mgmt.GetLogs)

		cp := v0.Group("/copilot")
		cp.GET("/status", s.mgmt.GetStatus)
		cp.GET("/config", s.mgmt.GetConfig)
		cp.PUT("/config", s.mgmt.PutConfig)
		cp.POST("/auth/start", s.mgmt.StartAuth)
		cp.POST("/auth/poll", s.mgmt.PollAuth)
		cp.POST("/auth/cancel", s.mgmt.CancelAuth)
		cp.GET("/credentials", s.mgmt.ListCredentials)
		cp.DELETE("/credentials/:user", s.mgmt.DeleteCredential)
		cp.POST("/start", s.mgmt.StartProxy)
		cp.POST("/stop", s.mgmt.StopProxy)
		cp.GET("/detect", s.mgmt.Detect)
		cp.POST("/install", s.mgmt.Install)
	}
}

// Handler returns the HTTP handler, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Addr returns the listen address.
func (s *Server) Addr() string {
	return s.server.Addr
}

// Start begins listening for and serving HTTP requests.
// It's a blocking call and will only return on an unrecoverable error.
func (s *Server) Start() error {
	if s == nil || s.server == nil {
		return fmt.Errorf("failed to start HTTP server: server not initialized")
	}
	if s.password == "" && !isLoopbackHost(s.cfg.Host) {
		log.Warnf("management API on %s has no %s; anyone who can reach it can use your Copilot credentials", s.server.Addr, ManagementPasswordEnv)
	}
	log.Infof("management API listening on %s", s.server.Addr)
	if errServe := s.server.ListenAndServe(); errServe != nil && !errors.Is(errServe, http.ErrServerClosed) {
		return fmt.Errorf("failed to start HTTP server: %v", errServe)
	}
	return nil
}

// Stop gracefully shuts down the API server without interrupting any
// active connections.
func (s *Server) Stop(ctx context.Context) error {
	log.Debug("Stopping API server...")
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown HTTP server: %v", err)
	}
	log.Debug("API server stopped")
	return nil
}

// managementAuth checks the management key when one is configured. The key is accepted
// as a bearer token or in X-Management-Key.
func (s *Server) managementAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.password == "" {
			c.Next()
			return
		}
		provided := strings.TrimSpace(c.GetHeader("X-Management-Key"))
		if provided == "" {
			if auth := c.GetHeader("Authorization"); len(auth) > 7 && strings.EqualFold(auth[:7], "bearer ") {
				provided = strings.TrimSpace(auth[7:])
			}
		}
		if subtle.ConstantTimeCompare([]byte(provided), []byte(s.password)) != 1 {
			c.Set(middleware.ErrorCodeKey, "unauthorized")
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"code": "unauthorized", "message": "missing or invalid management key"})
			return
		}
		c.Next()
	}
}

// corsMiddleware allows browser access from localhost origins only.
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := strings.TrimSpace(c.GetHeader("Origin"))
		if origin != "" && originAllowed(origin) {
			c.Header("Access-Control-Allow-Origin", origin)
			c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			c.Header("Access-Control-Allow-Headers", "Authorization, Content-Type, X-Management-Key")
			c.Header("Vary", "Origin")
		}
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

func originAllowed(origin string) bool {
	for _, prefix := range []string{"http://localhost", "http://127.0.0.1", "https://localhost", "https://127.0.0.1"} {
		if origin == prefix || strings.HasPrefix(origin, prefix+":") {
			return true
		}
	}
	return false
}

func isLoopbackHost(host string) bool {
	switch strings.TrimSpace(host) {
	case "", "127.0.0.1", "localhost", "::1":
		return true
	}
	return false
}
