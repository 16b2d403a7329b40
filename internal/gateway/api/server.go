// Package api exposes the orchestrator and terminal manager over a REST
// surface consumed by the UI alongside the WebSocket event stream.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/justelson/agentscope/internal/agent/handler"
	"github.com/justelson/agentscope/internal/agent/orchestrator"
	"github.com/justelson/agentscope/internal/common/config"
	"github.com/justelson/agentscope/internal/common/logger"
	"github.com/justelson/agentscope/internal/gateway/websocket"
	"github.com/justelson/agentscope/internal/terminal"
)

// Server hosts the HTTP gateway.
type Server struct {
	cfg       config.ServerConfig
	logger    *logger.Logger
	engine    *gin.Engine
	http      *http.Server
	orch      *orchestrator.Orchestrator
	terminals *terminal.Manager
	registry  *handler.Registry
	hub       *websocket.Hub
}

// NewServer wires the gateway routes.
func NewServer(cfg config.ServerConfig, orch *orchestrator.Orchestrator, terminals *terminal.Manager, registry *handler.Registry, hub *websocket.Hub, log *logger.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	s := &Server{
		cfg:       cfg,
		logger:    log.WithFields(zap.String("component", "api")),
		engine:    engine,
		orch:      orch,
		terminals: terminals,
		registry:  registry,
		hub:       hub,
	}
	s.routes()

	s.http = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler: engine,
	}
	return s
}

func (s *Server) routes() {
	s.engine.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	s.engine.GET("/ws", websocket.Handler(s.hub, s.logger))

	v1 := s.engine.Group("/api/v1")

	v1.GET("/agents", s.listAgents)

	sessions := v1.Group("/sessions")
	sessions.POST("", s.createSession)
	sessions.GET("", s.listSessions)
	sessions.GET("/:id", s.getSession)
	sessions.DELETE("/:id", s.removeSession)
	sessions.POST("/:id/start", s.startSession)
	sessions.POST("/:id/input", s.writeInput)
	sessions.POST("/:id/message", s.sendMessage)
	sessions.POST("/:id/resize", s.resizeSession)
	sessions.POST("/:id/kill", s.killSession)
	sessions.GET("/:id/output", s.getOutput)
	sessions.GET("/:id/events", s.getEvents)

	terminals := v1.Group("/terminals")
	terminals.POST("", s.createTerminal)
	terminals.GET("", s.listTerminals)
	terminals.GET("/:id", s.getTerminal)
	terminals.POST("/:id/input", s.writeTerminal)
	terminals.POST("/:id/resize", s.resizeTerminal)
	terminals.DELETE("/:id", s.killTerminal)
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Run serves HTTP until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("gateway listening", zap.String("addr", s.http.Addr))
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.http.Shutdown(shutdownCtx)
	}
}

func (s *Server) listAgents(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"agents": s.registry.List()})
}

type createSessionRequest struct {
	AgentID   string `json:"agent_id" binding:"required"`
	Task      string `json:"task" binding:"required"`
	WorkDir   string `json:"work_dir"`
	AutoStart bool   `json:"auto_start"`
}

func (s *Server) createSession(c *gin.Context) {
	var req createSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	info, err := s.orch.CreateSession(req.AgentID, req.Task, req.WorkDir, req.AutoStart)
	if err != nil {
		s.sessionError(c, err)
		return
	}
	c.JSON(http.StatusCreated, info)
}

func (s *Server) listSessions(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"sessions": s.orch.ListSessions()})
}

func (s *Server) getSession(c *gin.Context) {
	info, err := s.orch.GetSession(c.Param("id"))
	if err != nil {
		s.sessionError(c, err)
		return
	}
	c.JSON(http.StatusOK, info)
}

func (s *Server) removeSession(c *gin.Context) {
	if err := s.orch.RemoveSession(c.Param("id")); err != nil {
		s.sessionError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) startSession(c *gin.Context) {
	if err := s.orch.StartSession(c.Param("id")); err != nil {
		s.sessionError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"started": true})
}

type inputRequest struct {
	Data string `json:"data" binding:"required"`
}

func (s *Server) writeInput(c *gin.Context) {
	var req inputRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.orch.WriteToSession(c.Param("id"), []byte(req.Data)); err != nil {
		s.sessionError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type messageRequest struct {
	Text string `json:"text" binding:"required"`
}

func (s *Server) sendMessage(c *gin.Context) {
	var req messageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.orch.SendMessage(c.Param("id"), req.Text); err != nil {
		s.sessionError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type resizeRequest struct {
	Cols int `json:"cols" binding:"required"`
	Rows int `json:"rows" binding:"required"`
}

func (s *Server) resizeSession(c *gin.Context) {
	var req resizeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.orch.ResizeSession(c.Param("id"), req.Cols, req.Rows); err != nil {
		s.sessionError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) killSession(c *gin.Context) {
	if err := s.orch.KillSession(c.Param("id")); err != nil {
		s.sessionError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"killed": true})
}

func (s *Server) getOutput(c *gin.Context) {
	output, err := s.orch.GetOutput(c.Param("id"))
	if err != nil {
		s.sessionError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"output": output})
}

func (s *Server) getEvents(c *gin.Context) {
	events, err := s.orch.GetEvents(c.Param("id"))
	if err != nil {
		s.sessionError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events})
}

type createTerminalRequest struct {
	Name  string `json:"name"`
	Cwd   string `json:"cwd"`
	Shell string `json:"shell"`
}

func (s *Server) createTerminal(c *gin.Context) {
	// An empty body is fine; all fields are optional.
	var req createTerminalRequest
	_ = c.ShouldBindJSON(&req)

	info, err := s.terminals.CreateSession(req.Name, req.Cwd, req.Shell)
	if err != nil {
		if errors.Is(err, terminal.ErrSessionLimit) {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, info)
}

func (s *Server) listTerminals(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"terminals": s.terminals.ListSessions()})
}

func (s *Server) getTerminal(c *gin.Context) {
	info, ok := s.terminals.GetSession(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "terminal not found"})
		return
	}
	c.JSON(http.StatusOK, info)
}

func (s *Server) writeTerminal(c *gin.Context) {
	var req inputRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	s.terminals.Write(c.Param("id"), []byte(req.Data))
	c.Status(http.StatusNoContent)
}

func (s *Server) resizeTerminal(c *gin.Context) {
	var req resizeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	s.terminals.Resize(c.Param("id"), req.Cols, req.Rows)
	c.Status(http.StatusNoContent)
}

func (s *Server) killTerminal(c *gin.Context) {
	if !s.terminals.KillSession(c.Param("id")) {
		c.JSON(http.StatusNotFound, gin.H{"error": "terminal not found"})
		return
	}
	c.Status(http.StatusNoContent)
}

// sessionError maps orchestrator errors onto HTTP statuses.
func (s *Server) sessionError(c *gin.Context, err error) {
	msg := err.Error()
	switch {
	case errors.Is(err, terminal.ErrSessionLimit):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": msg})
	case strings.Contains(msg, "not found"), strings.Contains(msg, "unknown agent"):
		c.JSON(http.StatusNotFound, gin.H{"error": msg})
	case strings.Contains(msg, "cannot be started"), strings.Contains(msg, "has no terminal"):
		c.JSON(http.StatusConflict, gin.H{"error": msg})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": msg})
	}
}
