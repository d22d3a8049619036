package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v5"
	"github.com/labstack/echo/v5/middleware"
	"github.com/m4xw311/datapilot/agent"
	"github.com/m4xw311/datapilot/config"
	"github.com/m4xw311/datapilot/rules"
	"github.com/m4xw311/datapilot/tools"
)

// Server wires the agent manager, tool registry and rule store onto HTTP
// routes.
type Server struct {
	echo     *echo.Echo
	http     *http.Server
	manager  *agent.Manager
	registry *tools.Registry
	rules    *rules.Store
	cfg      *config.Config
	logger   *slog.Logger

	localTools []string
	webTools   []string

	stopSweep chan struct{}
}

// New builds the server. localTools and webTools are the default tool
// bindings for the two request modes.
func New(manager *agent.Manager, registry *tools.Registry, rulesStore *rules.Store, cfg *config.Config, logger *slog.Logger, localTools, webTools []string) *Server {
	e := echo.New()
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())

	s := &Server{
		echo:       e,
		manager:    manager,
		registry:   registry,
		rules:      rulesStore,
		cfg:        cfg,
		logger:     logger,
		localTools: localTools,
		webTools:   webTools,
		stopSweep:  make(chan struct{}),
	}

	e.POST("/api/v1/chat/stream", s.handleChatStream)
	e.DELETE("/api/v1/sessions/:id", s.handleDeleteSession)
	e.GET("/api/v1/sessions/:id/data", s.handleSessionData)
	e.POST("/api/v1/rules/reload", s.handleReloadRules)
	e.GET("/healthz", s.handleHealth)

	s.http = &http.Server{Addr: cfg.Listen, Handler: e}
	return s
}

// Start runs the idle-session sweeper and blocks serving HTTP.
func (s *Server) Start() error {
	if s.cfg.SessionTTLMinutes > 0 {
		go s.sweepLoop(time.Duration(s.cfg.SessionTTLMinutes) * time.Minute)
	}
	s.logger.Info("listening", "addr", s.cfg.Listen)
	return s.http.ListenAndServe()
}

// Shutdown stops the sweeper and drains the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	close(s.stopSweep)
	return s.http.Shutdown(ctx)
}

func (s *Server) sweepLoop(ttl time.Duration) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if n := s.manager.ExpireIdle(ttl); n > 0 {
				s.logger.Info("expired idle sessions", "count", n)
			}
		case <-s.stopSweep:
			return
		}
	}
}

func (s *Server) handleDeleteSession(c *echo.Context) error {
	id := c.Param("id")
	if !s.manager.Remove(id) {
		return echo.NewHTTPError(http.StatusNotFound, "session not found")
	}
	return c.JSON(http.StatusOK, map[string]string{"message": "session deleted", "session_id": id})
}

func (s *Server) handleSessionData(c *echo.Context) error {
	id := c.Param("id")
	if _, ok := s.manager.Lookup(id); !ok {
		return echo.NewHTTPError(http.StatusNotFound, "session not found")
	}
	reg := s.manager.DataRegistry()
	return c.JSON(http.StatusOK, map[string]interface{}{
		"session_id":      id,
		"current_file":    reg.Current(id),
		"transformations": reg.History(id),
	})
}

func (s *Server) handleReloadRules(c *echo.Context) error {
	if err := s.rules.Reload(); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"rules": s.rules.Names()})
}

func (s *Server) handleHealth(c *echo.Context) error {
	return c.JSON(http.StatusOK, map[string]interface{}{
		"status":   "ok",
		"sessions": s.manager.Len(),
	})
}
