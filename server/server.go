// Package server is the HTTP surface of the pipeline. Authentication and
// signature verification happen upstream; handlers trust the actor header
// and concern themselves with the request/response contract only.
package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/labstack/echo-contrib/echoprometheus"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	slogecho "github.com/samber/slog-echo"

	"github.com/topiary-social/topiary/smartmedia"
)

type Config struct {
	// Domain reported by the metadata endpoint.
	Domain string
	// Version string reported by the metadata endpoint.
	Version string
	// ACL lists accounts allowed to create posts; empty means open.
	ACL []string
	// CanvasTTL bounds how long a rendered canvas may be served stale.
	CanvasTTL time.Duration
	// Registerer receives the request metrics; nil means the process
	// default registry, which only tolerates one Server per process.
	Registerer prometheus.Registerer
}

type Server struct {
	echo   *echo.Echo
	orch   *smartmedia.Orchestrator
	logger *slog.Logger
	cfg    Config

	acl      map[string]bool
	canvases *expirable.LRU[string, []byte]
}

func NewServer(orch *smartmedia.Orchestrator, logger *slog.Logger, cfg Config) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.CanvasTTL <= 0 {
		cfg.CanvasTTL = time.Minute
	}
	if cfg.Registerer == nil {
		cfg.Registerer = prometheus.DefaultRegisterer
	}

	acl := make(map[string]bool, len(cfg.ACL))
	for _, a := range cfg.ACL {
		acl[a] = true
	}

	s := &Server{
		orch:     orch,
		logger:   logger.With("component", "server"),
		cfg:      cfg,
		acl:      acl,
		canvases: expirable.NewLRU[string, []byte](1024, nil, cfg.CanvasTTL),
	}

	e := echo.New()
	e.HideBanner = true
	e.Use(slogecho.New(s.logger))
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())
	e.Use(middleware.BodyLimit("1M"))
	e.Use(echoprometheus.NewMiddlewareWithConfig(echoprometheus.MiddlewareConfig{
		Subsystem:  "topiary",
		Registerer: cfg.Registerer,
	}))
	e.HTTPErrorHandler = s.errorHandler

	e.GET("/_health", s.handleHealthCheck)
	e.GET("/metadata", s.handleMetadata)
	e.POST("/post/create-preview", s.handleCreatePreview)
	e.POST("/post/create", s.handleCreate)
	e.GET("/post/:postId", s.handleGet)
	e.POST("/post/:postId/update", s.handleUpdate)
	e.POST("/post/:postId/disable", s.handleDisable)
	e.GET("/post/:postId/canvas", s.handleCanvas)

	s.echo = e
	return s
}

func (s *Server) RunAPI(listen string) error {
	s.logger.Info("starting API daemon", "bind", listen)
	return s.echo.Start(listen)
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

func (s *Server) handleHealthCheck(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) errorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}
	code := http.StatusInternalServerError
	msg := "internal error"
	if he, ok := err.(*echo.HTTPError); ok {
		code = he.Code
		if m, ok := he.Message.(string); ok {
			msg = m
		}
	}
	if code >= 500 {
		s.logger.Error("request failed", "path", c.Path(), "err", err)
	}
	_ = c.JSON(code, map[string]string{"error": msg})
}
