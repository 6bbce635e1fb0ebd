package daemon

import (
	"context"
	"errors"
	"net/http"
	"os"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/factoryd/internal/archive"
	"github.com/fyrsmithlabs/factoryd/internal/config"
	"github.com/fyrsmithlabs/factoryd/internal/logging"
	"github.com/fyrsmithlabs/factoryd/internal/report"
	"github.com/fyrsmithlabs/factoryd/internal/services"
)

// Server exposes daemon status over HTTP.
type Server struct {
	echo     *echo.Echo
	registry services.Registry
	logger   *logging.Logger
	cfg      config.DaemonConfig
}

// NewServer builds the status HTTP server.
func NewServer(cfg config.DaemonConfig, registry services.Registry, logger *logging.Logger) (*Server, error) {
	if registry == nil {
		return nil, errors.New("registry is required")
	}
	if logger == nil {
		return nil, errors.New("logger is required")
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			logger.Debug(c.Request().Context(), "http request",
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", c.Response().Header().Get(echo.HeaderXRequestID)),
			)
			return err
		}
	})

	s := &Server{echo: e, registry: registry, logger: logger, cfg: cfg}
	s.registerRoutes()
	return s, nil
}

func (s *Server) registerRoutes() {
	s.echo.GET("/healthz", s.handleHealth)
	s.echo.GET("/status", s.handleStatus)
	s.echo.GET("/runs", s.handleRuns)
	s.echo.GET("/runs/:id", s.handleRun)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
}

// HealthResponse is the response body for GET /healthz.
type HealthResponse struct {
	Status string `json:"status"`
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
}

// handleStatus returns the latest pipeline snapshot, or 404 before the first
// run starts.
func (s *Server) handleStatus(c echo.Context) error {
	snap, err := report.ReadSnapshot(s.registry.SnapshotPath())
	if errors.Is(err, os.ErrNotExist) {
		return echo.NewHTTPError(http.StatusNotFound, "no run has started yet")
	}
	if err != nil {
		s.logger.Warn(c.Request().Context(), "reading snapshot failed", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "snapshot unavailable")
	}
	return c.JSON(http.StatusOK, snap)
}

func (s *Server) handleRuns(c echo.Context) error {
	runs := s.registry.Archive()
	if runs == nil {
		return echo.NewHTTPError(http.StatusNotFound, "run archive is disabled")
	}
	summaries, err := runs.ListRuns(c.Request().Context(), 50)
	if err != nil {
		s.logger.Error(c.Request().Context(), "listing runs failed", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "archive unavailable")
	}
	if summaries == nil {
		summaries = []archive.RunSummary{}
	}
	return c.JSON(http.StatusOK, summaries)
}

func (s *Server) handleRun(c echo.Context) error {
	runs := s.registry.Archive()
	if runs == nil {
		return echo.NewHTTPError(http.StatusNotFound, "run archive is disabled")
	}
	rec, err := runs.GetRun(c.Request().Context(), c.Param("id"))
	if errors.Is(err, archive.ErrRunNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "run not found")
	}
	if err != nil {
		s.logger.Error(c.Request().Context(), "loading run failed", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "archive unavailable")
	}
	return c.JSON(http.StatusOK, rec)
}

// Echo returns the underlying echo instance, for tests.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}

// Start serves until the listener fails. Blocks.
func (s *Server) Start() error {
	s.logger.Info(context.Background(), "status server listening", zap.String("addr", s.cfg.Addr))
	if err := s.echo.Start(s.cfg.Addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}
