// Package dashboard serves the inference dashboard: an upload page and a JSON API that run the
// detector on uploaded satellite images.
package dashboard

import (
	"context"
	_ "embed"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sensorable/satdet/internal/detector"
	"github.com/sensorable/satdet/internal/errors"
	"github.com/sensorable/satdet/internal/logging"
	"github.com/sensorable/satdet/internal/metrics"
)

//go:embed index.html
var indexHTML string

const shutdownTimeout = 10 * time.Second

// DefaultMaxPixels is the default limit on width x height of an uploaded image.
const DefaultMaxPixels = 64 << 20

// Config configures the server.
type Config struct {
	Addr       string
	BodyLimit  string // Maximum request body size, e.g. "32M".
	MaxPixels  int    // Maximum width x height of an upload; 0 means DefaultMaxPixels.
	Thresholds detector.Thresholds
}

// DefaultConfig listens on port 8501 with the default thresholds.
func DefaultConfig() Config {
	return Config{
		Addr:       ":8501",
		BodyLimit:  "32M",
		MaxPixels:  DefaultMaxPixels,
		Thresholds: detector.DefaultThresholds(),
	}
}

// Server serves the dashboard for one loaded detector. It keeps no state between requests.
type Server struct {
	Echo *echo.Echo

	cfg     Config
	det     detector.Detector
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// New creates the server and registers its routes.
func New(cfg Config, det detector.Detector, m *metrics.Metrics, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		Echo:    echo.New(),
		cfg:     cfg,
		det:     det,
		metrics: m,
		logger:  logging.Module(logger, "dashboard"),
	}
	s.Echo.HideBanner = true
	s.Echo.HidePort = true
	s.Echo.HTTPErrorHandler = s.handleError

	s.configureMiddleware()
	s.initRoutes()
	return s
}

func (s *Server) configureMiddleware() {
	s.Echo.Use(middleware.Recover())
	s.Echo.Use(middleware.RequestIDWithConfig(middleware.RequestIDConfig{
		Generator: func() string { return uuid.New().String() },
	}))
	s.Echo.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogStatus:    true,
		LogURI:       true,
		LogMethod:    true,
		LogLatency:   true,
		LogRequestID: true,
		LogRemoteIP:  true,
		LogError:     true,
		HandleError:  true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			s.metrics.ObserveRequest(c.Path(), v.Status)

			level := slog.LevelInfo
			attrs := []slog.Attr{
				slog.String("method", v.Method),
				slog.String("uri", v.URI),
				slog.Int("status", v.Status),
				slog.Duration("latency", v.Latency),
				slog.String("request_id", v.RequestID),
				slog.String("remote_ip", v.RemoteIP),
			}
			if v.Error != nil {
				level = slog.LevelWarn
				attrs = append(attrs, slog.String("error", v.Error.Error()))
			}
			s.logger.LogAttrs(c.Request().Context(), level, "Request", attrs...)
			return nil
		},
	}))
	if s.cfg.BodyLimit != "" {
		s.Echo.Use(middleware.BodyLimit(s.cfg.BodyLimit))
	}
}

func (s *Server) initRoutes() {
	s.Echo.GET("/", s.handleIndex)
	s.Echo.GET("/healthz", s.handleHealth)
	s.Echo.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(s.metrics.Registry(),
		promhttp.HandlerOpts{ErrorHandling: promhttp.HTTPErrorOnError})))

	api := s.Echo.Group("/api/v1")
	api.GET("/model", s.handleModel)
	api.POST("/detections", s.handleDetections)
	api.POST("/annotate", s.handleAnnotate)
}

// Start serves until ctx is cancelled, then shuts the server down gracefully.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Dashboard listening", "addr", s.cfg.Addr, "model", s.det.ModelPath())
		errCh <- s.Echo.Start(s.cfg.Addr)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("dashboard server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.Echo.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("dashboard shutdown: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	s.logger.Info("Dashboard stopped")
	return nil
}

// APIError is the JSON body of every error response.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func newHTTPError(status int, code, message string) *echo.HTTPError {
	return echo.NewHTTPError(status, APIError{Code: code, Message: message})
}

// handleError renders errors as APIError. Errors that are not HTTP errors become a 500 carrying
// the error message.
func (s *Server) handleError(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	status := http.StatusInternalServerError
	body := APIError{Code: "internal_error", Message: err.Error()}

	var he *echo.HTTPError
	if errors.As(err, &he) {
		status = he.Code
		switch m := he.Message.(type) {
		case APIError:
			body = m
		default:
			body = APIError{Code: statusCode(status), Message: fmt.Sprint(m)}
		}
	}

	if c.Request().Method == http.MethodHead {
		err = c.NoContent(status)
	} else {
		err = c.JSON(status, body)
	}
	if err != nil {
		s.logger.Error("Cannot write error response", "error", err)
	}
}

// statusCode turns a status into a snake case error code, "Not Found" into "not_found".
func statusCode(status int) string {
	text := http.StatusText(status)
	if text == "" {
		return "error"
	}
	return strings.ReplaceAll(strings.ToLower(text), " ", "_")
}
