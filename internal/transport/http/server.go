// Package http provides the HTTP server implementation for the orchestrator.
package http

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/Godjoberto04/dropshipping-crew-ai/internal/domain"
	"github.com/Godjoberto04/dropshipping-crew-ai/internal/observability"
	"github.com/Godjoberto04/dropshipping-crew-ai/internal/service"
	v1 "github.com/Godjoberto04/dropshipping-crew-ai/internal/transport/http/v1"
)

// Options configure the HTTP server.
type Options struct {
	// RateLimit is the allowed requests per second per client IP; zero
	// disables limiting.
	RateLimit float64
	Metrics   *observability.Metrics
	Gatherer  prometheus.Gatherer
	Logger    *slog.Logger
}

// NewServer creates and configures the API server.
func NewServer(svc *service.Service, opts Options) *echo.Echo {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Middleware
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:   true,
		LogURI:      true,
		LogStatus:   true,
		LogLatency:  true,
		LogError:    true,
		HandleError: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			level := slog.LevelInfo
			if v.Error != nil || v.Status >= http.StatusInternalServerError {
				level = slog.LevelError
			}
			attrs := []slog.Attr{
				slog.String("method", v.Method),
				slog.String("uri", v.URI),
				slog.Int("status", v.Status),
				slog.Duration("latency", v.Latency),
			}
			if v.Error != nil {
				attrs = append(attrs, slog.String("error", v.Error.Error()))
			}
			logger.LogAttrs(c.Request().Context(), level, "request", attrs...)
			return nil
		},
	}))
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())
	e.Use(metricsMiddleware(opts.Metrics))
	if opts.RateLimit > 0 {
		e.Use(rateLimiter(opts.RateLimit))
	}

	// Handlers
	v1Handler := v1.NewHandler(svc)

	// Register Routes
	v1Handler.RegisterRoutes(e)
	gatherer := opts.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	return e
}

func metricsMiddleware(m *observability.Metrics) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			err := next(c)
			status := c.Response().Status
			if err != nil {
				if he, ok := err.(*echo.HTTPError); ok {
					status = he.Code
				}
			}
			m.HTTPRequest(c.Request().Method, c.Path(), strconv.Itoa(status))
			return err
		}
	}
}

func rateLimiter(perSecond float64) echo.MiddlewareFunc {
	burst := int(perSecond * 2)
	if burst < 1 {
		burst = 1
	}
	return middleware.RateLimiterWithConfig(middleware.RateLimiterConfig{
		Store: middleware.NewRateLimiterMemoryStoreWithConfig(middleware.RateLimiterMemoryStoreConfig{
			Rate:  rate.Limit(perSecond),
			Burst: burst,
		}),
		DenyHandler: func(c echo.Context, identifier string, err error) error {
			return c.JSON(http.StatusTooManyRequests, domain.ErrorResponse{
				ErrorKind: domain.ErrValidation,
				Message:   "rate limit exceeded",
			})
		},
	})
}
