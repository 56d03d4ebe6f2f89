// Package httpapi exposes the gateway over a REST API.
package httpapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/jholhewres/wagate/pkg/wagate/gateway"
	"github.com/jholhewres/wagate/pkg/wagate/session"
	"github.com/jholhewres/wagate/pkg/wagate/spamguard"
)

// Options configures the server.
type Options struct {
	Addr              string
	APIKey            string
	RequestsPerSecond float64
	Burst             int
	Registry          *prometheus.Registry
	Logger            *slog.Logger
}

// Server wires the gateway service into HTTP routes.
type Server struct {
	echo   *echo.Echo
	svc    *gateway.Service
	logger *slog.Logger
	opts   Options

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// New builds the server and registers every route.
func New(svc *gateway.Service, opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		echo:     echo.New(),
		svc:      svc,
		logger:   logger.With("component", "httpapi"),
		opts:     opts,
		limiters: make(map[string]*rate.Limiter),
	}
	s.echo.HideBanner = true
	s.echo.HidePort = true

	s.echo.Use(middleware.Recover())
	s.echo.Use(s.logRequests)
	if opts.RequestsPerSecond > 0 {
		s.echo.Use(s.throttle)
	}
	if opts.APIKey != "" {
		s.echo.Use(s.auth)
	}

	s.routes()
	return s
}

// Start blocks serving HTTP until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info("http api listening", slog.String("addr", s.opts.Addr))
	err := s.echo.Start(s.opts.Addr)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops the listener gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

func (s *Server) routes() {
	e := s.echo

	e.GET("/health", s.handleHealth)
	e.GET("/status", s.handleStatus)
	e.POST("/restart", s.handleRestart)

	e.GET("/qr", s.handleQR)
	e.GET("/qr/view", s.handleQRView)

	e.POST("/messages/text", s.handleSendText)
	e.POST("/messages/media", s.handleSendMedia)

	e.GET("/contacts", s.handleListContacts)
	e.POST("/contacts", s.handleSaveContact)
	e.GET("/contacts/:id", s.handleContact)

	e.GET("/groups", s.handleListGroups)
	e.POST("/groups", s.handleCreateGroup)
	e.POST("/groups/:ref/messages", s.handleSendGroup)
	e.POST("/groups/:ref/media", s.handleSendGroupMedia)

	e.GET("/diffusions", s.handleListDiffusions)
	e.POST("/diffusions", s.handleCreateDiffusion)
	e.POST("/diffusions/:ref/messages", s.handleSendDiffusion)
	e.POST("/diffusions/:ref/media", s.handleSendDiffusionMedia)

	e.GET("/limits/stats", s.handleGuardStats)
	e.POST("/limits/blacklist", s.handleBlacklist)
	e.DELETE("/limits/blacklist/:id", s.handleUnblacklist)

	e.GET("/cache/stats", s.handleCacheStats)
	e.DELETE("/cache", s.handleCacheClear)

	e.GET("/webhook", s.handleGetWebhook)
	e.PUT("/webhook", s.handleSetWebhook)
	e.DELETE("/webhook", s.handleDeleteWebhook)
	e.POST("/webhook/test", s.handleTestWebhook)

	if s.opts.Registry != nil {
		e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(s.opts.Registry, promhttp.HandlerOpts{})))
	}
}

// logRequests emits one structured line per request.
func (s *Server) logRequests(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		start := time.Now()
		err := next(c)
		s.logger.Info("request",
			slog.String("method", c.Request().Method),
			slog.String("path", c.Request().URL.Path),
			slog.Int("status", c.Response().Status),
			slog.Duration("took", time.Since(start)))
		return err
	}
}

// throttle limits requests per client IP.
func (s *Server) throttle(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		ip := c.RealIP()
		s.mu.Lock()
		lim, ok := s.limiters[ip]
		if !ok {
			lim = rate.NewLimiter(rate.Limit(s.opts.RequestsPerSecond), s.opts.Burst)
			s.limiters[ip] = lim
		}
		s.mu.Unlock()
		if !lim.Allow() {
			return echo.NewHTTPError(http.StatusTooManyRequests, "too many requests")
		}
		return next(c)
	}
}

// auth requires a Bearer token on everything except health and metrics.
func (s *Server) auth(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		path := c.Request().URL.Path
		if path == "/health" || path == "/metrics" {
			return next(c)
		}
		header := c.Request().Header.Get("Authorization")
		if header != "Bearer "+s.opts.APIKey {
			return echo.NewHTTPError(http.StatusUnauthorized, "invalid or missing api key")
		}
		return next(c)
	}
}

// fail converts service errors into HTTP responses with a stable error
// code body.
func (s *Server) fail(c echo.Context, err error) error {
	kind := session.KindOf(err)
	status := http.StatusInternalServerError

	switch kind {
	case session.KindNotInitialized, session.KindNotAuthenticated,
		session.KindNotReady, session.KindHelpersNotVerified:
		status = http.StatusServiceUnavailable
	case session.KindDestinationNotFound:
		status = http.StatusNotFound
	case session.KindUnsupportedMedia:
		status = http.StatusUnsupportedMediaType
	case session.KindMediaTimeout:
		status = http.StatusGatewayTimeout
	case session.KindBlacklisted:
		status = http.StatusForbidden
	case session.KindRateLimited:
		status = http.StatusTooManyRequests
	}

	body := map[string]any{
		"error": err.Error(),
	}
	if kind != "" {
		body["code"] = string(kind)
	}

	var sessErr *session.Error
	if errors.As(err, &sessErr) && sessErr.Wait > 0 {
		c.Response().Header().Set("Retry-After",
			strconv.Itoa(int(sessErr.Wait.Round(time.Second)/time.Second)+1))
		body["retryAfterMs"] = sessErr.Wait.Milliseconds()
	}
	var verdict spamguard.Verdict
	if errors.As(err, &verdict) && verdict.Wait > 0 {
		body["retryAfterMs"] = verdict.Wait.Milliseconds()
	}

	return c.JSON(status, body)
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(c echo.Context) error {
	return c.JSON(http.StatusOK, s.svc.Status())
}

func (s *Server) handleRestart(c echo.Context) error {
	s.svc.Restart()
	return c.JSON(http.StatusAccepted, map[string]string{"status": "restarting"})
}
