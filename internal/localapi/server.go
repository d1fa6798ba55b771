// Package localapi exposes the orchestrator to the rendering layer over a
// loopback HTTP server: snapshot reads, trigger management, log forwarding,
// a websocket notification stream and cached static assets.
package localapi

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/ChuLiYu/dashsync/internal/env"
	"github.com/ChuLiYu/dashsync/internal/orchestrator"
	"github.com/ChuLiYu/dashsync/internal/scheduler"
	"github.com/ChuLiYu/dashsync/internal/transport"
	"github.com/ChuLiYu/dashsync/pkg/types"
)

// ============================================================================
// Collaborators
// ============================================================================

// Orchestrator is the read and alert surface of the orchestrator.
type Orchestrator interface {
	Snapshot() types.StateSnapshot
	Domain(d types.Domain) (types.DomainState, bool)
	ApplyUpdate(domain types.Domain, payload json.RawMessage) error
	ConnectionState() types.ConnectionState
	Stats() orchestrator.Stats
	Subscribe() (<-chan orchestrator.Notification, func())
	RegisterAlert(a orchestrator.Alert) error
	UnregisterAlert(name string) bool
	Alerts() []scheduler.TriggerInfo
}

// LogAppender accepts entries forwarded by the renderer.
type LogAppender interface {
	AppendEntry(entry types.LogEntry) error
}

// Queue sends renderer writes to the backend, holding them while the
// connection is down.
type Queue interface {
	Send(ctx context.Context, req transport.Request) (transport.Delivery, error)
	Pending() []types.QueuedRequest
}

// Assets fetches static resources through the offline cache.
type Assets interface {
	http.RoundTripper
	Origin() *url.URL
}

// Deps are the components behind the routes. Orchestrator is required; a nil
// Logs, Queue or Assets disables the routes that need it.
type Deps struct {
	Orchestrator Orchestrator
	Logs         LogAppender
	Queue        Queue
	Assets       Assets
}

// Config holds the listener settings.
type Config struct {
	ListenAddress   string
	ShutdownTimeout time.Duration
	// AllowedOrigins are browser origins (scheme://host[:port]) accepted in
	// addition to loopback pages.
	AllowedOrigins []string
}

func (c *Config) applyDefaults() {
	if c.ListenAddress == "" {
		c.ListenAddress = "127.0.0.1:8787"
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 5 * time.Second
	}
}

// ============================================================================
// Server
// ============================================================================

type Router struct {
	Routes []*echo.Route
	Root   *echo.Group
	API    *echo.Group
	Assets *echo.Group
}

// Server holds the echo instance and the components its handlers call.
type Server struct {
	Echo   *echo.Echo
	Router *Router

	env      env.Env
	log      zerolog.Logger
	cfg      Config
	deps     Deps
	origins  map[string]struct{}
	upgrader websocket.Upgrader
}

// New builds the server and registers every route. It does not listen.
func New(e env.Env, cfg Config, deps Deps) (*Server, error) {
	if deps.Orchestrator == nil {
		return nil, errors.New("local api needs an orchestrator")
	}
	cfg.applyDefaults()

	s := &Server{
		env:     e.Component("localapi"),
		cfg:     cfg,
		deps:    deps,
		origins: make(map[string]struct{}, len(cfg.AllowedOrigins)),
	}
	for _, raw := range cfg.AllowedOrigins {
		key, ok := originKey(raw)
		if !ok {
			return nil, errors.Errorf("allowed origin %q must be an absolute http(s) URL", raw)
		}
		s.origins[key] = struct{}{}
	}
	s.upgrader = websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return s.allowOrigin(r.Header.Get(echo.HeaderOrigin)) },
	}
	s.log = s.env.Log
	s.initRouter()
	return s, nil
}

func (s *Server) initRouter() {
	s.Echo = echo.New()
	s.Echo.HideBanner = true
	s.Echo.HidePort = true
	s.Echo.Use(middleware.Recover())
	s.Echo.Use(s.requestLogger)
	s.Echo.Use(s.rejectForeignOrigin)
	s.Echo.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOriginFunc: func(origin string) (bool, error) { return s.allowOrigin(origin), nil },
		AllowMethods:    []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
	}))

	s.Router = &Router{
		Root:   s.Echo.Group(""),
		API:    s.Echo.Group("/api"),
		Assets: s.Echo.Group("/assets"),
	}

	s.Router.Routes = []*echo.Route{
		s.Router.Root.GET("/healthz", getHealthzHandler(s)),
		s.Router.Root.GET("/metrics", echo.WrapHandler(s.env.Metrics.Handler())),

		s.Router.API.GET("/snapshot", getSnapshotHandler(s)),
		s.Router.API.GET("/snapshot/:domain", getDomainHandler(s)),
		s.Router.API.PUT("/snapshot/:domain", putDomainHandler(s)),
		s.Router.API.GET("/connection", getConnectionHandler(s)),
		s.Router.API.POST("/outbox", postOutboxHandler(s)),
		s.Router.API.GET("/triggers", getListTriggersHandler(s)),
		s.Router.API.POST("/triggers", postRegisterTriggerHandler(s)),
		s.Router.API.DELETE("/triggers/:name", deleteTriggerHandler(s)),
		s.Router.API.POST("/logs", postLogsHandler(s)),
		s.Router.API.GET("/events", getEventsHandler(s)),

		s.Router.Assets.GET("/*", getAssetHandler(s)),
	}
}

// Start listens on the configured address and blocks until Shutdown.
func (s *Server) Start() error {
	s.log.Info().Str("address", s.cfg.ListenAddress).Msg("Local API listening")
	if err := s.Echo.Start(s.cfg.ListenAddress); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrap(err, "start local api")
	}
	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones, bounded by
// the configured timeout.
func (s *Server) Shutdown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.ShutdownTimeout)
	defer cancel()

	s.log.Warn().Msg("Shutting down local API")
	if err := s.Echo.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrap(err, "shutdown local api")
	}
	return nil
}

func (s *Server) requestLogger(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		start := s.env.Clock.Now()
		err := next(c)
		if err != nil {
			c.Error(err)
		}

		req := c.Request()
		s.log.Debug().
			Str("method", req.Method).
			Str("path", req.URL.Path).
			Int("status", c.Response().Status).
			Dur("duration", s.env.Clock.Since(start)).
			Msg("Request served")
		return nil
	}
}

// ============================================================================
// Origin policy
// ============================================================================

// allowOrigin accepts requests without an Origin header (non-browser
// clients), pages served from a loopback host, and configured origins.
func (s *Server) allowOrigin(origin string) bool {
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil || u.Host == "" {
		return false
	}
	host := u.Hostname()
	if strings.EqualFold(host, "localhost") {
		return true
	}
	if ip := net.ParseIP(host); ip != nil && ip.IsLoopback() {
		return true
	}
	key, ok := originKey(origin)
	if !ok {
		return false
	}
	_, ok = s.origins[key]
	return ok
}

func (s *Server) rejectForeignOrigin(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		origin := c.Request().Header.Get(echo.HeaderOrigin)
		if !s.allowOrigin(origin) {
			s.log.Warn().Str("origin", origin).Str("path", c.Request().URL.Path).Msg("Foreign origin rejected")
			return echo.NewHTTPError(http.StatusForbidden, "origin not allowed")
		}
		return next(c)
	}
}

func originKey(raw string) (string, bool) {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return "", false
	}
	return strings.ToLower(u.Scheme + "://" + u.Host), true
}
