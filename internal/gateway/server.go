// Package gateway runs the emx-gate HTTP server: dialect-native endpoints
// that resolve the model field, dispatch through the matching wire
// dialect, and relay the upstream body verbatim.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"emx-llm/internal/config"
	"emx-llm/internal/resolver"
)

const (
	maxBodySize         = "10M"
	shutdownGracePeriod = 10 * time.Second
	readTimeout         = 30 * time.Second
	idleTimeout         = 120 * time.Second
)

// snapshot is the immutable routing state: the provider tree and its
// resolver. Reload swaps the pointer atomically; in-flight requests keep
// the snapshot they started with.
type snapshot struct {
	tree *config.Node
	res  *resolver.Resolver
}

// Server is the gateway HTTP server.
type Server struct {
	cfg        *config.Config
	state      atomic.Pointer[snapshot]
	app        *echo.Echo
	address    string
	httpClient *http.Client
}

// New constructs a server wired with routing and middleware. A nil
// httpClient selects the dispatcher's shared pool.
func New(cfg *config.Config, httpClient *http.Client) (*Server, error) {
	if cfg == nil || cfg.Provider == nil {
		return nil, errors.New("configuration must not be nil")
	}
	if cfg.Port <= 0 || cfg.Port > 65535 {
		return nil, fmt.Errorf("port %d must be a valid TCP port", cfg.Port)
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = errorHandler

	e.Pre(middleware.RemoveTrailingSlash())
	e.Use(middleware.Recover())
	e.Use(middleware.BodyLimit(maxBodySize))
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogLatency: true,
		LogMethod:  true,
		LogURI:     true,
		LogStatus:  true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			slog.Info("request",
				"method", v.Method,
				"uri", v.URI,
				"status", v.Status,
				"latency_ms", v.Latency.Milliseconds(),
				"error", v.Error,
			)
			return nil
		},
	}))

	srv := &Server{
		cfg:        cfg,
		app:        e,
		address:    fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		httpClient: httpClient,
	}
	srv.state.Store(&snapshot{tree: cfg.Provider, res: resolver.New(cfg.Provider)})
	srv.registerRoutes()
	return srv, nil
}

// Reload swaps in a new provider tree without dropping connections.
func (s *Server) Reload(tree *config.Node) {
	s.state.Store(&snapshot{tree: tree, res: resolver.New(tree)})
}

func (s *Server) current() *snapshot {
	return s.state.Load()
}

// Handler exposes the HTTP handler for tests.
func (s *Server) Handler() http.Handler {
	return s.app
}

// Run starts the server and blocks until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	printStartupBanner(s.address)
	slog.Info("starting gateway", "addr", s.address)

	httpServer := &http.Server{
		Addr:        s.address,
		Handler:     s.app,
		ReadTimeout: readTimeout,
		IdleTimeout: idleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.app.StartServer(httpServer); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGracePeriod)
		defer cancel()
		if err := s.app.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}
		slog.Info("gateway shutdown complete")
		return nil
	case err := <-errCh:
		return err
	}
}

func (s *Server) registerRoutes() {
	s.app.GET("/health", s.handleHealth)
	s.app.POST("/v1/chat/completions", s.handleChatCompletions)
	s.app.POST("/v1/messages", s.handleMessages)
	s.app.GET("/v1/models", s.handleListModels)
	s.app.GET("/v1/providers", s.handleListProviders)
}

func printStartupBanner(address string) {
	fmt.Println()
	fmt.Println("emx-gate ready")
	fmt.Printf("Listening on http://%s\n", address)
	fmt.Println("Endpoints:")
	fmt.Println("  GET  /health")
	fmt.Println("  GET  /v1/models")
	fmt.Println("  GET  /v1/providers")
	fmt.Println("  POST /v1/chat/completions")
	fmt.Println("  POST /v1/messages")
	fmt.Printf("Example:\n  curl http://%s/v1/chat/completions -H 'Content-Type: application/json' -d '{\"model\":\"glm-5\",\"messages\":[{\"role\":\"user\",\"content\":\"hello\"}]}'\n\n", address)
}
