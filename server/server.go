package server

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/onnwee/tvyt/backend/config"
)

const defaultKeepalive = 15 * time.Second

// NewMux returns the HTTP handler with all routes. Rate limiting of bridge
// start requests follows cfg.
func NewMux(deps Deps, cfg *config.Config) (http.Handler, error) {
	authCfg := loadAuthConfig()
	corsCfg := loadCORSConfig()
	limiter, err := newIPRateLimiter(&rateLimiterConfig{
		enabled:       cfg.RateLimitEnabled,
		requestsPerIP: cfg.RateLimitRequests,
		window:        cfg.RateLimitWindow,
	})
	if err != nil {
		return nil, err
	}
	if deps.Keepalive <= 0 {
		deps.Keepalive = defaultKeepalive
	}

	h := NewHandlers(deps, corsCfg)
	mux := http.NewServeMux()

	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /healthz", h.HandleHealthz)
	mux.HandleFunc("GET /readyz", h.HandleReadyz)
	mux.Handle("GET /api/status", adminAuth(http.HandlerFunc(h.HandleStatus), authCfg))

	mux.Handle("POST /api/rooms/{roomID}/bridge", rateLimitMiddleware(http.HandlerFunc(h.HandleStartBridge), limiter))
	mux.HandleFunc("DELETE /api/rooms/{roomID}/bridge", h.HandleStopBridge)
	mux.Handle("GET /api/stream", rateLimitMiddleware(http.HandlerFunc(h.HandleStream), limiter))
	mux.HandleFunc("GET /api/users/{username}/room", h.HandleUserRoom)

	mux.HandleFunc("GET /api/rooms/{roomID}/events", h.HandleEvents)
	mux.HandleFunc("GET /api/rooms/{roomID}/ws", h.HandleWebSocket)

	return withCORSConfig(withTracing(mux), corsCfg), nil
}

// Start runs the HTTP server and shuts down gracefully on context cancellation.
func Start(ctx context.Context, deps Deps, cfg *config.Config) error {
	handler, err := NewMux(deps, cfg)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		// No WriteTimeout: SSE and WebSocket responses stay open for the life
		// of the subscription.
		IdleTimeout: 60 * time.Second,
		BaseContext: func(_ net.Listener) context.Context { return ctx },
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("http server shutdown error", slog.Any("err", err))
		}
	}()

	slog.Info("http server listening", slog.String("addr", cfg.HTTPAddr), slog.String("component", "http"))
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("http server error", slog.Any("err", err))
		return err
	}
	return nil
}
