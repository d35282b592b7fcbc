// Command backend runs the chat bridge: it relays Twitch and YouTube live chat
// into per-room SSE and WebSocket streams.
// It:
//   - Loads configuration and initializes structured logging.
//   - Connects to Postgres and runs idempotent migrations.
//   - Wires the token vault, OAuth refreshers and one upstream per enabled platform.
//   - Serves the bridge API plus /healthz, /readyz, /api/status and /metrics.
//
// Shutdown is graceful on SIGINT/SIGTERM.
package main

import (
	"context"
	"log/slog"
	"net/http"
	_ "net/http/pprof" //nolint:gosec // G108: pprof endpoints enabled only when ENABLE_PPROF=1
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/onnwee/tvyt/backend/bridge"
	"github.com/onnwee/tvyt/backend/chat"
	"github.com/onnwee/tvyt/backend/config"
	"github.com/onnwee/tvyt/backend/crypto"
	"github.com/onnwee/tvyt/backend/db"
	"github.com/onnwee/tvyt/backend/oauth"
	"github.com/onnwee/tvyt/backend/push"
	"github.com/onnwee/tvyt/backend/server"
	"github.com/onnwee/tvyt/backend/telemetry"
	"github.com/onnwee/tvyt/backend/twitchapi"
	"github.com/onnwee/tvyt/backend/youtubeapi"
)

func main() {
	// Load .env file if present (local dev convenience only; production relies on real env)
	_ = godotenv.Load("backend/.env")

	// Configure logging (level + format). Defaults: level=info, format=text.
	lvl := slog.LevelInfo
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	case "info", "":
	default:
		tmp := slog.New(slog.NewTextHandler(os.Stdout, nil))
		tmp.Warn("unknown LOG_LEVEL, using info", slog.String("value", os.Getenv("LOG_LEVEL")))
	}
	format := strings.ToLower(os.Getenv("LOG_FORMAT")) // text | json
	var handler slog.Handler
	switch format {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	default:
		format = "text"
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	}
	slog.SetDefault(slog.New(handler))
	slog.Info("logger initialized", slog.String("level", lvl.String()), slog.String("format", format))

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("err", err))
		os.Exit(1)
	}
	if err := cfg.ValidateBridgeReady(); err != nil {
		slog.Error("bridge not configured", slog.Any("err", err))
		os.Exit(1)
	}

	telemetry.Init()
	// Tracing is optional; it exports only when OTEL_EXPORTER_OTLP_ENDPOINT is set.
	shutdownTracing, err := telemetry.InitTracing("tvyt-bridge", "1.0.0")
	if err != nil {
		slog.Error("tracing initialization failed", slog.Any("err", err))
		os.Exit(1)
	}
	defer shutdownTracing()

	database, err := db.Connect(cfg.DBDsn)
	if err != nil {
		slog.Error("failed to open db", slog.Any("err", err))
		os.Exit(1)
	}
	defer func() {
		if err := database.Close(); err != nil {
			slog.Error("failed to close database", slog.Any("err", err))
		}
	}()

	slog.Info("running database migrations", slog.String("component", "db_migrate"))
	migrateCtx, cancelMigrate := context.WithTimeout(context.Background(), 30*time.Second)
	err = db.Migrate(migrateCtx, database)
	cancelMigrate()
	if err != nil {
		slog.Error("failed to migrate db", slog.Any("err", err))
		os.Exit(1)
	}

	vault, err := crypto.NewVault(cfg.CryptSecretKey)
	if err != nil {
		slog.Error("invalid CRYPT_SECRET_KEY", slog.Any("err", err))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	refresher := oauth.NewRefresher()
	var upstreams []chat.Upstream
	for _, name := range cfg.Platforms {
		switch name {
		case config.PlatformTwitch:
			tokens := &twitchapi.TokenClient{ClientID: cfg.TwitchClientID, ClientSecret: cfg.TwitchClientSecret}
			refresher.Register(string(chat.Twitch), tokens.RefreshFunc())
			upstreams = append(upstreams, &chat.TwitchUpstream{
				Helix:          &twitchapi.HelixClient{ClientID: cfg.TwitchClientID},
				ConnectTimeout: cfg.TwitchConnectTimeout,
			})
		case config.PlatformYouTube:
			svc := youtubeapi.New(cfg)
			refresher.Register(string(chat.YouTube), svc.RefreshFunc())
			upstreams = append(upstreams, chat.NewYouTubeUpstream(svc, cfg.YTMinPollInterval))
		}
	}
	slog.Info("chat platforms enabled", slog.Any("platforms", cfg.Platforms))

	store := db.NewStore(database)
	hub := push.NewHub(cfg.HistorySize)
	mgr := bridge.NewManager(ctx, bridge.Options{
		Store:     store,
		Vault:     vault,
		Refresher: refresher,
		Upstreams: upstreams,
		Publisher: hub,
		Schedule:  cfg.RetrySchedule,
	})
	defer mgr.Close()
	// A room nobody listens to no longer needs its upstream connections.
	hub.OnRoomEmpty(mgr.Teardown)

	// Enable pprof profiling endpoints in debug mode (ENABLE_PPROF=1)
	if os.Getenv("ENABLE_PPROF") == "1" {
		pprofAddr := os.Getenv("PPROF_ADDR")
		if pprofAddr == "" {
			pprofAddr = "localhost:6060"
		}
		go func() {
			slog.Info("pprof profiling enabled", slog.String("addr", pprofAddr))
			srv := &http.Server{
				Addr:              pprofAddr,
				Handler:           nil, // default mux exposes /debug/pprof
				ReadHeaderTimeout: 5 * time.Second,
				ReadTimeout:       10 * time.Second,
				WriteTimeout:      10 * time.Second,
				IdleTimeout:       60 * time.Second,
			}
			if err := srv.ListenAndServe(); err != nil {
				slog.Error("pprof server error", slog.Any("err", err))
			}
		}()
	}

	go func() {
		deps := server.Deps{Manager: mgr, Hub: hub, Rooms: store, DB: database}
		if err := server.Start(ctx, deps, cfg); err != nil {
			slog.Error("http server exited with error", slog.Any("err", err))
			stop()
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down")
}
