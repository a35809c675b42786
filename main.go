// Command streambot is the main entrypoint for the chat automation service.
// It:
//   - Loads configuration, policy documents, and initializes structured logging.
//   - Opens the embedded SQLite ledger and runs idempotent migrations.
//   - Maintains EventSub WebSocket sessions and dispatches chat commands.
//   - Runs the link guard, timed announcements, and OAuth token refreshers.
//   - Exposes an HTTP API with /healthz, /readyz, /status, /metrics, the
//     relay intake, and admin operations, plus the optional webhook ingress.
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

	"github.com/onnwee/streambot/chat"
	"github.com/onnwee/streambot/commands"
	"github.com/onnwee/streambot/config"
	"github.com/onnwee/streambot/db"
	"github.com/onnwee/streambot/eventsub"
	"github.com/onnwee/streambot/guard"
	"github.com/onnwee/streambot/oauth"
	"github.com/onnwee/streambot/router"
	"github.com/onnwee/streambot/server"
	"github.com/onnwee/streambot/telemetry"
	"github.com/onnwee/streambot/twitchapi"
	"github.com/onnwee/streambot/webhook"
)

func main() {
	// Load .env file if present (local dev convenience only; production relies on real env)
	_ = godotenv.Load(".env")

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
		// keep default
	default:
		// unknown level -> keep info but note once using temporary logger
		tmp := slog.New(slog.NewTextHandler(os.Stdout, nil))
		tmp.Warn("unknown LOG_LEVEL, using info", slog.String("value", os.Getenv("LOG_LEVEL")))
	}
	format := strings.ToLower(os.Getenv("LOG_FORMAT")) // text | json
	var handler slog.Handler
	switch format {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	default:
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	}
	slog.SetDefault(slog.New(handler))
	slog.Info("logger initialized", slog.String("level", lvl.String()), slog.String("format", map[bool]string{true: "json", false: "text"}[format == "json"]))

	// Config
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("err", err))
		os.Exit(1)
	}

	// Metrics / telemetry init
	telemetry.Init()

	// Initialize OpenTelemetry tracing (optional; requires OTEL_EXPORTER_OTLP_ENDPOINT)
	shutdown, err := telemetry.InitTracing("streambot", "1.0.0")
	if err != nil {
		slog.Error("tracing initialization failed", slog.Any("err", err))
		os.Exit(1)
	}
	defer shutdown()

	// DB
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		slog.Error("failed to create data dir", slog.String("dir", cfg.DataDir), slog.Any("err", err))
		os.Exit(1)
	}
	database, err := db.Connect(cfg.DBPath)
	if err != nil {
		slog.Error("failed to open db", slog.Any("err", err))
		os.Exit(1)
	}
	defer func() {
		if err := database.Close(); err != nil {
			slog.Error("failed to close database", slog.Any("err", err))
		}
	}()

	// Run database migrations using dual-system approach:
	// 1. Primary: versioned migrations (golang-migrate) from db/migrations/
	// 2. Fallback: embedded SQL (db.Migrate) for databases created before versioning
	slog.Info("running database migrations", slog.String("component", "db_migrate"))
	if err := db.RunMigrations(database); err != nil {
		slog.Warn("versioned migrations failed, attempting fallback to legacy embedded SQL",
			slog.Any("err", err),
			slog.String("component", "db_migrate"))
		if err := db.Migrate(context.Background(), database); err != nil {
			slog.Error("failed to migrate db (both versioned and embedded SQL failed)", slog.Any("err", err))
			os.Exit(1)
		}
		slog.Info("legacy embedded SQL migration completed",
			slog.String("component", "db_migrate"))
	} else {
		slog.Info("versioned migrations completed successfully",
			slog.String("component", "db_migrate"))
	}

	// Root context with graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Policy documents with hot reload
	docs := config.NewDocuments(cfg.CommandsPath, cfg.SettingsPath)
	if err := docs.Reload(); err != nil {
		slog.Warn("initial policy document load failed, starting with empty documents", slog.Any("err", err))
	}
	go func() {
		if err := docs.Watch(ctx); err != nil {
			slog.Warn("policy document watch unavailable", slog.Any("err", err))
		}
	}()

	// Twitch credentials: app token for reads, bot user token for chat writes
	// and EventSub subscriptions.
	appTokens := &twitchapi.TokenSource{ClientID: cfg.TwitchClientID, ClientSecret: cfg.TwitchClientSecret}
	botTokens := &twitchapi.UserTokenSource{
		DB:           database,
		Provider:     "twitch_bot",
		ClientID:     cfg.TwitchClientID,
		ClientSecret: cfg.TwitchClientSecret,
	}
	helix := &twitchapi.HelixClient{ClientID: cfg.TwitchClientID, AppTokens: appTokens, BotTokens: botTokens}

	sender := chat.NewSender(helix, cfg.BotUserID)
	permits := &guard.SQLPermits{DB: database}

	reg := router.NewRegistry()
	if err := commands.RegisterAll(reg); err != nil {
		slog.Error("command registration failed", slog.Any("err", err))
		os.Exit(1)
	}

	linkGuard := &guard.LinkGuard{
		Docs:      docs,
		Permits:   permits,
		Sender:    sender,
		Deleter:   helix,
		DB:        database,
		Prefix:    cfg.CmdPrefix,
		BotUserID: cfg.BotUserID,
	}

	events := make(chan eventsub.Event, 256)
	rt := &router.Router{
		Prefix:   cfg.CmdPrefix,
		Registry: reg,
		Docs:     docs,
		Deps: router.Deps{
			DB:      database,
			Helix:   helix,
			Cfg:     cfg,
			Docs:    docs,
			Sender:  sender,
			Permits: permits,
		},
		Cooldowns: router.NewMemoryCooldowns(),
		Guard:     linkGuard,
	}
	go rt.Run(ctx, events)

	// EventSub WebSocket sessions
	var sessions []*eventsub.Session
	if err := cfg.ValidateEventSubReady(); err != nil {
		slog.Warn("EventSub sessions disabled", slog.Any("err", err))
	} else {
		s := &eventsub.Session{
			Label:  "primary",
			Helix:  helix,
			Tokens: botTokens,
			Topics: eventsub.ChannelTopics(cfg.BroadcasterUserID, cfg.BotUserID),
			Events: events,
		}
		sessions = append(sessions, s)
		go func() {
			if err := s.Run(ctx); err != nil && ctx.Err() == nil {
				slog.Error("eventsub session exited", slog.Any("err", err))
			}
		}()
	}

	// Timed announcements and the startup greeting
	announcer := &chat.Announcer{
		Docs:          docs,
		Helix:         helix,
		Sender:        sender,
		BroadcasterID: cfg.BroadcasterUserID,
		BotUserID:     cfg.BotUserID,
	}
	go announcer.Run(ctx)
	go func() {
		if err := chat.SendGreeting(ctx, database, sender, cfg.BroadcasterUserID, docs); err != nil {
			slog.Warn("greeting send failed", slog.Any("err", err))
		}
	}()

	// Optional webhook ingress (second delivery path behind a public URL)
	if cfg.WebhookAddr != "" {
		if err := cfg.ValidateWebhookReady(); err != nil {
			slog.Warn("webhook ingress disabled", slog.Any("err", err))
		} else {
			wh := &webhook.Handler{
				Secret:       cfg.WebhookSecret,
				IntakeURL:    cfg.IntakeURL,
				IntakeSecret: cfg.IntakeSecret,
			}
			srv := webhook.NewServer(cfg.WebhookAddr, wh)
			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
				defer cancel()
				if err := srv.Shutdown(shutdownCtx); err != nil {
					slog.Error("webhook server shutdown error", slog.Any("err", err))
				}
			}()
			go func() {
				slog.Info("webhook ingress listening", slog.String("addr", cfg.WebhookAddr))
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					slog.Error("webhook server error", slog.Any("err", err))
				}
			}()
		}
	}

	// Centralized OAuth token refreshers
	oauth.StartRefresher(ctx, database, "twitch", 5*time.Minute, 15*time.Minute,
		oauth.BroadcasterRefresh(cfg.TwitchClientID, cfg.TwitchClientSecret))
	oauth.StartRefresher(ctx, database, "twitch_bot", 5*time.Minute, 15*time.Minute,
		oauth.BotRefresh(cfg.TwitchClientID, cfg.TwitchClientSecret))

	// Enable pprof profiling endpoints in debug mode (ENABLE_PPROF=1)
	if os.Getenv("ENABLE_PPROF") == "1" {
		pprofAddr := os.Getenv("PPROF_ADDR")
		if pprofAddr == "" {
			pprofAddr = "localhost:6060"
		}
		go func() {
			slog.Info("pprof profiling enabled", slog.String("addr", pprofAddr))
			// Use an http.Server with timeouts to satisfy G114 and avoid DoS risks
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

	// HTTP API server (health/status/metrics/intake/admin)
	addr := cfg.HTTPAddr
	if addr == "" {
		addr = ":8080"
	}
	go func() {
		if err := server.Start(ctx, database, cfg, docs, events, sessions, addr); err != nil {
			slog.Error("http server exited with error", slog.Any("err", err))
		}
	}()

	// Block until shutdown signal
	<-ctx.Done()
	slog.Info("shutting down")
}
