package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"github.com/fugue/chat-server/internal/api"
	"github.com/fugue/chat-server/internal/ban"
	"github.com/fugue/chat-server/internal/chat"
	"github.com/fugue/chat-server/internal/config"
	"github.com/fugue/chat-server/internal/interests"
	"github.com/fugue/chat-server/internal/interests/migrations"
	"github.com/fugue/chat-server/internal/logx"
	"github.com/fugue/chat-server/internal/matching"
	"github.com/fugue/chat-server/internal/messaging"
	"github.com/fugue/chat-server/internal/metrics"
	"github.com/fugue/chat-server/internal/ratelimit"
	"github.com/fugue/chat-server/internal/session"
	"github.com/fugue/chat-server/internal/ws"
)

// catalogue is implemented by both the Postgres store and the static fallback.
type catalogue interface {
	matching.NameResolver
	chat.Directory
	api.Catalogue
	api.Users
}

func main() {
	configPath := pflag.StringP("config", "c", "", "path to a YAML config file")
	migrateOnly := pflag.Bool("migrate-only", false, "apply database migrations and exit")
	pflag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		bootLog := logx.Logger()
		bootLog.Fatal().Err(err).Msg("invalid configuration")
	}
	logger := logx.Setup(cfg.Log.Level, cfg.Log.Format)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Postgres ---
	var dir catalogue
	if cfg.Database.URL != "" {
		if err := migrate(cfg.Database.URL); err != nil {
			logger.Fatal().Err(err).Msg("migrations failed")
		}
		if *migrateOnly {
			logger.Info().Msg("migrations applied")
			return
		}

		db, err := interests.Open(ctx, cfg.Database.URL)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect to Postgres")
		}
		defer db.Close()

		store := interests.NewStore(db, logx.Component("interests"))
		if err := store.Refresh(ctx); err != nil {
			logger.Fatal().Err(err).Msg("failed to load interest catalogue")
		}
		go store.Run(ctx, cfg.Database.InterestRefresh)
		dir = store
	} else {
		if *migrateOnly {
			logger.Fatal().Msg("--migrate-only requires DATABASE_URL")
		}
		logger.Warn().Msg("DATABASE_URL not set, using the built-in interest catalogue")
		dir = interests.NewStatic(interests.DefaultCatalogue)
	}

	// --- Redis ---
	sessions, err := session.NewStore(cfg.Redis.Addr, cfg.ServerName, logx.Component("session"))
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to Redis")
	}
	defer sessions.Close()

	bans := ban.NewStore(sessions.Client())

	var limiter *ratelimit.Limiter
	if cfg.RateLimit.Enabled {
		limiter = ratelimit.NewLimiter(sessions.Client(), logx.Component("ratelimit"))
	}

	// --- Observers ---
	observers := []matching.Observer{
		metrics.NewObserver(),
		session.NewPresenceMirror(sessions),
	}

	// --- NATS ---
	var natsClient *messaging.NATSClient
	if cfg.NATS.URL != "" {
		natsConfig := messaging.DefaultNATSConfig()
		natsConfig.URL = cfg.NATS.URL
		natsConfig.Name = "chat-server-" + cfg.ServerName
		natsClient, err = messaging.NewNATSClient(natsConfig, logx.Component("nats"))
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect to NATS")
		}
		defer natsClient.Close()
		observers = append(observers, messaging.NewRoomPublisher(natsClient, cfg.ServerName, logx.Component("nats")))
	}

	// --- Engine ---
	svc := matching.NewService(dir,
		matching.WithObservers(observers...),
		matching.WithLogger(logx.Component("matching")),
	)
	defer svc.Stop()
	if err := metrics.RegisterEngine(svc); err != nil {
		logger.Fatal().Err(err).Msg("failed to register engine metrics")
	}

	// A nil *Limiter must not reach the handler as a non-nil interface.
	var chatLimiter chat.Limiter
	if limiter != nil {
		chatLimiter = limiter
	}
	handler := chat.NewHandler(svc, dir, chatLimiter, logx.Component("chat"))

	// --- WebSocket server ---
	serverConfig := ws.DefaultServerConfig()
	serverConfig.ListenAddr = cfg.Server.ListenAddr
	serverConfig.WorkerPoolSize = cfg.Server.WorkerPoolSize
	serverConfig.MaxConnections = cfg.Server.MaxConnections
	serverConfig.ReadTimeout = cfg.Server.ReadTimeout
	serverConfig.WriteTimeout = cfg.Server.WriteTimeout
	serverConfig.SendBuffer = cfg.Server.SendBuffer
	serverConfig.SessionCookie = cfg.Server.SessionCookie
	serverConfig.Environment = cfg.Environment
	serverConfig.Heartbeat = ws.HeartbeatConfig{Interval: cfg.Heartbeat.Interval, Timeout: cfg.Heartbeat.Timeout}

	opts := []ws.Option{
		ws.WithBans(bans),
		ws.WithStats(svc, dir),
		ws.WithLogger(logx.Component("ws")),
	}
	if limiter != nil {
		opts = append(opts, ws.WithConnLimiter(limiter))
	}
	server := ws.NewServer(serverConfig, sessions, handler, opts...)
	server.Handle("GET /metrics", metrics.Handler())
	api.New(dir, dir, sessions, cfg.Server.SessionCookie, logx.Component("api")).Mount(server)

	logStartup(logger, cfg)

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()

	select {
	case <-ctx.Done():
		logger.Info().Msg("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			logger.Error().Err(err).Msg("server stopped unexpectedly")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		logger.Error().Err(err).Msg("shutdown")
	}
}

func migrate(databaseURL string) error {
	m, err := migrations.New(databaseURL, logx.Component("migrations"))
	if err != nil {
		return err
	}
	defer m.Close()
	return m.Up()
}

func logStartup(logger zerolog.Logger, cfg config.Config) {
	logger.Info().
		Str("listen_addr", cfg.Server.ListenAddr).
		Int("worker_pool", cfg.Server.WorkerPoolSize).
		Int("max_connections", cfg.Server.MaxConnections).
		Str("redis_addr", cfg.Redis.Addr).
		Str("nats_url", cfg.NATS.URL).
		Bool("postgres", cfg.Database.URL != "").
		Bool("rate_limit", cfg.RateLimit.Enabled).
		Str("server_name", cfg.ServerName).
		Int("pid", os.Getpid()).
		Msg("chat server starting")
}
