package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/minichat/chat-app/internal/api"
	"github.com/minichat/chat-app/internal/avatar"
	"github.com/minichat/chat-app/internal/catalog"
	"github.com/minichat/chat-app/internal/chat"
	"github.com/minichat/chat-app/internal/config"
	"github.com/minichat/chat-app/internal/economy"
	"github.com/minichat/chat-app/internal/fanout"
	"github.com/minichat/chat-app/internal/keylock"
	"github.com/minichat/chat-app/internal/logging"
	"github.com/minichat/chat-app/internal/messaging"
	"github.com/minichat/chat-app/internal/notify"
	"github.com/minichat/chat-app/internal/presence"
	"github.com/minichat/chat-app/internal/profile"
	"github.com/minichat/chat-app/internal/ratelimit"
	"github.com/minichat/chat-app/internal/store"
	"github.com/minichat/chat-app/internal/tasks"
	"github.com/minichat/chat-app/internal/ws"
)

func main() {
	cfg := config.Load()

	logger, err := logging.New(cfg.LogLevel, cfg.LogEncoding)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Error("server exited", zap.Error(err))
		_ = logger.Sync()
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *zap.Logger) error {
	logger.Info("starting minichat",
		zap.String("listen_addr", cfg.ListenAddr),
		zap.String("server_name", cfg.ServerName),
		zap.Bool("postgres", cfg.DatabaseURL != ""),
		zap.String("redis_addr", cfg.RedisAddr),
		zap.String("nats_url", cfg.NATSURL),
		zap.Bool("s3_avatars", cfg.S3.Enabled()),
		zap.Bool("smtp", cfg.SMTP.Enabled()),
		zap.Int("history_limit", cfg.HistoryLimit),
		zap.Int("worker_pool", cfg.WorkerPoolSize))

	startCtx, cancelStart := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancelStart()

	// --- Storage ---
	var st store.Store
	if cfg.DatabaseURL != "" {
		pg, err := store.OpenPostgres(startCtx, cfg.DatabaseURL)
		if err != nil {
			return err
		}
		st = pg
	} else {
		logger.Warn("DATABASE_URL not set, using in-memory store")
		st = store.NewMemoryStore()
	}
	defer st.Close()

	// --- Redis ---
	var limiter ratelimit.AccrualLimiter = ratelimit.NewBalanceMemoryLimiter()
	var notifyOpts []notify.Option
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:         cfg.RedisAddr,
			PoolSize:     50,
			MinIdleConns: 5,
		})
		if err := rdb.Ping(startCtx).Err(); err != nil {
			return fmt.Errorf("redis ping %s: %w", cfg.RedisAddr, err)
		}
		defer rdb.Close()
		limiter = ratelimit.NewLimiter(rdb, ratelimit.RuleBalance, logger.Named("ratelimit"))
		notifyOpts = append(notifyOpts, notify.WithClaimer(notify.NewRedisClaimer(rdb, cfg.ServerName)))
	}

	// --- Background work ---
	runner := tasks.NewRunner(cfg.BackgroundWorkers, logger.Named("tasks"))
	defer runner.Close()

	runCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	go drainFailures(runCtx, runner, logger)

	// --- Avatars ---
	var avatarStore avatar.Storage
	urls := avatar.URLBuilder{Base: cfg.AvatarURLPrefix}
	staticDir := ""
	if cfg.S3.Enabled() {
		client := avatar.NewS3Client(avatar.S3Options{
			Endpoint:        cfg.S3.Endpoint,
			Region:          cfg.S3.Region,
			AccessKeyID:     cfg.S3.AccessKeyID,
			SecretAccessKey: cfg.S3.SecretAccessKey,
		})
		avatarStore = avatar.NewS3Storage(client, cfg.S3.Bucket, "")
		if cfg.S3.PublicURL != "" {
			urls.Base = cfg.S3.PublicURL
		}
	} else {
		disk, err := avatar.NewDiskStorage(cfg.AvatarDir)
		if err != nil {
			return err
		}
		avatarStore = disk
		staticDir = disk.Dir()
	}

	// --- WebSocket server and fan-out ---
	wsCfg := ws.DefaultServerConfig()
	wsCfg.ListenAddr = cfg.ListenAddr
	wsCfg.WorkerPoolSize = cfg.WorkerPoolSize
	wsCfg.MaxConnections = cfg.MaxConnections
	wsCfg.ReadTimeout = cfg.ReadTimeout
	wsCfg.WriteTimeout = cfg.WriteTimeout
	wsCfg.SendQueueSize = cfg.SendQueueSize

	dispatcher := ws.NewMessageDispatcher(logger.Named("dispatch"))
	server := ws.NewServer(wsCfg, logger.Named("ws"), dispatcher.Dispatch)

	hub := fanout.NewHub(server, cfg.ServerName, logger.Named("fanout"))
	if cfg.NATSURL != "" {
		natsCfg := messaging.DefaultNATSConfig()
		natsCfg.URL = cfg.NATSURL
		natsCfg.Name = "minichat-" + cfg.ServerName
		nc, err := messaging.NewNATSClient(natsCfg, logger)
		if err != nil {
			return err
		}
		defer nc.Close()
		if err := hub.AttachRelay(nc); err != nil {
			return err
		}
	}

	// --- Domain services ---
	cat := catalog.Default()
	online := presence.NewRegistry(st, logger.Named("presence"))

	profiles := profile.NewService(profile.Deps{
		Store:     st,
		Catalog:   cat,
		Pipeline:  avatar.NewPipeline(cfg.MaxAvatarBytes),
		Storage:   avatarStore,
		URLs:      urls,
		Publisher: hub,
		Locks:     keylock.New(),
	}, logger.Named("profile"))

	if !cfg.BalanceGuard {
		logger.Info("balance accrual guard disabled")
		limiter = nil
	}
	econ := economy.NewService(st, cat, limiter, profiles, logger.Named("economy"))

	chatDeps := chat.Deps{
		Store:     st,
		Catalog:   cat,
		Publisher: hub,
		Tasks:     runner,
	}
	if cfg.SMTP.Enabled() {
		mailer, err := notify.NewSMTPMailer(cfg.SMTP)
		if err != nil {
			return err
		}
		chatDeps.Notifier = notify.NewScheduler(notify.Config{
			After:    cfg.NotifyAfter,
			Cooldown: cfg.NotifyCooldown,
		}, st, online, mailer, logger.Named("notify"), notifyOpts...)
	} else {
		logger.Info("SMTP not configured, offline notifications disabled")
	}
	broadcaster := chat.NewBroadcaster(chat.Config{
		HistoryLimit:     cfg.HistoryLimit,
		MaxMessageLength: cfg.MaxMessageLength,
	}, chatDeps, logger.Named("chat"))

	ev := &events{
		profiles: profiles,
		chat:     broadcaster,
		presence: online,
		log:      logger.Named("events"),
	}
	ev.register(dispatcher)
	server.SetOnConnect(ev.onConnect)
	server.SetOnDisconnect(ev.onDisconnect)

	routes := api.NewController(econ, profiles, st, api.Options{
		MaxUploadBytes:  cfg.MaxAvatarUploadBytes,
		AvatarDir:       staticDir,
		AvatarURLPrefix: cfg.AvatarURLPrefix,
		AllowedOrigins:  cfg.CORSAllowedOrigins,
	}, logger).NewRouter()

	// --- Serve until signalled ---
	errCh := make(chan error, 1)
	go func() { errCh <- server.Start(routes) }()

	select {
	case err := <-errCh:
		return err
	case <-runCtx.Done():
		logger.Info("received signal, initiating graceful shutdown")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

// drainFailures keeps the runner's failure channel flowing for the life of
// the process.
func drainFailures(ctx context.Context, runner *tasks.Runner, logger *zap.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case f := <-runner.Errors():
			logger.Debug("background failure observed",
				zap.String("task", f.Task),
				zap.Time("at", f.At),
				zap.Error(f.Err))
		}
	}
}
