package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"

	apiPkg "github.com/dastak-io/dastak/internal/api"
	"github.com/dastak-io/dastak/internal/config"
	"github.com/dastak-io/dastak/internal/connector"
	slackconn "github.com/dastak-io/dastak/internal/connector/slack"
	"github.com/dastak-io/dastak/internal/connector/telegram"
	"github.com/dastak-io/dastak/internal/kv"
	"github.com/dastak-io/dastak/internal/lock"
	"github.com/dastak-io/dastak/internal/logbuf"
	"github.com/dastak-io/dastak/internal/metrics"
	"github.com/dastak-io/dastak/internal/reminder"
	"github.com/dastak-io/dastak/internal/reply"
	"github.com/dastak-io/dastak/internal/session"
	"github.com/dastak-io/dastak/internal/ticket"
	"github.com/dastak-io/dastak/internal/userstate"
)

func main() {
	configPath := flag.String("config", "", "Path to config JSON file")
	verbose := flag.Bool("v", false, "Verbose logging")
	flag.Parse()

	// Set up logging
	logLevel := slog.LevelInfo
	if *verbose {
		logLevel = slog.LevelDebug
	}
	logBuf := logbuf.New(2000)
	jsonHandler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	logger := slog.New(logbuf.NewHandler(jsonHandler, logBuf))

	// Load config (file or env)
	var cfg *config.Config
	var err error
	if *configPath != "" {
		cfg, err = config.Load(*configPath)
	} else {
		cfg, err = config.LoadFromEnv()
	}
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger.Info("dastakd starting", "data_dir", cfg.DataDir)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 1. Coordination store: Redis when configured, in-process otherwise.
	// The in-process store cannot coordinate more than one daemon.
	var store kv.Store
	if cfg.Redis.Addr != "" {
		rs, err := kv.NewRedisStore(ctx, kv.RedisConfig{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err != nil {
			logger.Error("failed to connect to redis", "addr", cfg.Redis.Addr, "error", err)
			os.Exit(1)
		}
		defer rs.Close()
		store = rs
		logger.Info("redis connected", "addr", cfg.Redis.Addr)
	} else {
		store = kv.NewMemoryStore()
		logger.Warn("no redis configured, using in-process coordination store")
	}

	// 2. Ticket and user-state stores
	os.MkdirAll(cfg.DataDir, 0o755)
	dbPath := filepath.Join(cfg.DataDir, "tickets.db")
	tickets, err := ticket.NewSQLiteStore(dbPath)
	if err != nil {
		logger.Error("failed to open ticket store", "path", dbPath, "error", err)
		os.Exit(1)
	}
	defer tickets.DB().Close()

	users, err := userstate.NewSQLiteStore(tickets.DB())
	if err != nil {
		logger.Error("failed to open user state store", "error", err)
		os.Exit(1)
	}

	// 3. Coordination layers
	var lockOpts []lock.Option
	if ttl := cfg.IntentTTL(); ttl > 0 {
		lockOpts = append(lockOpts, lock.WithIntentTTL(ttl))
	}
	if ttl := cfg.ConfirmTTL(); ttl > 0 {
		lockOpts = append(lockOpts, lock.WithConfirmTTL(ttl))
	}
	locks := lock.NewManager(store, lockOpts...)

	sessions := session.NewCache(store)
	if ttl := cfg.SessionTTL(); ttl > 0 {
		sessions = session.NewCacheTTL(store, ttl)
	}

	m := metrics.New(func() float64 {
		n, err := tickets.CountOpen(context.Background())
		if err != nil {
			return 0
		}
		return float64(n)
	})

	// 4. Telegram connector + orchestrator
	tg, err := telegram.New(telegram.Config{
		Token:       cfg.Telegram.Token,
		AdminChatID: cfg.Telegram.AdminChatID,
		Operators:   cfg.Telegram.Operators,
	}, tickets, logger.With("connector", "telegram"))
	if err != nil {
		logger.Error("failed to init telegram connector", "error", err)
		os.Exit(1)
	}

	orch := reply.NewOrchestrator(tickets, locks, sessions, users, tg, m, logger.With("component", "reply"))
	tg.Bind(orch)

	notifiers := []connector.ChannelNotifier{tg}
	if cfg.Slack != nil {
		sl, err := slackconn.New(slackconn.Config{
			BotToken: cfg.Slack.BotToken,
			Channel:  cfg.Slack.Channel,
		}, logger.With("connector", "slack"))
		if err != nil {
			logger.Error("failed to init slack notifier", "error", err)
			os.Exit(1)
		}
		notifiers = append(notifiers, sl)
		logger.Info("slack notifier started", "channel", cfg.Slack.Channel)
	}

	// 5. Stale-ticket reminder
	rem, err := reminder.New(tickets, notifiers, cfg.Reminder.Schedule, cfg.ReminderMaxAge(), logger.With("component", "reminder"))
	if err != nil {
		logger.Error("failed to init reminder", "error", err)
		os.Exit(1)
	}

	// 6. Ops API server
	apiSrv := apiPkg.NewServer(tickets, apiPkg.Config{
		Host: cfg.API.Host,
		Port: cfg.API.Port,
		Key:  cfg.API.Key,
	}, logger.With("component", "api"), logBuf, m.Handler())

	var wg sync.WaitGroup
	start := func(name string, fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			safeGo(logger, name, func() {
				if err := fn(ctx); err != nil {
					logger.Error("component stopped with error", "name", name, "error", err)
				}
			})
		}()
	}

	start("telegram", tg.Start)
	start("reminder", rem.Start)
	start("api-server", apiSrv.Start)
	logger.Info("api server started", "port", cfg.API.Port)

	// 7. Graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("received signal, shutting down", "signal", sig)
	cancel()
	wg.Wait()
	logger.Info("dastakd stopped")
}

// safeGo runs fn with panic recovery.
func safeGo(logger *slog.Logger, name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("goroutine panicked", "name", name, "panic", fmt.Sprintf("%v", r))
		}
	}()
	fn()
}
