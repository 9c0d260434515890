package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/civisync/civisync/internal/config"
	"github.com/civisync/civisync/internal/connectivity"
	"github.com/civisync/civisync/internal/keys"
	"github.com/civisync/civisync/internal/notify"
	"github.com/civisync/civisync/internal/store"
	"github.com/civisync/civisync/internal/syncengine"
)

func main() {
	configPath := flag.String("config", "civisync.yaml", "path to the config file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: cfg.Logger.LogLevel(),
	}))
	slog.SetDefault(logger)

	if cfg.Portal.BaseURL == "" {
		logger.Error("portal.base_url must be configured")
		os.Exit(1)
	}

	logger.Info("starting civisync daemon",
		"store_path", cfg.Store.Path,
		"log_level", cfg.Logger.Level,
	)

	ctx := context.Background()

	// No platform secure element ships in this build; the file provider is
	// the software fallback the key manager is documented to use.
	keyManager := keys.NewManager(nil, keys.NewFileProvider(cfg.Keys.Path), logger)
	key, err := keyManager.GetOrCreateKey(ctx)
	if err != nil {
		logger.Error("failed to initialize encryption key", "error", err)
		os.Exit(1)
	}
	if key.Degraded {
		logger.Warn("encryption key is software-backed", "source", key.Source)
	}

	verifier, err := keys.NewSessionVerifier()
	if err != nil {
		logger.Error("failed to initialize session verifier", "error", err)
		os.Exit(1)
	}

	st, err := store.Open(cfg.Store.Path, key, verifier, store.Options{
		MaxQueueBytes:   cfg.Queue.MaxQueueBytes,
		RetentionWindow: cfg.Queue.RetentionWindow,
	}, logger)
	if err != nil {
		logger.Error("failed to open queue database", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	recovered, err := st.RecoverInFlight(ctx)
	if err != nil {
		logger.Error("failed to recover in-flight requests", "error", err)
		os.Exit(1)
	}
	if recovered > 0 {
		logger.Info("recovered requests from previous run", "count", recovered)
	}

	var sink notify.Sink
	if cfg.Notify.RedisAddr != "" {
		redisSink := notify.NewRedisSink(cfg.Notify.RedisAddr, "", 0, cfg.Notify.RedisList)
		defer redisSink.Close()
		sink = redisSink
	} else {
		logger.Warn("no notification sink configured, events will be logged only")
		sink = notify.SinkFunc(func(_ context.Context, event notify.Event) error {
			logger.Info("notification", "type", event.Type, "request_id", event.RequestID)
			return nil
		})
	}
	dispatcher := notify.NewDispatcher(sink, logger)

	probe := connectivity.NewHTTPProbe(
		cfg.Portal.BaseURL+"/v1/health",
		cfg.Portal.ConnTimeout,
		2*time.Second,
	)
	gate := connectivity.NewGate(probe, cfg.Connectivity.ProbeInterval, cfg.Connectivity.Dwell, logger)

	adapter := syncengine.NewHTTPAdapter(syncengine.HTTPConfig{
		BaseURL:     cfg.Portal.BaseURL,
		ConnTimeout: cfg.Portal.ConnTimeout,
	})

	engine := syncengine.NewEngine(st, adapter, gate, dispatcher, syncengine.Config{
		MaxRetryAttempts:  cfg.Queue.MaxRetryAttempts,
		BackoffBase:       cfg.Queue.BackoffBase(),
		BackoffMultiplier: cfg.Queue.BackoffMultiplier,
		MaxConcurrent:     cfg.Sync.MaxConcurrent,
		AttemptTimeout:    cfg.Sync.AttemptTimeout,
		WakeInterval:      cfg.Sync.WakeInterval,
		LowPowerMode:      cfg.Sync.LowPowerMode,
	}, logger)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		gate.Run(runCtx)
	}()
	go func() {
		defer wg.Done()
		engine.Run(runCtx)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down...")
	cancel()
	wg.Wait()

	logger.Info("daemon exited")
}
