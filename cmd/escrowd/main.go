package main

import (
	"context"
	"errors"
	"flag"
	"io"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"givechain/config"
	"givechain/core/events"
	"givechain/integrations/webhooks"
	"givechain/native/escrow"
	"givechain/native/fraud"
	"givechain/native/ledger"
	"givechain/native/ledger/levelstore"
	"givechain/native/ledger/sqlstore"
	"givechain/native/payout"
	"givechain/native/quorum"
	"givechain/native/refund"
	"givechain/native/registry"
	"givechain/native/transparency"
	"givechain/observability"
	"givechain/observability/logging"
	telemetry "givechain/observability/otel"
	"givechain/services/escrowd"
	svcconfig "givechain/services/escrowd/config"
)

func main() {
	var enginePath, servicePath string
	flag.StringVar(&enginePath, "config", "./escrow.toml", "path to the engine configuration (TOML)")
	flag.StringVar(&servicePath, "service-config", "", "path to the HTTP service configuration (YAML)")
	flag.Parse()

	engineCfg, err := config.Load(enginePath)
	if err != nil {
		log.Fatalf("load engine config: %v", err)
	}
	svcCfg, err := svcconfig.Load(servicePath)
	if err != nil {
		log.Fatalf("load service config: %v", err)
	}

	env := strings.TrimSpace(os.Getenv("GIVE_ENV"))
	if env == "" {
		env = engineCfg.Environment
	}
	logger := logging.Setup("escrowd", env, logging.Options{
		Level:      engineCfg.Log.Level,
		File:       engineCfg.Log.File,
		MaxSizeMB:  engineCfg.Log.MaxSizeMB,
		MaxBackups: engineCfg.Log.MaxBackups,
		MaxAgeDays: engineCfg.Log.MaxAgeDays,
	})

	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.FromEnv("escrowd", env, engineCfg.Database.Driver))
	if err != nil {
		logger.Error("failed to initialise telemetry", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if shutdownTelemetry != nil {
			_ = shutdownTelemetry(context.Background())
		}
	}()

	store, err := openStore(engineCfg)
	if err != nil {
		logger.Error("open ledger store", slog.Any("error", err))
		os.Exit(1)
	}
	validators, err := engineCfg.Roster()
	if err != nil {
		logger.Error("parse validator roster", slog.Any("error", err))
		os.Exit(1)
	}
	if validators.Size() == 0 {
		logger.Warn("validator roster is empty; milestones cannot be approved")
	}

	broadcaster := events.NewBroadcaster(0)
	emitter := events.Multi{broadcaster, observability.EventCounter{}}

	engine := escrow.NewEngine(store)
	engine.SetRoster(validators)
	engine.SetDefaultRequiredApprovals(engineCfg.Escrow.DefaultRequiredApprovals)
	engine.SetEmitter(emitter)
	protocol := quorum.NewProtocol(store, validators)
	protocol.SetEmitter(emitter)
	controller := fraud.NewController(store)
	controller.SetEmitter(emitter)
	coordinator := refund.NewCoordinator(store)
	coordinator.SetEmitter(emitter)
	ngos := registry.New(store, validators)
	ngos.SetEmitter(emitter)

	srv, err := escrowd.New(svcCfg, escrowd.Deps{
		Store:    store,
		Escrow:   engine,
		Quorum:   protocol,
		Fraud:    controller,
		Refunds:  coordinator,
		Registry: ngos,
		Reporter: transparency.NewReporter(store),
		Events:   broadcaster,
		Logger:   logger,
	})
	if err != nil {
		logger.Error("build server", slog.Any("error", err))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dispatcherDone := make(chan struct{})
	if dispatcher := buildDispatcher(engineCfg, svcCfg, store, emitter, logger); dispatcher != nil {
		go func() {
			defer close(dispatcherDone)
			_ = dispatcher.Run(ctx)
		}()
	} else {
		close(dispatcherDone)
	}

	httpServer := &http.Server{
		Addr:         svcCfg.ListenAddress,
		Handler:      srv.Handler(),
		ReadTimeout:  svcCfg.ReadTimeout,
		WriteTimeout: svcCfg.WriteTimeout,
		IdleTimeout:  svcCfg.IdleTimeout,
	}
	serveErr := make(chan error, 1)
	go func() {
		logger.Info("escrowd listening", slog.String("addr", svcCfg.ListenAddress), slog.String("driver", engineCfg.Database.Driver))
		serveErr <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server failed", slog.Any("error", err))
		}
		stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown", slog.Any("error", err))
	}
	<-dispatcherDone
	if err := closeStore(store); err != nil {
		logger.Error("close ledger store", slog.Any("error", err))
	}
	logger.Info("escrowd stopped")
}

func openStore(cfg *config.Config) (ledger.Store, error) {
	switch cfg.Database.Driver {
	case "", "memory":
		store := ledger.NewMemoryStore()
		store.LockTimeout = cfg.LockTimeout()
		return store, nil
	case "leveldb":
		store, err := levelstore.Open(cfg.Database.DSN)
		if err != nil {
			return nil, err
		}
		store.LockTimeout = cfg.LockTimeout()
		return store, nil
	default:
		db, err := sqlstore.Open(cfg.Database.Driver, cfg.Database.DSN, nil)
		if err != nil {
			return nil, err
		}
		store := sqlstore.New(db)
		store.LockTimeout = cfg.LockTimeout()
		return store, nil
	}
}

// closeStore releases stores that hold files or connections. The memory
// store has nothing to release.
func closeStore(store ledger.Store) error {
	if closer, ok := store.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}

// buildDispatcher returns nil when payouts are disabled or no wallet endpoint
// is configured; instructions then stay in the outbox.
func buildDispatcher(engineCfg *config.Config, svcCfg svcconfig.Config, store ledger.Store, emitter events.Emitter, logger *slog.Logger) *payout.Dispatcher {
	if !engineCfg.Payout.Enabled {
		return nil
	}
	if strings.TrimSpace(svcCfg.Wallet.Endpoint) == "" {
		logger.Warn("payouts enabled without a wallet endpoint; instructions will accumulate")
		return nil
	}
	wallet, err := webhooks.NewWalletClient(svcCfg.Wallet.Endpoint, []byte(svcCfg.Wallet.Secret),
		webhooks.WithHTTPClient(&http.Client{Timeout: svcCfg.Wallet.Timeout}),
		webhooks.WithRetryPolicy(svcCfg.Wallet.MaxAttempts, 0, 0),
	)
	if err != nil {
		logger.Error("wallet client", slog.Any("error", err))
		return nil
	}
	return payout.NewDispatcher(store, wallet,
		payout.WithLogger(logger.With(slog.String("component", "payout"))),
		payout.WithRate(engineCfg.Payout.RatePerSecond, engineCfg.Payout.Burst),
		payout.WithInterval(engineCfg.PayoutInterval()),
		payout.WithBatchSize(engineCfg.Payout.BatchSize),
		payout.WithEmitter(emitter),
	)
}
