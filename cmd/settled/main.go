package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"settlechain/config"
	"settlechain/core"
	"settlechain/core/events"
	"settlechain/core/genesis"
	"settlechain/integrations/eventstore"
	"settlechain/integrations/webhooks"
	"settlechain/observability/logging"
	telemetry "settlechain/observability/otel"
	"settlechain/rpc"
	"settlechain/storage"
)

const (
	genesisPathEnv = "SETTLE_GENESIS"
	shutdownGrace  = 10 * time.Second
)

func main() {
	configFile := flag.String("config", "./settle.toml", "Path to the configuration file")
	genesisFlag := flag.String("genesis", "", "Path to a genesis YAML file (overrides SETTLE_GENESIS and config GenesisFile)")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	logger, logCloser, err := logging.Setup("settled", cfg.Environment, logging.Options{
		Level:      cfg.Logging.Level,
		File:       cfg.Logging.File,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to configure logging: %v\n", err)
		os.Exit(1)
	}
	defer logCloser.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, resolveGenesisPath(*genesisFlag, cfg.GenesisFile, os.LookupEnv), logger); err != nil {
		logger.Error("settled stopped", slog.Any("error", err))
		os.Exit(1)
	}
}

// resolveGenesisPath picks the flag, then the environment, then the config
// file value.
func resolveGenesisPath(flagValue, configValue string, lookup func(string) (string, bool)) string {
	if trimmed := strings.TrimSpace(flagValue); trimmed != "" {
		return trimmed
	}
	if lookup != nil {
		if value, ok := lookup(genesisPathEnv); ok && strings.TrimSpace(value) != "" {
			return strings.TrimSpace(value)
		}
	}
	return strings.TrimSpace(configValue)
}

// loadGenesis reads the genesis document when one is configured and checks it
// against the node identity. The configured owner wins over the genesis owner.
func loadGenesis(path string, cfg *config.Config) (*genesis.Spec, [20]byte, error) {
	owner, err := cfg.OwnerAddress()
	if err != nil {
		return nil, [20]byte{}, err
	}
	if path == "" {
		return nil, owner, nil
	}
	spec, err := genesis.Load(path)
	if err != nil {
		return nil, [20]byte{}, err
	}
	if spec.ChainID != cfg.ChainID {
		return nil, [20]byte{}, fmt.Errorf("genesis chain_id %d does not match configured ChainID %d", spec.ChainID, cfg.ChainID)
	}
	if owner == ([20]byte{}) {
		owner = spec.OwnerAddress()
	}
	return spec, owner, nil
}

func run(ctx context.Context, cfg *config.Config, genesisPath string, logger *slog.Logger) error {
	shutdownTelemetry, err := telemetry.Init(ctx, telemetry.Config{
		ServiceName: "settled",
		Environment: cfg.Environment,
		Endpoint:    cfg.Telemetry.Endpoint,
		Insecure:    cfg.Telemetry.Insecure,
		Metrics:     cfg.Telemetry.Metrics,
		Traces:      cfg.Telemetry.Traces,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := shutdownTelemetry(shutdownCtx); err != nil {
			logger.Warn("telemetry shutdown", slog.Any("error", err))
		}
	}()

	spec, owner, err := loadGenesis(genesisPath, cfg)
	if err != nil {
		return err
	}

	db, err := storage.Open(cfg.DBBackend, cfg.DataDir)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	node, err := core.NewNode(db, core.Config{ChainID: cfg.ChainID, Owner: owner, Logger: logger})
	if err != nil {
		_ = db.Close()
		return fmt.Errorf("create node: %w", err)
	}
	defer func() {
		if err := node.Close(); err != nil {
			logger.Warn("close node", slog.Any("error", err))
		}
	}()
	if spec != nil {
		written, err := genesis.Apply(spec, node.State())
		if err != nil {
			return err
		}
		if written {
			logger.Info("genesis applied", slog.String("path", genesisPath), slog.Int("allocations", len(spec.Allocations())))
		}
	}

	unobserve, err := telemetry.ObserveEscrow(node)
	if err != nil {
		return fmt.Errorf("register escrow gauges: %w", err)
	}
	defer func() { _ = unobserve() }()

	recorder := events.NewRecorder(cfg.RPC.EventBuffer, node.Height)
	sinks := events.Multi{recorder}
	serverCfg := rpc.ServerConfig{
		MaxBodyBytes:      cfg.RPC.MaxBodyBytes,
		RateLimitPerSec:   cfg.RPC.RateLimitPerSec,
		RateLimitBurst:    cfg.RPC.RateLimitBurst,
		JWTSecret:         cfg.RPC.JWTSecret(),
		JWTIssuer:         cfg.RPC.JWTIssuer,
		ReadHeaderTimeout: config.Seconds(cfg.RPC.ReadHeaderTimeout),
		ReadTimeout:       config.Seconds(cfg.RPC.ReadTimeout),
		WriteTimeout:      config.Seconds(cfg.RPC.WriteTimeout),
		IdleTimeout:       config.Seconds(cfg.RPC.IdleTimeout),
		Logger:            logger,
	}
	if serverCfg.JWTSecret == "" {
		logger.Warn("RPC transaction submission is unauthenticated; set rpc.JWTSecretEnv to require bearer tokens")
	}

	if dsn := strings.TrimSpace(cfg.EventStore.DSN); dsn != "" {
		gormDB, err := eventstore.Open(dsn)
		if err != nil {
			return err
		}
		store, err := eventstore.New(gormDB, eventstore.WithLogger(logger))
		if err != nil {
			return err
		}
		defer closeStore(store, logger)
		last, err := store.LastSequence(ctx)
		if err != nil {
			return err
		}
		recorder.Resume(last)
		recorder.Attach(store)
		serverCfg.Events = store
		logger.Info("event archive enabled", slog.Uint64("sequence", last))
	}

	if path := strings.TrimSpace(cfg.WebhooksFile); path != "" {
		hookCfg, err := webhooks.LoadConfig(path)
		if err != nil {
			return err
		}
		router, err := webhooks.NewRouter(hookCfg, node.Height, logger, nil)
		if err != nil {
			return err
		}
		defer router.Close()
		sinks = append(sinks, router)
		logger.Info("webhooks enabled", slog.Int("endpoints", router.Len()))
	}
	node.SetEmitter(sinks)

	server, err := rpc.NewServer(node, recorder, serverCfg)
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	tickerErr := make(chan error, 1)
	go func() {
		tickerErr <- node.RunHeightTicker(runCtx, cfg.BlockInterval())
	}()

	logger.Info("settled starting",
		slog.String("rpc", cfg.RPCAddress),
		slog.Uint64("chainId", cfg.ChainID),
		slog.Uint64("height", node.Height()),
		slog.String("backend", cfg.DBBackend))

	serveErr := server.Serve(runCtx, cfg.RPCAddress)
	cancel()
	if serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
		<-tickerErr
		return fmt.Errorf("rpc server: %w", serveErr)
	}
	if err := <-tickerErr; err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("height ticker: %w", err)
	}
	logger.Info("settled stopped", slog.Uint64("height", node.Height()))
	return nil
}

func closeStore(store *eventstore.Store, logger *slog.Logger) {
	flushCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := store.Flush(flushCtx); err != nil {
		logger.Warn("flush event archive", slog.Any("error", err))
	}
	if err := store.Close(); err != nil {
		logger.Warn("close event archive", slog.Any("error", err))
	}
}
