// Copyright 2025 James Ross
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nimbuschain/fetch-engine/internal/breaker"
	"github.com/nimbuschain/fetch-engine/internal/config"
	"github.com/nimbuschain/fetch-engine/internal/download"
	"github.com/nimbuschain/fetch-engine/internal/obs"
	"github.com/nimbuschain/fetch-engine/internal/orchestrator"
	"github.com/nimbuschain/fetch-engine/internal/provider"
	"github.com/nimbuschain/fetch-engine/internal/store"
	"go.uber.org/zap"
)

var version = "dev"

func main() {
	var configPath string
	var showVersion bool
	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)
	fs.StringVar(&configPath, "config", "config/config.yaml", "Path to YAML config")
	fs.BoolVar(&showVersion, "version", false, "Print version and exit")
	_ = fs.Parse(os.Args[1:])

	if showVersion {
		fmt.Println(version)
		return
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := obs.NewLogger(cfg.Observability.LogLevel, cfg.Observability.LogFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	tp, err := obs.MaybeInitTracing(cfg)
	if err != nil {
		logger.Warn("tracing init failed", obs.Err(err))
	}
	if tp != nil {
		defer func() { _ = obs.TracerShutdown(context.Background(), tp) }()
	}

	st, err := store.NewFromConfig(cfg)
	if err != nil {
		logger.Fatal("failed to open job store", obs.Err(err))
	}
	defer st.Close()

	providers := buildProviders(cfg, logger)
	if len(providers) == 0 {
		logger.Fatal("no providers configured; set provider credentials in config")
	}
	breakers := breaker.NewRegistry(cfg.CircuitBreaker)

	orch := orchestrator.New(cfg, st, provider.NewRegistry(providers...), breakers, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	readyCheck := func(c context.Context) error { return st.Ping(c) }
	httpSrv := obs.StartHTTPServer(cfg, readyCheck)
	defer func() { _ = httpSrv.Shutdown(context.Background()) }()

	obs.StartStateGaugeUpdater(ctx, cfg, st, logger)
	obs.StartBreakerGaugeUpdater(ctx, breakers, cfg.Observability.StateSampleInterval)

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("signal received, shutting down", obs.String("signal", sig.String()))
		cancel()
		select {
		case sig2 := <-sigCh:
			logger.Warn("second signal received, exiting immediately", obs.String("signal", sig2.String()))
			os.Exit(1)
		case <-time.After(5 * time.Second):
		}
	}()

	if err := orch.Start(ctx); err != nil {
		logger.Fatal("orchestrator start failed", obs.Err(err))
	}
	logger.Info("fetch-engine started", obs.String("version", version), obs.String("store_backend", cfg.Store.Backend))

	<-ctx.Done()
	orch.Stop()
	logger.Info("fetch-engine stopped")
}

// buildProviders constructs a Manager+Provider pair for every adapter
// whose credentials are present in cfg, so an operator can run with
// Copernicus only, USGS only, or both. A provider whose credentials are
// missing is skipped with a warning rather than aborting startup.
func buildProviders(cfg *config.Config, logger *zap.Logger) []provider.Provider {
	var providers []provider.Provider

	copernicusMgr := download.NewManagerWithConcurrency(cfg.Download, cfg.Executor.ProviderLimits["copernicus"])
	if cop, err := provider.NewCopernicusProvider(cfg.Providers.Copernicus, copernicusMgr); err != nil {
		logger.Warn("copernicus provider not configured", obs.Err(err))
	} else {
		providers = append(providers, cop)
	}

	usgsMgr := download.NewManagerWithConcurrency(cfg.Download, cfg.Executor.ProviderLimits["usgs"])
	if usgs, err := provider.NewUsgsProvider(cfg.Providers.Usgs, usgsMgr); err != nil {
		logger.Warn("usgs provider not configured", obs.Err(err))
	} else {
		providers = append(providers, usgs)
	}

	return providers
}
