package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/seantiz/lockstep/internal/api"
	"github.com/seantiz/lockstep/internal/config"
	"github.com/seantiz/lockstep/internal/engine"
	"github.com/seantiz/lockstep/internal/runner/builtin"
	"github.com/seantiz/lockstep/internal/store"
	"github.com/seantiz/lockstep/internal/worker"
	"github.com/seantiz/lockstep/internal/worker/microvm"
)

func main() {
	cfg := config.Load()
	logger := config.NewLogger(os.Stdout, cfg.LogLevel)

	logger.Info("lockstep: starting",
		"listen_addr", cfg.ListenAddr,
		"db_path", cfg.DBPath,
		"workers", cfg.Workers,
		"remote", len(cfg.WorkerAddrs) > 0,
	)

	dist := config.DefaultDistribution()
	if cfg.DistributionPath != "" {
		d, err := config.LoadDistribution(cfg.DistributionPath)
		if err != nil {
			log.Fatalf("failed to load distribution: %v", err)
		}
		dist = d
		logger.Info("distribution loaded", "path", cfg.DistributionPath, "partial_failure", dist.PartialFailure, "retry_budget", dist.RetryBudget)
	}

	db, err := store.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()

	factory, err := newFactory(cfg, logger)
	if err != nil {
		log.Fatalf("failed to configure workers: %v", err)
	}
	pool, err := worker.NewPool(context.Background(), factory, cfg.Workers, logger)
	if err != nil {
		log.Fatalf("failed to start worker pool: %v", err)
	}
	defer pool.Close()
	if pool.Live() == 0 {
		logger.Warn("no worker could be started; phases will fail until one is respawned")
	}

	eng := engine.NewEngine(pool, db, logger)
	srv := api.NewServer(cfg.ListenAddr, db, eng, dist, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := srv.Run(ctx); err != nil {
		log.Fatalf("server error: %v", err)
	}
}

// newFactory picks how workers run: in microVMs when a kernel is
// configured, as remote agents when worker addresses are set, and in-process
// otherwise.
func newFactory(cfg config.Config, logger *slog.Logger) (worker.Factory, error) {
	if vmCfg := microvm.LoadConfig(); vmCfg.Enabled() {
		if err := vmCfg.Validate(); err != nil {
			return nil, err
		}
		logger.Info("workers run in microVMs", "kernel", vmCfg.KernelPath, "rootfs", vmCfg.RootfsPath, "vcpus", vmCfg.VCPUs, "mem_mb", vmCfg.MemMB)
		return microvm.NewFactory(vmCfg, logger), nil
	}
	if len(cfg.WorkerAddrs) == 0 {
		return worker.LocalFactory{Registry: builtin.NewRegistry(), Logger: logger}, nil
	}
	endpoints := make([]worker.Endpoint, 0, len(cfg.WorkerAddrs))
	for _, addr := range cfg.WorkerAddrs {
		ep, err := worker.ParseEndpoint(addr)
		if err != nil {
			return nil, err
		}
		endpoints = append(endpoints, ep)
	}
	return worker.StreamFactory{Endpoints: endpoints, Logger: logger}, nil
}
