// testserver starts a lockstep API server on an in-memory journal with local
// workers that crash at a configurable rate, for exercising retries and the
// event stream by hand or from E2E tests.
// Usage: LOCKSTEP_FAULT_RATE=0.2 go run ./cmd/testserver
package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"math/rand/v2"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/seantiz/lockstep/internal/api"
	"github.com/seantiz/lockstep/internal/config"
	"github.com/seantiz/lockstep/internal/engine"
	"github.com/seantiz/lockstep/internal/runner"
	"github.com/seantiz/lockstep/internal/runner/builtin"
	"github.com/seantiz/lockstep/internal/state"
	"github.com/seantiz/lockstep/internal/store"
	"github.com/seantiz/lockstep/internal/task"
	"github.com/seantiz/lockstep/internal/worker"
)

// flaky wraps a runner so that a fraction of partitions crash the worker or
// hang past the partition timeout.
func flaky(inner runner.Runner, rate float64, hang time.Duration) runner.Runner {
	return runner.Func(func(ctx context.Context, msg task.Message, view *state.View) (task.Result, error) {
		switch r := rand.Float64(); {
		case r < rate/2:
			panic(fmt.Sprintf("injected crash in %s partition %d", msg.Kind, msg.Partition))
		case r < rate:
			select {
			case <-time.After(hang):
			case <-ctx.Done():
				return task.Result{}, ctx.Err()
			}
		}
		return inner.Run(ctx, msg, view)
	})
}

func main() {
	addr := ":8080"
	if v := os.Getenv("LOCKSTEP_LISTEN_ADDR"); v != "" {
		addr = v
	}
	rate := 0.1
	if v := os.Getenv("LOCKSTEP_FAULT_RATE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f >= 0 && f <= 1 {
			rate = f
		}
	}

	db, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()

	dist := config.DefaultDistribution()
	dist.PartitionTimeout = 2 * time.Second
	dist.RetryBudget = 3

	base := builtin.NewRegistry()
	reg := runner.NewRegistry()
	for _, k := range base.Kinds() {
		rn, err := base.Resolve(k)
		if err != nil {
			log.Fatalf("resolve %s runner: %v", k, err)
		}
		if k == task.Init {
			reg.Register(k, rn)
			continue
		}
		reg.Register(k, flaky(rn, rate, 2*dist.PartitionTimeout))
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	pool, err := worker.NewPool(context.Background(), worker.LocalFactory{Registry: reg, Logger: logger}, 4, logger)
	if err != nil {
		log.Fatalf("failed to start worker pool: %v", err)
	}
	defer pool.Close()

	eng := engine.NewEngine(pool, db, logger)
	srv := api.NewServer(addr, db, eng, dist, logger)

	logger.Info("testserver: starting", "addr", addr, "fault_rate", rate)
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := srv.Run(ctx); err != nil {
		log.Fatalf("server error: %v", err)
	}
}
