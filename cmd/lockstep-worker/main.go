// Command lockstep-worker is the remote worker agent. It listens on TCP or,
// inside a VM, on vsock, and runs the partitions the orchestrator sends it.
//
// LOCKSTEP_WORKER_LISTEN selects the listener: "tcp://host:port" (the
// default is tcp://:7070) or "vsock://port".
package main

import (
	"context"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/mdlayher/vsock"

	"github.com/seantiz/lockstep/internal/config"
	"github.com/seantiz/lockstep/internal/runner/builtin"
	"github.com/seantiz/lockstep/internal/worker"
)

const (
	defaultListen = "tcp://:7070"
	envListen     = "LOCKSTEP_WORKER_LISTEN"
)

func main() {
	cfg := config.Load()
	logger := config.NewLogger(os.Stdout, cfg.LogLevel)

	addr := defaultListen
	if v := os.Getenv(envListen); v != "" {
		addr = v
	}

	l, err := listen(addr)
	if err != nil {
		log.Fatalf("listen on %s: %v", addr, err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("lockstep-worker listening", "addr", l.Addr().String())

	agent := worker.NewAgent(l, builtin.NewRegistry(), logger)
	if err := agent.Serve(ctx); err != nil {
		log.Fatalf("serve: %v", err)
	}
	logger.Info("lockstep-worker stopped")
}

func listen(addr string) (net.Listener, error) {
	scheme, rest, ok := strings.Cut(addr, "://")
	if !ok {
		scheme, rest = "tcp", addr
	}
	switch scheme {
	case "tcp":
		return net.Listen("tcp", rest)
	case "vsock":
		port, err := strconv.ParseUint(strings.TrimPrefix(rest, ":"), 10, 32)
		if err != nil {
			return nil, fmt.Errorf("parse vsock port %q: %w", rest, err)
		}
		return vsock.Listen(uint32(port), nil)
	default:
		return nil, fmt.Errorf("unsupported listen scheme %q", scheme)
	}
}
