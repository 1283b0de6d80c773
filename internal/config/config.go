package config

import (
	"io"
	"log/slog"
	"os"
	"runtime"
	"strconv"
	"strings"
)

const (
	defaultListenAddr = ":8080"
	defaultDBPath     = "lockstep.db"

	envListenAddr   = "LOCKSTEP_LISTEN_ADDR"
	envDBPath       = "LOCKSTEP_DB_PATH"
	envLogLevel     = "LOCKSTEP_LOG_LEVEL"
	envWorkers      = "LOCKSTEP_WORKERS"
	envDistribution = "LOCKSTEP_DISTRIBUTION"
	envWorkerAddrs  = "LOCKSTEP_WORKER_ADDRS"
)

// Config holds application configuration loaded from environment variables.
type Config struct {
	ListenAddr string
	DBPath     string
	LogLevel   slog.Level

	// Workers is the pool size. With WorkerAddrs set, slots are spread over
	// the remote endpoints; otherwise every slot is an in-process worker.
	Workers     int
	WorkerAddrs []string

	// DistributionPath points at an HCL distribution file. Empty means
	// DefaultDistribution.
	DistributionPath string
}

// Load reads configuration from environment variables with sensible defaults.
func Load() Config {
	cfg := Config{
		ListenAddr: defaultListenAddr,
		DBPath:     defaultDBPath,
		LogLevel:   slog.LevelInfo,
		Workers:    runtime.NumCPU(),
	}

	if v := os.Getenv(envListenAddr); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv(envDBPath); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv(envLogLevel); v != "" {
		cfg.LogLevel = parseLogLevel(v)
	}
	if v := os.Getenv(envWorkers); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Workers = n
		}
	}
	if v := os.Getenv(envDistribution); v != "" {
		cfg.DistributionPath = v
	}
	if v := os.Getenv(envWorkerAddrs); v != "" {
		cfg.WorkerAddrs = splitList(v)
	}

	return cfg
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger creates a structured JSON logger writing to w at the configured level.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	}))
}
