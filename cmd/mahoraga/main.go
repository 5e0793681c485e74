// Command mahoraga runs the caching reverse-proxy aggregator: one local
// HTTP endpoint fronting conda channels, PyPI, npm/jsDelivr/pyodide,
// embedded CPython, python-build-standalone and uv.
package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hingebase/mahoraga-go/internal/config"
	"github.com/hingebase/mahoraga-go/internal/core/ledger"
	"github.com/hingebase/mahoraga-go/internal/core/lockregistry"
	"github.com/hingebase/mahoraga-go/internal/core/upstream"
	"github.com/hingebase/mahoraga-go/internal/logger"
	"github.com/hingebase/mahoraga-go/internal/server"
	"github.com/hingebase/mahoraga-go/internal/shard"
	"github.com/hingebase/mahoraga-go/internal/version"
)

func main() {
	vlog := log.New(log.Writer(), "", 0)
	if len(os.Args) > 1 && os.Args[1] == "--version" {
		version.PrintVersionInfo(true, vlog)
		os.Exit(0)
	}
	version.PrintVersionInfo(false, vlog)

	lcfg := buildLoggerConfig()
	logInstance, styledLogger, cleanup, err := logger.NewWithTheme(lcfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialise logger: %v\n", err)
		os.Exit(1)
	}
	defer cleanup()
	slog.SetDefault(logInstance)

	var cfg *config.Config
	cfg, err = config.Load(func(next *config.Config) {
		styledLogger.Info("configuration reloaded")
		cfg = next
	})
	if err != nil {
		logger.FatalWithLogger(logInstance, "failed to load configuration", "error", err)
	}

	if err := os.MkdirAll(cfg.CacheDir, 0o755); err != nil {
		logger.FatalWithLogger(logInstance, "failed to create cache directory", "error", err)
	}

	l, err := ledger.New(cfg.CacheDir, cfg.Upstream.Backup, styledLogger)
	if err != nil {
		logger.FatalWithLogger(logInstance, "failed to load statistics ledger", "error", err)
	}

	locks := lockregistry.New()
	client := upstream.New(cfg.Server)

	srv := server.New(cfg, client, l, locks, logInstance, styledLogger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		styledLogger.Info("shutdown signal received", "signal", sig.String())
		cancel()
	}()

	condaMirrors := cfg.Upstream.Conda.Default
	builder := &shard.Builder{
		CacheDir:    cfg.CacheDir,
		CondaMirror: firstOrEmpty(condaMirrors),
		HTTPClient:  &http.Client{Timeout: 5 * time.Minute},
		Logger:      styledLogger,
	}
	go func() {
		if err := builder.Run(ctx, cfg.Shard); err != nil {
			styledLogger.Error("shard builder run failed", "error", err)
		}
	}()

	styledLogger.Info("mahoraga listening", "addr", fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port))
	if err := srv.Run(ctx); err != nil {
		logger.FatalWithLogger(logInstance, "server error", "error", err)
	}

	styledLogger.Info("mahoraga has shut down")
}

func firstOrEmpty(s []string) string {
	if len(s) == 0 {
		return ""
	}
	return s[0]
}

func buildLoggerConfig() *logger.Config {
	return &logger.Config{
		Level:      envOrDefault("MAHORAGA_LOG_LEVEL", "info"),
		FileOutput: envBoolOrDefault("MAHORAGA_FILE_OUTPUT", false),
		LogDir:     envOrDefault("MAHORAGA_LOG_DIR", "./logs"),
		MaxSize:    100,
		MaxBackups: 5,
		MaxAge:     30,
		Theme:      envOrDefault("MAHORAGA_THEME", "default"),
		PrettyLogs: true,
	}
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envBoolOrDefault(key string, fallback bool) bool {
	switch os.Getenv(key) {
	case "true", "1":
		return true
	case "false", "0":
		return false
	default:
		return fallback
	}
}
