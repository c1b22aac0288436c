// finext-sync keeps brokerage dashboards fed: it holds the upstream session,
// shares one push connection per instrument across every viewer, and serves
// merged history+live series over HTTP and SSE.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/twan507/finext-sync/app"
	"github.com/twan507/finext-sync/ops"
)

var (
	// version is injected at build time.
	version     = "v0.0.0"
	buildString = "dev build"
)

func initLogger(level *slog.LevelVar) (*slog.Logger, *ops.LogBuffer) {
	logs := ops.NewLogBuffer(500)
	inner := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	return slog.New(ops.NewTeeHandler(inner, logs)), logs
}

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("finext-sync %s\n", version)
		fmt.Printf("Build: %s\n", buildString)
		return
	}

	level := &slog.LevelVar{}
	logger, logs := initLogger(level)

	cfg, err := app.LoadConfig(*configPath)
	if err != nil {
		logger.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}
	level.Set(cfg.Level())

	application, err := app.New(app.Options{
		Config:  cfg,
		Logger:  logger,
		Logs:    logs,
		Version: version,
	})
	if err != nil {
		logger.Error("Failed to initialize", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *configPath != "" {
		if err := app.WatchLogLevel(ctx, *configPath, level, logger); err != nil {
			logger.Warn("Config watch unavailable", "error", err)
		}
	}

	logger.Info("Starting finext-sync...", "version", version, "build", buildString)
	if err := application.Run(ctx); err != nil {
		logger.Error("Server failed", "error", err)
		os.Exit(1)
	}
}
