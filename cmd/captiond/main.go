package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/kreolabs/captiond/pkg/captiond"
	"github.com/kreolabs/captiond/pkg/logging"
)

func main() {
	configPath := flag.String("config", "", "path to config file (optional)")
	flag.Parse()

	cfg, err := captiond.Load(*configPath)
	if err != nil {
		slog.Error("config_load_failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger := logging.Init(cfg.LogLevel, cfg.LogFormat)

	svc, err := captiond.NewService(cfg, logger)
	if err != nil {
		logger.Error("service_init_failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := svc.Run(ctx); err != nil {
		logger.Error("service_exit", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger.Info("service_exited")
}
