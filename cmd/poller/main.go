package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"

	"job-ingestion-orchestrator/internal/app"
	"job-ingestion-orchestrator/internal/config"
	"job-ingestion-orchestrator/internal/logger"
	"job-ingestion-orchestrator/internal/telemetry"
)

func main() {
	cfg := config.Load()
	log := logger.New("poller")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if cfg.RegistryBackend != "redis" {
		log.LogWarnf("registry backend is %q, this poller only sees runs it started itself", cfg.RegistryBackend)
	}

	a, err := app.New(ctx, cfg)
	if err != nil {
		log.LogFatal("init", err)
	}
	defer a.Close()

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			log.LogError("metrics server stopped", err)
		}
	}()

	log.LogInfof("poller started with interval=%s auto_import=%t cron=%q", cfg.PollInterval, cfg.AutoImport, cfg.ScheduledLoadCron)
	if err := a.RunBackground(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.LogError("poller stopped", err)
	}
}
