package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"job-ingestion-orchestrator/internal/app"
	"job-ingestion-orchestrator/internal/config"
	"job-ingestion-orchestrator/internal/logger"
)

func main() {
	cfg := config.Load()
	log := logger.New("api")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := app.New(ctx, cfg)
	if err != nil {
		log.LogFatal("init", err)
	}
	defer a.Close()

	if cfg.EmbeddedPoller {
		go func() {
			if err := a.RunBackground(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.LogError("poller stopped", err)
			}
		}()
	}

	httpServer := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           a.API().Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	log.LogInfof("api listening on :%s (store=%s registry=%s embedded_poller=%t)", cfg.HTTPPort, cfg.StoreDriver, cfg.RegistryBackend, cfg.EmbeddedPoller)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.LogFatal("listen", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
	a.Poller.Wait()
}
