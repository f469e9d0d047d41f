package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/devpulse/devpulse/internal/cache"
	"github.com/devpulse/devpulse/internal/clickup"
	"github.com/devpulse/devpulse/internal/config"
	"github.com/devpulse/devpulse/internal/gitlab"
	"github.com/devpulse/devpulse/internal/metrics"
	"github.com/devpulse/devpulse/internal/store"
	"github.com/devpulse/devpulse/internal/syncer"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("configuration: %v", err)
	}

	st, err := buildStore(cfg)
	if err != nil {
		log.Fatalf("store: %v", err)
	}
	defer st.Close()

	logger := log.New(os.Stderr, "", log.LstdFlags)
	connectors := buildConnectors(cfg, st, logger)
	if len(connectors) == 0 {
		log.Printf("no provider credentials configured; sync runs will be no-ops until DEVPULSE_GITLAB_TOKEN or DEVPULSE_CLICKUP_TOKEN is set")
	}

	engine := metrics.NewEngine(st, metrics.Options{
		Cache:  cache.NewMemory(),
		Logger: logger,
	})
	orchestrator, err := syncer.NewOrchestrator(st, engine, connectors, syncer.Options{Logger: logger})
	if err != nil {
		log.Fatalf("orchestrator: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	scheduler := syncer.NewScheduler(orchestrator, syncer.SchedulerOptions{
		Interval:  cfg.SyncInterval,
		Immediate: true,
		Logger:    logger,
	})
	log.Printf("devpulse syncing every %s", cfg.SyncInterval)
	if err := scheduler.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("scheduler: %v", err)
	}
	log.Printf("devpulse shutting down")
}

func buildStore(cfg *config.Config) (store.Store, error) {
	if cfg.DatabaseDSN == "" {
		log.Printf("no DEVPULSE_DATABASE_DSN set, using in-memory store")
		return store.NewMemoryStore(), nil
	}
	return store.NewPostgresStore(cfg.DatabaseDSN)
}

func buildConnectors(cfg *config.Config, st store.Store, logger syncer.Logger) []syncer.Connector {
	var connectors []syncer.Connector
	if cfg.GitLab.Configured() {
		c, err := gitlab.NewConnector(cfg.GitLab, st, gitlab.ConnectorOptions{Logger: logger})
		if err != nil {
			log.Printf("gitlab connector disabled: %v", err)
		} else {
			connectors = append(connectors, c)
		}
	} else {
		log.Printf("gitlab connector disabled: no token configured")
	}
	if cfg.ClickUp.Configured() {
		c, err := clickup.NewConnector(cfg.ClickUp, st, clickup.ConnectorOptions{Logger: logger})
		if err != nil {
			log.Printf("clickup connector disabled: %v", err)
		} else {
			connectors = append(connectors, c)
		}
	} else {
		log.Printf("clickup connector disabled: no token or team id configured")
	}
	return connectors
}
