package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/opensource-finance/achscore/internal/api"
	"github.com/opensource-finance/achscore/internal/bus"
	"github.com/opensource-finance/achscore/internal/cache"
	"github.com/opensource-finance/achscore/internal/domain"
	"github.com/opensource-finance/achscore/internal/export"
	"github.com/opensource-finance/achscore/internal/repository"
	"github.com/opensource-finance/achscore/internal/rules"
	"github.com/opensource-finance/achscore/internal/scoring"
	"github.com/opensource-finance/achscore/internal/worker"
)

func runServe(args []string) error {
	cfg, err := loadConfig(flag.NewFlagSet("serve", flag.ExitOnError), args, os.Stdout)
	if err != nil {
		return err
	}

	slog.Info("starting achscore",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
	)
	slog.Info("configuration loaded",
		"repository", cfg.Repository.Driver,
		"cache", cfg.Cache.Type,
		"eventbus", cfg.EventBus.Type,
		"high_risk_threshold", cfg.Scoring.HighRiskThreshold,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initialize Repository
	repo, err := repository.New(cfg.Repository)
	if err != nil {
		return fmt.Errorf("failed to initialize repository: %w", err)
	}
	defer repo.Close()
	slog.Info("repository initialized", "driver", cfg.Repository.Driver)

	// Initialize Cache
	cacheImpl, err := cache.New(cfg.Cache)
	if err != nil {
		return fmt.Errorf("failed to initialize cache: %w", err)
	}
	defer cacheImpl.Close()
	slog.Info("cache initialized", "type", cfg.Cache.Type)

	// Initialize EventBus
	busImpl, err := bus.New(cfg.EventBus)
	if err != nil {
		return fmt.Errorf("failed to initialize event bus: %w", err)
	}
	defer busImpl.Close()
	slog.Info("event bus initialized", "type", cfg.EventBus.Type)

	// Built-in rules come from config, custom rules from the database.
	compiler, err := rules.NewCompiler()
	if err != nil {
		return fmt.Errorf("failed to create rule compiler: %w", err)
	}
	registry, err := rules.LoadRegistry(ctx, repo, api.GlobalTenantID, cfg.Rules, compiler)
	if err != nil {
		return fmt.Errorf("failed to load rules: %w", err)
	}
	engine := scoring.NewEngine(registry, cfg.Scoring.MaxWorkers)
	slog.Info("scoring engine initialized", "rules", registry.Names())

	var sink domain.AlertSink
	if cfg.Export.Kafka.Enabled {
		kafkaSink, err := export.NewKafkaSink(cfg.Export.Kafka)
		if err != nil {
			return fmt.Errorf("failed to initialize kafka sink: %w", err)
		}
		defer kafkaSink.Close()
		sink = kafkaSink
		slog.Info("kafka alert sink initialized", "topic", cfg.Export.Kafka.Topic)
	}

	// Async worker consumes POST /score/async batches. It can be turned off
	// on API-only nodes when a NATS bus feeds dedicated workers.
	var asyncWorker *worker.Worker
	if os.Getenv("ACHSCORE_ASYNC_WORKER") != "false" {
		asyncWorker = worker.NewWorker(busImpl, repo, cacheImpl, engine, sink, worker.Options{
			HighRiskThreshold: cfg.Scoring.HighRiskThreshold,
			RunCacheTTL:       cfg.Scoring.RunCacheTTL,
		})

		workerCfg := worker.Config{TenantIDs: splitList(os.Getenv("ACHSCORE_TENANTS"))}
		if err := asyncWorker.Start(workerCfg); err != nil {
			return fmt.Errorf("failed to start async worker: %w", err)
		}
		slog.Info("async worker started", "tenant_count", len(workerCfg.TenantIDs))
	}

	srv := api.NewServer(cfg, repo, cacheImpl, busImpl, engine, compiler, Version)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	slog.Info("achscore is ready",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
	)
	printBanner(cfg, registry.Len(), Version)

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	}
	slog.Info("shutting down...")

	// Stop async worker first
	if asyncWorker != nil {
		if err := asyncWorker.Stop(); err != nil {
			slog.Error("failed to stop async worker", "error", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	slog.Info("achscore shutdown complete")
	return nil
}

func printBanner(cfg *domain.Config, ruleCount int, version string) {
	fmt.Println()
	fmt.Println(titleStyle.Render("achscore - ACH fraud-risk scoring"))
	fmt.Printf("  Version:  %s\n", version)
	fmt.Printf("  Rules:    %d\n", ruleCount)
	fmt.Printf("  Server:   http://%s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Println()
	fmt.Println("  Endpoints:")
	fmt.Println("    POST   /score                   - Score a transaction batch")
	fmt.Println("    POST   /score/async             - Queue a batch for the worker")
	fmt.Println("    GET    /runs                    - List recent runs")
	fmt.Println("    GET    /runs/{id}               - Run summary")
	fmt.Println("    GET    /runs/{id}/transactions  - Scored transactions")
	fmt.Println("    GET    /runs/{id}/alerts        - Alert trail")
	fmt.Println("    GET    /runs/{id}/report        - Analyst report")
	fmt.Println("    GET    /rules                   - List active rules")
	fmt.Println("    POST   /rules                   - Create a custom rule")
	fmt.Println("    DELETE /rules/{id}              - Delete a custom rule")
	fmt.Println("    POST   /rules/reload            - Hot-reload rules")
	fmt.Println("    GET    /health                  - Health check")
	fmt.Println("    GET    /metrics                 - Prometheus metrics")
	fmt.Println()
}
