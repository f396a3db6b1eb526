/*
[AI GENERATED - GOVERNANCE PROTOCOL]
──────────────────────────────────────────────────────────────
Model:       Claude Opus 4.6
Tier:        L3
Logic:       Gateway entry point with graceful shutdown. Wires config
             → logger → store (memory or Redis) → registry → tracker
             → pruner → router → HTTP server with OS signal handling.
Root Cause:  Sprint task T011 — HTTP server with graceful shutdown.
Context:     Entry point wiring is a one-shot composition root; every
             subsystem below main is built to be independently
             testable and carries no knowledge of the others.
Suitability: L3 model for graceful shutdown and system wiring.
──────────────────────────────────────────────────────────────
*/

package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/AlfredDev/idempotency-gateway/config"
	"github.com/AlfredDev/idempotency-gateway/logger"
	"github.com/AlfredDev/idempotency-gateway/observability"
	"github.com/AlfredDev/idempotency-gateway/redisclient"
	"github.com/AlfredDev/idempotency-gateway/registry"
	"github.com/AlfredDev/idempotency-gateway/router"
	"github.com/AlfredDev/idempotency-gateway/store"
	"github.com/AlfredDev/idempotency-gateway/tracker"
	"github.com/rs/zerolog"
)

func main() {
	cfg := config.Load()
	log := logger.New(cfg)

	log.Info().Str("env", cfg.Env).Str("store_backend", cfg.StoreBackend).Msg("idempotency gateway starting")

	st, err := buildStore(cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("store init failed")
	}

	reg := registry.New()
	trackerCfg := tracker.Config{
		CachedTTL:         cfg.CachedTTL,
		ProcessingTTL:     cfg.ProcessingTTL,
		MaxConcurrentWait: cfg.MaxConcurrentWait,
	}
	trk := tracker.New(st, reg, trackerCfg, log)

	metrics := observability.NewMetrics("idempotency_gateway")

	pruneInterval := cfg.PruneInterval
	if pruneInterval <= 0 {
		pruneInterval = time.Minute
	}
	pruner := tracker.NewPruner(trk, pruneInterval, log)
	pruner.Start()

	r := router.NewRouter(cfg, log, trk, metrics)

	srv := &http.Server{
		Addr:         cfg.Addr,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: cfg.RequestTimeoutMax + 10*time.Second,
		IdleTimeout:  120 * time.Second,
	}

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGTERM)

	go func() {
		log.Info().Str("addr", cfg.Addr).Msg("gateway listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	<-done
	log.Info().Msg("shutdown signal received")

	pruner.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), cfg.GracefulTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("graceful shutdown failed")
	} else {
		log.Info().Msg("gateway stopped gracefully")
	}
}

// buildStore selects and initializes the Store backend named by
// cfg.StoreBackend ("memory" or "redis").
func buildStore(cfg *config.Config, log zerolog.Logger) (store.Store, error) {
	tableName := "idempotency_entries"

	switch cfg.StoreBackend {
	case "redis":
		rc, err := redisclient.New(cfg)
		if err != nil {
			return nil, fmt.Errorf("redis init: %w", err)
		}
		if err := rc.Ping(); err != nil {
			return nil, fmt.Errorf("redis ping: %w", err)
		}
		log.Info().Msg("redis connected")

		rs := store.NewRedisStore(rc.Raw())
		if err := rs.Setup(store.Config{TableName: tableName}); err != nil {
			return nil, fmt.Errorf("redis store setup: %w", err)
		}
		return rs, nil

	case "memory", "":
		ms := store.NewMemoryStore()
		if err := ms.Setup(store.Config{TableName: tableName}); err != nil {
			return nil, fmt.Errorf("memory store setup: %w", err)
		}
		return ms, nil

	default:
		return nil, fmt.Errorf("unknown STORE_BACKEND %q (expected \"memory\" or \"redis\")", cfg.StoreBackend)
	}
}
