// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/noldarim/caroni/internal/config"
	"github.com/noldarim/caroni/internal/logger"
	"github.com/noldarim/caroni/internal/metrics"
	"github.com/noldarim/caroni/internal/orchestrator"
	"github.com/noldarim/caroni/internal/orchestrator/database"
	"github.com/noldarim/caroni/internal/protocol"
	"github.com/noldarim/caroni/internal/server"
	"github.com/noldarim/caroni/internal/tracing"
	"github.com/noldarim/caroni/internal/transport"
)

func main() {
	configPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	cfg, err := config.NewConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	if err := logger.Initialize(&cfg.Log); err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.CloseGlobal()

	mainLog := logger.GetLogger("main")
	mainLog.Info().Msg("Starting caroni manager")

	// This context drives the manager's lifetime.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTracing, err := tracing.Setup(ctx, &cfg.Tracing)
	if err != nil {
		mainLog.Fatal().Err(err).Msg("Error setting up tracing")
	}

	db, err := database.NewGormDB(&cfg.Database)
	if err != nil {
		mainLog.Fatal().Err(err).Msg("Error connecting to database")
	}
	if err := db.AutoMigrate(); err != nil {
		mainLog.Fatal().Err(err).Msg("Error migrating database")
	}

	tr, err := transport.New(ctx, &cfg.Transport)
	if err != nil {
		mainLog.Fatal().Err(err).Msg("Error connecting transport")
	}

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New(cfg.Metrics.Namespace)
	}

	eventChan := make(chan protocol.Event, 100)
	orch, err := orchestrator.New(ctx, cfg, db, tr, eventChan, m)
	if err != nil {
		mainLog.Fatal().Err(err).Msg("Error creating manager")
	}

	runDone := make(chan error, 1)
	go func() {
		runDone <- orch.Run(ctx)
	}()

	serverErrChan := make(chan error, 1)
	var srv *server.Server
	if cfg.Server.Enabled {
		var metricsHandler http.Handler
		if m != nil {
			metricsHandler = m.Handler()
		}
		srv = server.New(&cfg.Server, eventChan, orch.DataService(), orch.Engine(), metricsHandler)
		go func() {
			serverErrChan <- srv.Run(ctx)
		}()
	}

	// Wait for signal or a component stopping
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		mainLog.Info().Msgf("Received signal %v, shutting down...", sig)
	case err := <-serverErrChan:
		if err != nil {
			mainLog.Error().Err(err).Msg("Server error")
		}
	case err := <-runDone:
		runDone <- err
		if err != nil {
			mainLog.Error().Err(err).Msg("Manager stopped")
		}
	}

	// Graceful shutdown: fresh context with timeout, independent of the manager ctx.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	if srv != nil {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			mainLog.Error().Err(err).Msg("Error shutting down server")
		}
	}

	// Let in-flight handlers finish before the store closes
	cancel()
	<-runDone
	if err := orch.Close(); err != nil {
		mainLog.Error().Err(err).Msg("Error closing manager")
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		mainLog.Error().Err(err).Msg("Error flushing traces")
	}

	mainLog.Info().Msg("Manager shut down")
}
