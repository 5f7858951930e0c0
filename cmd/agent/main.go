// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/noldarim/caroni/internal/agent"
	"github.com/noldarim/caroni/internal/config"
	"github.com/noldarim/caroni/internal/logger"
	"github.com/noldarim/caroni/internal/transport"
)

func main() {
	configPath := flag.String("config", "", "Path to config file (transport and log sections are used)")
	id := flag.String("id", os.Getenv("CARONI_AGENT_ID"), "Agent topic id (default: random)")
	offerTTL := flag.Duration("offer-ttl", time.Minute, "How long offers stay valid")
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
	defer func() {
		if err := logger.CloseGlobal(); err != nil {
			fmt.Fprintf(os.Stderr, "Error closing logger: %v\n", err)
		}
	}()

	agentLog := logger.GetAgentLogger()
	if cfg.Transport.Driver == "memory" {
		agentLog.Fatal().Msg("The agent needs a shared transport; set transport.driver to redis")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	tr, err := transport.New(ctx, &cfg.Transport)
	if err != nil {
		agentLog.Fatal().Err(err).Msg("Failed to connect transport")
	}
	defer tr.Close()

	a := agent.New(tr, agent.Options{
		Exchange: cfg.Transport.Exchange,
		ID:       *id,
		OfferTTL: *offerTTL,
	})
	for _, jt := range agent.Builtins() {
		if err := a.Register(jt); err != nil {
			agentLog.Fatal().Err(err).Str("job_type", jt.Name).Msg("Failed to register job type")
		}
	}

	agentLog.Info().Str("topic", a.Topic()).Msg("Agent started, waiting for auctions...")
	if err := a.Run(ctx); err != nil {
		agentLog.Error().Err(err).Msg("Agent stopped with error")
	}
	agentLog.Info().Msg("Agent shutdown complete")
}
