// Copyright (C) 2025-2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package orchestrator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/noldarim/caroni/internal/config"
	"github.com/noldarim/caroni/internal/metrics"
	"github.com/noldarim/caroni/internal/orchestrator/database"
	"github.com/noldarim/caroni/internal/protocol"
	"github.com/noldarim/caroni/internal/transport"

	"github.com/stretchr/testify/require"
)

// OrchestratorFixture represents a running manager on an in-memory transport
type OrchestratorFixture struct {
	Orchestrator *Orchestrator
	Transport    *transport.MemoryTransport
	EventChan    chan protocol.Event
	Metrics      *metrics.Metrics
	Cleanup      func()
}

// TestConfig returns a manager configuration suited to in-process tests
func TestConfig() *config.AppConfig {
	cfg := config.Default()
	cfg.Database = *database.InMemoryConfig()
	cfg.Transport.Driver = "memory"
	cfg.Transport.Exchange = "wf"
	cfg.Manager.Workers = 4
	cfg.Manager.InboxSize = 256
	cfg.Fulfillment.MaxAttempts = 3
	cfg.Fulfillment.RequestTTL = 0
	cfg.Metrics.Namespace = "caroni_test"
	return cfg
}

// WithRunningOrchestrator starts a manager with cfg and waits until it listens on its topic
func WithRunningOrchestrator(t *testing.T, cfg *config.AppConfig) *OrchestratorFixture {
	t.Helper()
	db := database.UseFreshInMemoryDatabase(t).DB
	tr := transport.NewMemoryTransport()
	eventChan := make(chan protocol.Event, 1024)
	m := metrics.New(cfg.Metrics.Namespace)

	ctx, cancel := context.WithCancel(context.Background())
	orch, err := New(ctx, cfg, db, tr, eventChan, m)
	require.NoError(t, err, "Failed to create orchestrator")

	done := make(chan error, 1)
	go func() { done <- orch.Run(ctx) }()
	require.Eventually(t, func() bool { return tr.Subscribers(orch.Topic()) > 0 }, time.Second, time.Millisecond)

	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			cancel()
			<-done
			tr.Close()
		})
	}
	t.Cleanup(cleanup)

	return &OrchestratorFixture{
		Orchestrator: orch,
		Transport:    tr,
		EventChan:    eventChan,
		Metrics:      m,
		Cleanup:      cleanup,
	}
}
