// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package server provides the manager's REST + WebSocket API. Handlers call the
// engine directly for mutations; engine events are broadcast to connected
// WebSocket clients.
package server

import (
	"context"
	"sync"

	"github.com/noldarim/caroni/internal/logger"
	"github.com/noldarim/caroni/internal/protocol"

	"github.com/rs/zerolog"
)

var (
	log     *zerolog.Logger
	logOnce sync.Once
)

func getLog() *zerolog.Logger {
	logOnce.Do(func() {
		l := logger.GetLogger("api")
		log = &l
	})
	return log
}

// EventBroadcaster reads every event from the engine's event channel and hands
// it to the event stream hub.
type EventBroadcaster struct {
	eventChan <-chan protocol.Event
	hub       *Hub
}

// NewEventBroadcaster creates a broadcaster that fans out events from eventChan.
func NewEventBroadcaster(eventChan <-chan protocol.Event, hub *Hub) *EventBroadcaster {
	return &EventBroadcaster{
		eventChan: eventChan,
		hub:       hub,
	}
}

// Run reads events until the channel is closed or context is cancelled.
func (b *EventBroadcaster) Run(ctx context.Context) {
	for {
		select {
		case event, ok := <-b.eventChan:
			if !ok {
				getLog().Info().Msg("Event broadcaster stopped (channel closed)")
				return
			}
			b.dispatch(event)
		case <-ctx.Done():
			getLog().Info().Msg("Event broadcaster stopped (context cancelled)")
			return
		}
	}
}

func (b *EventBroadcaster) dispatch(event protocol.Event) {
	if b.hub != nil {
		b.hub.Broadcast(event)
	}
}
