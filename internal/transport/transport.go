// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package transport moves protocol envelopes between participants over named topics.
//
// Delivery is at-most-once and unordered: a message published while nobody is
// subscribed is lost, and a slow subscriber may miss messages. Everything above
// this package must tolerate that.
package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/noldarim/caroni/internal/config"
	"github.com/noldarim/caroni/internal/logger"
	"github.com/noldarim/caroni/internal/protocol"
	"github.com/rs/zerolog"
)

// ErrClosed is returned by operations on a closed transport
var ErrClosed = errors.New("transport closed")

var (
	log     zerolog.Logger
	logOnce sync.Once
)

func getLog() *zerolog.Logger {
	logOnce.Do(func() {
		log = logger.GetTransportLogger()
	})
	return &log
}

// Delivery is one received frame
type Delivery struct {
	Topic string
	Body  []byte
}

// Decode unframes the delivery's body
func (d Delivery) Decode() (*protocol.Envelope, protocol.Message, error) {
	return protocol.Decode(d.Body)
}

// Handler consumes deliveries of one subscription. Calls for one subscription are sequential.
type Handler func(ctx context.Context, d Delivery)

// Publisher sends messages to a topic
type Publisher interface {
	Publish(ctx context.Context, topic, replyTo string, msg protocol.Message) error
}

// Subscriber registers handlers for a topic. The subscription lives until ctx is
// cancelled or the transport is closed.
type Subscriber interface {
	Subscribe(ctx context.Context, topic string, handler Handler) error
}

// Transport is a bidirectional message transport
type Transport interface {
	Publisher
	Subscriber
	Close() error
}

// New builds the transport selected by cfg.Driver
func New(ctx context.Context, cfg *config.TransportConfig) (Transport, error) {
	switch cfg.Driver {
	case "memory":
		return NewMemoryTransport(), nil
	case "redis":
		return NewRedisTransport(ctx, cfg)
	default:
		return nil, fmt.Errorf("unsupported transport driver: %s", cfg.Driver)
	}
}
