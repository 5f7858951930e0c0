// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/noldarim/caroni/internal/config"
	"github.com/noldarim/caroni/internal/protocol"
	"github.com/redis/go-redis/v9"
)

// RedisTransport maps topics onto Redis pub/sub channels
type RedisTransport struct {
	client *redis.Client
	cfg    *config.TransportConfig

	mu      sync.Mutex
	closed  bool
	pubsubs []*redis.PubSub
	wg      sync.WaitGroup
}

// NewRedisTransport connects to Redis, retrying with exponential backoff
func NewRedisTransport(ctx context.Context, cfg *config.TransportConfig) (*RedisTransport, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	t := &RedisTransport{client: client, cfg: cfg}
	err := t.retry(ctx, "connect", func() error {
		return client.Ping(ctx).Err()
	})
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Redis.Addr, err)
	}

	getLog().Info().Str("addr", cfg.Redis.Addr).Msg("Connected to redis transport")
	return t, nil
}

func (t *RedisTransport) newBackOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxInterval = 2 * time.Second
	if t.cfg.ConnectTimeout > 0 {
		b.MaxElapsedTime = t.cfg.ConnectTimeout
	}
	var bo backoff.BackOff = b
	if t.cfg.ConnectRetries > 0 {
		bo = backoff.WithMaxRetries(bo, t.cfg.ConnectRetries)
	}
	return backoff.WithContext(bo, ctx)
}

func (t *RedisTransport) retry(ctx context.Context, op string, fn func() error) error {
	return backoff.RetryNotify(fn, t.newBackOff(ctx), func(err error, next time.Duration) {
		getLog().Warn().Err(err).Str("op", op).Dur("retry_in", next).Msg("Redis operation failed, retrying")
	})
}

// Publish encodes msg and publishes it on the topic's channel
func (t *RedisTransport) Publish(ctx context.Context, topic, replyTo string, msg protocol.Message) error {
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return ErrClosed
	}

	body, err := protocol.Encode(msg, replyTo)
	if err != nil {
		return err
	}
	if err := t.client.Publish(ctx, topic, body).Err(); err != nil {
		return fmt.Errorf("failed to publish %s to %s: %w", msg.Kind(), topic, err)
	}
	return nil
}

// Subscribe opens a pub/sub subscription and waits for Redis to confirm it
func (t *RedisTransport) Subscribe(ctx context.Context, topic string, handler Handler) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrClosed
	}
	t.mu.Unlock()

	ps := t.client.Subscribe(ctx, topic)
	err := t.retry(ctx, "subscribe", func() error {
		_, err := ps.Receive(ctx)
		return err
	})
	if err != nil {
		ps.Close()
		return fmt.Errorf("failed to subscribe to %s: %w", topic, err)
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		ps.Close()
		return ErrClosed
	}
	t.pubsubs = append(t.pubsubs, ps)
	t.wg.Add(1)
	t.mu.Unlock()

	ch := ps.Channel()
	go func() {
		defer t.wg.Done()
		for {
			select {
			case <-ctx.Done():
				ps.Close()
				return
			case m, ok := <-ch:
				if !ok {
					return
				}
				handler(ctx, Delivery{Topic: m.Channel, Body: []byte(m.Payload)})
			}
		}
	}()

	getLog().Debug().Str("topic", topic).Msg("Subscribed")
	return nil
}

// Close ends all subscriptions and the client connection
func (t *RedisTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	pubsubs := t.pubsubs
	t.pubsubs = nil
	t.mu.Unlock()

	for _, ps := range pubsubs {
		ps.Close()
	}
	t.wg.Wait()
	return t.client.Close()
}
