// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package transport

import (
	"context"
	"sync"

	"github.com/noldarim/caroni/internal/protocol"
)

const defaultQueueSize = 1024

// MemoryTransport delivers in-process. Each subscription has its own queue and
// goroutine, so a handler may publish without re-entering another handler.
type MemoryTransport struct {
	mu        sync.RWMutex
	subs      map[string][]*memorySubscription
	closed    bool
	queueSize int
	wg        sync.WaitGroup
}

type memorySubscription struct {
	topic   string
	handler Handler
	queue   chan Delivery
	stop    chan struct{}
	once    sync.Once
}

// NewMemoryTransport creates an empty in-process transport
func NewMemoryTransport() *MemoryTransport {
	return &MemoryTransport{
		subs:      make(map[string][]*memorySubscription),
		queueSize: defaultQueueSize,
	}
}

// Publish encodes msg and queues it for every current subscriber of topic
func (t *MemoryTransport) Publish(ctx context.Context, topic, replyTo string, msg protocol.Message) error {
	body, err := protocol.Encode(msg, replyTo)
	if err != nil {
		return err
	}

	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.closed {
		return ErrClosed
	}

	subs := t.subs[topic]
	if len(subs) == 0 {
		getLog().Debug().Str("topic", topic).Str("kind", string(msg.Kind())).Msg("No subscribers, message dropped")
		return nil
	}

	for _, sub := range subs {
		select {
		case sub.queue <- Delivery{Topic: topic, Body: body}:
		case <-sub.stop:
		default:
			getLog().Warn().Str("topic", topic).Str("kind", string(msg.Kind())).Msg("Subscriber queue full, message dropped")
		}
	}
	return nil
}

// Subscribe starts delivering topic to handler until ctx is done or the transport closes
func (t *MemoryTransport) Subscribe(ctx context.Context, topic string, handler Handler) error {
	sub := &memorySubscription{
		topic:   topic,
		handler: handler,
		queue:   make(chan Delivery, t.queueSize),
		stop:    make(chan struct{}),
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrClosed
	}
	t.subs[topic] = append(t.subs[topic], sub)
	t.wg.Add(1)
	t.mu.Unlock()

	go func() {
		defer t.wg.Done()
		defer t.remove(sub)
		for {
			select {
			case <-ctx.Done():
				return
			case <-sub.stop:
				return
			case d := <-sub.queue:
				sub.handler(ctx, d)
			}
		}
	}()

	getLog().Debug().Str("topic", topic).Msg("Subscribed")
	return nil
}

// Subscribers returns the number of live subscriptions on topic
func (t *MemoryTransport) Subscribers(topic string) int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.subs[topic])
}

func (t *MemoryTransport) remove(sub *memorySubscription) {
	t.mu.Lock()
	defer t.mu.Unlock()

	subs := t.subs[sub.topic]
	for i, s := range subs {
		if s == sub {
			t.subs[sub.topic] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	if len(t.subs[sub.topic]) == 0 {
		delete(t.subs, sub.topic)
	}
}

// Close stops every subscription and waits for running handlers to return
func (t *MemoryTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	for _, subs := range t.subs {
		for _, sub := range subs {
			sub.once.Do(func() { close(sub.stop) })
		}
	}
	t.mu.Unlock()

	t.wg.Wait()
	return nil
}
