// Copyright (C) 2025-2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package testutil

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/noldarim/caroni/internal/protocol"
	"github.com/noldarim/caroni/internal/transport"
	"github.com/stretchr/testify/require"
)

// Inbox collects decoded deliveries of a transport subscription
type Inbox struct {
	mu       sync.Mutex
	received []Published
}

// Handle is a transport.Handler
func (in *Inbox) Handle(_ context.Context, d transport.Delivery) {
	env, msg, err := d.Decode()
	if err != nil {
		return
	}
	in.mu.Lock()
	defer in.mu.Unlock()
	in.received = append(in.received, Published{Topic: d.Topic, ReplyTo: env.ReplyTo, Msg: msg})
}

// OfKind returns the received messages of one kind, in arrival order
func (in *Inbox) OfKind(kind protocol.Kind) []Published {
	in.mu.Lock()
	defer in.mu.Unlock()
	var out []Published
	for _, p := range in.received {
		if p.Msg.Kind() == kind {
			out = append(out, p)
		}
	}
	return out
}

// WaitFor blocks until n messages of kind arrived and returns them
func (in *Inbox) WaitFor(t testing.TB, kind protocol.Kind, n int) []Published {
	t.Helper()
	require.Eventually(t, func() bool {
		return len(in.OfKind(kind)) >= n
	}, 5*time.Second, 5*time.Millisecond, "waiting for %d %s", n, kind)
	return in.OfKind(kind)
}
