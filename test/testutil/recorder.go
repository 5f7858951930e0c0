// Copyright (C) 2025-2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package testutil

import (
	"context"
	"sync"

	"github.com/noldarim/caroni/internal/protocol"
)

// Published is one message captured by a Recorder
type Published struct {
	Topic   string
	ReplyTo string
	Msg     protocol.Message
}

// Recorder is a transport.Publisher that keeps every message instead of sending it
type Recorder struct {
	mu   sync.Mutex
	sent []Published
}

// NewRecorder creates an empty recorder
func NewRecorder() *Recorder {
	return &Recorder{}
}

// Publish records the message
func (r *Recorder) Publish(_ context.Context, topic, replyTo string, msg protocol.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, Published{Topic: topic, ReplyTo: replyTo, Msg: msg})
	return nil
}

// All returns a copy of everything published so far
func (r *Recorder) All() []Published {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Published(nil), r.sent...)
}

// OfKind returns the published messages of one kind, in order
func (r *Recorder) OfKind(kind protocol.Kind) []Published {
	var out []Published
	for _, p := range r.All() {
		if p.Msg.Kind() == kind {
			out = append(out, p)
		}
	}
	return out
}

// Reset forgets everything recorded
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = nil
}
