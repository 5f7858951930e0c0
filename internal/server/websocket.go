// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/noldarim/caroni/internal/protocol"

	"github.com/gorilla/websocket"
)

const (
	maxRequestSize = 4096
	maxWatches     = 50
	maxWatchers    = 1000
	sendBuffer     = 64
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	writeWait      = 10 * time.Second
)

const (
	opWatch   = "watch"
	opUnwatch = "unwatch"
)

// Watch selects the events of one workflow. With StepID set only that step's
// events are selected; without it the workflow and all of its steps are.
type Watch struct {
	WorkflowID string `json:"workflow_id"`
	StepID     string `json:"step_id,omitempty"`
}

func (w Watch) covers(workflowID, stepID string) bool {
	if w.WorkflowID != workflowID {
		return false
	}
	return w.StepID == "" || w.StepID == stepID
}

// streamRequest is sent by clients: {"op":"watch","workflow_id":"..."}
type streamRequest struct {
	Op string `json:"op"`
	Watch
}

// streamMessage is sent to clients. Type is "event" or "error".
type streamMessage struct {
	Type       string         `json:"type"`
	Kind       string         `json:"kind,omitempty"`
	WorkflowID string         `json:"workflow_id,omitempty"`
	StepID     string         `json:"step_id,omitempty"`
	Event      protocol.Event `json:"event,omitempty"`
	Message    string         `json:"message,omitempty"`
}

// watcher is one connected event stream client. A watcher without watches
// receives every event.
type watcher struct {
	conn    *websocket.Conn
	send    chan []byte
	mu      sync.RWMutex
	watches map[Watch]struct{}
}

func (c *watcher) wants(workflowID, stepID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.watches) == 0 {
		return true
	}
	for w := range c.watches {
		if w.covers(workflowID, stepID) {
			return true
		}
	}
	return false
}

func (c *watcher) apply(req streamRequest) error {
	if req.WorkflowID == "" {
		return errors.New("workflow_id is required")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	switch req.Op {
	case opWatch:
		if _, ok := c.watches[req.Watch]; !ok && len(c.watches) >= maxWatches {
			return fmt.Errorf("at most %d watches per connection", maxWatches)
		}
		c.watches[req.Watch] = struct{}{}
	case opUnwatch:
		delete(c.watches, req.Watch)
	default:
		return fmt.Errorf("unknown op %q", req.Op)
	}
	return nil
}

// offer queues data without blocking; false means the client is too slow
func (c *watcher) offer(data []byte) bool {
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

// Hub tracks the connected event stream clients
type Hub struct {
	mu       sync.RWMutex
	watchers map[*watcher]struct{}
}

// NewHub creates an empty hub
func NewHub() *Hub {
	return &Hub{watchers: make(map[*watcher]struct{})}
}

// Broadcast delivers an event to every client watching its workflow or step
func (h *Hub) Broadcast(event protocol.Event) {
	workflowID, stepID := protocol.Scope(event)
	kind := protocol.EventKind(event)
	data, err := json.Marshal(streamMessage{
		Type:       "event",
		Kind:       kind,
		WorkflowID: workflowID,
		StepID:     stepID,
		Event:      event,
	})
	if err != nil {
		getLog().Error().Err(err).Str("kind", kind).Msg("Failed to encode event")
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.watchers {
		if !c.wants(workflowID, stepID) {
			continue
		}
		if !c.offer(data) {
			getLog().Warn().
				Str("workflow_id", workflowID).
				Str("kind", kind).
				Msg("Dropping event for slow client")
		}
	}
}

func (h *Hub) join(c *watcher) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.watchers) >= maxWatchers {
		return false
	}
	h.watchers[c] = struct{}{}
	return true
}

// leave must run before c.send is closed so Broadcast never sends on it
func (h *Hub) leave(c *watcher) {
	h.mu.Lock()
	delete(h.watchers, c)
	h.mu.Unlock()
}

func newUpgrader(allowedOrigins []string) websocket.Upgrader {
	allowed := make(map[string]struct{}, len(allowedOrigins))
	for _, o := range allowedOrigins {
		allowed[o] = struct{}{}
	}
	return websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			if len(allowed) == 0 {
				return true
			}
			_, ok := allowed[r.Header.Get("Origin")]
			return ok
		},
	}
}

// ServeEvents upgrades the request to the event stream. The query parameters
// workflow_id and step_id set an initial watch.
func ServeEvents(hub *Hub, allowedOrigins []string) http.HandlerFunc {
	upgrader := newUpgrader(allowedOrigins)

	return func(w http.ResponseWriter, r *http.Request) {
		initial := Watch{
			WorkflowID: r.URL.Query().Get("workflow_id"),
			StepID:     r.URL.Query().Get("step_id"),
		}
		if initial.WorkflowID == "" && initial.StepID != "" {
			writeError(w, r, "Invalid watch", fmt.Errorf("step_id needs workflow_id: %w", errBadRequest))
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			requestLog(r.Context()).Error().Err(err).Msg("Event stream upgrade failed")
			return
		}

		c := &watcher{
			conn:    conn,
			send:    make(chan []byte, sendBuffer),
			watches: make(map[Watch]struct{}),
		}
		if initial.WorkflowID != "" {
			c.watches[initial] = struct{}{}
		}
		if !hub.join(c) {
			requestLog(r.Context()).Warn().Msg("Event stream client limit reached")
			conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "too many clients"))
			conn.Close()
			return
		}
		requestLog(r.Context()).Info().
			Str("remote", r.RemoteAddr).
			Str("workflow_id", initial.WorkflowID).
			Msg("Event stream opened")

		go c.write()
		c.read(hub)
	}
}

func (c *watcher) read(hub *Hub) {
	defer func() {
		hub.leave(c)
		close(c.send)
		c.conn.Close()
		getLog().Debug().Msg("Event stream closed")
	}()

	c.conn.SetReadLimit(maxRequestSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				getLog().Error().Err(err).Msg("Event stream read error")
			}
			return
		}
		var req streamRequest
		if err := json.Unmarshal(data, &req); err != nil {
			c.reject("malformed request")
			continue
		}
		if err := c.apply(req); err != nil {
			c.reject(err.Error())
			continue
		}
		getLog().Debug().
			Str("op", req.Op).
			Str("workflow_id", req.WorkflowID).
			Str("step_id", req.StepID).
			Msg("Event stream watch changed")
	}
}

// reject tells the client its last request was refused
func (c *watcher) reject(reason string) {
	data, err := json.Marshal(streamMessage{Type: "error", Message: reason})
	if err == nil {
		c.offer(data)
	}
}

func (c *watcher) write() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case data, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				getLog().Error().Err(err).Msg("Event stream write error")
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
