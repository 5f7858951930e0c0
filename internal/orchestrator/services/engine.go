// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package services holds the manager's orchestration logic: workflow creation and
// completion, the fulfillment auction, and dataflow propagation.
//
// Every handler follows the same shape. It resolves the owning workflow, takes that
// workflow's lock, runs all reads and transitions in one transaction, and only after
// commit and unlock publishes the messages and events it queued in an outbox.
package services

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/noldarim/caroni/internal/config"
	"github.com/noldarim/caroni/internal/fsm"
	"github.com/noldarim/caroni/internal/logger"
	"github.com/noldarim/caroni/internal/metrics"
	"github.com/noldarim/caroni/internal/orchestrator/dag"
	"github.com/noldarim/caroni/internal/orchestrator/database"
	"github.com/noldarim/caroni/internal/orchestrator/models"
	"github.com/noldarim/caroni/internal/protocol"
	"github.com/noldarim/caroni/internal/transport"
	"github.com/rs/zerolog"
)

var (
	// ErrAttemptsExhausted is returned when a step may not be auctioned again
	ErrAttemptsExhausted = errors.New("fulfillment attempts exhausted")
	// ErrTemplateNotFound is returned when a WorkflowCreate names an unknown template
	ErrTemplateNotFound = errors.New("workflow template not found")
	// ErrMissingWorkflowInput is returned when a workflow input feeding a step was not supplied
	ErrMissingWorkflowInput = errors.New("missing workflow input")
)

var (
	log     *zerolog.Logger
	logOnce sync.Once
)

func getLog() *zerolog.Logger {
	logOnce.Do(func() {
		l := logger.GetManagerLogger().With().Str("component", "engine").Logger()
		log = &l
	})
	return log
}

// Options configure an Engine
type Options struct {
	Fulfillment config.FulfillmentConfig
	// Exchange prefixes every topic
	Exchange string
	// ManagerTopic is the reply-to address put on every outbound message
	ManagerTopic string
}

// Engine runs the manager's state machines against the store
type Engine struct {
	db        *database.GormDB
	transport transport.Publisher
	builder   *dag.Builder
	eventChan chan<- protocol.Event
	metrics   *metrics.Metrics
	opts      Options

	locks  *keyedMutex
	expiry *requestExpiry
}

// NewEngine wires an engine. eventChan and m may be nil.
func NewEngine(db *database.GormDB, pub transport.Publisher, builder *dag.Builder, eventChan chan<- protocol.Event, m *metrics.Metrics, opts Options) *Engine {
	e := &Engine{
		db:        db,
		transport: pub,
		builder:   builder,
		eventChan: eventChan,
		metrics:   m,
		opts:      opts,
		locks:     newKeyedMutex(),
	}
	if opts.Fulfillment.RequestTTL > 0 {
		e.expiry = newRequestExpiry(opts.Fulfillment.RequestTTL, e.expireRequest)
	}
	return e
}

// Start runs background timers until ctx is done or Stop is called
func (e *Engine) Start(ctx context.Context) {
	if e.expiry != nil {
		e.expiry.start(ctx)
	}
}

// Stop halts background timers
func (e *Engine) Stop() {
	if e.expiry != nil {
		e.expiry.stop()
	}
}

// DB returns the engine's store
func (e *Engine) DB() *database.GormDB {
	return e.db
}

// outbox collects side effects of a transaction. Nothing in it happens unless the
// transaction commits.
type outbox struct {
	messages    []outboundMessage
	events      []protocol.Event
	transitions []transitionRecord
	deliveries  []string
	offers      []string
	watch       []string
	unwatch     []string
}

type outboundMessage struct {
	topic string
	msg   protocol.Message
}

type transitionRecord struct {
	entity string
	event  fsm.Event
}

func (o *outbox) send(topic string, msg protocol.Message) {
	o.messages = append(o.messages, outboundMessage{topic: topic, msg: msg})
}

func (o *outbox) emit(event protocol.Event) {
	o.events = append(o.events, event)
}

// withWorkflow runs fn in a transaction while holding the workflow's lock, then
// flushes the outbox
func (e *Engine) withWorkflow(ctx context.Context, workflowID string, fn func(tx *database.GormDB, out *outbox) error) error {
	out := &outbox{}

	unlock := e.locks.Lock(workflowID)
	err := e.db.Transaction(ctx, func(tx *database.GormDB) error {
		return fn(tx, out)
	})
	unlock()

	if err != nil {
		return err
	}
	e.flush(ctx, out)
	return nil
}

func (e *Engine) flush(ctx context.Context, out *outbox) {
	for _, m := range out.messages {
		if err := e.transport.Publish(ctx, m.topic, e.opts.ManagerTopic, m.msg); err != nil {
			getLog().Error().Err(err).Str("topic", m.topic).Str("kind", string(m.msg.Kind())).Msg("Failed to publish message")
			continue
		}
		e.metrics.MessagePublished(string(m.msg.Kind()))
	}
	for _, t := range out.transitions {
		e.metrics.Transition(t.entity, string(t.event))
	}
	for _, mode := range out.deliveries {
		e.metrics.Delivery(mode)
	}
	for _, outcome := range out.offers {
		e.metrics.Offer(outcome)
	}
	if e.expiry != nil {
		for _, id := range out.unwatch {
			e.expiry.unwatch(id)
		}
		for _, id := range out.watch {
			e.expiry.watch(id)
		}
	}
	for _, ev := range out.events {
		e.emit(ev)
	}
}

// emit forwards an event to observers without blocking
func (e *Engine) emit(ev protocol.Event) {
	if e.eventChan == nil {
		return
	}
	select {
	case e.eventChan <- ev:
	default:
		getLog().Warn().Str("event_type", fmt.Sprintf("%T", ev)).Msg("Event channel full, dropping event")
	}
}

// Transition helpers. Each applies the event in memory, persists it with
// compare-and-swap and queues the matching metric and event.

func (e *Engine) transitionWorkflow(ctx context.Context, tx *database.GormDB, out *outbox, wf *models.Workflow, event fsm.Event) error {
	from := wf.State
	if err := wf.Apply(event); err != nil {
		return err
	}
	if err := tx.SaveWorkflowTransition(ctx, wf, from); err != nil {
		wf.State = from
		return err
	}
	out.transitions = append(out.transitions, transitionRecord{"workflow", event})
	out.emit(protocol.WorkflowStateChangedEvent{
		Metadata: protocol.NewMetadata(wf.ID),
		Name:     wf.Name,
		From:     from,
		State:    wf.State,
	})
	getLog().Info().Str("workflow_id", wf.ID).Str("from", string(from)).Str("to", string(wf.State)).Msg("Workflow transition")
	return nil
}

func (e *Engine) transitionStep(ctx context.Context, tx *database.GormDB, out *outbox, step *models.WorkflowStep, event fsm.Event) error {
	from, attempts := step.State, step.Attempts
	if err := step.Apply(event); err != nil {
		return err
	}
	if err := tx.SaveStepTransition(ctx, step, from); err != nil {
		step.State, step.Attempts = from, attempts
		return err
	}
	out.transitions = append(out.transitions, transitionRecord{"step", event})
	out.emit(protocol.StepStateChangedEvent{
		Metadata: protocol.NewMetadata(step.WorkflowID),
		StepID:   step.ID,
		StepName: step.StepName,
		From:     from,
		State:    step.State,
		Attempts: step.Attempts,
		JobID:    step.JobID(),
	})
	getLog().Debug().
		Str("workflow_id", step.WorkflowID).
		Str("step", step.StepName).
		Str("from", string(from)).
		Str("to", string(step.State)).
		Int("attempts", step.Attempts).
		Msg("Step transition")
	return nil
}

func (e *Engine) transitionRequest(ctx context.Context, tx *database.GormDB, out *outbox, req *models.JobRequest, event fsm.Event) error {
	from := req.State
	if err := req.Apply(event); err != nil {
		return err
	}
	if err := tx.SaveRequestTransition(ctx, req, from); err != nil {
		req.State = from
		return err
	}
	out.transitions = append(out.transitions, transitionRecord{"job_request", event})
	return nil
}

func (e *Engine) transitionOffer(ctx context.Context, tx *database.GormDB, out *outbox, offer *models.JobOffer, event fsm.Event) error {
	from := offer.State
	if err := offer.Apply(event); err != nil {
		return err
	}
	if err := tx.SaveOfferTransition(ctx, offer, from); err != nil {
		offer.State = from
		return err
	}
	out.transitions = append(out.transitions, transitionRecord{"job_offer", event})
	return nil
}

func (e *Engine) transitionJob(ctx context.Context, tx *database.GormDB, out *outbox, job *models.Job, event fsm.Event) error {
	from := job.State
	if err := job.Apply(event); err != nil {
		return err
	}
	if err := tx.SaveJobTransition(ctx, job, from); err != nil {
		job.State = from
		return err
	}
	out.transitions = append(out.transitions, transitionRecord{"job", event})
	return nil
}

// reportError queues an ErrorEvent for observers of the workflow
func (out *outbox) reportError(workflowID, message string, err error) {
	ev := protocol.ErrorEvent{Metadata: protocol.NewMetadata(workflowID), Message: message}
	if err != nil {
		ev.Context = err.Error()
	}
	out.emit(ev)
}
