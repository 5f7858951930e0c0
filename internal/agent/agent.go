// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package agent is a reference protocol peer for the manager. It bids on auctions for
// the job types registered with it, runs accepted jobs in-process and reports their
// status and outputs back.
//
// A job starts once the manager has asked for its status and every declared input
// has arrived. Jobs run as plain Go functions; isolating them is out of scope.
package agent

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/noldarim/caroni/internal/logger"
	"github.com/noldarim/caroni/internal/protocol"
	"github.com/noldarim/caroni/internal/transport"
	"github.com/rs/zerolog"
)

// ErrDuplicateJobType is returned when a job type name is registered twice
var ErrDuplicateJobType = errors.New("job type already registered")

var (
	log     *zerolog.Logger
	logOnce sync.Once
)

func getLog() *zerolog.Logger {
	logOnce.Do(func() {
		l := logger.GetAgentLogger()
		log = &l
	})
	return log
}

// JobFunc runs one job. It receives every declared input and returns named outputs.
type JobFunc func(ctx context.Context, inputs map[string]string) (map[string]string, error)

// JobType is a kind of work the agent can take on
type JobType struct {
	Name    string
	Inputs  []string
	Outputs []string
	Run     JobFunc
}

// accepts reports whether a fulfillment request's parameter names match the declared inputs
func (jt JobType) accepts(params []protocol.Parameter) bool {
	keys := make([]string, 0, len(params))
	for _, p := range params {
		keys = append(keys, p.Key)
	}
	sort.Strings(keys)
	declared := slices.Clone(jt.Inputs)
	sort.Strings(declared)
	return slices.Equal(keys, declared)
}

// Options configure an Agent
type Options struct {
	Exchange string
	// ID names the agent's private topic. Empty picks a random one.
	ID string
	// OfferTTL is advertised as the expiration of every offer. Zero sends none.
	OfferTTL time.Duration
}

type pendingOffer struct {
	requestID string
	jobType   JobType
}

type job struct {
	id      string
	jobType JobType
	manager string
	status  protocol.JobStatus
	inputs  map[string]string
	// asked is set once the manager has confirmed it tracks the job
	asked   bool
	started bool
}

// Agent bids on and runs jobs
type Agent struct {
	transport transport.Transport
	opts      Options
	topic     string
	types     map[string]JobType

	mu     sync.Mutex
	offers map[string]pendingOffer
	jobs   map[string]*job
	ctx    context.Context
	wg     sync.WaitGroup
}

// New creates an agent. Register job types before calling Run.
func New(tr transport.Transport, opts Options) *Agent {
	if opts.ID == "" {
		opts.ID = protocol.TopicIDFromUUID(uuid.NewString())
	}
	return &Agent{
		transport: tr,
		opts:      opts,
		topic:     protocol.Topic(opts.Exchange, protocol.RoleAgent, opts.ID),
		types:     make(map[string]JobType),
		offers:    make(map[string]pendingOffer),
		jobs:      make(map[string]*job),
		ctx:       context.Background(),
	}
}

// Register adds a job type
func (a *Agent) Register(jt JobType) error {
	if jt.Name == "" || jt.Run == nil {
		return fmt.Errorf("job type needs a name and a run function")
	}
	if _, ok := a.types[jt.Name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateJobType, jt.Name)
	}
	a.types[jt.Name] = jt
	return nil
}

// Topic is the agent's private topic
func (a *Agent) Topic() string {
	return a.topic
}

// Run serves the protocol until ctx is cancelled, then waits for running jobs
func (a *Agent) Run(ctx context.Context) error {
	a.mu.Lock()
	a.ctx = ctx
	a.mu.Unlock()

	if err := a.transport.Subscribe(ctx, protocol.FulfillmentTopic(a.opts.Exchange, protocol.RoleAgent), a.handle); err != nil {
		return fmt.Errorf("failed to subscribe to auctions: %w", err)
	}
	if err := a.transport.Subscribe(ctx, a.topic, a.handle); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", a.topic, err)
	}

	names := make([]string, 0, len(a.types))
	for name := range a.types {
		names = append(names, name)
	}
	sort.Strings(names)
	getLog().Info().Str("topic", a.topic).Strs("job_types", names).Msg("Agent started")

	<-ctx.Done()
	a.wg.Wait()
	getLog().Info().Msg("Agent stopped")
	return nil
}

func (a *Agent) handle(ctx context.Context, d transport.Delivery) {
	env, msg, err := d.Decode()
	if err != nil {
		getLog().Warn().Err(err).Str("topic", d.Topic).Msg("Dropping undecodable message")
		return
	}

	switch m := msg.(type) {
	case *protocol.JobFulfillmentRequest:
		err = a.onRequest(ctx, m, env.ReplyTo)
	case *protocol.JobFulfillmentOfferAccept:
		err = a.onAccept(ctx, m, env.ReplyTo)
	case *protocol.JobFulfillmentOfferReject:
		a.onReject(m)
	case *protocol.JobStatusRequest:
		err = a.onStatusRequest(ctx, m)
	case *protocol.JobDataReady:
		err = a.onDataReady(ctx, m)
	default:
		getLog().Debug().Str("kind", string(env.Kind)).Msg("Ignoring message")
	}
	if err != nil {
		getLog().Error().Err(err).Str("kind", string(env.Kind)).Msg("Failed to handle message")
	}
}

func (a *Agent) onRequest(ctx context.Context, m *protocol.JobFulfillmentRequest, manager string) error {
	jt, ok := a.types[m.JobTypeName]
	if !ok || !jt.accepts(m.Parameters) {
		reason := fmt.Sprintf("cannot run job type %q with these parameters", m.JobTypeName)
		return a.transport.Publish(ctx, manager, a.topic, &protocol.JobFulfillmentDecline{RequestID: m.RequestID, Message: reason})
	}

	offer := &protocol.JobFulfillmentOffer{
		RequestID: m.RequestID,
		OfferID:   uuid.NewString(),
		Message:   "Offer from " + a.opts.ID,
	}
	if a.opts.OfferTTL > 0 {
		expires := time.Now().Add(a.opts.OfferTTL)
		offer.Expiration = &expires
	}

	a.mu.Lock()
	a.offers[offer.OfferID] = pendingOffer{requestID: m.RequestID, jobType: jt}
	a.mu.Unlock()

	getLog().Debug().Str("request_id", m.RequestID).Str("offer_id", offer.OfferID).Str("job_type", jt.Name).Msg("Offering")
	return a.transport.Publish(ctx, manager, a.topic, offer)
}

func (a *Agent) onAccept(ctx context.Context, m *protocol.JobFulfillmentOfferAccept, manager string) error {
	a.mu.Lock()
	offer, ok := a.offers[m.OfferID]
	delete(a.offers, m.OfferID)
	if !ok {
		a.mu.Unlock()
		return fmt.Errorf("accept for unknown offer %s", m.OfferID)
	}
	j := &job{
		id:      uuid.NewString(),
		jobType: offer.jobType,
		manager: manager,
		status:  protocol.JobStatusPending,
		inputs:  make(map[string]string),
	}
	a.jobs[j.id] = j
	a.mu.Unlock()

	getLog().Info().Str("job_id", j.id).Str("job_type", j.jobType.Name).Msg("Job queued")
	return a.transport.Publish(ctx, manager, a.topic, &protocol.JobQueued{JobID: j.id, OfferID: m.OfferID})
}

func (a *Agent) onReject(m *protocol.JobFulfillmentOfferReject) {
	a.mu.Lock()
	delete(a.offers, m.OfferID)
	a.mu.Unlock()
	getLog().Debug().Str("offer_id", m.OfferID).Str("message", m.Message).Msg("Offer rejected")
}

func (a *Agent) onStatusRequest(ctx context.Context, m *protocol.JobStatusRequest) error {
	a.mu.Lock()
	j, ok := a.jobs[m.JobID]
	if !ok {
		a.mu.Unlock()
		return fmt.Errorf("status request for unknown job %s", m.JobID)
	}
	j.asked = true
	status, manager := j.status, j.manager
	a.maybeStartLocked(j)
	a.mu.Unlock()

	return a.transport.Publish(ctx, manager, a.topic, &protocol.JobStatusUpdate{JobID: m.JobID, Status: status})
}

func (a *Agent) onDataReady(_ context.Context, m *protocol.JobDataReady) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	j, ok := a.jobs[m.JobID]
	if !ok {
		return fmt.Errorf("data for unknown job %s", m.JobID)
	}
	if j.started {
		getLog().Warn().Str("job_id", j.id).Msg("Data arrived after job started")
		return nil
	}
	for _, p := range m.Parameters {
		if !slices.Contains(j.jobType.Inputs, p.Key) {
			getLog().Warn().Str("job_id", j.id).Str("input", p.Key).Msg("Ignoring undeclared input")
			continue
		}
		j.inputs[p.Key] = p.Value
	}
	a.maybeStartLocked(j)
	return nil
}

// maybeStartLocked launches the job once it is tracked and fully supplied. Caller holds a.mu.
func (a *Agent) maybeStartLocked(j *job) {
	if j.started || !j.asked || len(j.inputs) < len(j.jobType.Inputs) {
		return
	}
	j.started = true
	inputs := make(map[string]string, len(j.inputs))
	for k, v := range j.inputs {
		inputs[k] = v
	}
	ctx := a.ctx

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.execute(ctx, j, inputs)
	}()
}

func (a *Agent) execute(ctx context.Context, j *job, inputs map[string]string) {
	jlog := getLog().With().Str("job_id", j.id).Str("job_type", j.jobType.Name).Logger()

	a.report(ctx, j, protocol.JobStatusQueued, "")
	a.report(ctx, j, protocol.JobStatusRunning, "")
	jlog.Info().Msg("Job running")

	outputs, err := j.jobType.Run(ctx, inputs)
	if err != nil {
		jlog.Warn().Err(err).Msg("Job failed")
		a.report(ctx, j, protocol.JobStatusFailed, err.Error())
		return
	}

	if len(outputs) > 0 {
		if err := a.transport.Publish(ctx, j.manager, a.topic, &protocol.JobDataReady{
			JobID:      j.id,
			Parameters: protocol.ParametersFromMap(outputs),
		}); err != nil {
			jlog.Error().Err(err).Msg("Failed to report outputs")
		}
	}
	a.report(ctx, j, protocol.JobStatusCompleted, "")
	jlog.Info().Int("outputs", len(outputs)).Msg("Job completed")
}

func (a *Agent) report(ctx context.Context, j *job, status protocol.JobStatus, info string) {
	a.mu.Lock()
	j.status = status
	a.mu.Unlock()
	if err := a.transport.Publish(ctx, j.manager, a.topic, &protocol.JobStatusUpdate{JobID: j.id, Status: status, Info: info}); err != nil {
		getLog().Error().Err(err).Str("job_id", j.id).Str("status", string(status)).Msg("Failed to report status")
	}
}

// Status returns the status of a job the agent holds
func (a *Agent) Status(jobID string) (protocol.JobStatus, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	j, ok := a.jobs[jobID]
	if !ok {
		return "", false
	}
	return j.status, true
}
