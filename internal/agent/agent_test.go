// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package agent

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/noldarim/caroni/internal/protocol"
	"github.com/noldarim/caroni/internal/transport"
	"github.com/noldarim/caroni/test/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const managerTopic = "wf.manager.test"

var upper = JobType{
	Name:    "upper",
	Inputs:  []string{"text"},
	Outputs: []string{"out"},
	Run: func(_ context.Context, in map[string]string) (map[string]string, error) {
		return map[string]string{"out": strings.ToUpper(in["text"])}, nil
	},
}

var broken = JobType{
	Name: "broken",
	Run: func(context.Context, map[string]string) (map[string]string, error) {
		return nil, errors.New("boom")
	},
}

type harness struct {
	tr      *transport.MemoryTransport
	agent   *Agent
	manager *testutil.Inbox
	ctx     context.Context
}

// newHarness runs an agent on a memory transport and plays the manager by hand
func newHarness(t *testing.T, types ...JobType) *harness {
	t.Helper()
	tr := transport.NewMemoryTransport()
	a := New(tr, Options{Exchange: "wf", ID: "test", OfferTTL: time.Minute})
	for _, jt := range types {
		require.NoError(t, a.Register(jt))
	}

	ctx, cancel := context.WithCancel(context.Background())
	manager := &testutil.Inbox{}
	require.NoError(t, tr.Subscribe(ctx, managerTopic, manager.Handle))

	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
		tr.Close()
	})

	// Run subscribes asynchronously
	require.Eventually(t, func() bool { return tr.Subscribers(a.Topic()) > 0 }, time.Second, time.Millisecond)
	return &harness{tr: tr, agent: a, manager: manager, ctx: ctx}
}

func (h *harness) send(t *testing.T, topic string, msg protocol.Message) {
	t.Helper()
	require.NoError(t, h.tr.Publish(h.ctx, topic, managerTopic, msg))
}

func (h *harness) auction(t *testing.T, jobType string, params map[string]string) {
	t.Helper()
	h.send(t, "wf.agent.fulfillment", &protocol.JobFulfillmentRequest{
		RequestID:   "req-1",
		JobTypeName: jobType,
		Parameters:  protocol.ParametersFromMap(params),
	})
}

// win runs the auction through to a queued job and returns its id
func (h *harness) win(t *testing.T, jobType string, params map[string]string) string {
	t.Helper()
	h.auction(t, jobType, params)
	offer := h.manager.WaitFor(t, protocol.KindJobFulfillmentOffer, 1)[0]
	assert.Equal(t, h.agent.Topic(), offer.ReplyTo)
	offerID := offer.Msg.(*protocol.JobFulfillmentOffer).OfferID

	h.send(t, offer.ReplyTo, &protocol.JobFulfillmentOfferAccept{RequestID: "req-1", OfferID: offerID})
	queued := h.manager.WaitFor(t, protocol.KindJobQueued, 1)[0].Msg.(*protocol.JobQueued)
	assert.Equal(t, offerID, queued.OfferID)
	return queued.JobID
}

func statuses(in *testutil.Inbox) []protocol.JobStatus {
	var out []protocol.JobStatus
	for _, p := range in.OfKind(protocol.KindJobStatusUpdate) {
		out = append(out, p.Msg.(*protocol.JobStatusUpdate).Status)
	}
	return out
}

func TestAgent_RunsJobAfterStatusRequestAndInputs(t *testing.T) {
	h := newHarness(t, upper)
	jobID := h.win(t, "upper", map[string]string{"text": ""})

	h.send(t, h.agent.Topic(), &protocol.JobDataReady{JobID: jobID, Parameters: []protocol.Parameter{{Key: "text", Value: "hi"}}})
	time.Sleep(50 * time.Millisecond)
	status, ok := h.agent.Status(jobID)
	require.True(t, ok)
	assert.Equal(t, protocol.JobStatusPending, status, "job must wait for the manager to track it")

	h.send(t, h.agent.Topic(), &protocol.JobStatusRequest{JobID: jobID})

	data := h.manager.WaitFor(t, protocol.KindJobDataReady, 1)[0].Msg.(*protocol.JobDataReady)
	assert.Equal(t, jobID, data.JobID)
	assert.Equal(t, map[string]string{"out": "HI"}, protocol.ParametersToMap(data.Parameters))

	h.manager.WaitFor(t, protocol.KindJobStatusUpdate, 4)
	assert.ElementsMatch(t, []protocol.JobStatus{
		protocol.JobStatusPending,
		protocol.JobStatusQueued,
		protocol.JobStatusRunning,
		protocol.JobStatusCompleted,
	}, statuses(h.manager))

	status, _ = h.agent.Status(jobID)
	assert.Equal(t, protocol.JobStatusCompleted, status)
}

func TestAgent_WaitsForEveryInput(t *testing.T) {
	two := JobType{
		Name:   "concat",
		Inputs: []string{"a", "b"},
		Run: func(_ context.Context, in map[string]string) (map[string]string, error) {
			return map[string]string{"out": in["a"] + in["b"]}, nil
		},
	}
	h := newHarness(t, two)
	jobID := h.win(t, "concat", map[string]string{"a": "", "b": ""})

	h.send(t, h.agent.Topic(), &protocol.JobStatusRequest{JobID: jobID})
	h.send(t, h.agent.Topic(), &protocol.JobDataReady{JobID: jobID, Parameters: []protocol.Parameter{{Key: "a", Value: "x"}}})
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, h.manager.OfKind(protocol.KindJobDataReady))

	h.send(t, h.agent.Topic(), &protocol.JobDataReady{JobID: jobID, Parameters: []protocol.Parameter{{Key: "b", Value: "y"}}})
	data := h.manager.WaitFor(t, protocol.KindJobDataReady, 1)[0].Msg.(*protocol.JobDataReady)
	assert.Equal(t, map[string]string{"out": "xy"}, protocol.ParametersToMap(data.Parameters))
}

func TestAgent_ReportsFailure(t *testing.T) {
	h := newHarness(t, broken)
	jobID := h.win(t, "broken", nil)
	h.send(t, h.agent.Topic(), &protocol.JobStatusRequest{JobID: jobID})

	require.Eventually(t, func() bool {
		for _, p := range h.manager.OfKind(protocol.KindJobStatusUpdate) {
			if u := p.Msg.(*protocol.JobStatusUpdate); u.Status == protocol.JobStatusFailed {
				return u.Info == "boom"
			}
		}
		return false
	}, 5*time.Second, 5*time.Millisecond)
	assert.Empty(t, h.manager.OfKind(protocol.KindJobDataReady))
}

func TestAgent_Declines(t *testing.T) {
	tests := []struct {
		name    string
		jobType string
		params  map[string]string
	}{
		{"unknown job type", "nope", map[string]string{"text": ""}},
		{"missing input", "upper", nil},
		{"extra input", "upper", map[string]string{"text": "", "other": ""}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, upper)
			h.auction(t, tt.jobType, tt.params)
			decline := h.manager.WaitFor(t, protocol.KindJobFulfillmentDecline, 1)[0].Msg.(*protocol.JobFulfillmentDecline)
			assert.Equal(t, "req-1", decline.RequestID)
			assert.Empty(t, h.manager.OfKind(protocol.KindJobFulfillmentOffer))
		})
	}
}

func TestAgent_RejectedOfferIsForgotten(t *testing.T) {
	h := newHarness(t, upper)
	h.auction(t, "upper", map[string]string{"text": ""})
	offer := h.manager.WaitFor(t, protocol.KindJobFulfillmentOffer, 1)[0].Msg.(*protocol.JobFulfillmentOffer)
	require.NotNil(t, offer.Expiration)

	h.send(t, h.agent.Topic(), &protocol.JobFulfillmentOfferReject{RequestID: "req-1", OfferID: offer.OfferID})
	h.send(t, h.agent.Topic(), &protocol.JobFulfillmentOfferAccept{RequestID: "req-1", OfferID: offer.OfferID})
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, h.manager.OfKind(protocol.KindJobQueued))
}

func TestAgent_Register(t *testing.T) {
	a := New(transport.NewMemoryTransport(), Options{Exchange: "wf"})
	require.NoError(t, a.Register(upper))
	assert.ErrorIs(t, a.Register(upper), ErrDuplicateJobType)
	assert.Error(t, a.Register(JobType{Name: "norun"}))
	assert.True(t, strings.HasPrefix(a.Topic(), "wf.agent."))
}
