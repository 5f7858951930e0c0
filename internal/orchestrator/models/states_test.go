// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package models

import (
	"errors"
	"testing"

	"github.com/noldarim/caroni/internal/fsm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

// drawEvents mixes table events with one the table never mentions
func drawEvents(t *rapid.T, events []fsm.Event) []fsm.Event {
	pool := append(append([]fsm.Event(nil), events...), "bogus")
	return rapid.SliceOfN(rapid.SampledFrom(pool), 0, 40).Draw(t, "events")
}

func TestWorkflowMachineClosure(t *testing.T) {
	states := WorkflowMachine().States()
	rapid.Check(t, func(t *rapid.T) {
		w := &Workflow{ID: "wf", State: rapid.SampledFrom(states).Draw(t, "start")}
		for _, ev := range drawEvents(t, WorkflowMachine().Events()) {
			before := *w
			if err := w.Apply(ev); err != nil {
				if !errors.Is(err, fsm.ErrInvalidTransition) {
					t.Fatalf("unexpected error kind: %v", err)
				}
				if w.State != before.State {
					t.Fatalf("rejected %s mutated state", ev)
				}
			}
			if !containsState(states, w.State) {
				t.Fatalf("state %s outside closed set", w.State)
			}
			if before.State.Terminal() && w.State != before.State {
				t.Fatalf("left terminal state %s via %s", before.State, ev)
			}
		}
	})
}

func TestStepMachineClosure(t *testing.T) {
	states := StepMachine().States()
	rapid.Check(t, func(t *rapid.T) {
		s := &WorkflowStep{
			ID:          "step",
			State:       rapid.SampledFrom(states).Draw(t, "start"),
			MaxAttempts: rapid.IntRange(1, 6).Draw(t, "max"),
		}
		for _, ev := range drawEvents(t, StepMachine().Events()) {
			before := *s
			if err := s.Apply(ev); err != nil {
				if s.State != before.State || s.Attempts != before.Attempts {
					t.Fatalf("rejected %s mutated step: %+v -> %+v", ev, before, *s)
				}
				continue
			}
			if !containsState(states, s.State) {
				t.Fatalf("state %s outside closed set", s.State)
			}
			if before.State.Terminal() {
				t.Fatalf("left terminal state %s via %s", before.State, ev)
			}
		}
	})
}

func TestRequestOfferJobDataflowClosure(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		r := &JobRequest{State: rapid.SampledFrom(RequestMachine().States()).Draw(t, "request")}
		for _, ev := range drawEvents(t, RequestMachine().Events()) {
			prev := r.State
			if err := r.Apply(ev); err != nil && r.State != prev {
				t.Fatalf("rejected request event mutated state")
			}
			if !containsState(RequestMachine().States(), r.State) {
				t.Fatalf("request state %s outside set", r.State)
			}
		}

		o := &JobOffer{State: rapid.SampledFrom(OfferMachine().States()).Draw(t, "offer")}
		for _, ev := range drawEvents(t, OfferMachine().Events()) {
			prev := o.State
			if err := o.Apply(ev); err != nil && o.State != prev {
				t.Fatalf("rejected offer event mutated state")
			}
			if prev != OfferReceived && o.State != prev {
				t.Fatalf("offer left decided state %s", prev)
			}
		}

		j := &Job{State: rapid.SampledFrom(JobMachine().States()).Draw(t, "job")}
		for _, ev := range drawEvents(t, JobMachine().Events()) {
			prev := j.State
			if err := j.Apply(ev); err != nil && j.State != prev {
				t.Fatalf("rejected job event mutated state")
			}
			if !containsState(JobMachine().States(), j.State) {
				t.Fatalf("job state %s outside set", j.State)
			}
		}
	})
}

func TestFulfillAgainBoundedByMaxAttempts(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		k := rapid.IntRange(1, 10).Draw(t, "max_attempts")
		s := &WorkflowStep{State: StepFulfilled, MaxAttempts: k}

		succeeded := 0
		for i := 0; i < k+3; i++ {
			err := s.FulfillAgain()
			if err != nil {
				if !errors.Is(err, fsm.ErrGuardNotSatisfied) {
					t.Fatalf("expected guard failure, got %v", err)
				}
				break
			}
			succeeded++
		}
		if succeeded != k-1 {
			t.Fatalf("fulfill_again succeeded %d times with max_attempts=%d", succeeded, k)
		}
		if s.Attempts != k-1 {
			t.Fatalf("attempts = %d, want %d", s.Attempts, k-1)
		}
	})
}

func TestWorkflowTransitions(t *testing.T) {
	w := &Workflow{State: WorkflowCreated}
	require.NoError(t, w.Initialize())
	require.NoError(t, w.Run())
	require.NoError(t, w.Stall())
	require.NoError(t, w.Stall())
	require.NoError(t, w.Run())
	require.NoError(t, w.Complete())
	assert.Equal(t, WorkflowCompleted, w.State)

	assert.ErrorIs(t, w.Fail(), fsm.ErrInvalidTransition)
	assert.Equal(t, WorkflowCompleted, w.State)

	created := &Workflow{State: WorkflowCreated}
	assert.ErrorIs(t, created.Run(), fsm.ErrInvalidTransition)
	assert.ErrorIs(t, created.Complete(), fsm.ErrInvalidTransition)
}

func TestStepLifecycle(t *testing.T) {
	s := &WorkflowStep{State: StepCreated, MaxAttempts: 5}
	require.NoError(t, s.Fulfill())
	require.NoError(t, s.MarkFulfilled())
	require.NoError(t, s.Run())
	require.NoError(t, s.FulfillAgain())
	assert.Equal(t, StepFulfilling, s.State)
	assert.Equal(t, 1, s.Attempts)
	require.NoError(t, s.MarkFulfilled())
	require.NoError(t, s.Run())
	require.NoError(t, s.Complete())
	assert.ErrorIs(t, s.Fail(), fsm.ErrInvalidTransition)
}

func TestDataflowDeliverIsIdempotent(t *testing.T) {
	d := &WorkflowDataflow{State: DataflowAwaiting}
	v := "hello"
	require.NoError(t, d.Deliver(&v))
	require.NoError(t, d.Deliver(&v))
	assert.Equal(t, DataflowDelivered, d.State)
	assert.Equal(t, "hello", *d.Value)

	// No value keeps what is stored
	require.NoError(t, d.Deliver(nil))
	assert.Equal(t, "hello", *d.Value)

	v2 := "again"
	require.NoError(t, d.Deliver(&v2))
	assert.Equal(t, "again", *d.Value)
}

func TestClearToSendAndCompletion(t *testing.T) {
	steps := []WorkflowStep{{State: StepFulfilled}, {State: StepRunning}, {State: StepCompleted}}
	assert.True(t, ClearToSendDataflows(steps))
	assert.False(t, AllStepsCompleted(steps))

	steps = append(steps, WorkflowStep{State: StepFulfilling})
	assert.False(t, ClearToSendDataflows(steps))

	assert.True(t, AllStepsCompleted([]WorkflowStep{{State: StepCompleted}}))
	assert.False(t, AllStepsCompleted(nil))
}

func containsState[S comparable](set []S, s S) bool {
	for _, x := range set {
		if x == s {
			return true
		}
	}
	return false
}
