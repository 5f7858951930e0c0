// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package models

import (
	"github.com/noldarim/caroni/internal/fsm"
)

// WorkflowState is the lifecycle state of a Workflow
type WorkflowState string

const (
	WorkflowCreated      WorkflowState = "created"
	WorkflowInitializing WorkflowState = "initializing"
	WorkflowRunning      WorkflowState = "running"
	WorkflowStalled      WorkflowState = "stalled"
	WorkflowCompleted    WorkflowState = "completed"
	WorkflowFailed       WorkflowState = "failed"
)

// Terminal reports whether no event leaves the state
func (s WorkflowState) Terminal() bool {
	return s == WorkflowCompleted || s == WorkflowFailed
}

// Workflow events
const (
	WorkflowEventInitialize fsm.Event = "initialize"
	WorkflowEventRun        fsm.Event = "run"
	WorkflowEventStall      fsm.Event = "stall"
	WorkflowEventComplete   fsm.Event = "complete"
	WorkflowEventFail       fsm.Event = "fail"
)

var workflowMachine = fsm.New("workflow",
	[]WorkflowState{WorkflowCreated, WorkflowInitializing, WorkflowRunning, WorkflowStalled, WorkflowCompleted, WorkflowFailed},
	fsm.Transition[WorkflowState, *Workflow]{Event: WorkflowEventInitialize, From: []WorkflowState{WorkflowCreated}, To: WorkflowInitializing},
	fsm.Transition[WorkflowState, *Workflow]{Event: WorkflowEventRun, From: []WorkflowState{WorkflowInitializing, WorkflowStalled}, To: WorkflowRunning},
	fsm.Transition[WorkflowState, *Workflow]{Event: WorkflowEventStall, From: []WorkflowState{WorkflowRunning, WorkflowStalled}, To: WorkflowStalled},
	fsm.Transition[WorkflowState, *Workflow]{Event: WorkflowEventComplete, From: []WorkflowState{WorkflowRunning}, To: WorkflowCompleted},
	fsm.Transition[WorkflowState, *Workflow]{Event: WorkflowEventFail, From: []WorkflowState{WorkflowInitializing, WorkflowRunning, WorkflowStalled}, To: WorkflowFailed},
)

// WorkflowMachine exposes the workflow transition table
func WorkflowMachine() *fsm.Machine[WorkflowState, *Workflow] { return workflowMachine }

// Apply fires event and, on success, moves the workflow to the new state
func (w *Workflow) Apply(event fsm.Event) error {
	next, err := workflowMachine.Fire(w, w.State, event)
	if err != nil {
		return err
	}
	w.State = next
	return nil
}

func (w *Workflow) Initialize() error { return w.Apply(WorkflowEventInitialize) }
func (w *Workflow) Run() error        { return w.Apply(WorkflowEventRun) }
func (w *Workflow) Stall() error      { return w.Apply(WorkflowEventStall) }
func (w *Workflow) Complete() error   { return w.Apply(WorkflowEventComplete) }
func (w *Workflow) Fail() error       { return w.Apply(WorkflowEventFail) }

// ClearToSendDataflows reports whether every step has a job able to receive data.
// Workflow inputs are only released once this holds.
func ClearToSendDataflows(steps []WorkflowStep) bool {
	for _, s := range steps {
		switch s.State {
		case StepFulfilled, StepRunning, StepCompleted:
		default:
			return false
		}
	}
	return true
}

// AllStepsCompleted reports whether the step set is non-empty and fully completed
func AllStepsCompleted(steps []WorkflowStep) bool {
	if len(steps) == 0 {
		return false
	}
	for _, s := range steps {
		if s.State != StepCompleted {
			return false
		}
	}
	return true
}

// StepState is the lifecycle state of a WorkflowStep
type StepState string

const (
	StepCreated    StepState = "created"
	StepFulfilling StepState = "fulfilling"
	StepFulfilled  StepState = "fulfilled"
	StepRunning    StepState = "running"
	StepCompleted  StepState = "completed"
	StepFailed     StepState = "failed"
)

// Terminal reports whether no event leaves the state
func (s StepState) Terminal() bool {
	return s == StepCompleted || s == StepFailed
}

// Step events
const (
	StepEventFulfill       fsm.Event = "fulfill"
	StepEventMarkFulfilled fsm.Event = "mark_fulfilled"
	StepEventFulfillAgain  fsm.Event = "fulfill_again"
	StepEventRun           fsm.Event = "run"
	StepEventComplete      fsm.Event = "complete"
	StepEventFail          fsm.Event = "fail"
)

var stepMachine = fsm.New("workflow_step",
	[]StepState{StepCreated, StepFulfilling, StepFulfilled, StepRunning, StepCompleted, StepFailed},
	fsm.Transition[StepState, *WorkflowStep]{Event: StepEventFulfill, From: []StepState{StepCreated}, To: StepFulfilling},
	fsm.Transition[StepState, *WorkflowStep]{Event: StepEventMarkFulfilled, From: []StepState{StepFulfilling}, To: StepFulfilled},
	fsm.Transition[StepState, *WorkflowStep]{
		Event:  StepEventFulfillAgain,
		From:   []StepState{StepFulfilling, StepFulfilled, StepRunning},
		To:     StepFulfilling,
		Guard:  func(s *WorkflowStep) bool { return s.Attempts < s.MaxAttempts-1 },
		Effect: func(s *WorkflowStep) { s.Attempts++ },
	},
	fsm.Transition[StepState, *WorkflowStep]{Event: StepEventRun, From: []StepState{StepFulfilled}, To: StepRunning},
	fsm.Transition[StepState, *WorkflowStep]{Event: StepEventComplete, From: []StepState{StepRunning}, To: StepCompleted},
	fsm.Transition[StepState, *WorkflowStep]{Event: StepEventFail, From: []StepState{StepFulfilling, StepFulfilled, StepRunning}, To: StepFailed},
)

// StepMachine exposes the step transition table
func StepMachine() *fsm.Machine[StepState, *WorkflowStep] { return stepMachine }

// Apply fires event and, on success, moves the step to the new state
func (s *WorkflowStep) Apply(event fsm.Event) error {
	next, err := stepMachine.Fire(s, s.State, event)
	if err != nil {
		return err
	}
	s.State = next
	return nil
}

func (s *WorkflowStep) Fulfill() error       { return s.Apply(StepEventFulfill) }
func (s *WorkflowStep) MarkFulfilled() error { return s.Apply(StepEventMarkFulfilled) }
func (s *WorkflowStep) FulfillAgain() error  { return s.Apply(StepEventFulfillAgain) }
func (s *WorkflowStep) Run() error           { return s.Apply(StepEventRun) }
func (s *WorkflowStep) Complete() error      { return s.Apply(StepEventComplete) }
func (s *WorkflowStep) Fail() error          { return s.Apply(StepEventFail) }

// RequestState is the lifecycle state of a JobRequest
type RequestState string

const (
	RequestCreated    RequestState = "created"
	RequestFulfilling RequestState = "fulfilling"
	RequestUnanswered RequestState = "unanswered"
	RequestFulfilled  RequestState = "fulfilled"
	RequestExpired    RequestState = "expired"
)

// Open reports whether the request may still take offers or be superseded
func (s RequestState) Open() bool {
	return s == RequestCreated || s == RequestFulfilling
}

// Request events
const (
	RequestEventFulfill       fsm.Event = "fulfill"
	RequestEventGiveUp        fsm.Event = "give_up"
	RequestEventMarkFulfilled fsm.Event = "mark_fulfilled"
	RequestEventFulfillAgain  fsm.Event = "fulfill_again"
	RequestEventExpire        fsm.Event = "expire"
)

var requestMachine = fsm.New("job_request",
	[]RequestState{RequestCreated, RequestFulfilling, RequestUnanswered, RequestFulfilled, RequestExpired},
	fsm.Transition[RequestState, *JobRequest]{Event: RequestEventFulfill, From: []RequestState{RequestCreated}, To: RequestFulfilling},
	fsm.Transition[RequestState, *JobRequest]{Event: RequestEventGiveUp, From: []RequestState{RequestFulfilling}, To: RequestUnanswered},
	fsm.Transition[RequestState, *JobRequest]{Event: RequestEventMarkFulfilled, From: []RequestState{RequestFulfilling}, To: RequestFulfilled},
	fsm.Transition[RequestState, *JobRequest]{Event: RequestEventFulfillAgain, From: []RequestState{RequestFulfilled}, To: RequestFulfilling},
	fsm.Transition[RequestState, *JobRequest]{Event: RequestEventExpire, From: []RequestState{RequestFulfilling, RequestFulfilled}, To: RequestExpired},
)

// RequestMachine exposes the job request transition table
func RequestMachine() *fsm.Machine[RequestState, *JobRequest] { return requestMachine }

// Apply fires event and, on success, moves the request to the new state
func (r *JobRequest) Apply(event fsm.Event) error {
	next, err := requestMachine.Fire(r, r.State, event)
	if err != nil {
		return err
	}
	r.State = next
	return nil
}

func (r *JobRequest) Fulfill() error       { return r.Apply(RequestEventFulfill) }
func (r *JobRequest) GiveUp() error        { return r.Apply(RequestEventGiveUp) }
func (r *JobRequest) MarkFulfilled() error { return r.Apply(RequestEventMarkFulfilled) }
func (r *JobRequest) FulfillAgain() error  { return r.Apply(RequestEventFulfillAgain) }
func (r *JobRequest) Expire() error        { return r.Apply(RequestEventExpire) }

// OfferState is the lifecycle state of a JobOffer
type OfferState string

const (
	OfferReceived OfferState = "received"
	OfferAccepted OfferState = "accepted"
	OfferRejected OfferState = "rejected"
)

// Offer events
const (
	OfferEventAccept fsm.Event = "accept"
	OfferEventReject fsm.Event = "reject"
)

var offerMachine = fsm.New("job_offer",
	[]OfferState{OfferReceived, OfferAccepted, OfferRejected},
	fsm.Transition[OfferState, *JobOffer]{Event: OfferEventAccept, From: []OfferState{OfferReceived}, To: OfferAccepted},
	fsm.Transition[OfferState, *JobOffer]{Event: OfferEventReject, From: []OfferState{OfferReceived}, To: OfferRejected},
)

// OfferMachine exposes the job offer transition table
func OfferMachine() *fsm.Machine[OfferState, *JobOffer] { return offerMachine }

// Apply fires event and, on success, moves the offer to the new state
func (o *JobOffer) Apply(event fsm.Event) error {
	next, err := offerMachine.Fire(o, o.State, event)
	if err != nil {
		return err
	}
	o.State = next
	return nil
}

func (o *JobOffer) Accept() error { return o.Apply(OfferEventAccept) }
func (o *JobOffer) Reject() error { return o.Apply(OfferEventReject) }

// JobState is the manager-side view of a job on an agent
type JobState string

const (
	JobPending   JobState = "pending"
	JobQueued    JobState = "queued"
	JobRunning   JobState = "running"
	JobCompleted JobState = "completed"
	JobFailed    JobState = "failed"
)

// Job events
const (
	JobEventQueue    fsm.Event = "queue"
	JobEventRun      fsm.Event = "run"
	JobEventComplete fsm.Event = "complete"
	JobEventFail     fsm.Event = "fail"
)

var jobMachine = fsm.New("job",
	[]JobState{JobPending, JobQueued, JobRunning, JobCompleted, JobFailed},
	fsm.Transition[JobState, *Job]{Event: JobEventQueue, From: []JobState{JobPending}, To: JobQueued},
	fsm.Transition[JobState, *Job]{Event: JobEventRun, From: []JobState{JobQueued}, To: JobRunning},
	fsm.Transition[JobState, *Job]{Event: JobEventComplete, From: []JobState{JobRunning}, To: JobCompleted},
	fsm.Transition[JobState, *Job]{Event: JobEventFail, From: []JobState{JobPending, JobQueued, JobRunning}, To: JobFailed},
)

// JobMachine exposes the job transition table
func JobMachine() *fsm.Machine[JobState, *Job] { return jobMachine }

// Apply fires event and, on success, moves the job to the new state
func (j *Job) Apply(event fsm.Event) error {
	next, err := jobMachine.Fire(j, j.State, event)
	if err != nil {
		return err
	}
	j.State = next
	return nil
}

func (j *Job) Queue() error    { return j.Apply(JobEventQueue) }
func (j *Job) Run() error      { return j.Apply(JobEventRun) }
func (j *Job) Complete() error { return j.Apply(JobEventComplete) }
func (j *Job) Fail() error     { return j.Apply(JobEventFail) }

// DataflowState is the delivery state of a WorkflowDataflow edge
type DataflowState string

const (
	DataflowAwaiting  DataflowState = "awaiting"
	DataflowDelivered DataflowState = "delivered"
)

// DataflowEventDeliver stores a value on an edge. Redelivery is allowed.
const DataflowEventDeliver fsm.Event = "deliver"

var dataflowMachine = fsm.New("workflow_dataflow",
	[]DataflowState{DataflowAwaiting, DataflowDelivered},
	fsm.Transition[DataflowState, *WorkflowDataflow]{Event: DataflowEventDeliver, From: []DataflowState{DataflowAwaiting, DataflowDelivered}, To: DataflowDelivered},
)

// DataflowMachine exposes the dataflow transition table
func DataflowMachine() *fsm.Machine[DataflowState, *WorkflowDataflow] { return dataflowMachine }

// Deliver records value on the edge. A nil value keeps the stored one.
func (d *WorkflowDataflow) Deliver(value *string) error {
	next, err := dataflowMachine.Fire(d, d.State, DataflowEventDeliver)
	if err != nil {
		return err
	}
	if value != nil {
		v := *value
		d.Value = &v
	}
	d.State = next
	return nil
}
