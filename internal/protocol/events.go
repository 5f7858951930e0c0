// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

// Here lies the definition of the data the manager publishes to observers (API
// websocket clients, tests). Events describe what already happened; they are never
// used to drive state.
package protocol

import (
	"github.com/noldarim/caroni/internal/orchestrator/models"
)

// GetIdempotencyKey extracts the idempotency key from any event
func GetIdempotencyKey(event Event) string {
	return event.GetMetadata().IdempotencyKey
}

// WorkflowStateChangedEvent is sent after a workflow transition is persisted
type WorkflowStateChangedEvent struct {
	Metadata
	Name  string               `json:"name"`
	From  models.WorkflowState `json:"from"`
	State models.WorkflowState `json:"state"`
}

func (e WorkflowStateChangedEvent) GetMetadata() Metadata {
	return e.Metadata
}

// StepStateChangedEvent is sent after a step transition is persisted
type StepStateChangedEvent struct {
	Metadata
	StepID   string           `json:"step_id"`
	StepName string           `json:"step_name"`
	From     models.StepState `json:"from"`
	State    models.StepState `json:"state"`
	Attempts int              `json:"attempts"`
	JobID    string           `json:"job_id,omitempty"`
}

func (e StepStateChangedEvent) GetMetadata() Metadata {
	return e.Metadata
}

// WorkflowOutputsUpdatedEvent is sent when a value reaches a workflow output
type WorkflowOutputsUpdatedEvent struct {
	Metadata
	Outputs map[string]string `json:"outputs"`
}

func (e WorkflowOutputsUpdatedEvent) GetMetadata() Metadata {
	return e.Metadata
}

// ErrorEvent is sent when the manager dropped a message or rejected a transition
type ErrorEvent struct {
	Metadata
	Message string `json:"message"`
	Context string `json:"context,omitempty"`
}

func (e ErrorEvent) GetMetadata() Metadata {
	return e.Metadata
}
