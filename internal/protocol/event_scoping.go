// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package protocol

// Event kinds as they appear on the API's event stream
const (
	EventWorkflowStateChanged   = "workflow_state_changed"
	EventStepStateChanged       = "step_state_changed"
	EventWorkflowOutputsUpdated = "workflow_outputs_updated"
	EventError                  = "error"
)

// EventKind names an event for observers. Unknown events return "".
func EventKind(event Event) string {
	switch event.(type) {
	case WorkflowStateChangedEvent, *WorkflowStateChangedEvent:
		return EventWorkflowStateChanged
	case StepStateChangedEvent, *StepStateChangedEvent:
		return EventStepStateChanged
	case WorkflowOutputsUpdatedEvent, *WorkflowOutputsUpdatedEvent:
		return EventWorkflowOutputsUpdated
	case ErrorEvent, *ErrorEvent:
		return EventError
	}
	return ""
}

// Scope returns the workflow an event belongs to and, for step events, the step.
func Scope(event Event) (workflowID, stepID string) {
	workflowID = event.GetMetadata().WorkflowID
	switch e := event.(type) {
	case StepStateChangedEvent:
		stepID = e.StepID
	case *StepStateChangedEvent:
		stepID = e.StepID
	}
	return workflowID, stepID
}
