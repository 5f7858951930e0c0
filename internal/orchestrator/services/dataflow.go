// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package services

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/noldarim/caroni/internal/fsm"
	"github.com/noldarim/caroni/internal/logger"
	"github.com/noldarim/caroni/internal/orchestrator/database"
	"github.com/noldarim/caroni/internal/orchestrator/models"
	"github.com/noldarim/caroni/internal/protocol"
	"github.com/rs/zerolog"
)

var (
	dataflowLog     *zerolog.Logger
	dataflowLogOnce sync.Once
)

func getDataflowLog() *zerolog.Logger {
	dataflowLogOnce.Do(func() {
		l := logger.GetDataflowLogger()
		dataflowLog = &l
	})
	return dataflowLog
}

// jobLadder is the order a healthy job walks through
var jobLadder = map[models.JobState]struct {
	rank int
	next fsm.Event
}{
	models.JobPending:   {0, models.JobEventQueue},
	models.JobQueued:    {1, models.JobEventRun},
	models.JobRunning:   {2, models.JobEventComplete},
	models.JobCompleted: {3, ""},
}

var statusTargets = map[protocol.JobStatus]models.JobState{
	protocol.JobStatusPending:   models.JobPending,
	protocol.JobStatusQueued:    models.JobQueued,
	protocol.JobStatusRunning:   models.JobRunning,
	protocol.JobStatusCompleted: models.JobCompleted,
	protocol.JobStatusFailed:    models.JobFailed,
}

// advanceJob moves the job proxy to target, firing every intermediate event so a
// skipped status still leaves a valid history. Moving backwards is an invalid transition.
func (e *Engine) advanceJob(ctx context.Context, tx *database.GormDB, out *outbox, job *models.Job, target models.JobState) error {
	if target == models.JobFailed {
		return e.transitionJob(ctx, tx, out, job, models.JobEventFail)
	}
	want, ok := jobLadder[target]
	if !ok {
		return fmt.Errorf("unknown job state %s", target)
	}
	for job.State != target {
		cur, ok := jobLadder[job.State]
		if !ok || cur.rank > want.rank {
			return &fsm.TransitionError[models.JobState]{Machine: "job", From: job.State, Event: fsm.Event(target), Err: fsm.ErrInvalidTransition}
		}
		if err := e.transitionJob(ctx, tx, out, job, cur.next); err != nil {
			return err
		}
	}
	return nil
}

// HandleStatusUpdate mirrors an agent's job status onto the job proxy and, for the
// step's current job, onto the step and workflow
func (e *Engine) HandleStatusUpdate(ctx context.Context, msg *protocol.JobStatusUpdate) error {
	target, ok := statusTargets[msg.Status]
	if !ok {
		return fmt.Errorf("job %s reported unknown status %q", msg.JobID, msg.Status)
	}
	if target == models.JobPending {
		return nil
	}

	job, err := e.db.GetJob(ctx, msg.JobID)
	if err != nil {
		return err
	}
	step, err := e.db.GetStep(ctx, job.StepID)
	if err != nil {
		return err
	}

	return e.withWorkflow(ctx, step.WorkflowID, func(tx *database.GormDB, out *outbox) error {
		job, err := tx.GetJob(ctx, msg.JobID)
		if err != nil {
			return err
		}
		if job.State == target {
			if msg.Info == "" || msg.Info == job.Info {
				return nil
			}
			job.Info = msg.Info
			return tx.SaveJobTransition(ctx, job, job.State)
		}
		if msg.Info != "" {
			job.Info = msg.Info
		}
		if err := e.advanceJob(ctx, tx, out, job, target); err != nil {
			return err
		}

		step, err := tx.GetStep(ctx, job.StepID)
		if err != nil {
			return err
		}
		if step.JobID() != job.ID {
			getDataflowLog().Info().
				Str("job_id", job.ID).
				Str("step", step.StepName).
				Str("current_job_id", step.JobID()).
				Msg("Status from superseded job; step untouched")
			return nil
		}
		if step.State.Terminal() {
			getDataflowLog().Info().
				Str("job_id", job.ID).
				Str("step", step.StepName).
				Str("state", string(step.State)).
				Msg("Step already finished; status recorded on job only")
			return nil
		}
		wf, err := tx.GetWorkflow(ctx, step.WorkflowID)
		if err != nil {
			return err
		}

		switch target {
		case models.JobRunning:
			return e.runStep(ctx, tx, out, wf, step)
		case models.JobCompleted:
			if err := e.runStep(ctx, tx, out, wf, step); err != nil {
				return err
			}
			if err := e.transitionStep(ctx, tx, out, step, models.StepEventComplete); err != nil {
				return err
			}
			return e.checkComplete(ctx, tx, out, wf)
		case models.JobFailed:
			out.reportError(wf.ID, fmt.Sprintf("Job for step %s failed", step.StepName), errors.New(job.Info))
			return e.applyJobFailure(ctx, tx, out, wf, step)
		}
		return nil
	})
}

// runStep moves a fulfilled step to running and starts its workflow
func (e *Engine) runStep(ctx context.Context, tx *database.GormDB, out *outbox, wf *models.Workflow, step *models.WorkflowStep) error {
	if step.State == models.StepFulfilled {
		if err := e.transitionStep(ctx, tx, out, step, models.StepEventRun); err != nil {
			return err
		}
	}
	if wf.State == models.WorkflowInitializing || wf.State == models.WorkflowStalled {
		return e.transitionWorkflow(ctx, tx, out, wf, models.WorkflowEventRun)
	}
	return nil
}

// HandleDataReady fans a job's outputs out along the producing step's edges
func (e *Engine) HandleDataReady(ctx context.Context, msg *protocol.JobDataReady) error {
	job, err := e.db.GetJob(ctx, msg.JobID)
	if err != nil {
		return err
	}
	step, err := e.db.GetStep(ctx, job.StepID)
	if err != nil {
		return err
	}

	return e.withWorkflow(ctx, step.WorkflowID, func(tx *database.GormDB, out *outbox) error {
		step, err := tx.GetStep(ctx, job.StepID)
		if err != nil {
			return err
		}
		if step.JobID() != job.ID {
			getDataflowLog().Info().
				Str("job_id", job.ID).
				Str("step", step.StepName).
				Msg("Dropping data from superseded job")
			return nil
		}
		wf, err := tx.GetWorkflow(ctx, step.WorkflowID)
		if err != nil {
			return err
		}

		outputsChanged := false
		for _, p := range msg.Parameters {
			edges, err := tx.GetOutgoingDataflows(ctx, step.ID, p.Key)
			if err != nil {
				return err
			}
			if len(edges) == 0 {
				getDataflowLog().Debug().Str("step", step.StepName).Str("output", p.Key).Msg("Output has no consumers")
				continue
			}
			for _, edge := range edges {
				value := p.Value
				if err := edge.Deliver(&value); err != nil {
					return err
				}

				if edge.ToWorkflowOutput() {
					if wf.Outputs == nil {
						wf.Outputs = models.StringMap{}
					}
					wf.Outputs[edge.DstInputName] = value
					outputsChanged = true
					out.deliveries = append(out.deliveries, "boundary")
				} else if err := e.pushEdge(ctx, tx, out, edge, value); err != nil {
					return err
				}

				if err := tx.SaveDataflow(ctx, edge); err != nil {
					return err
				}
			}
		}

		if outputsChanged {
			if err := tx.UpdateWorkflowOutputs(ctx, wf); err != nil {
				return err
			}
			out.emit(protocol.WorkflowOutputsUpdatedEvent{
				Metadata: protocol.NewMetadata(wf.ID),
				Outputs:  wf.Outputs.Clone(),
			})
		}
		return nil
	})
}

// pushEdge sends the edge's value to its destination's current job, or leaves it
// buffered when the destination has none yet. The caller saves the edge.
func (e *Engine) pushEdge(ctx context.Context, tx *database.GormDB, out *outbox, edge *models.WorkflowDataflow, value string) error {
	dst, err := tx.GetStep(ctx, *edge.DstStepID)
	if err != nil {
		return err
	}
	if !canReceive(dst) {
		edge.DeliveredJobID = ""
		out.deliveries = append(out.deliveries, "buffered")
		return nil
	}
	job, err := tx.GetJob(ctx, dst.JobID())
	if err != nil {
		return err
	}
	out.send(job.ReplyTo, &protocol.JobDataReady{
		JobID:      job.ID,
		Parameters: []protocol.Parameter{{Key: edge.DstInputName, Value: value}},
	})
	edge.DeliveredJobID = job.ID
	out.deliveries = append(out.deliveries, "pushed")

	getDataflowLog().Debug().
		Str("workflow_id", edge.WorkflowID).
		Str("to_step", dst.StepName).
		Str("input", edge.DstInputName).
		Str("job_id", job.ID).
		Msg("Pushed value")
	return nil
}

func canReceive(step *models.WorkflowStep) bool {
	return (step.State == models.StepFulfilled || step.State == models.StepRunning) && step.HasJob()
}

// flushDataflows releases values whose destination job has not seen them yet.
// Workflow inputs wait until every step of the workflow can receive.
func (e *Engine) flushDataflows(ctx context.Context, tx *database.GormDB, out *outbox, workflowID string) error {
	wf, err := tx.GetWorkflow(ctx, workflowID)
	if err != nil {
		return err
	}
	steps, err := tx.GetStepsByWorkflow(ctx, workflowID)
	if err != nil {
		return err
	}
	ready := models.ClearToSendDataflows(steps)
	byID := make(map[string]*models.WorkflowStep, len(steps))
	for i := range steps {
		byID[steps[i].ID] = &steps[i]
	}

	edges, err := tx.GetDataflowsByWorkflow(ctx, workflowID)
	if err != nil {
		return err
	}
	for _, edge := range edges {
		if edge.ToWorkflowOutput() {
			continue
		}
		dst, ok := byID[*edge.DstStepID]
		if !ok || !canReceive(dst) || edge.DeliveredJobID == dst.JobID() {
			continue
		}

		var value string
		if edge.FromWorkflowInput() {
			if !ready {
				continue
			}
			value = wf.Inputs[edge.SrcOutputName]
			if err := edge.Deliver(&value); err != nil {
				return err
			}
		} else {
			if edge.State != models.DataflowDelivered || edge.Value == nil {
				continue
			}
			if err := edge.Deliver(nil); err != nil {
				return err
			}
			value = *edge.Value
		}

		if err := e.pushEdge(ctx, tx, out, edge, value); err != nil {
			return err
		}
		if err := tx.SaveDataflow(ctx, edge); err != nil {
			return err
		}
	}
	return nil
}
