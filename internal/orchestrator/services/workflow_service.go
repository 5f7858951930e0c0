// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package services

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/noldarim/caroni/internal/orchestrator/database"
	"github.com/noldarim/caroni/internal/orchestrator/models"
	"github.com/noldarim/caroni/internal/protocol"
)

// HandleWorkflowCreate instantiates a template, builds its graph and opens one auction
// per step. A build failure persists nothing.
func (e *Engine) HandleWorkflowCreate(ctx context.Context, msg *protocol.WorkflowCreate) (*models.Workflow, error) {
	tmpl, err := e.db.FindTemplateByName(ctx, msg.TemplateName)
	if err != nil {
		return nil, fmt.Errorf("failed to look up template %s: %w", msg.TemplateName, err)
	}
	if tmpl == nil {
		return nil, fmt.Errorf("%w: %s", ErrTemplateNotFound, msg.TemplateName)
	}

	wf := &models.Workflow{
		ID:         uuid.NewString(),
		TemplateID: tmpl.ID,
		Name:       msg.WorkflowName,
		Document:   tmpl.Document,
		Inputs:     models.StringMap(protocol.ParametersToMap(msg.Inputs)),
	}
	if wf.Name == "" {
		wf.Name = tmpl.Name
	}

	err = e.withWorkflow(ctx, wf.ID, func(tx *database.GormDB, out *outbox) error {
		if err := tx.CreateWorkflow(ctx, wf); err != nil {
			return fmt.Errorf("failed to create workflow: %w", err)
		}

		graph, err := e.builder.Build(ctx, tx, wf)
		if err != nil {
			return fmt.Errorf("failed to build workflow %s: %w", wf.Name, err)
		}
		for _, edge := range graph.Dataflows {
			if !edge.FromWorkflowInput() {
				continue
			}
			if _, ok := wf.Inputs[edge.SrcOutputName]; !ok {
				return fmt.Errorf("%w: %s", ErrMissingWorkflowInput, edge.SrcOutputName)
			}
		}
		for _, skipped := range graph.Skipped {
			out.reportError(wf.ID, "Part of the workflow could not be compiled", skipped)
		}

		if err := e.transitionWorkflow(ctx, tx, out, wf, models.WorkflowEventInitialize); err != nil {
			return err
		}
		if len(graph.Steps) == 0 {
			getLog().Warn().Str("workflow_id", wf.ID).Msg("Workflow has no executable steps")
			out.reportError(wf.ID, "Workflow has no executable steps", nil)
			return e.transitionWorkflow(ctx, tx, out, wf, models.WorkflowEventFail)
		}

		for _, step := range graph.Steps {
			if err := e.startFulfillment(ctx, tx, out, step); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		getLog().Error().Err(err).Str("template", msg.TemplateName).Str("workflow", wf.Name).Msg("Workflow creation failed")
		return nil, err
	}

	e.metrics.WorkflowCreated()
	getLog().Info().
		Str("workflow_id", wf.ID).
		Str("template", tmpl.Name).
		Str("state", string(wf.State)).
		Msg("Workflow created")
	return wf, nil
}

// checkComplete completes a running workflow once every step has completed
func (e *Engine) checkComplete(ctx context.Context, tx *database.GormDB, out *outbox, wf *models.Workflow) error {
	if wf.State != models.WorkflowRunning {
		return nil
	}
	steps, err := tx.GetStepsByWorkflow(ctx, wf.ID)
	if err != nil {
		return err
	}
	if !models.AllStepsCompleted(steps) {
		return nil
	}
	return e.transitionWorkflow(ctx, tx, out, wf, models.WorkflowEventComplete)
}

// FailWorkflow fails a workflow on operator request, together with its active steps
// and open auctions
func (e *Engine) FailWorkflow(ctx context.Context, workflowID string) (*models.Workflow, error) {
	var wf *models.Workflow
	err := e.withWorkflow(ctx, workflowID, func(tx *database.GormDB, out *outbox) error {
		var err error
		wf, err = tx.GetWorkflow(ctx, workflowID)
		if err != nil {
			return err
		}
		if err := e.transitionWorkflow(ctx, tx, out, wf, models.WorkflowEventFail); err != nil {
			return err
		}

		steps, err := tx.GetStepsByWorkflow(ctx, workflowID)
		if err != nil {
			return err
		}
		for i := range steps {
			step := &steps[i]
			if !models.StepMachine().Can(step.State, models.StepEventFail) {
				continue
			}
			if err := e.closeRequests(ctx, tx, out, step); err != nil {
				return err
			}
			if err := e.transitionStep(ctx, tx, out, step, models.StepEventFail); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return wf, nil
}
