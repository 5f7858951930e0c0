// Copyright (C) 2025-2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package services

import (
	"context"

	"github.com/noldarim/caroni/internal/orchestrator/models"
	"github.com/noldarim/caroni/internal/protocol"
)

// WorkflowRunner defines the workflow mutations available to outer surfaces.
// Owned by the services package so both the API server and the CLI can be tested
// against a fake.
type WorkflowRunner interface {
	HandleWorkflowCreate(ctx context.Context, msg *protocol.WorkflowCreate) (*models.Workflow, error)
	FailWorkflow(ctx context.Context, workflowID string) (*models.Workflow, error)
}

var _ WorkflowRunner = (*Engine)(nil)
