// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"context"

	"github.com/noldarim/caroni/internal/orchestrator/models"
	"github.com/noldarim/caroni/internal/protocol"
	"github.com/stretchr/testify/mock"
)

// MockWorkflowRunner is a mock implementation of services.WorkflowRunner
type MockWorkflowRunner struct {
	mock.Mock
}

func (m *MockWorkflowRunner) HandleWorkflowCreate(ctx context.Context, msg *protocol.WorkflowCreate) (*models.Workflow, error) {
	args := m.Called(ctx, msg)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Workflow), args.Error(1)
}

func (m *MockWorkflowRunner) FailWorkflow(ctx context.Context, workflowID string) (*models.Workflow, error) {
	args := m.Called(ctx, workflowID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Workflow), args.Error(1)
}
