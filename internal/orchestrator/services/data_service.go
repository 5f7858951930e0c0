// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/noldarim/caroni/internal/compiler"
	"github.com/noldarim/caroni/internal/logger"
	"github.com/noldarim/caroni/internal/orchestrator/database"
	"github.com/noldarim/caroni/internal/orchestrator/models"

	"github.com/rs/zerolog"
)

// ErrTemplateExists is returned when a template name is already taken
var ErrTemplateExists = errors.New("workflow template already exists")

var (
	dataLog     *zerolog.Logger
	dataLogOnce sync.Once
)

func getDataLog() *zerolog.Logger {
	dataLogOnce.Do(func() {
		l := logger.GetDatabaseLogger().With().Str("component", "service").Logger()
		dataLog = &l
	})
	return dataLog
}

// DataService provisions templates and answers read queries about workflows
type DataService struct {
	db       *database.GormDB
	frontend compiler.Frontend
}

// NewDataService creates a new data service
func NewDataService(db *database.GormDB, frontend compiler.Frontend) *DataService {
	return &DataService{db: db, frontend: frontend}
}

// CreateTemplate stores a named workflow document. The document must compile; templates
// are immutable once stored.
func (ds *DataService) CreateTemplate(ctx context.Context, name, document string) (*models.WorkflowTemplate, error) {
	if strings.TrimSpace(name) == "" {
		return nil, fmt.Errorf("template name cannot be empty")
	}
	if _, err := ds.frontend.Compile(document); err != nil {
		return nil, fmt.Errorf("template %s does not compile: %w", name, err)
	}

	existing, err := ds.db.FindTemplateByName(ctx, name)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, fmt.Errorf("%w: %s", ErrTemplateExists, name)
	}

	tmpl := &models.WorkflowTemplate{Name: name, Document: document}
	if err := ds.db.CreateTemplate(ctx, tmpl); err != nil {
		return nil, err
	}

	getDataLog().Info().Str("template_id", tmpl.ID).Str("name", name).Msg("Template created")
	return tmpl, nil
}

// GetTemplate returns the template with the given name
func (ds *DataService) GetTemplate(ctx context.Context, name string) (*models.WorkflowTemplate, error) {
	tmpl, err := ds.db.FindTemplateByName(ctx, name)
	if err != nil {
		return nil, err
	}
	if tmpl == nil {
		return nil, fmt.Errorf("%w: %s", ErrTemplateNotFound, name)
	}
	return tmpl, nil
}

// ListTemplates returns all templates ordered by name
func (ds *DataService) ListTemplates(ctx context.Context) ([]*models.WorkflowTemplate, error) {
	return ds.db.ListTemplates(ctx)
}

// ListWorkflows returns workflows, optionally only those in state
func (ds *DataService) ListWorkflows(ctx context.Context, state models.WorkflowState) ([]*models.Workflow, error) {
	return ds.db.ListWorkflows(ctx, state)
}

// GetWorkflow returns a workflow with its steps and dataflows
func (ds *DataService) GetWorkflow(ctx context.Context, id string) (*models.Workflow, error) {
	return ds.db.GetWorkflowGraph(ctx, id)
}
