// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package database

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/noldarim/caroni/internal/config"
	"github.com/noldarim/caroni/internal/orchestrator/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	TestTemplateName = "echo-template"
	TestDocument     = "class: Workflow"
)

// createAndMigrateDB creates a file-backed database and runs migrations
func createAndMigrateDB(t *testing.T) *GormDB {
	cfg := &config.DatabaseConfig{
		Driver:   "sqlite",
		Database: filepath.Join(t.TempDir(), "caroni.db"),
	}
	db, err := NewGormDB(cfg)
	require.NoError(t, err, "Failed to connect to test database")
	t.Cleanup(func() { db.Close() })

	require.NoError(t, db.AutoMigrate(), "Failed to run migrations")
	return db
}

// seedWorkflow creates a template, a workflow and one step
func seedWorkflow(t *testing.T, db *GormDB, ctx context.Context) (*models.Workflow, *models.WorkflowStep) {
	tmpl := &models.WorkflowTemplate{Name: fmt.Sprintf("%s-%s", TestTemplateName, t.Name()), Document: TestDocument}
	require.NoError(t, db.CreateTemplate(ctx, tmpl))

	wf := &models.Workflow{TemplateID: tmpl.ID, Name: "wf", Inputs: models.StringMap{"msg": "hi"}}
	require.NoError(t, db.CreateWorkflow(ctx, wf))

	step := &models.WorkflowStep{WorkflowID: wf.ID, StepName: "echo", JobTypeName: "echo", MaxAttempts: 5}
	require.NoError(t, db.CreateStep(ctx, step))
	return wf, step
}

func TestMigrateAndValidateSchema(t *testing.T) {
	db := createAndMigrateDB(t)
	assert.NoError(t, db.ValidateSchema())
}

func TestValidateSchemaReportsMissingTables(t *testing.T) {
	db, err := NewGormDB(InMemoryConfig())
	require.NoError(t, err)
	defer db.Close()

	err = db.ValidateSchema()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing tables")
}

func TestEnsureSite(t *testing.T) {
	fixture := UseFreshInMemoryDatabase(t)
	ctx := context.Background()

	site, err := fixture.DB.EnsureSite(ctx, "lab")
	require.NoError(t, err)
	require.NotEmpty(t, site.ID)

	again, err := fixture.DB.EnsureSite(ctx, "ignored")
	require.NoError(t, err)
	assert.Equal(t, site.ID, again.ID)
	assert.Equal(t, "lab", again.Name)

	require.NoError(t, fixture.DB.db.Create(&models.WorkflowSite{Name: "second"}).Error)
	_, err = fixture.DB.EnsureSite(ctx, "lab")
	assert.ErrorIs(t, err, ErrDuplicateSite)
}

func TestTemplateNamesAreUnique(t *testing.T) {
	fixture := UseFreshInMemoryDatabase(t)
	ctx := context.Background()

	require.NoError(t, fixture.DB.CreateTemplate(ctx, &models.WorkflowTemplate{Name: TestTemplateName, Document: TestDocument}))
	assert.Error(t, fixture.DB.CreateTemplate(ctx, &models.WorkflowTemplate{Name: TestTemplateName, Document: "other"}))

	found, err := fixture.DB.FindTemplateByName(ctx, TestTemplateName)
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, TestDocument, found.Document)

	missing, err := fixture.DB.FindTemplateByName(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestWorkflowGraph(t *testing.T) {
	fixture := UseFreshInMemoryDatabase(t)
	ctx := context.Background()
	wf, step := seedWorkflow(t, fixture.DB, ctx)

	require.NoError(t, fixture.DB.CreateDataflow(ctx, &models.WorkflowDataflow{
		WorkflowID: wf.ID, DstStepID: &step.ID, SrcOutputName: "msg", DstInputName: "in",
	}))
	require.NoError(t, fixture.DB.CreateDataflow(ctx, &models.WorkflowDataflow{
		WorkflowID: wf.ID, SrcStepID: &step.ID, SrcOutputName: "out", DstInputName: "result",
	}))

	graph, err := fixture.DB.GetWorkflowGraph(ctx, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, models.WorkflowCreated, graph.State)
	assert.Equal(t, "hi", graph.Inputs["msg"])
	assert.Len(t, graph.Steps, 1)
	assert.Len(t, graph.Dataflows, 2)

	out, err := fixture.DB.GetOutgoingDataflows(ctx, step.ID, "out")
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.True(t, out[0].ToWorkflowOutput())

	_, err = fixture.DB.GetWorkflow(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDataflowHookRejectsInvalidEdges(t *testing.T) {
	fixture := UseFreshInMemoryDatabase(t)
	ctx := context.Background()
	wf, step := seedWorkflow(t, fixture.DB, ctx)

	err := fixture.DB.CreateDataflow(ctx, &models.WorkflowDataflow{
		WorkflowID: wf.ID, SrcStepID: &step.ID, DstStepID: &step.ID, SrcOutputName: "a", DstInputName: "b",
	})
	assert.ErrorIs(t, err, models.ErrDataflowSelfLoop)

	err = fixture.DB.CreateDataflow(ctx, &models.WorkflowDataflow{WorkflowID: wf.ID, SrcOutputName: "a", DstInputName: "b"})
	assert.ErrorIs(t, err, models.ErrDataflowUnbound)
}

func TestStepTransitionCompareAndSwap(t *testing.T) {
	fixture := UseFreshInMemoryDatabase(t)
	ctx := context.Background()
	_, step := seedWorkflow(t, fixture.DB, ctx)

	from := step.State
	require.NoError(t, step.Fulfill())
	require.NoError(t, fixture.DB.SaveStepTransition(ctx, step, from))

	stored, err := fixture.DB.GetStep(ctx, step.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StepFulfilling, stored.State)

	// A writer still holding the old state loses
	stale := *stored
	stale.State = models.StepCreated
	require.NoError(t, stale.Fulfill())
	err = fixture.DB.SaveStepTransition(ctx, &stale, models.StepCreated)
	assert.ErrorIs(t, err, ErrStaleState)
}

func TestConcurrentRequestClaimHasOneWinner(t *testing.T) {
	db := createAndMigrateDB(t)
	ctx := context.Background()
	_, step := seedWorkflow(t, db, ctx)

	req := &models.JobRequest{StepID: step.ID, State: models.RequestFulfilling}
	require.NoError(t, db.CreateRequest(ctx, req))

	const contenders = 16
	var wg sync.WaitGroup
	var mu sync.Mutex
	winners := 0
	for i := 0; i < contenders; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			claim := &models.JobRequest{ID: req.ID, State: models.RequestFulfilling}
			assert.NoError(t, claim.MarkFulfilled())
			err := db.SaveRequestTransition(ctx, claim, models.RequestFulfilling)
			if err == nil {
				mu.Lock()
				winners++
				mu.Unlock()
				return
			}
			assert.True(t, errors.Is(err, ErrStaleState), "unexpected error: %v", err)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, winners)
}

func TestOfferAndJobIdsAreAgentAssigned(t *testing.T) {
	fixture := UseFreshInMemoryDatabase(t)
	ctx := context.Background()
	_, step := seedWorkflow(t, fixture.DB, ctx)

	req := &models.JobRequest{StepID: step.ID}
	require.NoError(t, fixture.DB.CreateRequest(ctx, req))

	offer := &models.JobOffer{ID: "offer-1", RequestID: req.ID, ReplyTo: "wf.agent.a"}
	require.NoError(t, fixture.DB.CreateOffer(ctx, offer))
	assert.Equal(t, models.OfferReceived, offer.State)
	assert.ErrorIs(t, fixture.DB.CreateOffer(ctx, &models.JobOffer{ID: "offer-1", RequestID: req.ID, ReplyTo: "x"}), ErrAlreadyExists)

	job := &models.Job{ID: "job-1", OfferID: offer.ID, StepID: step.ID, ReplyTo: "wf.agent.a"}
	require.NoError(t, fixture.DB.CreateJob(ctx, job))
	assert.Equal(t, models.JobPending, job.State)
	assert.ErrorIs(t, fixture.DB.CreateJob(ctx, &models.Job{ID: "job-1", OfferID: offer.ID, StepID: step.ID, ReplyTo: "x"}), ErrAlreadyExists)

	offers, err := fixture.DB.GetOffersByRequest(ctx, req.ID)
	require.NoError(t, err)
	assert.Len(t, offers, 1)
}

func TestTransactionRollsBack(t *testing.T) {
	fixture := UseFreshInMemoryDatabase(t)
	ctx := context.Background()
	wf, _ := seedWorkflow(t, fixture.DB, ctx)

	boom := errors.New("boom")
	err := fixture.DB.Transaction(ctx, func(tx *GormDB) error {
		require.NoError(t, tx.CreateStep(ctx, &models.WorkflowStep{WorkflowID: wf.ID, StepName: "second", JobTypeName: "x", MaxAttempts: 1}))
		return boom
	})
	assert.ErrorIs(t, err, boom)

	steps, err := fixture.DB.GetStepsByWorkflow(ctx, wf.ID)
	require.NoError(t, err)
	assert.Len(t, steps, 1)
}

func TestWorkflowOutputsAndListing(t *testing.T) {
	fixture := UseFreshInMemoryDatabase(t)
	ctx := context.Background()
	wf, _ := seedWorkflow(t, fixture.DB, ctx)

	wf.Outputs = models.StringMap{"final": "done"}
	require.NoError(t, fixture.DB.UpdateWorkflowOutputs(ctx, wf))

	from := wf.State
	require.NoError(t, wf.Initialize())
	require.NoError(t, fixture.DB.SaveWorkflowTransition(ctx, wf, from))

	initializing, err := fixture.DB.ListWorkflows(ctx, models.WorkflowInitializing)
	require.NoError(t, err)
	require.Len(t, initializing, 1)
	assert.Equal(t, "done", initializing[0].Outputs["final"])

	created, err := fixture.DB.ListWorkflows(ctx, models.WorkflowCreated)
	require.NoError(t, err)
	assert.Empty(t, created)
}
