// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package services

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/noldarim/caroni/internal/compiler"
	"github.com/noldarim/caroni/internal/config"
	"github.com/noldarim/caroni/internal/orchestrator/dag"
	"github.com/noldarim/caroni/internal/orchestrator/database"
	"github.com/noldarim/caroni/internal/orchestrator/models"
	"github.com/noldarim/caroni/internal/protocol"
	"github.com/noldarim/caroni/test/testutil"
	"github.com/stretchr/testify/require"
)

const (
	testExchange     = "wf"
	testManagerTopic = "wf.manager.test"
	testAgentTopic   = "wf.agent.test"
)

type engineFixture struct {
	engine *Engine
	db     *database.GormDB
	sent   *testutil.Recorder
	events chan protocol.Event
}

func defaultOptions() Options {
	return Options{
		Fulfillment: config.FulfillmentConfig{
			MaxAttempts:              3,
			JobFailurePolicy:         config.JobFailureRecord,
			FailWorkflowOnExhaustion: true,
		},
		Exchange:     testExchange,
		ManagerTopic: testManagerTopic,
	}
}

// newEngine builds an engine on a fresh database that records instead of publishing.
// mutate may adjust the options before the engine is created.
func newEngine(t *testing.T, mutate func(*Options)) *engineFixture {
	t.Helper()
	opts := defaultOptions()
	if mutate != nil {
		mutate(&opts)
	}

	db := database.UseFreshInMemoryDatabase(t).DB
	sent := testutil.NewRecorder()
	events := make(chan protocol.Event, 1024)
	builder := dag.NewBuilder(compiler.NewCWLFrontend(), dag.Options{MaxAttempts: opts.Fulfillment.MaxAttempts})

	e := NewEngine(db, sent, builder, events, nil, opts)
	t.Cleanup(e.Stop)
	return &engineFixture{engine: e, db: db, sent: sent, events: events}
}

func (f *engineFixture) addTemplate(t *testing.T, document string) string {
	t.Helper()
	name := "tmpl-" + uuid.NewString()
	require.NoError(t, f.db.CreateTemplate(context.Background(), &models.WorkflowTemplate{Name: name, Document: document}))
	return name
}

func (f *engineFixture) create(t *testing.T, document string, inputs map[string]string) *models.Workflow {
	t.Helper()
	wf, err := f.engine.HandleWorkflowCreate(context.Background(), &protocol.WorkflowCreate{
		TemplateName: f.addTemplate(t, document),
		WorkflowName: t.Name(),
		Inputs:       protocol.ParametersFromMap(inputs),
	})
	require.NoError(t, err)
	return wf
}

func (f *engineFixture) step(t *testing.T, wf *models.Workflow, name string) *models.WorkflowStep {
	t.Helper()
	steps, err := f.db.GetStepsByWorkflow(context.Background(), wf.ID)
	require.NoError(t, err)
	for i := range steps {
		if steps[i].StepName == name {
			return &steps[i]
		}
	}
	t.Fatalf("step %s not found", name)
	return nil
}

func (f *engineFixture) workflow(t *testing.T, wf *models.Workflow) *models.Workflow {
	t.Helper()
	got, err := f.db.GetWorkflow(context.Background(), wf.ID)
	require.NoError(t, err)
	return got
}

// openRequest returns the step's request that is still taking offers
func (f *engineFixture) openRequest(t *testing.T, step *models.WorkflowStep) *models.JobRequest {
	t.Helper()
	reqs, err := f.db.GetRequestsByStep(context.Background(), step.ID)
	require.NoError(t, err)
	for _, r := range reqs {
		if r.State == models.RequestFulfilling {
			return r
		}
	}
	t.Fatalf("step %s has no open request", step.StepName)
	return nil
}

// offer bids on the step's open request and returns the offer id
func (f *engineFixture) offer(t *testing.T, step *models.WorkflowStep) string {
	t.Helper()
	req := f.openRequest(t, step)
	offerID := uuid.NewString()
	require.NoError(t, f.engine.HandleOffer(context.Background(), &protocol.JobFulfillmentOffer{
		RequestID: req.ID,
		OfferID:   offerID,
	}, testAgentTopic))
	return offerID
}

// fulfill plays an agent winning the step's auction and queueing a job. It returns the job id.
func (f *engineFixture) fulfill(t *testing.T, wf *models.Workflow, stepName string) string {
	t.Helper()
	offerID := f.offer(t, f.step(t, wf, stepName))
	jobID := uuid.NewString()
	require.NoError(t, f.engine.HandleJobQueued(context.Background(), &protocol.JobQueued{JobID: jobID, OfferID: offerID}, testAgentTopic))
	return jobID
}

func (f *engineFixture) status(t *testing.T, jobID string, status protocol.JobStatus) {
	t.Helper()
	require.NoError(t, f.engine.HandleStatusUpdate(context.Background(), &protocol.JobStatusUpdate{JobID: jobID, Status: status}))
}

func (f *engineFixture) dataReady(t *testing.T, jobID string, values map[string]string) {
	t.Helper()
	require.NoError(t, f.engine.HandleDataReady(context.Background(), &protocol.JobDataReady{JobID: jobID, Parameters: protocol.ParametersFromMap(values)}))
}

// deliveredTo collects every value pushed to one job
func (f *engineFixture) deliveredTo(jobID string) map[string][]string {
	got := map[string][]string{}
	for _, p := range f.sent.OfKind(protocol.KindJobDataReady) {
		msg := p.Msg.(*protocol.JobDataReady)
		if msg.JobID != jobID {
			continue
		}
		for _, param := range msg.Parameters {
			got[param.Key] = append(got[param.Key], param.Value)
		}
	}
	return got
}

func (f *engineFixture) edge(t *testing.T, wf *models.Workflow, src, dst string) *models.WorkflowDataflow {
	t.Helper()
	edges, err := f.db.GetDataflowsByWorkflow(context.Background(), wf.ID)
	require.NoError(t, err)
	for _, e := range edges {
		if e.SrcOutputName == src && e.DstInputName == dst {
			return e
		}
	}
	t.Fatalf("no edge %s -> %s", src, dst)
	return nil
}

func newStrictBuilder() *dag.Builder {
	return dag.NewBuilder(compiler.NewCWLFrontend(), dag.Options{Strict: true, MaxAttempts: 3})
}
