// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package dag turns a compiled workflow document into persisted steps and dataflow edges.
//
// The build runs in two passes. Every step is created first, so edges can resolve
// step references regardless of document order. In best-effort mode a failing step
// or edge is logged and skipped; in strict mode the first failure aborts the build.
package dag

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/noldarim/caroni/internal/compiler"
	"github.com/noldarim/caroni/internal/logger"
	"github.com/noldarim/caroni/internal/orchestrator/database"
	"github.com/noldarim/caroni/internal/orchestrator/models"
	"github.com/rs/zerolog"
	"github.com/samber/lo"
)

var (
	log     zerolog.Logger
	logOnce sync.Once
)

func getLog() *zerolog.Logger {
	logOnce.Do(func() {
		log = logger.GetDAGLogger()
	})
	return &log
}

// Options tune a Builder
type Options struct {
	// Strict aborts the build on the first compilation error
	Strict bool
	// MaxAttempts is copied onto every created step
	MaxAttempts int
}

// Builder compiles workflow documents into graphs
type Builder struct {
	frontend compiler.Frontend
	opts     Options
}

// NewBuilder creates a builder using frontend to parse documents
func NewBuilder(frontend compiler.Frontend, opts Options) *Builder {
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = 1
	}
	return &Builder{frontend: frontend, opts: opts}
}

// Graph is what one build produced
type Graph struct {
	Steps     []*models.WorkflowStep
	Dataflows []*models.WorkflowDataflow
	// Skipped holds the compilation errors tolerated in best-effort mode
	Skipped []error
}

// Build compiles wf.Document and persists the graph through tx. The workflow row must
// already exist. Callers pass a transaction-bound store so a failed build leaves nothing.
func (b *Builder) Build(ctx context.Context, tx *database.GormDB, wf *models.Workflow) (*Graph, error) {
	doc, err := b.frontend.Compile(wf.Document)
	if err != nil {
		return nil, err
	}

	bld := &build{
		Builder: b,
		ctx:     ctx,
		tx:      tx,
		wf:      wf,
		doc:     doc,
		graph:   &Graph{},
		steps:   make(map[string]*models.WorkflowStep),
		ast:     lo.SliceToMap(doc.Steps, func(s compiler.Step) (string, compiler.Step) { return s.ID, s }),
		inputs:  lo.SliceToMap(doc.Inputs, func(p compiler.Parameter) (string, struct{}) { return p.Name, struct{}{} }),
	}

	for _, s := range doc.Steps {
		if err := bld.step(s); err != nil {
			return nil, err
		}
	}
	for _, s := range doc.Steps {
		if _, ok := bld.steps[s.ID]; !ok {
			continue
		}
		for _, l := range s.Links {
			if err := bld.link(s.ID, l.Dst, l.Src); err != nil {
				return nil, err
			}
		}
	}
	for _, out := range doc.Outputs {
		if err := bld.output(out); err != nil {
			return nil, err
		}
	}

	getLog().Info().
		Str("workflow_id", wf.ID).
		Int("steps", len(bld.graph.Steps)).
		Int("dataflows", len(bld.graph.Dataflows)).
		Int("skipped", len(bld.graph.Skipped)).
		Msg("Built workflow graph")
	return bld.graph, nil
}

// build holds the state of one Build call
type build struct {
	*Builder
	ctx    context.Context
	tx     *database.GormDB
	wf     *models.Workflow
	doc    *compiler.Document
	graph  *Graph
	steps  map[string]*models.WorkflowStep
	ast    map[string]compiler.Step
	inputs map[string]struct{}
}

// tolerate records a compilation error, or returns it in strict mode
func (b *build) tolerate(err *CompilationError) error {
	if b.opts.Strict {
		return err
	}
	getLog().Warn().Err(err).Str("workflow_id", b.wf.ID).Msg("Skipping part of workflow graph")
	b.graph.Skipped = append(b.graph.Skipped, err)
	return nil
}

func (b *build) step(s compiler.Step) error {
	if s.JobTypeHint == "" {
		return b.tolerate(&CompilationError{Step: s.ID, Err: ErrMissingJobTypeHint})
	}

	params := make(models.StringMap, len(s.Inputs))
	for _, in := range s.Inputs {
		if in.Type != "string" {
			return b.tolerate(&CompilationError{
				Step: s.ID,
				Port: s.ID + "/" + in.Name,
				Err:  fmt.Errorf("%w: %s", ErrUnsupportedParameterType, in.Type),
			})
		}
		params[in.Name] = ""
	}

	step := &models.WorkflowStep{
		WorkflowID:  b.wf.ID,
		StepName:    s.ID,
		JobTypeName: s.JobTypeHint,
		Parameters:  params,
		MaxAttempts: b.opts.MaxAttempts,
	}
	if err := b.tx.CreateStep(b.ctx, step); err != nil {
		return fmt.Errorf("failed to create step %s: %w", s.ID, err)
	}
	b.steps[s.ID] = step
	b.graph.Steps = append(b.graph.Steps, step)
	return nil
}

// resolveSource resolves the producing end of an edge. A boundary source must be a
// declared workflow input; a step source must be a built step declaring that output.
func (b *build) resolveSource(raw string) (*string, string, error) {
	p, err := ParsePort(raw)
	if err != nil {
		return nil, "", err
	}
	if p.Boundary() {
		if _, ok := b.inputs[p.IO]; !ok {
			return nil, "", fmt.Errorf("%w: no workflow input %q", ErrUnresolvedPort, p.IO)
		}
		return nil, p.IO, nil
	}
	step, ok := b.steps[p.Step]
	if !ok {
		return nil, "", fmt.Errorf("%w: no step %q", ErrUnresolvedPort, p.Step)
	}
	if !lo.Contains(b.ast[p.Step].Outputs, p.IO) {
		return nil, "", fmt.Errorf("%w: step %q has no output %q", ErrUnresolvedPort, p.Step, p.IO)
	}
	return &step.ID, p.IO, nil
}

// resolveDestination resolves the consuming end of an edge. A boundary destination is a
// workflow output; a step destination must be a built step declaring that input.
func (b *build) resolveDestination(raw string) (*string, string, error) {
	p, err := ParsePort(raw)
	if err != nil {
		return nil, "", err
	}
	if p.Boundary() {
		return nil, p.IO, nil
	}
	step, ok := b.steps[p.Step]
	if !ok {
		return nil, "", fmt.Errorf("%w: no step %q", ErrUnresolvedPort, p.Step)
	}
	if _, ok := step.Parameters[p.IO]; !ok {
		return nil, "", fmt.Errorf("%w: step %q has no input %q", ErrUnresolvedPort, p.Step, p.IO)
	}
	return &step.ID, p.IO, nil
}

func (b *build) link(stepName, dst, src string) error {
	dstID, dstName, err := b.resolveDestination(dst)
	if err != nil {
		return b.tolerate(&CompilationError{Step: stepName, Port: dst, Err: err})
	}
	srcID, srcName, err := b.resolveSource(src)
	if err != nil {
		return b.tolerate(&CompilationError{Step: stepName, Port: src, Err: err})
	}
	return b.edge(stepName, dst, srcID, srcName, dstID, dstName)
}

func (b *build) output(out compiler.Output) error {
	srcID, srcName, err := b.resolveSource(out.Source)
	if err != nil {
		return b.tolerate(&CompilationError{Port: out.Source, Err: err})
	}
	return b.edge("", out.Name, srcID, srcName, nil, out.Name)
}

func (b *build) edge(stepName, port string, srcID *string, srcName string, dstID *string, dstName string) error {
	edge := &models.WorkflowDataflow{
		WorkflowID:    b.wf.ID,
		SrcStepID:     srcID,
		DstStepID:     dstID,
		SrcOutputName: srcName,
		DstInputName:  dstName,
	}
	if err := edge.Validate(); err != nil {
		return b.tolerate(&CompilationError{Step: stepName, Port: port, Err: fmt.Errorf("%w: %w", ErrInvalidDataflow, err)})
	}
	if err := b.tx.CreateDataflow(b.ctx, edge); err != nil {
		if errors.Is(err, models.ErrDataflowSelfLoop) || errors.Is(err, models.ErrDataflowUnbound) {
			return b.tolerate(&CompilationError{Step: stepName, Port: port, Err: fmt.Errorf("%w: %w", ErrInvalidDataflow, err)})
		}
		return fmt.Errorf("failed to create dataflow %s: %w", port, err)
	}
	b.graph.Dataflows = append(b.graph.Dataflows, edge)
	return nil
}
