// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package models

import (
	"errors"
	"time"

	"gorm.io/gorm"
)

var (
	// ErrDataflowSelfLoop rejects an edge whose source and destination are the same step
	ErrDataflowSelfLoop = errors.New("dataflow source and destination are the same step")
	// ErrDataflowUnbound rejects an edge that touches no step at all
	ErrDataflowUnbound = errors.New("dataflow must touch at least one step")
)

// WorkflowDataflow is a directed edge carrying one named value.
// A nil SrcStepID reads a workflow input; a nil DstStepID writes a workflow output.
type WorkflowDataflow struct {
	ID            string        `gorm:"primaryKey;type:text" json:"id"`
	WorkflowID    string        `gorm:"not null;type:text;index" json:"workflow_id"`
	SrcStepID     *string       `gorm:"type:text;index" json:"src_step_id,omitempty"`
	DstStepID     *string       `gorm:"type:text;index" json:"dst_step_id,omitempty"`
	SrcOutputName string        `gorm:"not null;type:text" json:"src_output_name"`
	DstInputName  string        `gorm:"not null;type:text" json:"dst_input_name"`
	Value         *string       `gorm:"type:text" json:"value,omitempty"`
	State         DataflowState `gorm:"not null;type:text" json:"state"`
	// DeliveredJobID is the job the current value was last pushed to. Empty means buffered.
	DeliveredJobID string    `gorm:"type:text" json:"delivered_job_id,omitempty"`
	CreatedAt      time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// TableName returns the table name for WorkflowDataflow
func (WorkflowDataflow) TableName() string {
	return "workflow_dataflows"
}

// Validate checks the structural edge invariants
func (d *WorkflowDataflow) Validate() error {
	if d.SrcStepID == nil && d.DstStepID == nil {
		return ErrDataflowUnbound
	}
	if d.SrcStepID != nil && d.DstStepID != nil && *d.SrcStepID == *d.DstStepID {
		return ErrDataflowSelfLoop
	}
	return nil
}

// FromWorkflowInput reports whether the edge reads a workflow input
func (d *WorkflowDataflow) FromWorkflowInput() bool { return d.SrcStepID == nil }

// ToWorkflowOutput reports whether the edge writes a workflow output
func (d *WorkflowDataflow) ToWorkflowOutput() bool { return d.DstStepID == nil }

// BeforeCreate is a GORM hook that runs before creating a record
func (d *WorkflowDataflow) BeforeCreate(tx *gorm.DB) error {
	if d.ID == "" {
		d.ID = newID()
	}
	if d.State == "" {
		d.State = DataflowAwaiting
	}
	return d.Validate()
}
