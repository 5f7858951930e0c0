// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package models

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// StringMap is a JSON object of string values stored in a text column
type StringMap map[string]string

// Scan implements the sql.Scanner interface
func (m *StringMap) Scan(value any) error {
	if value == nil {
		*m = StringMap{}
		return nil
	}

	switch v := value.(type) {
	case []byte:
		return json.Unmarshal(v, m)
	case string:
		return json.Unmarshal([]byte(v), m)
	default:
		return errors.New("cannot scan StringMap from non-string/[]byte value")
	}
}

// Value implements the driver.Valuer interface
func (m StringMap) Value() (driver.Value, error) {
	if len(m) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(map[string]string(m))
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Clone returns an independent copy of the map
func (m StringMap) Clone() StringMap {
	out := make(StringMap, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func newID() string {
	return uuid.New().String()
}

// WorkflowSite is the manager's persistent identity. A database holds exactly one.
type WorkflowSite struct {
	ID        string    `gorm:"primaryKey;type:text" json:"id"`
	Name      string    `gorm:"not null;type:text" json:"name"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
}

// TableName returns the table name for WorkflowSite
func (WorkflowSite) TableName() string {
	return "workflow_sites"
}

// BeforeCreate assigns an id when none was set
func (s *WorkflowSite) BeforeCreate(tx *gorm.DB) error {
	if s.ID == "" {
		s.ID = newID()
	}
	return nil
}

// WorkflowTemplate is an immutable, named workflow document
type WorkflowTemplate struct {
	ID        string    `gorm:"primaryKey;type:text" json:"id"`
	Name      string    `gorm:"not null;type:text;uniqueIndex" json:"name"`
	Document  string    `gorm:"not null;type:text" json:"document"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
}

// TableName returns the table name for WorkflowTemplate
func (WorkflowTemplate) TableName() string {
	return "workflow_templates"
}

// BeforeCreate assigns an id when none was set
func (t *WorkflowTemplate) BeforeCreate(tx *gorm.DB) error {
	if t.ID == "" {
		t.ID = newID()
	}
	return nil
}

// Workflow is one instantiation of a template with concrete inputs
type Workflow struct {
	ID         string        `gorm:"primaryKey;type:text" json:"id"`
	TemplateID string        `gorm:"not null;type:text;index" json:"template_id"`
	Name       string        `gorm:"not null;type:text" json:"name"`
	Document   string        `gorm:"type:text" json:"document"` // Snapshot of the template at creation
	State      WorkflowState `gorm:"not null;type:text;index" json:"state"`
	Inputs     StringMap     `gorm:"type:text" json:"inputs"`
	Outputs    StringMap     `gorm:"type:text" json:"outputs"`
	CreatedAt  time.Time     `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt  time.Time     `gorm:"autoUpdateTime" json:"updated_at"`

	// Relations
	Steps     []WorkflowStep     `gorm:"foreignKey:WorkflowID" json:"steps,omitempty"`
	Dataflows []WorkflowDataflow `gorm:"foreignKey:WorkflowID" json:"dataflows,omitempty"`
}

// TableName returns the table name for Workflow
func (Workflow) TableName() string {
	return "workflows"
}

// BeforeCreate is a GORM hook that runs before creating a record
func (w *Workflow) BeforeCreate(tx *gorm.DB) error {
	if w.ID == "" {
		w.ID = newID()
	}
	if w.State == "" {
		w.State = WorkflowCreated
	}
	if w.Inputs == nil {
		w.Inputs = StringMap{}
	}
	if w.Outputs == nil {
		w.Outputs = StringMap{}
	}
	return nil
}

// WorkflowStep is one node of a workflow's DAG
type WorkflowStep struct {
	ID           string    `gorm:"primaryKey;type:text" json:"id"`
	WorkflowID   string    `gorm:"not null;type:text;index;uniqueIndex:idx_workflow_step_name" json:"workflow_id"`
	StepName     string    `gorm:"not null;type:text;uniqueIndex:idx_workflow_step_name" json:"step_name"`
	JobTypeName  string    `gorm:"not null;type:text" json:"job_type_name"`
	Parameters   StringMap `gorm:"type:text" json:"parameters"` // input name -> static value, empty until bound
	State        StepState `gorm:"not null;type:text;index" json:"state"`
	Attempts     int       `gorm:"not null;default:0" json:"attempts"`
	MaxAttempts  int       `gorm:"not null" json:"max_attempts"`
	CurrentJobID *string   `gorm:"type:text;index" json:"current_job_id,omitempty"`
	CreatedAt    time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt    time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// TableName returns the table name for WorkflowStep
func (WorkflowStep) TableName() string {
	return "workflow_steps"
}

// BeforeCreate is a GORM hook that runs before creating a record
func (s *WorkflowStep) BeforeCreate(tx *gorm.DB) error {
	if s.ID == "" {
		s.ID = newID()
	}
	if s.State == "" {
		s.State = StepCreated
	}
	if s.Parameters == nil {
		s.Parameters = StringMap{}
	}
	if s.MaxAttempts < 1 {
		return errors.New("workflow step max_attempts must be at least 1")
	}
	return nil
}

// HasJob reports whether the step currently points at a job
func (s *WorkflowStep) HasJob() bool {
	return s.CurrentJobID != nil && *s.CurrentJobID != ""
}

// JobID returns the current job id or the empty string
func (s *WorkflowStep) JobID() string {
	if s.CurrentJobID == nil {
		return ""
	}
	return *s.CurrentJobID
}
