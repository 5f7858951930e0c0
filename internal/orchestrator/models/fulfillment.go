// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package models

import (
	"time"

	"gorm.io/gorm"
)

// JobRequest is one auction round for a step
type JobRequest struct {
	ID        string       `gorm:"primaryKey;type:text" json:"id"`
	StepID    string       `gorm:"not null;type:text;index" json:"step_id"`
	Attempt   int          `gorm:"not null;default:0" json:"attempt"` // Step attempts when the round opened
	State     RequestState `gorm:"not null;type:text;index" json:"state"`
	CreatedAt time.Time    `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time    `gorm:"autoUpdateTime" json:"updated_at"`
}

// TableName returns the table name for JobRequest
func (JobRequest) TableName() string {
	return "job_requests"
}

// BeforeCreate is a GORM hook that runs before creating a record
func (r *JobRequest) BeforeCreate(tx *gorm.DB) error {
	if r.ID == "" {
		r.ID = newID()
	}
	if r.State == "" {
		r.State = RequestCreated
	}
	return nil
}

// JobOffer is an agent's bid on a request. The id is chosen by the agent.
type JobOffer struct {
	ID        string     `gorm:"primaryKey;type:text" json:"id"`
	RequestID string     `gorm:"not null;type:text;index" json:"request_id"`
	ReplyTo   string     `gorm:"not null;type:text" json:"reply_to"`
	Message   string     `gorm:"type:text" json:"message"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	State     OfferState `gorm:"not null;type:text" json:"state"`
	CreatedAt time.Time  `gorm:"autoCreateTime" json:"created_at"`
}

// TableName returns the table name for JobOffer
func (JobOffer) TableName() string {
	return "job_offers"
}

// BeforeCreate is a GORM hook that runs before creating a record
func (o *JobOffer) BeforeCreate(tx *gorm.DB) error {
	if o.State == "" {
		o.State = OfferReceived
	}
	return nil
}

// Job is the manager's proxy for a job queued on an agent. The id is chosen by the agent.
type Job struct {
	ID        string    `gorm:"primaryKey;type:text" json:"id"`
	OfferID   string    `gorm:"not null;type:text;index" json:"offer_id"`
	StepID    string    `gorm:"not null;type:text;index" json:"step_id"`
	ReplyTo   string    `gorm:"not null;type:text" json:"reply_to"`
	State     JobState  `gorm:"not null;type:text" json:"state"`
	Info      string    `gorm:"type:text" json:"info"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// TableName returns the table name for Job
func (Job) TableName() string {
	return "jobs"
}

// BeforeCreate is a GORM hook that runs before creating a record
func (j *Job) BeforeCreate(tx *gorm.DB) error {
	if j.State == "" {
		j.State = JobPending
	}
	return nil
}
