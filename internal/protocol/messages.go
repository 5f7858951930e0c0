// Copyright (C) 2025-2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

// Messages exchanged between clients, the manager and agents.
//
// Every message travels inside an Envelope that names its Kind, so the receiver can
// route it without inspecting the payload. Agent-assigned ids (offer, job) are opaque
// strings to the manager.
package protocol

import (
	"sort"
	"time"
)

// Kind tags a message on the wire
type Kind string

const (
	KindWorkflowCreate            Kind = "workflow_create"
	KindJobFulfillmentRequest     Kind = "job_fulfillment_request"
	KindJobFulfillmentDecline     Kind = "job_fulfillment_decline"
	KindJobFulfillmentOffer       Kind = "job_fulfillment_offer"
	KindJobFulfillmentOfferAccept Kind = "job_fulfillment_offer_accept"
	KindJobFulfillmentOfferReject Kind = "job_fulfillment_offer_reject"
	KindJobQueued                 Kind = "job_queued"
	KindJobStatusRequest          Kind = "job_status_request"
	KindJobStatusUpdate           Kind = "job_status_update"
	KindJobDataReady              Kind = "job_data_ready"
)

// Message is any payload that can be put in an Envelope
type Message interface {
	Kind() Kind
}

// Parameter is one key/value pair. Order is preserved on the wire.
type Parameter struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// ParametersFromMap converts a map into parameters sorted by key
func ParametersFromMap(m map[string]string) []Parameter {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	params := make([]Parameter, 0, len(keys))
	for _, k := range keys {
		params = append(params, Parameter{Key: k, Value: m[k]})
	}
	return params
}

// ParametersToMap converts parameters into a map; later keys win
func ParametersToMap(params []Parameter) map[string]string {
	m := make(map[string]string, len(params))
	for _, p := range params {
		m[p.Key] = p.Value
	}
	return m
}

// JobStatus is the status an agent reports for a job
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
)

// WorkflowCreate asks the manager to instantiate a template
type WorkflowCreate struct {
	TemplateName string      `json:"template_name"`
	WorkflowName string      `json:"workflow_name"`
	Inputs       []Parameter `json:"inputs"`
}

// JobFulfillmentRequest is broadcast to agents to open an auction
type JobFulfillmentRequest struct {
	RequestID   string      `json:"request_id"`
	JobTypeName string      `json:"job_type_name"`
	Parameters  []Parameter `json:"parameters"`
}

// JobFulfillmentDecline tells the manager an agent will not bid
type JobFulfillmentDecline struct {
	RequestID string `json:"request_id"`
	Message   string `json:"message,omitempty"`
}

// JobFulfillmentOffer is an agent's bid
type JobFulfillmentOffer struct {
	RequestID  string     `json:"request_id"`
	OfferID    string     `json:"offer_id"`
	Message    string     `json:"message,omitempty"`
	Expiration *time.Time `json:"expiration,omitempty"`
}

// JobFulfillmentOfferAccept awards the request to the offering agent
type JobFulfillmentOfferAccept struct {
	RequestID string `json:"request_id"`
	OfferID   string `json:"offer_id"`
	Message   string `json:"message,omitempty"`
}

// JobFulfillmentOfferReject tells an agent its offer lost
type JobFulfillmentOfferReject struct {
	RequestID string `json:"request_id"`
	OfferID   string `json:"offer_id"`
	Message   string `json:"message,omitempty"`
}

// JobQueued reports the job an agent created for an accepted offer
type JobQueued struct {
	JobID   string `json:"job_id"`
	OfferID string `json:"offer_id"`
}

// JobStatusRequest asks an agent to report a job's status
type JobStatusRequest struct {
	JobID string `json:"job_id"`
}

// JobStatusUpdate reports a job's status
type JobStatusUpdate struct {
	JobID  string    `json:"job_id"`
	Status JobStatus `json:"status"`
	Info   string    `json:"info,omitempty"`
}

// JobDataReady carries named values. From an agent it reports outputs; from the
// manager it delivers inputs.
type JobDataReady struct {
	JobID      string      `json:"job_id"`
	Parameters []Parameter `json:"parameters"`
}

func (WorkflowCreate) Kind() Kind            { return KindWorkflowCreate }
func (JobFulfillmentRequest) Kind() Kind     { return KindJobFulfillmentRequest }
func (JobFulfillmentDecline) Kind() Kind     { return KindJobFulfillmentDecline }
func (JobFulfillmentOffer) Kind() Kind       { return KindJobFulfillmentOffer }
func (JobFulfillmentOfferAccept) Kind() Kind { return KindJobFulfillmentOfferAccept }
func (JobFulfillmentOfferReject) Kind() Kind { return KindJobFulfillmentOfferReject }
func (JobQueued) Kind() Kind                 { return KindJobQueued }
func (JobStatusRequest) Kind() Kind          { return KindJobStatusRequest }
func (JobStatusUpdate) Kind() Kind           { return KindJobStatusUpdate }
func (JobDataReady) Kind() Kind              { return KindJobDataReady }
