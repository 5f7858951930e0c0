// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package common provides shared types used across multiple packages.
package common

// Metadata contains common fields for every event the manager publishes to observers.
type Metadata struct {
	// WorkflowID serves as the correlation ID for workflow-scoped events
	WorkflowID string `json:"workflow_id,omitempty"`

	// IdempotencyKey lets subscribers drop duplicates
	// Optional - events without this key will always be processed
	IdempotencyKey string `json:"idempotency_key,omitempty"`

	// Version indicates the protocol version for backward compatibility.
	// Format: "v{major}.{minor}.{patch}" (e.g., "v1.0.0")
	Version string `json:"version"`
}

// CurrentProtocolVersion defines the current version of the protocol.
// This should be updated when making breaking changes to the protocol.
const CurrentProtocolVersion = "v1.0.0"

// Event represents events that the manager sends to observers.
// Any type implementing this interface can be sent through the event channel.
type Event interface {
	GetMetadata() Metadata
}
