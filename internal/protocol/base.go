// Copyright (C) 2025-2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package protocol

import "github.com/noldarim/caroni/internal/common"

// Metadata is re-exported so callers only import protocol.
type Metadata = common.Metadata

// Event is re-exported from common.
type Event = common.Event

// CurrentProtocolVersion is re-exported from common.
const CurrentProtocolVersion = common.CurrentProtocolVersion

// NewMetadata returns metadata for a workflow-scoped event
func NewMetadata(workflowID string) Metadata {
	return Metadata{WorkflowID: workflowID, Version: CurrentProtocolVersion}
}
