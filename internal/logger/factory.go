// Copyright (C) 2025-2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package logger

import (
	"github.com/rs/zerolog"
)

// Static logger getters that map directly to config.yaml log.levels
// These ensure consistent logger names across the codebase

// GetManagerLogger returns a logger for the protocol router and manager lifecycle
func GetManagerLogger() zerolog.Logger {
	return GetLogger("manager")
}

// GetDAGLogger returns a logger for workflow compilation
func GetDAGLogger() zerolog.Logger {
	return GetLogger("dag")
}

// GetFulfillmentLogger returns a logger for the job auction
func GetFulfillmentLogger() zerolog.Logger {
	return GetLogger("fulfillment")
}

// GetDataflowLogger returns a logger for status and data propagation
func GetDataflowLogger() zerolog.Logger {
	return GetLogger("dataflow")
}

// GetTransportLogger returns a logger for message transports
func GetTransportLogger() zerolog.Logger {
	return GetLogger("transport")
}

// GetDatabaseLogger returns a logger for database operations
func GetDatabaseLogger() zerolog.Logger {
	return GetLogger("database")
}

// GetAPILogger returns a logger for API operations
func GetAPILogger() zerolog.Logger {
	return GetLogger("api")
}

// GetCLILogger returns a logger for the command line client
func GetCLILogger() zerolog.Logger {
	return GetLogger("cli")
}

// GetAgentLogger returns a logger for the reference agent
func GetAgentLogger() zerolog.Logger {
	return GetLogger("agent")
}
