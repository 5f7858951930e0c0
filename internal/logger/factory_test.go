// Copyright (C) 2025-2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package logger

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/noldarim/caroni/internal/config"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStaticLoggerGetters(t *testing.T) {
	var buf bytes.Buffer
	cfg := &config.LogConfig{
		Level: "info",
		Levels: map[string]string{
			"manager":     "debug",
			"dag":         "warn",
			"fulfillment": "error",
			"database":    "trace",
		},
	}

	original := globalManager
	SetGlobal(NewManagerWithWriter(cfg, &buf))
	defer SetGlobal(original)

	prevLevel := zerolog.GlobalLevel()
	zerolog.SetGlobalLevel(zerolog.TraceLevel)
	defer zerolog.SetGlobalLevel(prevLevel)

	tests := []struct {
		name          string
		getterFunc    func() zerolog.Logger
		expectedPkg   string
		expectedLevel zerolog.Level
	}{
		{"manager_logger", GetManagerLogger, "manager", zerolog.DebugLevel},
		{"dag_logger", GetDAGLogger, "dag", zerolog.WarnLevel},
		{"fulfillment_logger", GetFulfillmentLogger, "fulfillment", zerolog.ErrorLevel},
		{"dataflow_logger", GetDataflowLogger, "dataflow", zerolog.InfoLevel},
		{"transport_logger", GetTransportLogger, "transport", zerolog.InfoLevel},
		{"database_logger", GetDatabaseLogger, "database", zerolog.TraceLevel},
		{"api_logger", GetAPILogger, "api", zerolog.InfoLevel},
		{"cli_logger", GetCLILogger, "cli", zerolog.InfoLevel},
		{"agent_logger", GetAgentLogger, "agent", zerolog.InfoLevel},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf.Reset()
			l := tt.getterFunc()
			assert.Equal(t, tt.expectedLevel, l.GetLevel())

			l.WithLevel(tt.expectedLevel).Msg("level check")
			var entry map[string]any
			require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry))
			assert.Equal(t, tt.expectedPkg, entry["pkg"])
			assert.Equal(t, "level check", entry["message"])
		})
	}
}

func TestStaticLoggerGetters_Uninitialized(t *testing.T) {
	original := globalManager
	SetGlobal(nil)
	defer SetGlobal(original)

	for _, getter := range []func() zerolog.Logger{
		GetManagerLogger, GetDAGLogger, GetFulfillmentLogger, GetDataflowLogger,
		GetTransportLogger, GetDatabaseLogger, GetAPILogger, GetCLILogger, GetAgentLogger,
	} {
		l := getter()
		// Discard logger: must not panic
		l.Info().Str("test", "uninitialized").Msg("test message")
	}
}

func TestSetPackageLevel(t *testing.T) {
	prevLevel := zerolog.GlobalLevel()
	zerolog.SetGlobalLevel(zerolog.TraceLevel)
	defer zerolog.SetGlobalLevel(prevLevel)

	var buf bytes.Buffer
	m := NewManagerWithWriter(&config.LogConfig{Level: "info"}, &buf)

	l := m.GetLogger("dataflow")
	l.Debug().Msg("hidden")
	assert.Empty(t, buf.String())

	m.SetPackageLevel("dataflow", "debug")
	l = m.GetLogger("dataflow")
	l.Debug().Msg("visible")
	assert.True(t, strings.Contains(buf.String(), "visible"))
}
