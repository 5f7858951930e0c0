// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package logger

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/noldarim/caroni/internal/config"
	"github.com/rs/zerolog"
)

func TestNewManager(t *testing.T) {
	tests := []struct {
		name        string
		config      *config.LogConfig
		expectError bool
		errorMsg    string
	}{
		{
			name: "minimal_config",
			config: &config.LogConfig{
				Level:  "info",
				Format: "json",
				Output: []config.LogOutputConfig{
					{Type: "console", Enabled: true},
				},
				Context: config.LogContextConfig{IncludeTimestamp: true},
			},
		},
		{
			name: "file_output_config",
			config: &config.LogConfig{
				Level:  "debug",
				Format: "json",
				Output: []config.LogOutputConfig{
					{Type: "file", Enabled: true, Path: filepath.Join(t.TempDir(), "test.log")},
				},
				Context: config.LogContextConfig{IncludeTimestamp: true, IncludeCaller: true},
			},
		},
		{
			name: "rotating_file_config",
			config: &config.LogConfig{
				Level:  "error",
				Format: "console",
				Output: []config.LogOutputConfig{
					{
						Type:    "file",
						Enabled: true,
						Path:    filepath.Join(t.TempDir(), "rotating.log"),
						Rotate:  config.LogRotateConfig{MaxSizeMB: 1, MaxBackups: 3, MaxAgeDays: 7},
					},
				},
			},
		},
		{
			name:   "no_outputs_falls_back_to_stderr",
			config: &config.LogConfig{Level: "info", Format: "json"},
		},
		{
			name: "invalid_output_type",
			config: &config.LogConfig{
				Level:  "info",
				Output: []config.LogOutputConfig{{Type: "syslog", Enabled: true}},
			},
			expectError: true,
			errorMsg:    "unsupported output type: syslog",
		},
		{
			name: "sampling_config",
			config: &config.LogConfig{
				Level:  "info",
				Format: "json",
				Output: []config.LogOutputConfig{{Type: "console", Enabled: true}},
				Sampling: config.LogSamplingConfig{
					Enabled:    true,
					Initial:    100,
					Thereafter: 10,
					Tick:       time.Second,
				},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			manager, err := NewManager(tt.config)

			if tt.expectError {
				if err == nil {
					t.Fatalf("expected error but got none")
				}
				if !strings.Contains(err.Error(), tt.errorMsg) {
					t.Errorf("expected error containing %q, got %q", tt.errorMsg, err.Error())
				}
				return
			}

			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			defer manager.Close()

			l := manager.GetLogger("manager")
			l.Error().Msg("manager test")
		})
	}
}

func TestFileOutputWritesLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "caroni.log")
	m, err := NewManager(&config.LogConfig{
		Level:  "info",
		Format: "json",
		Output: []config.LogOutputConfig{{Type: "file", Enabled: true, Path: path}},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	l := m.GetLogger("fulfillment")
	l.Info().Str("request_id", "r-1").Msg("offer accepted")
	if err := m.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	if !strings.Contains(string(data), `"request_id":"r-1"`) {
		t.Errorf("log line missing field: %s", data)
	}
}

func TestPackageLoggerCaching(t *testing.T) {
	var buf bytes.Buffer
	m := NewManagerWithWriter(&config.LogConfig{Level: "warn", Levels: map[string]string{"dag": "debug"}}, &buf)

	first := m.GetLogger("dag")
	second := m.GetLogger("dag")
	if first.GetLevel() != zerolog.DebugLevel || second.GetLevel() != zerolog.DebugLevel {
		t.Errorf("package level not applied: %v %v", first.GetLevel(), second.GetLevel())
	}
	if got := m.GetLogger("transport").GetLevel(); got != zerolog.WarnLevel {
		t.Errorf("expected global level for unlisted package, got %v", got)
	}
}

func TestParseLevel(t *testing.T) {
	tests := map[string]zerolog.Level{
		"trace":   zerolog.TraceLevel,
		"DEBUG":   zerolog.DebugLevel,
		"Info":    zerolog.InfoLevel,
		"warning": zerolog.WarnLevel,
		"error":   zerolog.ErrorLevel,
		"bogus":   zerolog.InfoLevel,
	}
	for in, want := range tests {
		if got := parseLevel(in); got != want {
			t.Errorf("parseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}
