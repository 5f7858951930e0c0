// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package agent

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func builtin(t *testing.T, name string) JobType {
	t.Helper()
	for _, jt := range Builtins() {
		if jt.Name == name {
			return jt
		}
	}
	t.Fatalf("no builtin %s", name)
	return JobType{}
}

func TestBuiltins_Register(t *testing.T) {
	a := New(nil, Options{Exchange: "wf"})
	for _, jt := range Builtins() {
		require.NoError(t, a.Register(jt), jt.Name)
	}
}

func TestBuiltins_Run(t *testing.T) {
	ctx := context.Background()
	tests := []struct {
		name string
		in   map[string]string
		want map[string]string
	}{
		{"echo", map[string]string{"msg": "hi"}, map[string]string{"out": "hi", "out1": "hi"}},
		{"upper", map[string]string{"in1": "hi"}, map[string]string{"out": "HI"}},
		{"concat", map[string]string{"left": "a", "right": "b"}, map[string]string{"out": "ab"}},
		{"sleep", map[string]string{"duration": "1ms"}, map[string]string{"slept": "1ms"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := builtin(t, tt.name).Run(ctx, tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestBuiltins_SleepRejectsBadDuration(t *testing.T) {
	_, err := builtin(t, "sleep").Run(context.Background(), map[string]string{"duration": "soon"})
	assert.ErrorContains(t, err, "invalid duration")
}

func TestBuiltins_SleepHonoursCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := builtin(t, "sleep").Run(ctx, map[string]string{"duration": "1h"})
	assert.ErrorIs(t, err, context.Canceled)
}
