// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package dag

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePort(t *testing.T) {
	tests := []struct {
		in   string
		want Port
	}{
		{"A/out1", Port{Step: "A", IO: "out1"}},
		{"#A/out1", Port{Step: "A", IO: "out1"}},
		{"message", Port{IO: "message"}},
		{"#message", Port{IO: "message"}},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParsePort(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.want.Step == "", got.Boundary())
		})
	}
}

func TestParsePort_Invalid(t *testing.T) {
	for _, in := range []string{"", "#", "/", "A/", "/out", "a/b/c"} {
		_, err := ParsePort(in)
		assert.ErrorIs(t, err, ErrUnresolvedPort, "port %q", in)
	}
}

func TestPortString(t *testing.T) {
	assert.Equal(t, "A/out1", Port{Step: "A", IO: "out1"}.String())
	assert.Equal(t, "message", Port{IO: "message"}.String())
}
