// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package agent

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Builtins returns the job types shipped with the reference agent
func Builtins() []JobType {
	return []JobType{
		{
			Name:    "echo",
			Inputs:  []string{"msg"},
			Outputs: []string{"out", "out1"},
			Run: func(_ context.Context, in map[string]string) (map[string]string, error) {
				return map[string]string{"out": in["msg"], "out1": in["msg"]}, nil
			},
		},
		{
			Name:    "upper",
			Inputs:  []string{"in1"},
			Outputs: []string{"out"},
			Run: func(_ context.Context, in map[string]string) (map[string]string, error) {
				return map[string]string{"out": strings.ToUpper(in["in1"])}, nil
			},
		},
		{
			Name:    "concat",
			Inputs:  []string{"left", "right"},
			Outputs: []string{"out"},
			Run: func(_ context.Context, in map[string]string) (map[string]string, error) {
				return map[string]string{"out": in["left"] + in["right"]}, nil
			},
		},
		{
			Name:    "sleep",
			Inputs:  []string{"duration"},
			Outputs: []string{"slept"},
			Run: func(ctx context.Context, in map[string]string) (map[string]string, error) {
				d, err := time.ParseDuration(in["duration"])
				if err != nil {
					return nil, fmt.Errorf("invalid duration: %w", err)
				}
				select {
				case <-time.After(d):
				case <-ctx.Done():
					return nil, ctx.Err()
				}
				return map[string]string{"slept": d.String()}, nil
			},
		},
		{
			Name: "tick",
			Run: func(context.Context, map[string]string) (map[string]string, error) {
				return nil, nil
			},
		},
	}
}
