// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package dag

import (
	"errors"
	"fmt"
)

var (
	// ErrMissingJobTypeHint is returned for a step that names no agent job type
	ErrMissingJobTypeHint = errors.New("missing job type hint")
	// ErrUnsupportedParameterType is returned for a step input that is not a string
	ErrUnsupportedParameterType = errors.New("unsupported parameter type")
	// ErrUnresolvedPort is returned when a port does not parse or names nothing that exists
	ErrUnresolvedPort = errors.New("unresolved port")
	// ErrInvalidDataflow is returned for an edge that breaks the edge invariants
	ErrInvalidDataflow = errors.New("invalid dataflow")
)

// CompilationError locates a build failure on a step or port
type CompilationError struct {
	Step string
	Port string
	Err  error
}

func (e *CompilationError) Error() string {
	switch {
	case e.Port != "" && e.Step != "":
		return fmt.Sprintf("step %s, port %s: %v", e.Step, e.Port, e.Err)
	case e.Port != "":
		return fmt.Sprintf("port %s: %v", e.Port, e.Err)
	default:
		return fmt.Sprintf("step %s: %v", e.Step, e.Err)
	}
}

func (e *CompilationError) Unwrap() error { return e.Err }
