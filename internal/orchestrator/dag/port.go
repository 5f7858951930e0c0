// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package dag

import (
	"fmt"
	"strings"
)

// Port is one end of a dataflow edge. An empty Step binds the port to the workflow boundary.
type Port struct {
	Step string
	IO   string
}

// Boundary reports whether the port is a workflow input or output
func (p Port) Boundary() bool { return p.Step == "" }

func (p Port) String() string {
	if p.Boundary() {
		return p.IO
	}
	return p.Step + "/" + p.IO
}

// ParsePort reads "step/io" or "io", with an optional leading "#"
func ParsePort(s string) (Port, error) {
	raw := strings.TrimPrefix(s, "#")
	parts := strings.Split(raw, "/")
	switch {
	case len(parts) == 1 && parts[0] != "":
		return Port{IO: parts[0]}, nil
	case len(parts) == 2 && parts[0] != "" && parts[1] != "":
		return Port{Step: parts[0], IO: parts[1]}, nil
	default:
		return Port{}, fmt.Errorf("%w: %q", ErrUnresolvedPort, s)
	}
}
