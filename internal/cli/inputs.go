// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// LoadInputsFile reads a YAML mapping of workflow input names to values.
// Scalars of any type are taken by their text.
func LoadInputsFile(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read inputs file: %w", err)
	}

	var raw map[string]yaml.Node
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse inputs YAML: %w", err)
	}

	inputs := make(map[string]string, len(raw))
	for name, node := range raw {
		if node.Kind != yaml.ScalarNode {
			return nil, fmt.Errorf("input %q must be a scalar value", name)
		}
		inputs[name] = node.Value
	}
	return inputs, nil
}
