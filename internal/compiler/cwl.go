// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package compiler

import (
	"errors"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// ErrInvalidDocument wraps every structural problem in a workflow document
var ErrInvalidDocument = errors.New("invalid workflow document")

// JobNameHint is the hint key that names the agent job type of a step
const JobNameHint = "CaroniJobName"

// CWLFrontend reads the subset of CWL v1.x workflows the manager can run: inline
// CommandLineTool steps with string inputs, a job-name hint and single-source links.
type CWLFrontend struct{}

// NewCWLFrontend creates a CWL frontend
func NewCWLFrontend() *CWLFrontend {
	return &CWLFrontend{}
}

type rawWorkflow struct {
	CWLVersion string    `yaml:"cwlVersion"`
	Class      string    `yaml:"class"`
	Inputs     yaml.Node `yaml:"inputs"`
	Outputs    yaml.Node `yaml:"outputs"`
	Steps      yaml.Node `yaml:"steps"`
}

type rawStep struct {
	Run   yaml.Node `yaml:"run"`
	In    yaml.Node `yaml:"in"`
	Out   yaml.Node `yaml:"out"`
	Hints yaml.Node `yaml:"hints"`
}

type rawTool struct {
	Class   string    `yaml:"class"`
	Inputs  yaml.Node `yaml:"inputs"`
	Outputs yaml.Node `yaml:"outputs"`
	Hints   yaml.Node `yaml:"hints"`
}

// entry is one member of a CWL "id map": either a mapping key or a list item with an id field
type entry struct {
	id   string
	node *yaml.Node
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidDocument, fmt.Sprintf(format, args...))
}

// Compile parses document and returns its ports and links
func (f *CWLFrontend) Compile(document string) (*Document, error) {
	var raw rawWorkflow
	if err := yaml.Unmarshal([]byte(document), &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDocument, err)
	}
	if raw.Class != "Workflow" {
		return nil, invalid("class must be Workflow, got %q", raw.Class)
	}

	doc := &Document{}

	inputs, err := parseParameters(&raw.Inputs, "inputs")
	if err != nil {
		return nil, err
	}
	doc.Inputs = inputs

	steps, err := idMap(&raw.Steps, "steps")
	if err != nil {
		return nil, err
	}
	for _, e := range steps {
		step, err := parseStep(e)
		if err != nil {
			return nil, err
		}
		doc.Steps = append(doc.Steps, step)
	}

	outputs, err := idMap(&raw.Outputs, "outputs")
	if err != nil {
		return nil, err
	}
	for _, e := range outputs {
		var out struct {
			OutputSource yaml.Node `yaml:"outputSource"`
		}
		if e.node.Kind != yaml.MappingNode {
			return nil, invalid("output %s needs an outputSource", e.id)
		}
		if err := e.node.Decode(&out); err != nil {
			return nil, invalid("output %s: %v", e.id, err)
		}
		src, err := singleSource(&out.OutputSource, "output "+e.id)
		if err != nil {
			return nil, err
		}
		doc.Outputs = append(doc.Outputs, Output{Name: e.id, Source: src})
	}

	return doc, nil
}

func parseStep(e entry) (Step, error) {
	step := Step{ID: e.id}

	var rs rawStep
	if err := e.node.Decode(&rs); err != nil {
		return step, invalid("step %s: %v", e.id, err)
	}
	if rs.Run.Kind != yaml.MappingNode {
		return step, invalid("step %s: run must be an inline tool", e.id)
	}

	var tool rawTool
	if err := rs.Run.Decode(&tool); err != nil {
		return step, invalid("step %s run: %v", e.id, err)
	}

	params, err := parseParameters(&tool.Inputs, "step "+e.id+" inputs")
	if err != nil {
		return step, err
	}
	step.Inputs = params

	// Step-level hints win over tool-level hints
	step.JobTypeHint = findJobName(&rs.Hints)
	if step.JobTypeHint == "" {
		step.JobTypeHint = findJobName(&tool.Hints)
	}

	outs, err := parseOut(&rs.Out, e.id)
	if err != nil {
		return step, err
	}
	step.Outputs = outs

	links, err := idMap(&rs.In, "step "+e.id+" in")
	if err != nil {
		return step, err
	}
	for _, l := range links {
		var srcNode *yaml.Node
		switch l.node.Kind {
		case yaml.ScalarNode, yaml.SequenceNode:
			srcNode = l.node
		case yaml.MappingNode:
			var in struct {
				Source yaml.Node `yaml:"source"`
			}
			if err := l.node.Decode(&in); err != nil {
				return step, invalid("step %s in %s: %v", e.id, l.id, err)
			}
			srcNode = &in.Source
		}
		src, err := singleSource(srcNode, "step "+e.id+" in "+l.id)
		if err != nil {
			return step, err
		}
		step.Links = append(step.Links, Link{Dst: e.id + "/" + l.id, Src: src})
	}

	return step, nil
}

// parseParameters accepts `name: type`, `name: {type: t}` and `- {id: name, type: t}`
func parseParameters(node *yaml.Node, where string) ([]Parameter, error) {
	entries, err := idMap(node, where)
	if err != nil {
		return nil, err
	}

	params := make([]Parameter, 0, len(entries))
	for _, e := range entries {
		p := Parameter{Name: e.id}
		switch e.node.Kind {
		case yaml.ScalarNode:
			p.Type = e.node.Value
		case yaml.MappingNode:
			var typed struct {
				Type yaml.Node `yaml:"type"`
			}
			if err := e.node.Decode(&typed); err != nil {
				return nil, invalid("%s %s: %v", where, e.id, err)
			}
			if typed.Type.Kind == yaml.ScalarNode {
				p.Type = typed.Type.Value
			} else if typed.Type.Kind != 0 {
				// Unions, arrays and records are kept visible to the builder as "complex"
				p.Type = "complex"
			}
		}
		params = append(params, p)
	}
	return params, nil
}

func parseOut(node *yaml.Node, stepID string) ([]string, error) {
	if node.Kind == 0 {
		return nil, nil
	}
	if node.Kind != yaml.SequenceNode {
		return nil, invalid("step %s: out must be a list", stepID)
	}
	var outs []string
	for _, item := range node.Content {
		switch item.Kind {
		case yaml.ScalarNode:
			outs = append(outs, item.Value)
		case yaml.MappingNode:
			var named struct {
				ID string `yaml:"id"`
			}
			if err := item.Decode(&named); err != nil || named.ID == "" {
				return nil, invalid("step %s: out entries need an id", stepID)
			}
			outs = append(outs, named.ID)
		default:
			return nil, invalid("step %s: bad out entry", stepID)
		}
	}
	return outs, nil
}

// findJobName looks for the job-name hint in a hints list or mapping
func findJobName(node *yaml.Node) string {
	switch node.Kind {
	case yaml.SequenceNode:
		for _, item := range node.Content {
			if name := findJobName(item); name != "" {
				return name
			}
		}
	case yaml.MappingNode:
		for i := 0; i+1 < len(node.Content); i += 2 {
			if node.Content[i].Value == JobNameHint && node.Content[i+1].Kind == yaml.ScalarNode {
				return node.Content[i+1].Value
			}
		}
	}
	return ""
}

func singleSource(node *yaml.Node, where string) (string, error) {
	if node == nil || node.Kind == 0 {
		return "", invalid("%s has no source", where)
	}
	switch node.Kind {
	case yaml.ScalarNode:
		return normalizePort(node.Value), nil
	case yaml.SequenceNode:
		if len(node.Content) == 1 && node.Content[0].Kind == yaml.ScalarNode {
			return normalizePort(node.Content[0].Value), nil
		}
		return "", invalid("%s: multiple sources are not supported", where)
	default:
		return "", invalid("%s: bad source", where)
	}
}

// normalizePort drops a document-relative "#" anchor
func normalizePort(p string) string {
	if i := strings.LastIndex(p, "#"); i >= 0 {
		p = p[i+1:]
	}
	return p
}

// idMap reads a CWL map-or-list collection
func idMap(node *yaml.Node, where string) ([]entry, error) {
	switch node.Kind {
	case 0:
		return nil, nil
	case yaml.MappingNode:
		entries := make([]entry, 0, len(node.Content)/2)
		for i := 0; i+1 < len(node.Content); i += 2 {
			entries = append(entries, entry{id: node.Content[i].Value, node: node.Content[i+1]})
		}
		return entries, nil
	case yaml.SequenceNode:
		entries := make([]entry, 0, len(node.Content))
		for _, item := range node.Content {
			if item.Kind != yaml.MappingNode {
				return nil, invalid("%s: list entries must be mappings", where)
			}
			var named struct {
				ID string `yaml:"id"`
			}
			if err := item.Decode(&named); err != nil || named.ID == "" {
				return nil, invalid("%s: list entries need an id", where)
			}
			entries = append(entries, entry{id: normalizePort(named.ID), node: item})
		}
		return entries, nil
	default:
		return nil, invalid("%s must be a mapping or a list", where)
	}
}
