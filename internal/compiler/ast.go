// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package compiler turns workflow documents into a port-level description the DAG
// builder can consume. It knows nothing about storage or execution.
package compiler

// Document is the compiled form of a workflow document
type Document struct {
	Inputs  []Parameter
	Outputs []Output
	Steps   []Step
}

// Parameter is a named, typed input
type Parameter struct {
	Name string
	Type string
}

// Output binds a workflow output to the port that produces it
type Output struct {
	Name   string
	Source string // "step/output"
}

// Step is one node of the workflow
type Step struct {
	ID string
	// JobTypeHint names the agent job type. Empty when the document gave none.
	JobTypeHint string
	Inputs      []Parameter
	Outputs     []string
	Links       []Link
}

// Link connects a source port to a destination port. Ports are "step/io" for
// step-bound ports and "io" for workflow boundary ports.
type Link struct {
	Dst string
	Src string
}

// Frontend compiles a document into a Document
type Frontend interface {
	Compile(document string) (*Document, error)
}
