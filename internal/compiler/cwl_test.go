// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package compiler

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const twoStepDocument = `
cwlVersion: v1.2
class: Workflow
inputs:
  start_message: string
outputs:
  final:
    type: string
    outputSource: shout/out
steps:
  echo:
    run:
      class: CommandLineTool
      inputs:
        msg: string
      outputs:
        out: string
      hints:
        - CaroniJobName: echo
    in:
      msg: start_message
    out: [out]
  shout:
    run:
      class: CommandLineTool
      inputs:
        - id: text
          type: string
      hints:
        CaroniJobName: upper
    in:
      text:
        source: "#echo/out"
    out:
      - id: out
`

func TestCompileTwoStepWorkflow(t *testing.T) {
	doc, err := NewCWLFrontend().Compile(twoStepDocument)
	require.NoError(t, err)

	assert.Equal(t, []Parameter{{Name: "start_message", Type: "string"}}, doc.Inputs)
	assert.Equal(t, []Output{{Name: "final", Source: "shout/out"}}, doc.Outputs)
	require.Len(t, doc.Steps, 2)

	echo := doc.Steps[0]
	assert.Equal(t, "echo", echo.ID)
	assert.Equal(t, "echo", echo.JobTypeHint)
	assert.Equal(t, []Parameter{{Name: "msg", Type: "string"}}, echo.Inputs)
	assert.Equal(t, []string{"out"}, echo.Outputs)
	assert.Equal(t, []Link{{Dst: "echo/msg", Src: "start_message"}}, echo.Links)

	shout := doc.Steps[1]
	assert.Equal(t, "upper", shout.JobTypeHint)
	assert.Equal(t, []Parameter{{Name: "text", Type: "string"}}, shout.Inputs)
	assert.Equal(t, []Link{{Dst: "shout/text", Src: "echo/out"}}, shout.Links)
}

func TestCompileKeepsMissingHintAndTypes(t *testing.T) {
	doc, err := NewCWLFrontend().Compile(`
class: Workflow
steps:
  count:
    run:
      class: CommandLineTool
      inputs:
        n: int
        opts:
          type: [string, "null"]
    in: {}
    out: []
`)
	require.NoError(t, err)
	require.Len(t, doc.Steps, 1)
	assert.Empty(t, doc.Steps[0].JobTypeHint)
	assert.Equal(t, []Parameter{{Name: "n", Type: "int"}, {Name: "opts", Type: "complex"}}, doc.Steps[0].Inputs)
}

func TestStepHintOverridesToolHint(t *testing.T) {
	doc, err := NewCWLFrontend().Compile(`
class: Workflow
steps:
  a:
    hints:
      - CaroniJobName: from-step
    run:
      class: CommandLineTool
      hints:
        - CaroniJobName: from-tool
    out: []
`)
	require.NoError(t, err)
	assert.Equal(t, "from-step", doc.Steps[0].JobTypeHint)
}

func TestCompileRejectsInvalidDocuments(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"not yaml", "class: [unterminated"},
		{"wrong class", "class: CommandLineTool"},
		{"external run", "class: Workflow\nsteps:\n  a:\n    run: tool.cwl\n"},
		{"multi source", `
class: Workflow
steps:
  a:
    run: {class: CommandLineTool}
    in:
      x: [p, q]
`},
		{"output without source", "class: Workflow\noutputs:\n  o: string\n"},
		{"list entry without id", "class: Workflow\ninputs:\n  - type: string\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewCWLFrontend().Compile(tt.doc)
			assert.ErrorIs(t, err, ErrInvalidDocument)
		})
	}
}

func TestNormalizePort(t *testing.T) {
	assert.Equal(t, "step/out", normalizePort("#step/out"))
	assert.Equal(t, "step/out", normalizePort("file:///wf.cwl#step/out"))
	assert.Equal(t, "msg", normalizePort("msg"))
}
