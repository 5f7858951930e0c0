// Copyright (C) 2025-2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package testutil

// Workflow documents shared by package tests

// SingleStepDocument runs one echo job on the workflow input "message"
const SingleStepDocument = `
cwlVersion: v1.2
class: Workflow
inputs:
  message: string
outputs:
  echoed:
    type: string
    outputSource: echo/out
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
      msg: message
    out: [out]
`

// NoInputDocument is one step with neither inputs nor outputs
const NoInputDocument = `
cwlVersion: v1.2
class: Workflow
inputs: {}
outputs: {}
steps:
  tick:
    run:
      class: CommandLineTool
      inputs: {}
      hints:
        CaroniJobName: tick
    in: {}
    out: []
`

// TwoStepDocument chains A (out1) into B (in1). A reads the workflow input "message";
// B's output becomes the workflow output "result".
const TwoStepDocument = `
cwlVersion: v1.2
class: Workflow
inputs:
  message: string
outputs:
  result:
    type: string
    outputSource: "#B/out"
steps:
  A:
    run:
      class: CommandLineTool
      inputs:
        msg: string
      hints:
        - CaroniJobName: echo
    in:
      msg: message
    out: [out1]
  B:
    run:
      class: CommandLineTool
      inputs:
        in1: string
      hints:
        - CaroniJobName: upper
    in:
      in1: A/out1
    out: [out]
`

// BrokenStepDocument has one good step and one without a job type hint
const BrokenStepDocument = `
cwlVersion: v1.2
class: Workflow
inputs:
  message: string
outputs: {}
steps:
  good:
    run:
      class: CommandLineTool
      inputs:
        msg: string
      hints:
        CaroniJobName: echo
    in:
      msg: message
    out: [out]
  nohint:
    run:
      class: CommandLineTool
      inputs:
        text: string
    in:
      text: good/out
    out: [out]
`

// NoStepsDocument compiles, but its only step has no job type hint
const NoStepsDocument = `
cwlVersion: v1.2
class: Workflow
inputs: {}
outputs: {}
steps:
  nohint:
    run:
      class: CommandLineTool
      inputs: {}
    in: {}
    out: [out]
`
