// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/noldarim/caroni/internal/compiler"
	"github.com/noldarim/caroni/internal/fsm"
	"github.com/noldarim/caroni/internal/orchestrator/dag"
	"github.com/noldarim/caroni/internal/orchestrator/database"
	"github.com/noldarim/caroni/internal/orchestrator/models"
	"github.com/noldarim/caroni/internal/orchestrator/services"
	"github.com/noldarim/caroni/internal/protocol"

	"github.com/go-chi/chi/v5"
)

// Handlers holds dependencies for HTTP handlers.
type Handlers struct {
	data   *services.DataService
	runner services.WorkflowRunner
}

// NewHandlers creates the handler set.
func NewHandlers(data *services.DataService, runner services.WorkflowRunner) *Handlers {
	return &Handlers{data: data, runner: runner}
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		getLog().Error().Err(err).Msg("Failed to encode JSON response")
	}
}

// errBadRequest marks request validation failures
var errBadRequest = errors.New("bad request")

// writeError maps service errors to a status code and logs them with the request id
func writeError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, database.ErrNotFound), errors.Is(err, services.ErrTemplateNotFound):
		status = http.StatusNotFound
	case errors.Is(err, services.ErrTemplateExists), errors.Is(err, fsm.ErrInvalidTransition):
		status = http.StatusConflict
	case errors.Is(err, errBadRequest),
		errors.Is(err, compiler.ErrInvalidDocument),
		errors.Is(err, services.ErrMissingWorkflowInput),
		errors.Is(err, dag.ErrMissingJobTypeHint),
		errors.Is(err, dag.ErrUnsupportedParameterType),
		errors.Is(err, dag.ErrUnresolvedPort),
		errors.Is(err, dag.ErrInvalidDataflow):
		status = http.StatusBadRequest
	}

	ev := requestLog(r.Context()).Warn()
	if status >= http.StatusInternalServerError {
		ev = requestLog(r.Context()).Error()
	}
	ev.Err(err).Int("status", status).Msg(msg)

	writeJSON(w, status, map[string]string{
		"error":      msg,
		"context":    err.Error(),
		"request_id": requestID(r.Context()),
	})
}

// Healthz handles GET /healthz
func (h *Handlers) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// --- templates ---

// GetTemplates handles GET /api/v1/templates
func (h *Handlers) GetTemplates(w http.ResponseWriter, r *http.Request) {
	templates, err := h.data.ListTemplates(r.Context())
	if err != nil {
		writeError(w, r, "Failed to load templates", err)
		return
	}
	writeJSON(w, http.StatusOK, templates)
}

// GetTemplate handles GET /api/v1/templates/{name}
func (h *Handlers) GetTemplate(w http.ResponseWriter, r *http.Request) {
	tmpl, err := h.data.GetTemplate(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		writeError(w, r, "Failed to load template", err)
		return
	}
	writeJSON(w, http.StatusOK, tmpl)
}

// createTemplateRequest is the JSON body for template creation.
type createTemplateRequest struct {
	Name     string `json:"name"`
	Document string `json:"document"`
}

// CreateTemplate handles POST /api/v1/templates
func (h *Handlers) CreateTemplate(w http.ResponseWriter, r *http.Request) {
	var body createTemplateRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, r, "Invalid JSON body", fmt.Errorf("%w: %v", errBadRequest, err))
		return
	}
	body.Name = strings.TrimSpace(body.Name)
	if body.Name == "" {
		writeError(w, r, "Invalid template", fmt.Errorf("%w: name is required", errBadRequest))
		return
	}

	tmpl, err := h.data.CreateTemplate(r.Context(), body.Name, body.Document)
	if err != nil {
		writeError(w, r, "Failed to create template", err)
		return
	}
	writeJSON(w, http.StatusCreated, tmpl)
}

// --- workflows ---

// GetWorkflows handles GET /api/v1/workflows?state=
func (h *Handlers) GetWorkflows(w http.ResponseWriter, r *http.Request) {
	state := models.WorkflowState(r.URL.Query().Get("state"))
	workflows, err := h.data.ListWorkflows(r.Context(), state)
	if err != nil {
		writeError(w, r, "Failed to load workflows", err)
		return
	}
	writeJSON(w, http.StatusOK, workflows)
}

// GetWorkflow handles GET /api/v1/workflows/{id}
func (h *Handlers) GetWorkflow(w http.ResponseWriter, r *http.Request) {
	wf, err := h.data.GetWorkflow(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, "Failed to load workflow", err)
		return
	}
	writeJSON(w, http.StatusOK, wf)
}

// createWorkflowRequest is the JSON body for workflow creation.
type createWorkflowRequest struct {
	Template string            `json:"template"`
	Name     string            `json:"name,omitempty"`
	Inputs   map[string]string `json:"inputs,omitempty"`
}

// CreateWorkflow handles POST /api/v1/workflows
func (h *Handlers) CreateWorkflow(w http.ResponseWriter, r *http.Request) {
	var body createWorkflowRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, r, "Invalid JSON body", fmt.Errorf("%w: %v", errBadRequest, err))
		return
	}
	body.Template = strings.TrimSpace(body.Template)
	if body.Template == "" {
		writeError(w, r, "Invalid workflow", fmt.Errorf("%w: template is required", errBadRequest))
		return
	}

	wf, err := h.runner.HandleWorkflowCreate(r.Context(), &protocol.WorkflowCreate{
		TemplateName: body.Template,
		WorkflowName: strings.TrimSpace(body.Name),
		Inputs:       protocol.ParametersFromMap(body.Inputs),
	})
	if err != nil {
		writeError(w, r, "Failed to create workflow", err)
		return
	}
	writeJSON(w, http.StatusCreated, wf)
}

// FailWorkflow handles POST /api/v1/workflows/{id}/fail
func (h *Handlers) FailWorkflow(w http.ResponseWriter, r *http.Request) {
	wf, err := h.runner.FailWorkflow(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, "Failed to fail workflow", err)
		return
	}
	writeJSON(w, http.StatusOK, wf)
}
