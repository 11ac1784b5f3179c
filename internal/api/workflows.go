// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package api

import (
	"encoding/json"
	"net/http"
	"os"
	"strconv"

	"github.com/existential-birds/amelia/internal/httputil"
	"github.com/existential-birds/amelia/internal/scheduler"
	"github.com/existential-birds/amelia/internal/store"
	"github.com/existential-birds/amelia/internal/workflow"
)

// WorkflowsHandler serves the /api/workflows* endpoint family.
type WorkflowsHandler struct {
	scheduler *scheduler.Scheduler
	backend   store.Backend
}

// NewWorkflowsHandler returns a handler driving s and reading projections
// from backend.
func NewWorkflowsHandler(s *scheduler.Scheduler, backend store.Backend) *WorkflowsHandler {
	return &WorkflowsHandler{scheduler: s, backend: backend}
}

// RegisterRoutes registers the workflow routes on mux.
func (h *WorkflowsHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/workflows", h.handleCreate)
	mux.HandleFunc("GET /api/workflows", h.handleList)
	mux.HandleFunc("GET /api/workflows/{id}", h.handleGet)
	mux.HandleFunc("POST /api/workflows/{id}/start", h.handleStart)
	mux.HandleFunc("POST /api/workflows/start-batch", h.handleStartBatch)
	mux.HandleFunc("POST /api/workflows/{id}/cancel", h.handleCancel)
	mux.HandleFunc("POST /api/workflows/{id}/approve", h.handleApprove)
	mux.HandleFunc("POST /api/workflows/{id}/reject", h.handleReject)
	mux.HandleFunc("POST /api/workflows/{id}/plan", h.handlePlan)
}

// createWorkflowRequest is the POST /api/workflows body, per spec.md §6.
type createWorkflowRequest struct {
	IssueID         string `json:"issue_id"`
	WorktreePath    string `json:"worktree_path"`
	WorktreeName    string `json:"worktree_name,omitempty"`
	Profile         string `json:"profile,omitempty"`
	TaskTitle       string `json:"task_title,omitempty"`
	TaskDescription string `json:"task_description,omitempty"`
	Start           *bool  `json:"start,omitempty"`
	PlanNow         bool   `json:"plan_now,omitempty"`
	PlanFile        string `json:"plan_file,omitempty"`
	PlanContent     string `json:"plan_content,omitempty"`
}

// goal folds the optional task title/description into the single goal
// string the scheduler/Architect operate on.
func (req createWorkflowRequest) goal() string {
	switch {
	case req.TaskTitle != "" && req.TaskDescription != "":
		return req.TaskTitle + "\n\n" + req.TaskDescription
	case req.TaskTitle != "":
		return req.TaskTitle
	default:
		return req.TaskDescription
	}
}

func (h *WorkflowsHandler) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req createWorkflowRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.WriteErrorStatus(w, http.StatusBadRequest, "validation", "invalid request body: "+err.Error())
		return
	}
	if req.WorktreePath == "" {
		httputil.WriteErrorStatus(w, http.StatusBadRequest, "validation", "worktree_path is required")
		return
	}

	plan, err := loadExternalPlan(req.PlanFile, req.PlanContent)
	if err != nil {
		httputil.WriteErrorStatus(w, http.StatusBadRequest, "validation", err.Error())
		return
	}

	wfReq := scheduler.WorkflowRequest{
		IssueID:      req.IssueID,
		Goal:         req.goal(),
		WorktreePath: req.WorktreePath,
		WorktreeName: req.WorktreeName,
		ProfileID:    req.Profile,
		ExternalPlan: plan,
	}

	start := req.Start == nil || *req.Start // defaults true, per spec.md
	ctx := r.Context()

	var created *workflow.Workflow
	switch {
	case start:
		created, err = h.scheduler.StartWorkflow(ctx, wfReq)
	case req.PlanNow:
		created, err = h.scheduler.QueueAndPlanWorkflow(ctx, wfReq)
	default:
		created, err = h.scheduler.QueueWorkflow(ctx, wfReq)
	}
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	httputil.WriteJSON(w, http.StatusCreated, map[string]string{"workflow_id": created.ID})
}

// loadExternalPlan decodes a caller-supplied TaskPlan from plan_file or
// plan_content (JSON, not markdown: parsing plan prose is explicitly out of
// this system's scope). Returns (nil, nil) when neither is set.
func loadExternalPlan(planFile, planContent string) (*workflow.TaskPlan, error) {
	if planFile != "" && planContent != "" {
		return nil, errValidation("plan_file and plan_content are mutually exclusive")
	}
	raw := []byte(planContent)
	if planFile != "" {
		var err error
		raw, err = os.ReadFile(planFile)
		if err != nil {
			return nil, errValidation("reading plan_file: " + err.Error())
		}
	}
	if len(raw) == 0 {
		return nil, nil
	}

	var plan workflow.TaskPlan
	if err := json.Unmarshal(raw, &plan); err != nil {
		return nil, errValidation("plan content must be a JSON-encoded task plan: " + err.Error())
	}
	return &plan, nil
}

type validationMessage string

func (e validationMessage) Error() string { return string(e) }
func errValidation(msg string) error      { return validationMessage(msg) }

func (h *WorkflowsHandler) handleList(w http.ResponseWriter, r *http.Request) {
	summaries, err := h.backend.Workflows().List(r.Context())
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	q := r.URL.Query()
	status := q.Get("status")
	worktree := q.Get("worktree")
	limit := -1
	if raw := q.Get("limit"); raw != "" {
		n, convErr := strconv.Atoi(raw)
		if convErr != nil || n < 0 {
			httputil.WriteErrorStatus(w, http.StatusBadRequest, "validation", "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	filtered := make([]workflow.WorkflowSummary, 0, len(summaries))
	for _, s := range summaries {
		if status != "" && string(s.Status) != status {
			continue
		}
		if worktree != "" && s.WorktreePath != worktree {
			continue
		}
		filtered = append(filtered, s)
		if limit >= 0 && len(filtered) >= limit {
			break
		}
	}

	httputil.WriteJSON(w, http.StatusOK, filtered)
}

// workflowDetail is the GET /api/workflows/{id} response: the full
// workflow aggregate plus its most recent events (the log itself lives in
// the event store/WebSocket stream, not duplicated here in bulk).
type workflowDetail struct {
	*workflow.Workflow
	RecentEvents []workflow.Event `json:"recent_events"`
}

const recentEventsLimit = 50

func (h *WorkflowsHandler) handleGet(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	wf, err := h.backend.Workflows().Get(r.Context(), id)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	var since uint64
	if wf.Sequence > recentEventsLimit {
		since = wf.Sequence - recentEventsLimit
	}
	events, err := h.backend.Events().ListSince(r.Context(), id, since)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	detail := workflowDetail{Workflow: wf, RecentEvents: events}

	if expr := r.URL.Query().Get("jq"); expr != "" {
		filtered, err := applyJQFilter(detail, expr)
		if err != nil {
			httputil.WriteErrorStatus(w, http.StatusBadRequest, "validation", err.Error())
			return
		}
		httputil.WriteJSON(w, http.StatusOK, filtered)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, detail)
}

func (h *WorkflowsHandler) handleStart(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := h.scheduler.StartPendingWorkflow(r.Context(), id); err != nil {
		httputil.WriteError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

type startBatchRequest struct {
	WorkflowIDs  []string `json:"workflow_ids,omitempty"`
	WorktreePath string   `json:"worktree_path,omitempty"`
}

func (h *WorkflowsHandler) handleStartBatch(w http.ResponseWriter, r *http.Request) {
	var req startBatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.WriteErrorStatus(w, http.StatusBadRequest, "validation", "invalid request body: "+err.Error())
		return
	}

	ids := req.WorkflowIDs
	if req.WorktreePath != "" {
		summaries, err := h.backend.Workflows().List(r.Context())
		if err != nil {
			httputil.WriteError(w, err)
			return
		}
		ids = nil
		for _, s := range summaries {
			if s.WorktreePath == req.WorktreePath && s.Status == workflow.StatusPending {
				ids = append(ids, s.ID)
			}
		}
	}

	result := h.scheduler.StartBatchWorkflows(r.Context(), ids)
	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"started": orEmpty(result.Started),
		"errors":  result.Errors,
	})
}

func orEmpty(ids []string) []string {
	if ids == nil {
		return []string{}
	}
	return ids
}

func (h *WorkflowsHandler) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := h.scheduler.CancelWorkflow(r.Context(), id); err != nil {
		httputil.WriteError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (h *WorkflowsHandler) handleApprove(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := h.scheduler.ApprovePlan(r.Context(), id); err != nil {
		httputil.WriteError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (h *WorkflowsHandler) handleReject(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := h.scheduler.RejectPlan(r.Context(), id); err != nil {
		httputil.WriteError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

type setPlanRequest struct {
	PlanFile    string `json:"plan_file,omitempty"`
	PlanContent string `json:"plan_content,omitempty"`
	Force       bool   `json:"force,omitempty"`
}

func (h *WorkflowsHandler) handlePlan(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req setPlanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.WriteErrorStatus(w, http.StatusBadRequest, "validation", "invalid request body: "+err.Error())
		return
	}

	plan, err := loadExternalPlan(req.PlanFile, req.PlanContent)
	if err != nil {
		httputil.WriteErrorStatus(w, http.StatusBadRequest, "validation", err.Error())
		return
	}
	if plan == nil {
		httputil.WriteErrorStatus(w, http.StatusBadRequest, "validation", "plan_file or plan_content is required")
		return
	}

	if err := h.scheduler.SetExternalPlan(r.Context(), id, plan, req.Force); err != nil {
		httputil.WriteError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}
