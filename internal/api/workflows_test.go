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
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/existential-birds/amelia/internal/driver"
	"github.com/existential-birds/amelia/internal/eventbus"
	"github.com/existential-birds/amelia/internal/scheduler"
	"github.com/existential-birds/amelia/internal/store"
	"github.com/existential-birds/amelia/internal/store/memory"
	"github.com/existential-birds/amelia/internal/workflow"
	"github.com/existential-birds/amelia/pkg/tools"
)

type scriptedDriver struct {
	responses []string
	call      int
}

func (d *scriptedDriver) Name() string { return "fake" }

func (d *scriptedDriver) Generate(_ context.Context, _ driver.GenerateRequest) (*driver.GenerateResult, error) {
	if d.call >= len(d.responses) {
		return &driver.GenerateResult{Content: `{"final":"no more scripted responses"}`}, nil
	}
	content := d.responses[d.call]
	d.call++
	return &driver.GenerateResult{Content: content}, nil
}

func (d *scriptedDriver) ExecuteAgentic(_ context.Context, _ driver.AgenticRequest) (<-chan driver.AgenticMessage, error) {
	ch := make(chan driver.AgenticMessage)
	close(ch)
	return ch, nil
}

func (d *scriptedDriver) CleanupSession(_ context.Context, _ string) error { return nil }

const testPlanResponse = `{"final":"{\"tasks\":[{\"id\":\"t1\",\"description\":\"write the code\",\"depends_on\":[]}],\"execution_order\":[\"t1\"]}"}`

func newTestHandler(t *testing.T) (*WorkflowsHandler, store.Backend) {
	t.Helper()
	backend := memory.New()
	bus := eventbus.New(backend.Events())
	d := &scriptedDriver{responses: []string{testPlanResponse}}
	s := scheduler.New(backend,
		bus,
		func(store.Profile) (driver.Driver, error) { return d, nil },
		func(string) *tools.Registry { return tools.NewRegistry() },
	)

	require.NoError(t, backend.Profiles().Create(context.Background(), store.Profile{ID: "p1", Name: "default", DriverKind: "fake"}))
	require.NoError(t, backend.Profiles().SetActive(context.Background(), "p1"))
	return NewWorkflowsHandler(s, backend), backend
}

func waitUntilBlocked(t *testing.T, backend store.Backend, id string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		w, err := backend.Workflows().Get(context.Background(), id)
		require.NoError(t, err)
		if w.Status == workflow.StatusBlocked {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("workflow %s never blocked", id)
}

func TestHandleCreate_RequiresWorktreePath(t *testing.T) {
	h, _ := newTestHandler(t)
	req := httptest.NewRequest(http.MethodPost, "/api/workflows", bytes.NewBufferString(`{"issue_id":"x"}`))
	rec := httptest.NewRecorder()

	h.handleCreate(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleCreate_StartsWorkflowByDefault(t *testing.T) {
	h, backend := newTestHandler(t)
	body := `{"worktree_path":"/tmp/api-wt1","task_title":"ship it"}`
	req := httptest.NewRequest(http.MethodPost, "/api/workflows", bytes.NewBufferString(body))
	rec := httptest.NewRecorder()

	h.handleCreate(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code)

	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	waitUntilBlocked(t, backend, resp["workflow_id"])
}

func TestHandleCreate_RejectsMutuallyExclusivePlanFields(t *testing.T) {
	h, _ := newTestHandler(t)
	body := `{"worktree_path":"/tmp/api-wt2","plan_file":"a.json","plan_content":"{}"}`
	req := httptest.NewRequest(http.MethodPost, "/api/workflows", bytes.NewBufferString(body))
	rec := httptest.NewRecorder()

	h.handleCreate(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleCreate_AcceptsJSONPlanContentAsExternalPlan(t *testing.T) {
	h, backend := newTestHandler(t)
	plan := `{\"tasks\":[{\"id\":\"t1\",\"description\":\"d\"}],\"execution_order\":[\"t1\"]}`
	body := `{"worktree_path":"/tmp/api-wt3","plan_content":"` + plan + `"}`
	req := httptest.NewRequest(http.MethodPost, "/api/workflows", bytes.NewBufferString(body))
	rec := httptest.NewRecorder()

	h.handleCreate(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code)

	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	w, err := backend.Workflows().Get(context.Background(), resp["workflow_id"])
	require.NoError(t, err)
	assert.True(t, w.ExternalPlan)
}

func TestHandleList_FiltersByStatusAndWorktreeAndLimit(t *testing.T) {
	h, _ := newTestHandler(t)
	for i, wt := range []string{"/tmp/a", "/tmp/b"} {
		body := `{"worktree_path":"` + wt + `","task_title":"t","start":false}`
		req := httptest.NewRequest(http.MethodPost, "/api/workflows", bytes.NewBufferString(body))
		rec := httptest.NewRecorder()
		h.handleCreate(rec, req)
		require.Equal(t, http.StatusCreated, rec.Code, "iteration %d", i)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/workflows?status=pending&worktree=/tmp/a", nil)
	rec := httptest.NewRecorder()
	h.handleList(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var summaries []workflow.WorkflowSummary
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &summaries))
	require.Len(t, summaries, 1)
	assert.Equal(t, "/tmp/a", summaries[0].WorktreePath)
}

func TestHandleList_RejectsMalformedLimit(t *testing.T) {
	h, _ := newTestHandler(t)
	req := httptest.NewRequest(http.MethodGet, "/api/workflows?limit=not-a-number", nil)
	rec := httptest.NewRecorder()

	h.handleList(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleGet_ReturnsNotFoundForUnknownWorkflow(t *testing.T) {
	h, _ := newTestHandler(t)
	req := httptest.NewRequest(http.MethodGet, "/api/workflows/missing", nil)
	req.SetPathValue("id", "missing")
	rec := httptest.NewRecorder()

	h.handleGet(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleGet_AppliesJQFilter(t *testing.T) {
	h, backend := newTestHandler(t)
	body := `{"worktree_path":"/tmp/api-wt4","task_title":"t","start":false}`
	createReq := httptest.NewRequest(http.MethodPost, "/api/workflows", bytes.NewBufferString(body))
	createRec := httptest.NewRecorder()
	h.handleCreate(createRec, createReq)
	require.Equal(t, http.StatusCreated, createRec.Code)
	var created map[string]string
	require.NoError(t, json.Unmarshal(createRec.Body.Bytes(), &created))

	req := httptest.NewRequest(http.MethodGet, "/api/workflows/"+created["workflow_id"]+"?jq=.Status", nil)
	req.SetPathValue("id", created["workflow_id"])
	rec := httptest.NewRecorder()
	h.handleGet(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var status string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, "pending", status)

	_ = backend
}

func TestHandleGet_RejectsInvalidJQExpression(t *testing.T) {
	h, _ := newTestHandler(t)
	body := `{"worktree_path":"/tmp/api-wt5","task_title":"t","start":false}`
	createReq := httptest.NewRequest(http.MethodPost, "/api/workflows", bytes.NewBufferString(body))
	createRec := httptest.NewRecorder()
	h.handleCreate(createRec, createReq)
	var created map[string]string
	require.NoError(t, json.Unmarshal(createRec.Body.Bytes(), &created))

	req := httptest.NewRequest(http.MethodGet, "/api/workflows/"+created["workflow_id"]+"?jq=(((", nil)
	req.SetPathValue("id", created["workflow_id"])
	rec := httptest.NewRecorder()
	h.handleGet(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
