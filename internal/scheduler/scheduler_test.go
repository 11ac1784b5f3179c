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

package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/existential-birds/amelia/internal/driver"
	"github.com/existential-birds/amelia/internal/eventbus"
	"github.com/existential-birds/amelia/internal/store"
	"github.com/existential-birds/amelia/internal/store/memory"
	"github.com/existential-birds/amelia/internal/workflow"
	amerrors "github.com/existential-birds/amelia/pkg/errors"
	"github.com/existential-birds/amelia/pkg/tools"
)

// fakeDriver is a scripted driver.Driver, mirroring internal/agent's test
// double, for exercising the scheduler without a real LLM backend. Spawned
// execution tasks run on their own goroutine, so access to the scripted
// response cursor is mutex-guarded rather than assumed single-threaded.
type fakeDriver struct {
	mu                sync.Mutex
	generateResponses []string
	generateCall      int
	agenticMessages   []driver.AgenticMessage
}

func (f *fakeDriver) Name() string { return "fake" }

func (f *fakeDriver) Generate(_ context.Context, _ driver.GenerateRequest) (*driver.GenerateResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.generateCall >= len(f.generateResponses) {
		return &driver.GenerateResult{Content: `{"final":"no more scripted responses"}`}, nil
	}
	content := f.generateResponses[f.generateCall]
	f.generateCall++
	return &driver.GenerateResult{Content: content}, nil
}

func (f *fakeDriver) ExecuteAgentic(_ context.Context, _ driver.AgenticRequest) (<-chan driver.AgenticMessage, error) {
	ch := make(chan driver.AgenticMessage, len(f.agenticMessages))
	for _, m := range f.agenticMessages {
		ch <- m
	}
	close(ch)
	return ch, nil
}

func (f *fakeDriver) CleanupSession(_ context.Context, _ string) error { return nil }

const planResponse = `{"final":"{\"tasks\":[{\"id\":\"t1\",\"description\":\"write the code\",\"depends_on\":[]}],\"execution_order\":[\"t1\"]}"}`
const approveResponse = `{"final":"{\"approved\":true,\"comments\":[\"looks good\"]}"}`

func newTestScheduler(t *testing.T, d driver.Driver) (*Scheduler, store.Backend) {
	t.Helper()
	backend := memory.New()
	bus := eventbus.New(backend.Events())
	s := New(backend,
		bus,
		func(store.Profile) (driver.Driver, error) { return d, nil },
		func(string) *tools.Registry { return tools.NewRegistry() },
	)

	err := backend.Profiles().Create(context.Background(), store.Profile{ID: "p1", Name: "default", DriverKind: "fake", Model: "model-x"})
	require.NoError(t, err)
	require.NoError(t, backend.Profiles().SetActive(context.Background(), "p1"))
	return s, backend
}

func waitForStatus(t *testing.T, backend store.Backend, id string, want workflow.Status) *workflow.Workflow {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		w, err := backend.Workflows().Get(context.Background(), id)
		require.NoError(t, err)
		if w.Status == want {
			return w
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("workflow %s did not reach status %s", id, want)
	return nil
}

func TestStartWorkflow_BlocksAtApprovalGateThenCompletesOnApproval(t *testing.T) {
	d := &fakeDriver{generateResponses: []string{planResponse, approveResponse}}
	s, backend := newTestScheduler(t, d)
	ctx := context.Background()

	w, err := s.StartWorkflow(ctx, WorkflowRequest{Goal: "ship it", WorktreePath: "/tmp/wt1"})
	require.NoError(t, err)

	blocked := waitForStatus(t, backend, w.ID, workflow.StatusBlocked)
	assert.Equal(t, workflow.StageArchitect, blocked.Stage)
	require.NotNil(t, blocked.Plan)
	assert.Equal(t, []string{"t1"}, blocked.Plan.ExecutionOrder)

	require.NoError(t, s.ApprovePlan(ctx, w.ID))

	completed := waitForStatus(t, backend, w.ID, workflow.StatusCompleted)
	require.Len(t, completed.ReviewVerdicts, 1)
	assert.True(t, completed.ReviewVerdicts[0].Approved)
	assert.NotNil(t, completed.CompletedAt)
}

func TestStartWorkflow_WorktreeConflictRejectsSecondAdmission(t *testing.T) {
	d := &fakeDriver{generateResponses: []string{planResponse}}
	s, _ := newTestScheduler(t, d)
	ctx := context.Background()

	_, err := s.StartWorkflow(ctx, WorkflowRequest{Goal: "first", WorktreePath: "/tmp/shared"})
	require.NoError(t, err)

	_, err = s.StartWorkflow(ctx, WorkflowRequest{Goal: "second", WorktreePath: "/tmp/shared"})
	require.Error(t, err)
	var conflict *amerrors.WorktreeConflictError
	require.ErrorAs(t, err, &conflict)
}

func TestStartWorkflow_ConcurrencyCapRejectsAdmission(t *testing.T) {
	d := &fakeDriver{generateResponses: []string{planResponse}}
	s, backend := newTestScheduler(t, d)
	ctx := context.Background()

	settings, err := backend.Settings().Get(ctx)
	require.NoError(t, err)
	settings.MaxConcurrent = 1
	require.NoError(t, backend.Settings().Put(ctx, settings))

	_, err = s.StartWorkflow(ctx, WorkflowRequest{Goal: "first", WorktreePath: "/tmp/wt-a"})
	require.NoError(t, err)

	_, err = s.StartWorkflow(ctx, WorkflowRequest{Goal: "second", WorktreePath: "/tmp/wt-b"})
	require.Error(t, err)
	var limitErr *amerrors.ConcurrencyLimitError
	require.ErrorAs(t, err, &limitErr)
}

func TestRejectPlan_DuringReviewerStageFailsTheBlockedTask(t *testing.T) {
	rejectResponse := `{"final":"{\"approved\":false,\"requested_changes\":[\"add a test\"]}"}`
	d := &fakeDriver{generateResponses: []string{planResponse, approveResponse, rejectResponse}}
	s, backend := newTestScheduler(t, d)
	ctx := context.Background()

	w, err := s.StartWorkflow(ctx, WorkflowRequest{Goal: "ship it", WorktreePath: "/tmp/wt2"})
	require.NoError(t, err)
	waitForStatus(t, backend, w.ID, workflow.StatusBlocked)
	require.NoError(t, s.ApprovePlan(ctx, w.ID))

	blocked := waitForStatus(t, backend, w.ID, workflow.StatusBlocked)
	assert.Equal(t, workflow.StageReviewer, blocked.Stage)

	require.NoError(t, s.RejectPlan(ctx, w.ID))

	failed := waitForStatus(t, backend, w.ID, workflow.StatusFailed)
	assert.Equal(t, "review_rejected", failed.FailureReason)
	require.Len(t, failed.Plan.Tasks, 1)
	assert.Equal(t, workflow.TaskFailed, failed.Plan.Tasks[0].Status)
}

func TestCancelWorkflow_IsIdempotent(t *testing.T) {
	d := &fakeDriver{generateResponses: []string{planResponse}}
	s, backend := newTestScheduler(t, d)
	ctx := context.Background()

	w, err := s.StartWorkflow(ctx, WorkflowRequest{Goal: "ship it", WorktreePath: "/tmp/wt3"})
	require.NoError(t, err)
	waitForStatus(t, backend, w.ID, workflow.StatusBlocked)

	require.NoError(t, s.CancelWorkflow(ctx, w.ID))
	cancelled := waitForStatus(t, backend, w.ID, workflow.StatusCancelled)
	assert.Equal(t, workflow.StatusCancelled, cancelled.Status)

	// Cancelling an already-terminal workflow is a no-op, not an error.
	require.NoError(t, s.CancelWorkflow(ctx, w.ID))
}

func TestRestart_FailsInterruptedWorkflowsWhenCheckpointingDisabled(t *testing.T) {
	d := &fakeDriver{generateResponses: []string{planResponse}}
	s, backend := newTestScheduler(t, d)
	ctx := context.Background()

	w, err := s.StartWorkflow(ctx, WorkflowRequest{Goal: "ship it", WorktreePath: "/tmp/wt4"})
	require.NoError(t, err)
	waitForStatus(t, backend, w.ID, workflow.StatusBlocked)

	// Simulate a fresh process: a new Scheduler with no in-memory admission
	// state, running Restart against the same backend.
	fresh := New(backend,
		eventbus.New(backend.Events()),
		func(store.Profile) (driver.Driver, error) { return d, nil },
		func(string) *tools.Registry { return tools.NewRegistry() },
	)
	require.NoError(t, fresh.Restart(ctx))

	failed, err := backend.Workflows().Get(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, workflow.StatusFailed, failed.Status)
	assert.Equal(t, failureReasonRestart, failed.FailureReason)
}

func TestSetExternalPlan_SkipsArchitectPhase(t *testing.T) {
	d := &fakeDriver{generateResponses: []string{approveResponse}}
	s, backend := newTestScheduler(t, d)
	ctx := context.Background()

	plan := &workflow.TaskPlan{
		Tasks:          []workflow.Task{{ID: "t1", Description: "write the code", Status: workflow.TaskPending}},
		ExecutionOrder: []string{"t1"},
	}
	w, err := s.StartWorkflow(ctx, WorkflowRequest{
		Goal:         "ship it",
		WorktreePath: "/tmp/wt5",
		ExternalPlan: plan,
	})
	require.NoError(t, err)

	completed := waitForStatus(t, backend, w.ID, workflow.StatusCompleted)
	assert.True(t, completed.ExternalPlan)
	require.Len(t, completed.ReviewVerdicts, 1)
}
