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

package workflow

import (
	"testing"

	amerrors "github.com/existential-birds/amelia/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransition_LegalPath(t *testing.T) {
	w := &Workflow{ID: "wf-1", Status: StatusPending}

	require.NoError(t, w.Transition(StatusPlanning))
	require.NoError(t, w.Transition(StatusInProgress))
	require.NoError(t, w.Transition(StatusBlocked))
	require.NoError(t, w.Transition(StatusInProgress))
	require.NoError(t, w.Transition(StatusCompleted))

	assert.Equal(t, StatusCompleted, w.Status)
	assert.True(t, w.Status.IsTerminal())
}

func TestTransition_RejectsIllegalEdge(t *testing.T) {
	w := &Workflow{ID: "wf-2", Status: StatusPending}

	err := w.Transition(StatusCompleted)
	require.Error(t, err)

	var wrongState *amerrors.WrongStateError
	require.ErrorAs(t, err, &wrongState)
	assert.Equal(t, "wf-2", wrongState.WorkflowID)
	assert.Equal(t, "pending", wrongState.Current)
	assert.Equal(t, "completed", wrongState.Wanted)
}

func TestTransition_TerminalStatesHaveNoEdges(t *testing.T) {
	for _, s := range []Status{StatusCompleted, StatusFailed, StatusCancelled} {
		w := &Workflow{ID: "wf-3", Status: s}
		assert.True(t, w.Status.IsTerminal())
		assert.False(t, w.CanCancel())
		err := w.Transition(StatusInProgress)
		assert.Error(t, err)
	}
}

func TestTransition_PlanningToBlockedAwaitsApproval(t *testing.T) {
	w := &Workflow{ID: "wf-6", Status: StatusPlanning}

	require.NoError(t, w.Transition(StatusBlocked))
	require.NoError(t, w.Transition(StatusInProgress))
	assert.Equal(t, StatusInProgress, w.Status)
}

func TestCanCancel_NonTerminalIsCancellable(t *testing.T) {
	w := &Workflow{ID: "wf-4", Status: StatusInProgress}
	assert.True(t, w.CanCancel())
}

func TestSnapshot_DoesNotAliasMutableState(t *testing.T) {
	w := &Workflow{
		ID:     "wf-5",
		Status: StatusInProgress,
		Plan: &TaskPlan{
			Tasks:          []Task{{ID: "t1", Status: TaskPending}},
			ExecutionOrder: []string{"t1"},
		},
	}

	snap := w.Snapshot()
	snap.Plan.Tasks[0].Status = TaskDone
	snap.Plan.ExecutionOrder[0] = "mutated"

	assert.Equal(t, TaskPending, w.Plan.Tasks[0].Status)
	assert.Equal(t, "t1", w.Plan.ExecutionOrder[0])
}
