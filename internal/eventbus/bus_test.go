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

package eventbus

import (
	"context"
	"testing"
	"time"

	memstore "github.com/existential-birds/amelia/internal/store/memory"
	"github.com/existential-birds/amelia/internal/workflow"
	"github.com/stretchr/testify/require"
)

func TestSubscribe_ReplaysThenTailsLive(t *testing.T) {
	ctx := context.Background()
	backend := memstore.New()
	bus := New(backend.Events())

	require.NoError(t, bus.Emit(ctx, workflow.Event{WorkflowID: "wf-1", Type: workflow.EventWorkflowCreated}))
	require.NoError(t, bus.Emit(ctx, workflow.Event{WorkflowID: "wf-1", Type: workflow.EventPlanCompleted}))

	replay, sub, err := bus.Subscribe(ctx, "wf-1", 0)
	require.NoError(t, err)
	defer sub.Close()
	require.Len(t, replay, 2)
	require.Equal(t, uint64(1), replay[0].Sequence)
	require.Equal(t, uint64(2), replay[1].Sequence)

	require.NoError(t, bus.Emit(ctx, workflow.Event{WorkflowID: "wf-1", Type: workflow.EventTaskStarted}))

	select {
	case e := <-sub.Events:
		require.Equal(t, uint64(3), e.Sequence)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for live event")
	}
}

func TestSubscribe_AllReceivesEveryWorkflow(t *testing.T) {
	ctx := context.Background()
	backend := memstore.New()
	bus := New(backend.Events())

	_, sub, err := bus.Subscribe(ctx, All, 0)
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, bus.Emit(ctx, workflow.Event{WorkflowID: "wf-a", Type: workflow.EventWorkflowCreated}))
	require.NoError(t, bus.Emit(ctx, workflow.Event{WorkflowID: "wf-b", Type: workflow.EventWorkflowCreated}))

	seen := map[string]bool{}
	for i := 0; i < 2; i++ {
		select {
		case e := <-sub.Events:
			seen[e.WorkflowID] = true
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for live event")
		}
	}
	require.True(t, seen["wf-a"])
	require.True(t, seen["wf-b"])
}

func TestEmit_OverflowDropsSubscriberNotEvent(t *testing.T) {
	ctx := context.Background()
	backend := memstore.New()
	bus := New(backend.Events())

	_, sub, err := bus.Subscribe(ctx, "wf-1", 0)
	require.NoError(t, err)

	for i := 0; i < DefaultQueueSize+10; i++ {
		require.NoError(t, bus.Emit(ctx, workflow.Event{WorkflowID: "wf-1", Type: workflow.EventTaskStarted}))
	}

	// The subscriber's channel should have been closed once it fell behind,
	// rather than the bus blocking or silently discarding events for
	// everyone else.
	_, open := <-sub.Events
	for open {
		_, open = <-sub.Events
	}
}
