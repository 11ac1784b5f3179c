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
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	amerrors "github.com/existential-birds/amelia/pkg/errors"
)

// TestStartWorkflow_ConcurrentSameWorktreeAdmitsExactlyOne fires StartWorkflow
// from many goroutines at once against the same worktree path. The
// worktree-exclusivity invariant (at most one in_progress/blocked workflow
// per worktree_path) must hold even when admission races rather than when
// callers are serialized.
func TestStartWorkflow_ConcurrentSameWorktreeAdmitsExactlyOne(t *testing.T) {
	d := &fakeDriver{generateResponses: []string{planResponse}}
	s, _ := newTestScheduler(t, d)
	ctx := context.Background()

	const attempts = 10
	var wg sync.WaitGroup
	var mu sync.Mutex
	var admitted, conflicts int

	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.StartWorkflow(ctx, WorkflowRequest{Goal: "race", WorktreePath: "/tmp/race-wt"})
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				admitted++
				return
			}
			var conflict *amerrors.WorktreeConflictError
			if assert.ErrorAs(t, err, &conflict) {
				conflicts++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, admitted)
	assert.Equal(t, attempts-1, conflicts)
}

// TestStartWorkflow_ConcurrentDistinctWorktreesRespectsMaxConcurrent races
// StartWorkflow across distinct worktree paths (so the worktree lock never
// contends) and checks the max_concurrent admission cap still admits exactly
// the configured number, with the rest rejected as ConcurrencyLimitError.
func TestStartWorkflow_ConcurrentDistinctWorktreesRespectsMaxConcurrent(t *testing.T) {
	d := &fakeDriver{generateResponses: []string{planResponse}}
	s, backend := newTestScheduler(t, d)
	ctx := context.Background()

	settings, err := backend.Settings().Get(ctx)
	require.NoError(t, err)
	settings.MaxConcurrent = 3
	require.NoError(t, backend.Settings().Put(ctx, settings))

	const attempts = 10
	var wg sync.WaitGroup
	var mu sync.Mutex
	var admitted, limited int

	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_, err := s.StartWorkflow(ctx, WorkflowRequest{
				Goal:         "race",
				WorktreePath: fmt.Sprintf("/tmp/race-wt-%d", n),
			})
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				admitted++
				return
			}
			var limit *amerrors.ConcurrencyLimitError
			if assert.ErrorAs(t, err, &limit) {
				limited++
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, settings.MaxConcurrent, admitted)
	assert.Equal(t, attempts-settings.MaxConcurrent, limited)
}
