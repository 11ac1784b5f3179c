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

	"github.com/existential-birds/amelia/internal/workflow"
)

// failureReasonRestart marks a workflow that was left in_progress/blocked
// when the process exited and could not be resumed, per the resolved Open
// Question default: CheckpointRetentionDays=0 means no resume, fail and
// report rather than silently re-running a partially applied task.
const failureReasonRestart = "orchestrator_restart"

// Restart re-admits every workflow that was in_progress or blocked when the
// orchestrator last exited. With checkpoint retention enabled it re-spawns
// the execution task, which resumes from the persisted Plan/task state
// rather than starting over. With retention disabled (the default) it fails
// each one outright rather than risk re-running a task whose side effects
// may have already landed.
func (s *Scheduler) Restart(ctx context.Context) error {
	settings, err := s.backend.Settings().Get(ctx)
	if err != nil {
		return err
	}

	workflows, err := s.backend.Workflows().ListInProgress(ctx)
	if err != nil {
		return fmt.Errorf("restart: list in-progress workflows: %w", err)
	}

	for _, w := range workflows {
		if settings.CheckpointRetentionDays <= 0 {
			if err := s.failInterrupted(ctx, w); err != nil {
				return fmt.Errorf("restart: fail workflow %s: %w", w.ID, err)
			}
			continue
		}
		if err := s.resumeInterrupted(ctx, w); err != nil {
			return fmt.Errorf("restart: resume workflow %s: %w", w.ID, err)
		}
	}
	return nil
}

// failInterrupted marks w failed without attempting to resume it.
func (s *Scheduler) failInterrupted(ctx context.Context, w *workflow.Workflow) error {
	w.FailureReason = failureReasonRestart
	if err := w.Transition(workflow.StatusFailed); err != nil {
		// Already terminal or otherwise unrecoverable; leave it be.
		return nil
	}
	return s.persist(ctx, w, workflow.EventWorkflowFailed, w.FailureReason)
}

// resumeInterrupted re-admits w and respawns its execution task, which is
// re-entrant: it inspects w.Plan and each Task's Status to pick up where it
// left off rather than taking an explicit resume point.
func (s *Scheduler) resumeInterrupted(ctx context.Context, w *workflow.Workflow) error {
	if err := s.admit(ctx, w); err != nil {
		// Another workflow already holds this worktree, or the concurrency
		// cap is exhausted; leave w as-is, a future Restart or manual
		// StartPendingWorkflow can retry it.
		return nil
	}

	profile, err := s.backend.Profiles().Get(ctx, w.ProfileID)
	if err != nil {
		s.release(w)
		return err
	}

	s.spawn(w, profile)
	return nil
}
