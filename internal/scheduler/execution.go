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
	"log/slog"
	"time"

	"github.com/existential-birds/amelia/internal/agent"
	"github.com/existential-birds/amelia/internal/driver"
	"github.com/existential-birds/amelia/internal/store"
	"github.com/existential-birds/amelia/internal/workflow"
	"github.com/existential-birds/amelia/pkg/tools"
)

// runExecutionTask is the supervised goroutine body driving a single
// workflow through Architect -> approval gate -> Developer loop -> Reviewer
// -> optional revision cycles, per spec.md §4.4. It is re-entered (via
// ApprovePlan's respawn, or Restart's resume) rather than run start-to-end
// in one call: the workflow's persisted Plan and per-task Status are what
// let it pick up where it left off.
func (s *Scheduler) runExecutionTask(ctx context.Context, w *workflow.Workflow, profile store.Profile) {
	d, err := s.driverFactory(profile)
	if err != nil {
		s.failWorkflow(ctx, w, err)
		return
	}
	registry := s.toolRegistryFactory(w.WorktreePath)

	if w.Plan == nil {
		s.runArchitectPhase(ctx, w, d, registry)
		return
	}

	s.runPipelinePhases(ctx, w, d, registry, profile)
}

// runArchitectPhase produces w's TaskPlan, then stops at the approval gate:
// the task ends here and waits for ApprovePlan/RejectPlan to resume it.
func (s *Scheduler) runArchitectPhase(ctx context.Context, w *workflow.Workflow, d driver.Driver, registry *tools.Registry) {
	w.Stage = workflow.StageArchitect
	if err := s.persist(ctx, w, workflow.EventStageStarted, "architect"); err != nil {
		slog.Error("persist stage_started failed", "workflow_id", w.ID, "error", err)
	}

	s.waitForLimiter(ctx, w.ProfileID)

	var plan *workflow.TaskPlan
	err := withPhaseRetry(ctx, s.maxPhaseAttempts, func(attempt int) error {
		p, runErr := agent.RunArchitect(ctx, d, s.agentConfig, registry, w.Goal)
		if runErr != nil {
			return runErr
		}
		plan = p
		return nil
	})
	if err != nil {
		s.failWorkflow(ctx, w, err)
		return
	}

	now := time.Now().UTC()
	w.Plan = plan
	w.PlannedAt = &now
	if err := s.persist(ctx, w, workflow.EventPlanCompleted, ""); err != nil {
		slog.Error("persist plan_completed failed", "workflow_id", w.ID, "error", err)
		return
	}

	if err := w.Transition(workflow.StatusBlocked); err != nil {
		s.failWorkflow(ctx, w, err)
		return
	}
	if err := s.persist(ctx, w, workflow.EventApprovalRequested, ""); err != nil {
		slog.Error("persist approval_requested failed", "workflow_id", w.ID, "error", err)
	}
	// Worktree slot and concurrency token stay held: the workflow is
	// blocked, not done. The task exits here; ApprovePlan/RejectPlan
	// resumes or terminates it.
}

// runPipelinePhases drives the Developer loop over w.Plan.ExecutionOrder,
// reviewing each completed task, until every task is terminal or the
// workflow blocks on a rejected review awaiting human confirmation.
func (s *Scheduler) runPipelinePhases(ctx context.Context, w *workflow.Workflow, d driver.Driver, registry *tools.Registry, profile store.Profile) {
	for _, taskID := range w.Plan.ExecutionOrder {
		select {
		case <-ctx.Done():
			s.cancelWorkflowTask(w)
			return
		default:
		}

		task := findTask(w.Plan, taskID)
		if task == nil {
			continue
		}
		if task.Status == workflow.TaskDone || task.Status == workflow.TaskSkipped || task.Status == workflow.TaskFailed {
			continue
		}

		if task.Status != workflow.TaskRunning {
			ok, err := s.conditions.Evaluate(task.Condition, buildTaskScope(w.Plan))
			if err != nil {
				s.failWorkflow(ctx, w, err)
				return
			}
			if !ok {
				task.Status = workflow.TaskSkipped
				if err := s.persist(ctx, w, workflow.EventTaskCompleted, "condition false: skipped"); err != nil {
					slog.Error("persist skip event failed", "workflow_id", w.ID, "task_id", task.ID, "error", err)
				}
				continue
			}

			w.Stage = workflow.StageDeveloper
			task.Status = workflow.TaskRunning
			started := time.Now().UTC()
			task.StartedAt = &started
			if err := s.persist(ctx, w, workflow.EventTaskStarted, task.ID); err != nil {
				slog.Error("persist task_started failed", "workflow_id", w.ID, "task_id", task.ID, "error", err)
			}

			if !s.runDeveloperTask(ctx, w, d, task) {
				return // workflow already failed or cancelled by runDeveloperTask
			}
		}

		if !s.runReviewTask(ctx, w, d, registry, task) {
			return // workflow blocked awaiting confirmation, or failed
		}
	}

	if err := w.Transition(workflow.StatusCompleted); err != nil {
		s.failWorkflow(ctx, w, err)
		return
	}
	completed := time.Now().UTC()
	w.CompletedAt = &completed
	s.release(w)
	s.recordRunComplete(ctx, w, "completed")
	if err := s.persist(ctx, w, workflow.EventWorkflowCompleted, ""); err != nil {
		slog.Error("persist workflow_completed failed", "workflow_id", w.ID, "error", err)
	}
}

// runDeveloperTask executes task via the Developer driver, retrying
// transient failures up to the phase cap. Returns false if the workflow was
// terminated (failed or cancelled) as a result.
func (s *Scheduler) runDeveloperTask(ctx context.Context, w *workflow.Workflow, d driver.Driver, task *workflow.Task) bool {
	s.waitForLimiter(ctx, w.ProfileID)

	var outcome agent.DeveloperOutcome
	err := withPhaseRetry(ctx, s.maxPhaseAttempts, func(attempt int) error {
		outcome = agent.RunDeveloper(ctx, d, s.agentConfig.Model, w.WorktreePath, task.Description, "", func(driver.AgenticMessage) {
			// Per-chunk relay to the event bus is wired by internal/app via
			// a richer onEvent closure in production; the scheduler itself
			// only needs the final outcome.
		})
		return outcome.Err
	})
	if err != nil {
		task.Status = workflow.TaskFailed
		task.Error = err.Error()
		if s.metrics != nil && task.StartedAt != nil {
			s.metrics.RecordStepComplete(ctx, w.ID, task.ID, "failed", time.Since(*task.StartedAt))
		}
		if persistErr := s.persist(ctx, w, workflow.EventTaskFailed, err.Error()); persistErr != nil {
			slog.Error("persist task_failed failed", "workflow_id", w.ID, "task_id", task.ID, "error", persistErr)
		}
		s.failWorkflow(ctx, w, err)
		return false
	}

	task.Output = outcome.Output
	task.Artifacts = outcome.Artifacts
	if outcome.Usage.TotalTokens > 0 {
		usage := store.TokenUsage{
			WorkflowID:   w.ID,
			TaskID:       task.ID,
			InputTokens:  outcome.Usage.InputTokens,
			OutputTokens: outcome.Usage.OutputTokens,
		}
		if err := s.backend.TokenUsage().Record(ctx, usage); err != nil {
			slog.Error("record token usage failed", "workflow_id", w.ID, "task_id", task.ID, "error", err)
		}
	}
	return true
}

// runReviewTask reviews a completed task's output, handling the approve /
// auto-revise / block-for-confirmation branches of spec.md §4.6. Returns
// false if the workflow blocked or failed as a result (caller should stop
// iterating tasks).
func (s *Scheduler) runReviewTask(ctx context.Context, w *workflow.Workflow, d driver.Driver, registry *tools.Registry, task *workflow.Task) bool {
	w.Stage = workflow.StageReviewer
	s.waitForLimiter(ctx, w.ProfileID)

	var verdict *workflow.ReviewVerdict
	err := withPhaseRetry(ctx, s.maxPhaseAttempts, func(attempt int) error {
		v, runErr := agent.RunReviewer(ctx, d, s.agentConfig, registry, *task)
		if runErr != nil {
			return runErr
		}
		verdict = v
		return nil
	})
	if err != nil {
		s.failWorkflow(ctx, w, err)
		return false
	}

	w.ReviewVerdicts = append(w.ReviewVerdicts, *verdict)
	if persistErr := s.persist(ctx, w, workflow.EventReviewSubmitted, task.ID); persistErr != nil {
		slog.Error("persist review_submitted failed", "workflow_id", w.ID, "task_id", task.ID, "error", persistErr)
	}

	if verdict.Approved {
		finished := time.Now().UTC()
		task.FinishedAt = &finished
		task.Status = workflow.TaskDone
		if s.metrics != nil && task.StartedAt != nil {
			s.metrics.RecordStepComplete(ctx, w.ID, task.ID, "done", finished.Sub(*task.StartedAt))
		}
		if persistErr := s.persist(ctx, w, workflow.EventTaskCompleted, task.ID); persistErr != nil {
			slog.Error("persist task_completed failed", "workflow_id", w.ID, "task_id", task.ID, "error", persistErr)
		}
		return true
	}

	settings, err := s.backend.Settings().Get(ctx)
	if err != nil {
		s.failWorkflow(ctx, w, err)
		return false
	}

	if settings.AutoApproveReviews && w.ReviewIteration < settings.MaxReviewIterations {
		w.ReviewIteration++
		task.Status = workflow.TaskPending // re-queue for another Developer pass
		if persistErr := s.persist(ctx, w, workflow.EventTaskStarted, task.ID); persistErr != nil {
			slog.Error("persist revision event failed", "workflow_id", w.ID, "task_id", task.ID, "error", persistErr)
		}
		return s.runDeveloperTask(ctx, w, d, task) && s.runReviewTask(ctx, w, d, registry, task)
	}

	if err := w.Transition(workflow.StatusBlocked); err != nil {
		s.failWorkflow(ctx, w, err)
		return false
	}
	if persistErr := s.persist(ctx, w, workflow.EventApprovalRequested, task.ID); persistErr != nil {
		slog.Error("persist approval_requested failed", "workflow_id", w.ID, "task_id", task.ID, "error", persistErr)
	}
	return false
}

// cancelWorkflowTask unwinds a workflow at a cooperative suspension point
// in response to CancelWorkflow. Uses a background context since the
// task's own context is what just got cancelled.
func (s *Scheduler) cancelWorkflowTask(w *workflow.Workflow) {
	if err := w.Transition(workflow.StatusCancelled); err != nil {
		slog.Error("cancel transition failed", "workflow_id", w.ID, "error", err)
		return
	}
	s.release(w)
	s.recordRunComplete(context.Background(), w, "cancelled")
	if err := s.persist(context.Background(), w, workflow.EventWorkflowCancelled, ""); err != nil {
		slog.Error("persist workflow_cancelled failed", "workflow_id", w.ID, "error", err)
	}
}

// failWorkflow marks w failed with reason, releases its admission slot, and
// persists the terminal transition. Uses a background context so the
// failure is recorded even if ctx was what just got cancelled.
func (s *Scheduler) failWorkflow(ctx context.Context, w *workflow.Workflow, cause error) {
	w.FailureReason = cause.Error()
	if err := w.Transition(workflow.StatusFailed); err != nil {
		// Already terminal (e.g. concurrent cancel won the race): nothing
		// further to do.
		return
	}
	s.release(w)
	persistCtx := ctx
	if ctx.Err() != nil {
		persistCtx = context.Background()
	}
	s.recordRunComplete(persistCtx, w, "failed")
	if err := s.persist(persistCtx, w, workflow.EventWorkflowFailed, w.FailureReason); err != nil {
		slog.Error("persist workflow_failed failed", "workflow_id", w.ID, "error", err)
	}
}

func (s *Scheduler) waitForLimiter(ctx context.Context, profileID string) {
	if l := s.limiterFor(profileID); l != nil {
		_ = l.Wait(ctx)
	}
}

func findTask(plan *workflow.TaskPlan, id string) *workflow.Task {
	for i := range plan.Tasks {
		if plan.Tasks[i].ID == id {
			return &plan.Tasks[i]
		}
	}
	return nil
}

func buildTaskScope(plan *workflow.TaskPlan) taskScope {
	scope := taskScope{Tasks: make(map[string]taskResultView, len(plan.Tasks))}
	for _, t := range plan.Tasks {
		scope.Tasks[t.ID] = taskResultView{Status: string(t.Status), Output: t.Output}
	}
	return scope
}
