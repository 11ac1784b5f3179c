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

// Package scheduler admits, runs, and supervises workflows through the
// Architect -> Developer -> Reviewer pipeline: per-worktree mutual
// exclusion, a global concurrency cap, retrying execution tasks, and
// checkpointed restart after a process crash.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/existential-birds/amelia/internal/agent"
	"github.com/existential-birds/amelia/internal/driver"
	"github.com/existential-birds/amelia/internal/eventbus"
	"github.com/existential-birds/amelia/internal/store"
	"github.com/existential-birds/amelia/internal/tracing"
	"github.com/existential-birds/amelia/internal/workflow"
	amerrors "github.com/existential-birds/amelia/pkg/errors"
	"github.com/existential-birds/amelia/pkg/tools"
)

// DriverFactory builds the Driver a Profile's pipeline roles run against.
type DriverFactory func(store.Profile) (driver.Driver, error)

// ToolRegistryFactory builds a worktree-scoped tool registry for the
// Architect/Reviewer's read-only exploration. Construction of the concrete
// tools (file, shell) is internal/app's job; the scheduler only consumes
// the resulting registry.
type ToolRegistryFactory func(worktreePath string) *tools.Registry

// worktreeSlot records which workflow currently holds a worktree's
// exclusive lock, per spec.md invariant: at most one of {in_progress,
// blocked} workflow per worktree_path at a time.
type worktreeSlot struct {
	workflowID string
}

// Scheduler is the orchestrator's admission and execution control plane.
type Scheduler struct {
	backend             store.Backend
	bus                 *eventbus.Bus
	driverFactory       DriverFactory
	toolRegistryFactory ToolRegistryFactory
	agentConfig         agent.Config
	maxPhaseAttempts    int
	conditions          *conditionEvaluator

	mu          sync.Mutex
	worktrees   map[string]worktreeSlot      // worktree_path -> holder
	inProgress  map[string]struct{}          // workflow IDs counted against max_concurrent
	cancelFuncs map[string]context.CancelFunc
	limiters    map[string]*rate.Limiter // profile ID -> rate limiter
	spawnedAt   map[string]time.Time     // workflow ID -> most recent spawn() time, for run duration

	profileRate rate.Limit // requests/sec per profile; 0 disables limiting
	metrics     *tracing.MetricsCollector

	wg       sync.WaitGroup
	draining atomic.Bool
}

// Option configures optional Scheduler behavior.
type Option func(*Scheduler)

// WithAgentConfig overrides the Config passed to Architect/Reviewer runs.
func WithAgentConfig(cfg agent.Config) Option {
	return func(s *Scheduler) { s.agentConfig = cfg }
}

// WithMaxPhaseAttempts overrides the retry cap for a single Architect/
// Developer/Reviewer phase (default 3, per spec.md §4.4).
func WithMaxPhaseAttempts(n int) Option {
	return func(s *Scheduler) { s.maxPhaseAttempts = n }
}

// WithProfileRateLimit bounds driver calls to rps requests/sec per profile.
// Zero (the default) disables rate limiting.
func WithProfileRateLimit(rps float64) Option {
	return func(s *Scheduler) { s.profileRate = rate.Limit(rps) }
}

// WithMetrics records run-level counts and durations on collector: one
// amelia_runs_total/amelia_run_duration_seconds sample per spawned
// execution task, keyed by its terminal status. Omitting this option (the
// default) runs the scheduler with no metrics collection.
func WithMetrics(collector *tracing.MetricsCollector) Option {
	return func(s *Scheduler) { s.metrics = collector }
}

// New returns a Scheduler ready to admit workflows.
func New(backend store.Backend, bus *eventbus.Bus, driverFactory DriverFactory, toolRegistryFactory ToolRegistryFactory, opts ...Option) *Scheduler {
	s := &Scheduler{
		backend:             backend,
		bus:                 bus,
		driverFactory:       driverFactory,
		toolRegistryFactory: toolRegistryFactory,
		agentConfig:         agent.DefaultConfig(),
		maxPhaseAttempts:    defaultMaxPhaseAttempts,
		conditions:          newConditionEvaluator(),
		worktrees:           make(map[string]worktreeSlot),
		inProgress:          make(map[string]struct{}),
		cancelFuncs:         make(map[string]context.CancelFunc),
		limiters:            make(map[string]*rate.Limiter),
		spawnedAt:           make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// WorkflowRequest describes a new workflow to admit.
type WorkflowRequest struct {
	IssueID      string
	Goal         string
	WorktreePath string
	WorktreeName string
	ProfileID    string // empty selects the active profile

	// ExternalPlan, when non-nil, skips the Architect phase: the workflow
	// starts (or stays pending, for queue_workflow) with this plan already
	// attached and ExternalPlan=true.
	ExternalPlan *workflow.TaskPlan
}

func (s *Scheduler) resolveProfile(ctx context.Context, profileID string) (store.Profile, error) {
	if profileID != "" {
		return s.backend.Profiles().Get(ctx, profileID)
	}
	return s.backend.Profiles().GetActive(ctx)
}

func (s *Scheduler) newWorkflow(req WorkflowRequest, profileID string) *workflow.Workflow {
	now := time.Now().UTC()
	w := &workflow.Workflow{
		ID:           uuid.NewString(),
		IssueID:      req.IssueID,
		Goal:         req.Goal,
		WorktreePath: req.WorktreePath,
		WorktreeName: req.WorktreeName,
		ProfileID:    profileID,
		Status:       workflow.StatusPending,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if req.ExternalPlan != nil {
		w.Plan = req.ExternalPlan
		w.ExternalPlan = true
		plannedAt := now
		w.PlannedAt = &plannedAt
	}
	return w
}

// StartWorkflow creates a workflow and, if admission succeeds, immediately
// transitions it to planning (or in_progress, for an externally-supplied
// plan) and spawns its execution task.
func (s *Scheduler) StartWorkflow(ctx context.Context, req WorkflowRequest) (*workflow.Workflow, error) {
	profile, err := s.resolveProfile(ctx, req.ProfileID)
	if err != nil {
		return nil, err
	}
	w := s.newWorkflow(req, profile.ID)

	if err := s.admit(ctx, w); err != nil {
		return nil, err
	}

	nextStatus := workflow.StatusPlanning
	if w.ExternalPlan {
		nextStatus = workflow.StatusInProgress
	}
	if err := w.Transition(nextStatus); err != nil {
		s.release(w)
		return nil, err
	}
	if err := s.persist(ctx, w, workflow.EventWorkflowStarted, ""); err != nil {
		s.release(w)
		return nil, err
	}

	s.spawn(w, profile)
	return w, nil
}

// QueueWorkflow creates a workflow in pending without spawning a task.
func (s *Scheduler) QueueWorkflow(ctx context.Context, req WorkflowRequest) (*workflow.Workflow, error) {
	profile, err := s.resolveProfile(ctx, req.ProfileID)
	if err != nil {
		return nil, err
	}
	w := s.newWorkflow(req, profile.ID)
	if err := s.backend.Workflows().Create(ctx, w); err != nil {
		return nil, err
	}
	if err := s.bus.Emit(ctx, newEvent(w, workflow.EventWorkflowCreated, "")); err != nil {
		return nil, err
	}
	return w, nil
}

// QueueAndPlanWorkflow creates a workflow in pending and runs the Architect
// against it, storing the resulting plan and planned_at. It never leaves
// pending: the caller decides when (or whether) to start it.
func (s *Scheduler) QueueAndPlanWorkflow(ctx context.Context, req WorkflowRequest) (*workflow.Workflow, error) {
	w, err := s.QueueWorkflow(ctx, req)
	if err != nil {
		return nil, err
	}
	if w.ExternalPlan {
		return w, nil
	}

	profile, err := s.backend.Profiles().Get(ctx, w.ProfileID)
	if err != nil {
		return nil, err
	}
	d, err := s.driverFactory(profile)
	if err != nil {
		return nil, err
	}
	registry := s.toolRegistryFactory(w.WorktreePath)

	plan, err := agent.RunArchitect(ctx, d, s.agentConfig, registry, w.Goal)
	if err != nil {
		return nil, fmt.Errorf("queue_and_plan_workflow: %w", err)
	}

	now := time.Now().UTC()
	w.Plan = plan
	w.PlannedAt = &now
	if err := s.backend.Workflows().Update(ctx, w); err != nil {
		return nil, err
	}
	if err := s.bus.Emit(ctx, newEvent(w, workflow.EventPlanCompleted, "")); err != nil {
		return nil, err
	}
	return w, nil
}

// StartPendingWorkflow admits and starts a workflow previously created by
// QueueWorkflow/QueueAndPlanWorkflow.
func (s *Scheduler) StartPendingWorkflow(ctx context.Context, id string) (*workflow.Workflow, error) {
	w, err := s.backend.Workflows().Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if w.Status != workflow.StatusPending {
		return nil, &amerrors.WrongStateError{WorkflowID: w.ID, Current: string(w.Status), Wanted: string(workflow.StatusPending)}
	}

	profile, err := s.backend.Profiles().Get(ctx, w.ProfileID)
	if err != nil {
		return nil, err
	}

	if err := s.admit(ctx, w); err != nil {
		return nil, err
	}

	nextStatus := workflow.StatusPlanning
	if w.Plan != nil {
		// Already planned via queue_and_plan_workflow or an external plan:
		// skip straight to execution.
		nextStatus = workflow.StatusInProgress
	}
	if err := w.Transition(nextStatus); err != nil {
		s.release(w)
		return nil, err
	}
	if err := s.persist(ctx, w, workflow.EventWorkflowStarted, ""); err != nil {
		s.release(w)
		return nil, err
	}

	s.spawn(w, profile)
	return w, nil
}

// BatchResult is the per-candidate outcome of StartBatchWorkflows.
type BatchResult struct {
	Started []string
	Errors  map[string]string
}

// StartBatchWorkflows iterates candidate workflow IDs sequentially,
// admitting each in turn. Per spec.md's tie-break rule, when two candidates
// in the same batch target the same worktree only the first is admitted;
// the rest record a WorktreeConflictError.
func (s *Scheduler) StartBatchWorkflows(ctx context.Context, ids []string) BatchResult {
	result := BatchResult{Errors: make(map[string]string)}
	for _, id := range ids {
		if _, err := s.StartPendingWorkflow(ctx, id); err != nil {
			result.Errors[id] = err.Error()
			continue
		}
		result.Started = append(result.Started, id)
	}
	return result
}

// CancelWorkflow signals cancellation of a non-terminal workflow. It is
// idempotent: cancelling an already-terminal or already-cancelling
// workflow is a no-op that returns nil.
func (s *Scheduler) CancelWorkflow(ctx context.Context, id string) error {
	w, err := s.backend.Workflows().Get(ctx, id)
	if err != nil {
		return err
	}
	if !w.CanCancel() {
		return nil
	}

	s.mu.Lock()
	cancel, active := s.cancelFuncs[id]
	s.mu.Unlock()
	if active {
		cancel()
		return nil
	}

	// No supervising task running (e.g. still pending): cancel directly.
	if err := w.Transition(workflow.StatusCancelled); err != nil {
		return err
	}
	return s.persist(ctx, w, workflow.EventWorkflowCancelled, "")
}

// ApprovePlan resumes a workflow blocked awaiting plan approval or review
// confirmation.
func (s *Scheduler) ApprovePlan(ctx context.Context, id string) error {
	w, err := s.backend.Workflows().Get(ctx, id)
	if err != nil {
		return err
	}
	if w.Status != workflow.StatusBlocked {
		return &amerrors.WrongStateError{WorkflowID: w.ID, Current: string(w.Status), Wanted: string(workflow.StatusBlocked)}
	}

	// A block during the Reviewer stage means a human is overriding a
	// rejected verdict; mark the task the Reviewer was waiting on as done
	// before resuming the loop. A block during the Architect stage just
	// needs the plan execution started.
	if w.Stage == workflow.StageReviewer {
		if task := pendingTask(w.Plan); task != nil {
			finished := time.Now().UTC()
			task.FinishedAt = &finished
			task.Status = workflow.TaskDone
		}
	}

	if err := w.Transition(workflow.StatusInProgress); err != nil {
		return err
	}
	if err := s.persist(ctx, w, workflow.EventApprovalGranted, ""); err != nil {
		return err
	}

	profile, err := s.backend.Profiles().Get(ctx, w.ProfileID)
	if err != nil {
		return err
	}
	s.spawn(w, profile)
	return nil
}

// RejectPlan terminates a workflow blocked awaiting plan approval or review
// confirmation.
func (s *Scheduler) RejectPlan(ctx context.Context, id string) error {
	w, err := s.backend.Workflows().Get(ctx, id)
	if err != nil {
		return err
	}
	if w.Status != workflow.StatusBlocked {
		return &amerrors.WrongStateError{WorkflowID: w.ID, Current: string(w.Status), Wanted: string(workflow.StatusBlocked)}
	}

	w.FailureReason = "plan_rejected"
	if w.Stage == workflow.StageReviewer {
		w.FailureReason = "review_rejected"
		if task := pendingTask(w.Plan); task != nil {
			task.Status = workflow.TaskFailed
			task.Error = w.FailureReason
		}
	}

	if err := w.Transition(workflow.StatusFailed); err != nil {
		return err
	}
	s.release(w)
	return s.persist(ctx, w, workflow.EventWorkflowFailed, w.FailureReason)
}

// pendingTask returns the first task in execution order that has not yet
// reached a terminal status — the one a blocked Reviewer-stage workflow was
// waiting on for human confirmation.
func pendingTask(plan *workflow.TaskPlan) *workflow.Task {
	if plan == nil {
		return nil
	}
	for _, id := range plan.ExecutionOrder {
		for i := range plan.Tasks {
			if plan.Tasks[i].ID != id {
				continue
			}
			switch plan.Tasks[i].Status {
			case workflow.TaskDone, workflow.TaskSkipped, workflow.TaskFailed:
				continue
			default:
				return &plan.Tasks[i]
			}
		}
	}
	return nil
}

// SetExternalPlan attaches a caller-supplied plan to a pending or planning
// workflow, marking it ExternalPlan so the scheduler skips the Architect
// phase. force allows replacing a plan that was already set.
func (s *Scheduler) SetExternalPlan(ctx context.Context, id string, plan *workflow.TaskPlan, force bool) error {
	w, err := s.backend.Workflows().Get(ctx, id)
	if err != nil {
		return err
	}
	if w.Status != workflow.StatusPending && w.Status != workflow.StatusPlanning {
		return &amerrors.WrongStateError{WorkflowID: w.ID, Current: string(w.Status), Wanted: "pending|planning"}
	}
	if w.Plan != nil && !force {
		return &amerrors.ValidationError{Field: "plan", Message: "workflow already has a plan; pass force=true to replace it"}
	}

	now := time.Now().UTC()
	w.Plan = plan
	w.PlannedAt = &now
	w.ExternalPlan = true
	if err := s.backend.Workflows().Update(ctx, w); err != nil {
		return err
	}
	return s.bus.Emit(ctx, newEvent(w, workflow.EventPlanUpdated, ""))
}

// admit takes the worktree slot and a concurrency-cap token for w,
// atomically with nothing else (both checks happen under s.mu so a
// concurrent admission can't slip between them).
func (s *Scheduler) admit(ctx context.Context, w *workflow.Workflow) error {
	settings, err := s.backend.Settings().Get(ctx)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if holder, taken := s.worktrees[w.WorktreePath]; taken {
		return &amerrors.WorktreeConflictError{WorktreePath: w.WorktreePath, HeldBy: holder.workflowID}
	}
	if len(s.inProgress) >= settings.MaxConcurrent {
		return &amerrors.ConcurrencyLimitError{Limit: settings.MaxConcurrent}
	}

	s.worktrees[w.WorktreePath] = worktreeSlot{workflowID: w.ID}
	s.inProgress[w.ID] = struct{}{}
	return nil
}

// release frees w's worktree slot and concurrency-cap token, and drops any
// registered cancel func. Safe to call more than once.
func (s *Scheduler) release(w *workflow.Workflow) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if holder, ok := s.worktrees[w.WorktreePath]; ok && holder.workflowID == w.ID {
		delete(s.worktrees, w.WorktreePath)
	}
	delete(s.inProgress, w.ID)
	delete(s.cancelFuncs, w.ID)
}

func (s *Scheduler) persist(ctx context.Context, w *workflow.Workflow, eventType workflow.EventType, message string) error {
	w.UpdatedAt = time.Now().UTC()
	if err := s.backend.Workflows().Update(ctx, w); err != nil {
		return err
	}
	return s.bus.Emit(ctx, newEvent(w, eventType, message))
}

func newEvent(w *workflow.Workflow, eventType workflow.EventType, message string) workflow.Event {
	return workflow.Event{
		WorkflowID: w.ID,
		Type:       eventType,
		Stage:      w.Stage,
		Message:    message,
		CreatedAt:  time.Now().UTC(),
	}
}

// limiterFor returns (creating if necessary) the per-profile rate limiter
// gating driver calls. Returns nil when rate limiting is disabled.
func (s *Scheduler) limiterFor(profileID string) *rate.Limiter {
	if s.profileRate <= 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.limiters[profileID]
	if !ok {
		l = rate.NewLimiter(s.profileRate, 1)
		s.limiters[profileID] = l
	}
	return l
}

// spawn starts w's supervised execution task in the background, tracking
// it for Stop/drain and cancellation.
func (s *Scheduler) spawn(w *workflow.Workflow, profile store.Profile) {
	taskCtx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.cancelFuncs[w.ID] = cancel
	s.spawnedAt[w.ID] = time.Now()
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.RecordRunStart(taskCtx, w.ID, w.ID)
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer cancel()
		s.runExecutionTask(taskCtx, w, profile)
	}()
}

// recordRunComplete reports a terminal workflow status to the metrics
// collector, if one is configured. Safe to call with no prior spawn()
// (e.g. a workflow that failed before admission): duration is then zero.
func (s *Scheduler) recordRunComplete(ctx context.Context, w *workflow.Workflow, status string) {
	if s.metrics == nil {
		return
	}
	s.mu.Lock()
	started, ok := s.spawnedAt[w.ID]
	delete(s.spawnedAt, w.ID)
	s.mu.Unlock()

	var duration time.Duration
	if ok {
		duration = time.Since(started)
	}
	if ctx.Err() != nil {
		ctx = context.Background()
	}
	s.metrics.RecordRunComplete(ctx, w.ID, w.ID, status, "api", duration)
}

// StartDraining stops admitting new work; in-flight execution tasks run to
// completion or cancellation.
func (s *Scheduler) StartDraining() { s.draining.Store(true) }

// IsDraining reports whether the scheduler is refusing new admissions.
func (s *Scheduler) IsDraining() bool { return s.draining.Load() }

// RunCount returns the number of workflows currently counted against
// max_concurrent. Satisfies tracing.RunCounter for the amelia_active_runs
// gauge.
func (s *Scheduler) RunCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.inProgress)
}

// Stop cancels every active execution task and waits for them to exit, up
// to ctx's deadline.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	for _, cancel := range s.cancelFuncs {
		cancel()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
