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

// Package workflow defines the core entities of the Architect/Developer/
// Reviewer orchestration pipeline: the Workflow aggregate, its TaskPlan and
// Task children, the Event stream that records everything that happens to
// it, and the state machine governing legal transitions between them.
package workflow

import (
	"time"
)

// Status is one of the seven states a Workflow can be in.
type Status string

const (
	StatusPending    Status = "pending"
	StatusPlanning   Status = "planning"
	StatusInProgress Status = "in_progress"
	StatusBlocked    Status = "blocked"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// TaskStatus is the lifecycle state of a single Task within a TaskPlan.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskDone      TaskStatus = "done"
	TaskFailed    TaskStatus = "failed"
	TaskSkipped   TaskStatus = "skipped"
)

// Stage identifies which pipeline role is currently acting on a Workflow.
type Stage string

const (
	StageArchitect Stage = "architect"
	StageDeveloper Stage = "developer"
	StageReviewer  Stage = "reviewer"
)

// Workflow is the top-level aggregate driven through the Architect ->
// Developer -> Reviewer pipeline.
type Workflow struct {
	ID             string
	IssueID        string
	Goal           string
	WorktreePath   string
	WorktreeName   string
	ProfileID      string
	Status         Status
	Stage          Stage
	Plan           *TaskPlan
	PlanPath       string // where the Architect's plan markdown was written, if any
	PlannedAt      *time.Time
	ExternalPlan   bool // true when the plan was supplied by the caller rather than the Architect
	ReviewVerdicts []ReviewVerdict
	ReviewIteration int // number of Developer revision cycles triggered by Reviewer rejection
	CreatedAt      time.Time
	UpdatedAt      time.Time
	StartedAt      *time.Time
	CompletedAt    *time.Time
	FailureReason  string
	Sequence       uint64 // last event sequence number emitted for this workflow
}

// TaskPlan is the Architect's decomposition of a Workflow's goal into an
// ordered set of Tasks.
type TaskPlan struct {
	Tasks          []Task
	ExecutionOrder []string // Task IDs in the order the scheduler will run them
	CreatedAt      time.Time
	RevisionOf     string // ID of a prior TaskPlan this one supersedes, if re-planned
}

// Task is a single unit of work the Developer executes and the Reviewer
// verifies.
type Task struct {
	ID          string
	Description string
	Status      TaskStatus
	Condition   string // optional expr-lang guard; skipped when it evaluates false
	DependsOn   []string
	Output      string
	Error       string
	StartedAt   *time.Time
	FinishedAt  *time.Time
	// Artifacts lists file paths the Developer wrote while executing this
	// task, detected from write_file-style tool calls (spec.md §4.6).
	Artifacts []string
}

// ReviewVerdict records the Reviewer's judgment of a completed Task.
type ReviewVerdict struct {
	TaskID           string
	Approved         bool
	Comments         []string
	RequestedChanges []string
	CreatedAt        time.Time
}

// WorkflowSummary is the trimmed projection returned from list endpoints,
// where the full TaskPlan body would be wasteful to serialize repeatedly.
type WorkflowSummary struct {
	ID           string
	IssueID      string
	WorktreePath string
	Goal         string
	Status       Status
	Stage        Stage
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Summary projects a Workflow down to its WorkflowSummary.
func (w *Workflow) Summary() WorkflowSummary {
	return WorkflowSummary{
		ID:           w.ID,
		IssueID:      w.IssueID,
		WorktreePath: w.WorktreePath,
		Goal:         w.Goal,
		Status:       w.Status,
		Stage:        w.Stage,
		CreatedAt:    w.CreatedAt,
		UpdatedAt:    w.UpdatedAt,
	}
}

// Snapshot returns a deep copy of w suitable for handing to a caller outside
// the package that must not observe or cause mutation of live state.
func (w *Workflow) Snapshot() *Workflow {
	if w == nil {
		return nil
	}
	cp := *w
	if w.Plan != nil {
		planCopy := *w.Plan
		planCopy.Tasks = append([]Task(nil), w.Plan.Tasks...)
		planCopy.ExecutionOrder = append([]string(nil), w.Plan.ExecutionOrder...)
		cp.Plan = &planCopy
	}
	cp.ReviewVerdicts = append([]ReviewVerdict(nil), w.ReviewVerdicts...)
	if w.StartedAt != nil {
		t := *w.StartedAt
		cp.StartedAt = &t
	}
	if w.CompletedAt != nil {
		t := *w.CompletedAt
		cp.CompletedAt = &t
	}
	if w.PlannedAt != nil {
		t := *w.PlannedAt
		cp.PlannedAt = &t
	}
	return &cp
}
