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

// Package store defines the persistence contract for Amelia's single
// embedded relational database and the entities it holds: workflows, their
// event logs, server settings, driver profiles, and token usage records.
package store

import (
	"context"

	"github.com/existential-birds/amelia/internal/workflow"
)

// ServerSettings is the bootstrap/runtime configuration persisted alongside
// workflow data so it survives daemon restarts. All fields other than the
// bootstrap triple (host/port/database_path, held outside the store) live
// here and are mutated via the API rather than redeployed.
type ServerSettings struct {
	MaxConcurrent            int
	CheckpointRetentionDays  int
	WebsocketIdleTimeoutSecs int
	WorkflowStartTimeoutSecs int
	StreamToolResults        bool
	AutoApproveReviews       bool
	MaxReviewIterations      int
}

// DefaultServerSettings returns the settings a fresh database is seeded
// with on first migration.
func DefaultServerSettings() ServerSettings {
	return ServerSettings{
		MaxConcurrent:            4,
		CheckpointRetentionDays:  0,
		WebsocketIdleTimeoutSecs: 30,
		WorkflowStartTimeoutSecs: 30,
		StreamToolResults:        true,
		AutoApproveReviews:       false,
		MaxReviewIterations:      3,
	}
}

// Profile is a named driver configuration (which driver kind, which model,
// credentials) workflows can be created against. Every pipeline role
// (Architect, Developer, Reviewer) runs against the same driver/model pair;
// spec.md's richer per-role sub-config is future API-layer scope.
type Profile struct {
	ID         string
	Name       string
	Active     bool
	DriverKind string // "cliagent" or "httpagent"
	Model      string
	Endpoint   string // only meaningful for httpagent profiles
	APIKey     string // only meaningful for httpagent profiles
}

// TokenUsage records token consumption for a single driver call, attributed
// to a workflow and task for cost accounting.
type TokenUsage struct {
	WorkflowID   string
	TaskID       string
	InputTokens  int
	OutputTokens int
}

// WorkflowRepository persists Workflow aggregates.
type WorkflowRepository interface {
	Create(ctx context.Context, w *workflow.Workflow) error
	Update(ctx context.Context, w *workflow.Workflow) error
	Get(ctx context.Context, id string) (*workflow.Workflow, error)
	List(ctx context.Context) ([]workflow.WorkflowSummary, error)
	// ListInProgress returns workflows that were not in a terminal state at
	// last checkpoint, used by the scheduler's startup-restart sweep.
	ListInProgress(ctx context.Context) ([]*workflow.Workflow, error)
}

// EventRepository persists a Workflow's append-only event log.
type EventRepository interface {
	Append(ctx context.Context, e workflow.Event) error
	// ListSince returns events for workflowID with Sequence > sinceSeq, in
	// order, used for replay-then-live-tail subscriptions.
	ListSince(ctx context.Context, workflowID string, sinceSeq uint64) ([]workflow.Event, error)
}

// SettingsRepository persists the single ServerSettings row.
type SettingsRepository interface {
	Get(ctx context.Context) (ServerSettings, error)
	Put(ctx context.Context, s ServerSettings) error
}

// ProfileRepository persists driver Profiles. Exactly one Profile is
// Active at a time; SetActive enforces that invariant atomically.
type ProfileRepository interface {
	Create(ctx context.Context, p Profile) error
	Get(ctx context.Context, id string) (Profile, error)
	List(ctx context.Context) ([]Profile, error)
	Delete(ctx context.Context, id string) error
	SetActive(ctx context.Context, id string) error
	// GetActive returns the single Active profile, if one is set.
	GetActive(ctx context.Context) (Profile, error)
}

// TokenUsageRepository persists per-call token accounting.
type TokenUsageRepository interface {
	Record(ctx context.Context, u TokenUsage) error
	TotalsForWorkflow(ctx context.Context, workflowID string) (TokenUsage, error)
}

// Backend aggregates every repository a store implementation must provide,
// plus lifecycle management of the underlying connection/migrations.
type Backend interface {
	Workflows() WorkflowRepository
	Events() EventRepository
	Settings() SettingsRepository
	Profiles() ProfileRepository
	TokenUsage() TokenUsageRepository
	Close() error
}
