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

// Package sqlite is the sole store.Backend implementation: a single
// embedded database file, opened through the pure-Go modernc.org/sqlite
// driver (no cgo).
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	amerrors "github.com/existential-birds/amelia/pkg/errors"
	"github.com/existential-birds/amelia/internal/store"
	"github.com/existential-birds/amelia/internal/workflow"
)

// Backend is the sqlite-backed store.Backend.
type Backend struct {
	db *sql.DB
}

// Open opens (creating if absent) the database file at path, applies pragma
// tuning, and runs idempotent migrations.
func Open(path string) (*Backend, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, &amerrors.StorageError{Op: "open", Cause: err}
	}

	// A single embedded file with one writer at a time; sqlite serializes
	// writes anyway, and capping the pool avoids "database is locked"
	// contention under modernc.org/sqlite's busy-timeout handling.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA auto_vacuum = INCREMENTAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA journal_mode = WAL",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, &amerrors.StorageError{Op: "pragma", Cause: err}
		}
	}

	b := &Backend{db: db}
	if err := b.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return b, nil
}

func (b *Backend) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS workflows (
			id TEXT PRIMARY KEY,
			issue_id TEXT,
			goal TEXT NOT NULL,
			worktree_path TEXT NOT NULL,
			worktree_name TEXT,
			profile_id TEXT NOT NULL,
			status TEXT NOT NULL,
			stage TEXT NOT NULL,
			plan TEXT,
			plan_path TEXT,
			planned_at TEXT,
			external_plan INTEGER NOT NULL DEFAULT 0,
			review_verdicts TEXT,
			review_iteration INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			started_at TEXT,
			completed_at TEXT,
			failure_reason TEXT,
			sequence INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_workflows_status ON workflows(status)`,
		`CREATE INDEX IF NOT EXISTS idx_workflows_worktree ON workflows(worktree_path)`,
		`CREATE TABLE IF NOT EXISTS events (
			workflow_id TEXT NOT NULL,
			sequence INTEGER NOT NULL,
			type TEXT NOT NULL,
			stage TEXT NOT NULL,
			task_id TEXT,
			message TEXT,
			payload TEXT,
			created_at TEXT NOT NULL,
			PRIMARY KEY (workflow_id, sequence)
		)`,
		`CREATE TABLE IF NOT EXISTS server_settings (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			max_concurrent INTEGER NOT NULL,
			checkpoint_retention_days INTEGER NOT NULL,
			websocket_idle_timeout_secs INTEGER NOT NULL DEFAULT 30,
			workflow_start_timeout_secs INTEGER NOT NULL DEFAULT 30,
			stream_tool_results INTEGER NOT NULL DEFAULT 1,
			auto_approve_reviews INTEGER NOT NULL DEFAULT 0,
			max_review_iterations INTEGER NOT NULL DEFAULT 3
		)`,
		`CREATE TABLE IF NOT EXISTS profiles (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			active INTEGER NOT NULL DEFAULT 0,
			driver_kind TEXT NOT NULL,
			model TEXT NOT NULL,
			endpoint TEXT,
			api_key TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS token_usage (
			workflow_id TEXT NOT NULL,
			task_id TEXT NOT NULL,
			input_tokens INTEGER NOT NULL,
			output_tokens INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_token_usage_workflow ON token_usage(workflow_id)`,
	}
	for _, s := range stmts {
		if _, err := b.db.Exec(s); err != nil {
			return &amerrors.StorageError{Op: "migrate", Cause: err}
		}
	}
	return nil
}

// Close closes the underlying database handle.
func (b *Backend) Close() error { return b.db.Close() }

func (b *Backend) Workflows() store.WorkflowRepository   { return workflowRepo{db: b.db} }
func (b *Backend) Events() store.EventRepository         { return eventRepo{db: b.db} }
func (b *Backend) Settings() store.SettingsRepository     { return settingsRepo{db: b.db} }
func (b *Backend) Profiles() store.ProfileRepository      { return profileRepo{db: b.db} }
func (b *Backend) TokenUsage() store.TokenUsageRepository { return tokenUsageRepo{db: b.db} }

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func timePtr(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid {
		return nil, nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// --- workflows ---

type workflowRepo struct{ db *sql.DB }

func (r workflowRepo) Create(ctx context.Context, w *workflow.Workflow) error {
	return r.upsert(ctx, w)
}

func (r workflowRepo) Update(ctx context.Context, w *workflow.Workflow) error {
	return r.upsert(ctx, w)
}

func (r workflowRepo) upsert(ctx context.Context, w *workflow.Workflow) error {
	var planJSON, verdictsJSON []byte
	var err error
	if w.Plan != nil {
		planJSON, err = json.Marshal(w.Plan)
		if err != nil {
			return &amerrors.StorageError{Op: "marshal plan", Cause: err}
		}
	}
	verdictsJSON, err = json.Marshal(w.ReviewVerdicts)
	if err != nil {
		return &amerrors.StorageError{Op: "marshal verdicts", Cause: err}
	}

	const q = `
		INSERT INTO workflows (
			id, issue_id, goal, worktree_path, worktree_name, profile_id, status, stage, plan,
			plan_path, planned_at, external_plan, review_verdicts, review_iteration,
			created_at, updated_at, started_at, completed_at,
			failure_reason, sequence
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			issue_id = excluded.issue_id,
			goal = excluded.goal,
			worktree_path = excluded.worktree_path,
			worktree_name = excluded.worktree_name,
			profile_id = excluded.profile_id,
			status = excluded.status,
			stage = excluded.stage,
			plan = excluded.plan,
			plan_path = excluded.plan_path,
			planned_at = excluded.planned_at,
			external_plan = excluded.external_plan,
			review_verdicts = excluded.review_verdicts,
			review_iteration = excluded.review_iteration,
			updated_at = excluded.updated_at,
			started_at = excluded.started_at,
			completed_at = excluded.completed_at,
			failure_reason = excluded.failure_reason,
			sequence = excluded.sequence
	`
	_, err = r.db.ExecContext(ctx, q,
		w.ID, nullString(w.IssueID), w.Goal, w.WorktreePath, nullString(w.WorktreeName),
		w.ProfileID, string(w.Status), string(w.Stage),
		nullBytes(planJSON), nullString(w.PlanPath), nullTime(w.PlannedAt), boolToInt(w.ExternalPlan),
		nullBytes(verdictsJSON), w.ReviewIteration,
		formatTime(w.CreatedAt), formatTime(w.UpdatedAt),
		nullTime(w.StartedAt), nullTime(w.CompletedAt),
		nullString(w.FailureReason), w.Sequence,
	)
	if err != nil {
		return &amerrors.StorageError{Op: "upsert workflow", Cause: err}
	}
	return nil
}

func nullBytes(b []byte) sql.NullString {
	if len(b) == 0 {
		return sql.NullString{}
	}
	return sql.NullString{String: string(b), Valid: true}
}

func (r workflowRepo) Get(ctx context.Context, id string) (*workflow.Workflow, error) {
	const q = `
		SELECT id, issue_id, goal, worktree_path, worktree_name, profile_id, status, stage, plan,
			plan_path, planned_at, external_plan, review_verdicts, review_iteration,
			created_at, updated_at, started_at, completed_at,
			failure_reason, sequence
		FROM workflows WHERE id = ?
	`
	row := r.db.QueryRowContext(ctx, q, id)
	w, err := scanWorkflow(row)
	if err == sql.ErrNoRows {
		return nil, &amerrors.NotFoundError{Resource: "workflow", ID: id}
	}
	if err != nil {
		return nil, &amerrors.StorageError{Op: "get workflow", Cause: err}
	}
	return w, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanWorkflow(row rowScanner) (*workflow.Workflow, error) {
	var w workflow.Workflow
	var status, stage string
	var issueID, worktreeName, planStr, planPath, verdictsStr sql.NullString
	var createdAt, updatedAt, failureReason sql.NullString
	var startedAt, completedAt, plannedAt sql.NullString
	var externalPlan int

	if err := row.Scan(
		&w.ID, &issueID, &w.Goal, &w.WorktreePath, &worktreeName, &w.ProfileID, &status, &stage,
		&planStr, &planPath, &plannedAt, &externalPlan, &verdictsStr, &w.ReviewIteration,
		&createdAt, &updatedAt, &startedAt, &completedAt,
		&failureReason, &w.Sequence,
	); err != nil {
		return nil, err
	}

	w.Status = workflow.Status(status)
	w.Stage = workflow.Stage(stage)
	w.IssueID = issueID.String
	w.WorktreeName = worktreeName.String
	w.PlanPath = planPath.String
	w.ExternalPlan = externalPlan != 0
	w.FailureReason = failureReason.String

	if createdAt.Valid {
		t, err := parseTime(createdAt.String)
		if err != nil {
			return nil, err
		}
		w.CreatedAt = t
	}
	if updatedAt.Valid {
		t, err := parseTime(updatedAt.String)
		if err != nil {
			return nil, err
		}
		w.UpdatedAt = t
	}
	sp, err := timePtr(startedAt)
	if err != nil {
		return nil, err
	}
	w.StartedAt = sp
	cp, err := timePtr(completedAt)
	if err != nil {
		return nil, err
	}
	w.CompletedAt = cp
	pa, err := timePtr(plannedAt)
	if err != nil {
		return nil, err
	}
	w.PlannedAt = pa

	if planStr.Valid && planStr.String != "" {
		var plan workflow.TaskPlan
		if err := json.Unmarshal([]byte(planStr.String), &plan); err != nil {
			return nil, err
		}
		w.Plan = &plan
	}
	if verdictsStr.Valid && verdictsStr.String != "" {
		if err := json.Unmarshal([]byte(verdictsStr.String), &w.ReviewVerdicts); err != nil {
			return nil, err
		}
	}

	return &w, nil
}

func (r workflowRepo) List(ctx context.Context) ([]workflow.WorkflowSummary, error) {
	const q = `SELECT id, issue_id, goal, worktree_path, status, stage, created_at, updated_at FROM workflows ORDER BY created_at DESC`
	rows, err := r.db.QueryContext(ctx, q)
	if err != nil {
		return nil, &amerrors.StorageError{Op: "list workflows", Cause: err}
	}
	defer rows.Close()

	var out []workflow.WorkflowSummary
	for rows.Next() {
		var s workflow.WorkflowSummary
		var issueID sql.NullString
		var status, stage, createdAt, updatedAt string
		if err := rows.Scan(&s.ID, &issueID, &s.Goal, &s.WorktreePath, &status, &stage, &createdAt, &updatedAt); err != nil {
			return nil, &amerrors.StorageError{Op: "scan workflow summary", Cause: err}
		}
		s.IssueID = issueID.String
		s.Status = workflow.Status(status)
		s.Stage = workflow.Stage(stage)
		if t, err := parseTime(createdAt); err == nil {
			s.CreatedAt = t
		}
		if t, err := parseTime(updatedAt); err == nil {
			s.UpdatedAt = t
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (r workflowRepo) ListInProgress(ctx context.Context) ([]*workflow.Workflow, error) {
	const q = `
		SELECT id, issue_id, goal, worktree_path, worktree_name, profile_id, status, stage, plan,
			plan_path, planned_at, external_plan, review_verdicts, review_iteration,
			created_at, updated_at, started_at, completed_at,
			failure_reason, sequence
		FROM workflows WHERE status NOT IN (?, ?, ?)
	`
	rows, err := r.db.QueryContext(ctx, q, string(workflow.StatusCompleted), string(workflow.StatusFailed), string(workflow.StatusCancelled))
	if err != nil {
		return nil, &amerrors.StorageError{Op: "list in-progress workflows", Cause: err}
	}
	defer rows.Close()

	var out []*workflow.Workflow
	for rows.Next() {
		w, err := scanWorkflow(rows)
		if err != nil {
			return nil, &amerrors.StorageError{Op: "scan workflow", Cause: err}
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// --- events ---

type eventRepo struct{ db *sql.DB }

func (r eventRepo) Append(ctx context.Context, e workflow.Event) error {
	var payloadJSON []byte
	if e.Payload != nil {
		var err error
		payloadJSON, err = json.Marshal(e.Payload)
		if err != nil {
			return &amerrors.StorageError{Op: "marshal event payload", Cause: err}
		}
	}
	const q = `
		INSERT INTO events (workflow_id, sequence, type, stage, task_id, message, payload, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := r.db.ExecContext(ctx, q,
		e.WorkflowID, e.Sequence, string(e.Type), string(e.Stage),
		nullString(e.TaskID), nullString(e.Message), nullBytes(payloadJSON),
		formatTime(e.CreatedAt),
	)
	if err != nil {
		return &amerrors.StorageError{Op: "append event", Cause: err}
	}
	return nil
}

func (r eventRepo) ListSince(ctx context.Context, workflowID string, sinceSeq uint64) ([]workflow.Event, error) {
	const q = `
		SELECT workflow_id, sequence, type, stage, task_id, message, payload, created_at
		FROM events WHERE workflow_id = ? AND sequence > ? ORDER BY sequence ASC
	`
	rows, err := r.db.QueryContext(ctx, q, workflowID, sinceSeq)
	if err != nil {
		return nil, &amerrors.StorageError{Op: "list events", Cause: err}
	}
	defer rows.Close()

	var out []workflow.Event
	for rows.Next() {
		var e workflow.Event
		var typ, stage, createdAt string
		var taskID, message, payload sql.NullString
		if err := rows.Scan(&e.WorkflowID, &e.Sequence, &typ, &stage, &taskID, &message, &payload, &createdAt); err != nil {
			return nil, &amerrors.StorageError{Op: "scan event", Cause: err}
		}
		e.Type = workflow.EventType(typ)
		e.Stage = workflow.Stage(stage)
		e.TaskID = taskID.String
		e.Message = message.String
		if payload.Valid && payload.String != "" {
			if err := json.Unmarshal([]byte(payload.String), &e.Payload); err != nil {
				return nil, &amerrors.StorageError{Op: "unmarshal event payload", Cause: err}
			}
		}
		if t, err := parseTime(createdAt); err == nil {
			e.CreatedAt = t
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// --- settings ---

type settingsRepo struct{ db *sql.DB }

func (r settingsRepo) Get(ctx context.Context) (store.ServerSettings, error) {
	const q = `SELECT max_concurrent, checkpoint_retention_days, websocket_idle_timeout_secs,
		workflow_start_timeout_secs, stream_tool_results, auto_approve_reviews, max_review_iterations
		FROM server_settings WHERE id = 1`
	var s store.ServerSettings
	var streamToolResults, autoApproveReviews int
	err := r.db.QueryRowContext(ctx, q).Scan(
		&s.MaxConcurrent, &s.CheckpointRetentionDays, &s.WebsocketIdleTimeoutSecs,
		&s.WorkflowStartTimeoutSecs, &streamToolResults, &autoApproveReviews, &s.MaxReviewIterations,
	)
	if err == sql.ErrNoRows {
		return store.DefaultServerSettings(), nil
	}
	if err != nil {
		return store.ServerSettings{}, &amerrors.StorageError{Op: "get settings", Cause: err}
	}
	s.StreamToolResults = streamToolResults != 0
	s.AutoApproveReviews = autoApproveReviews != 0
	return s, nil
}

func (r settingsRepo) Put(ctx context.Context, s store.ServerSettings) error {
	const q = `
		INSERT INTO server_settings (
			id, max_concurrent, checkpoint_retention_days, websocket_idle_timeout_secs,
			workflow_start_timeout_secs, stream_tool_results, auto_approve_reviews, max_review_iterations
		)
		VALUES (1, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			max_concurrent = excluded.max_concurrent,
			checkpoint_retention_days = excluded.checkpoint_retention_days,
			websocket_idle_timeout_secs = excluded.websocket_idle_timeout_secs,
			workflow_start_timeout_secs = excluded.workflow_start_timeout_secs,
			stream_tool_results = excluded.stream_tool_results,
			auto_approve_reviews = excluded.auto_approve_reviews,
			max_review_iterations = excluded.max_review_iterations
	`
	_, err := r.db.ExecContext(ctx, q,
		s.MaxConcurrent, s.CheckpointRetentionDays, s.WebsocketIdleTimeoutSecs,
		s.WorkflowStartTimeoutSecs, boolToInt(s.StreamToolResults), boolToInt(s.AutoApproveReviews), s.MaxReviewIterations,
	)
	if err != nil {
		return &amerrors.StorageError{Op: "put settings", Cause: err}
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// --- profiles ---

type profileRepo struct{ db *sql.DB }

func (r profileRepo) Create(ctx context.Context, p store.Profile) error {
	const q = `
		INSERT INTO profiles (id, name, active, driver_kind, model, endpoint, api_key) VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET name = excluded.name, driver_kind = excluded.driver_kind,
			model = excluded.model, endpoint = excluded.endpoint, api_key = excluded.api_key
	`
	_, err := r.db.ExecContext(ctx, q, p.ID, p.Name, boolToInt(p.Active), p.DriverKind, p.Model,
		nullString(p.Endpoint), nullString(p.APIKey))
	if err != nil {
		return &amerrors.StorageError{Op: "create profile", Cause: err}
	}
	return nil
}

func (r profileRepo) Get(ctx context.Context, id string) (store.Profile, error) {
	const q = `SELECT id, name, active, driver_kind, model, endpoint, api_key FROM profiles WHERE id = ?`
	p, err := scanProfile(r.db.QueryRowContext(ctx, q, id))
	if err == sql.ErrNoRows {
		return store.Profile{}, &amerrors.NotFoundError{Resource: "profile", ID: id}
	}
	if err != nil {
		return store.Profile{}, &amerrors.StorageError{Op: "get profile", Cause: err}
	}
	return p, nil
}

func (r profileRepo) List(ctx context.Context) ([]store.Profile, error) {
	const q = `SELECT id, name, active, driver_kind, model, endpoint, api_key FROM profiles ORDER BY name`
	rows, err := r.db.QueryContext(ctx, q)
	if err != nil {
		return nil, &amerrors.StorageError{Op: "list profiles", Cause: err}
	}
	defer rows.Close()

	var out []store.Profile
	for rows.Next() {
		p, err := scanProfile(rows)
		if err != nil {
			return nil, &amerrors.StorageError{Op: "scan profile", Cause: err}
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (r profileRepo) Delete(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM profiles WHERE id = ?`, id)
	if err != nil {
		return &amerrors.StorageError{Op: "delete profile", Cause: err}
	}
	n, err := res.RowsAffected()
	if err != nil {
		return &amerrors.StorageError{Op: "delete profile", Cause: err}
	}
	if n == 0 {
		return &amerrors.NotFoundError{Resource: "profile", ID: id}
	}
	return nil
}

// SetActive deactivates every profile and activates id in a single
// transaction, enforcing the single-active-profile invariant.
func (r profileRepo) SetActive(ctx context.Context, id string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return &amerrors.StorageError{Op: "set active profile", Cause: err}
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `UPDATE profiles SET active = 0`); err != nil {
		return &amerrors.StorageError{Op: "set active profile", Cause: err}
	}
	res, err := tx.ExecContext(ctx, `UPDATE profiles SET active = 1 WHERE id = ?`, id)
	if err != nil {
		return &amerrors.StorageError{Op: "set active profile", Cause: err}
	}
	n, err := res.RowsAffected()
	if err != nil {
		return &amerrors.StorageError{Op: "set active profile", Cause: err}
	}
	if n == 0 {
		return &amerrors.NotFoundError{Resource: "profile", ID: id}
	}
	return tx.Commit()
}

func (r profileRepo) GetActive(ctx context.Context) (store.Profile, error) {
	const q = `SELECT id, name, active, driver_kind, model, endpoint, api_key FROM profiles WHERE active = 1`
	p, err := scanProfile(r.db.QueryRowContext(ctx, q))
	if err == sql.ErrNoRows {
		return store.Profile{}, &amerrors.NotFoundError{Resource: "profile", ID: "active"}
	}
	if err != nil {
		return store.Profile{}, &amerrors.StorageError{Op: "get active profile", Cause: err}
	}
	return p, nil
}

func scanProfile(row rowScanner) (store.Profile, error) {
	var p store.Profile
	var active int
	var endpoint, apiKey sql.NullString
	if err := row.Scan(&p.ID, &p.Name, &active, &p.DriverKind, &p.Model, &endpoint, &apiKey); err != nil {
		return store.Profile{}, err
	}
	p.Active = active != 0
	p.Endpoint = endpoint.String
	p.APIKey = apiKey.String
	return p, nil
}

// --- token usage ---

type tokenUsageRepo struct{ db *sql.DB }

func (r tokenUsageRepo) Record(ctx context.Context, u store.TokenUsage) error {
	const q = `INSERT INTO token_usage (workflow_id, task_id, input_tokens, output_tokens) VALUES (?, ?, ?, ?)`
	if _, err := r.db.ExecContext(ctx, q, u.WorkflowID, u.TaskID, u.InputTokens, u.OutputTokens); err != nil {
		return &amerrors.StorageError{Op: "record token usage", Cause: err}
	}
	return nil
}

func (r tokenUsageRepo) TotalsForWorkflow(ctx context.Context, workflowID string) (store.TokenUsage, error) {
	const q = `
		SELECT COALESCE(SUM(input_tokens), 0), COALESCE(SUM(output_tokens), 0)
		FROM token_usage WHERE workflow_id = ?
	`
	var u store.TokenUsage
	u.WorkflowID = workflowID
	if err := r.db.QueryRowContext(ctx, q, workflowID).Scan(&u.InputTokens, &u.OutputTokens); err != nil {
		return store.TokenUsage{}, &amerrors.StorageError{Op: "sum token usage", Cause: err}
	}
	return u, nil
}

var _ store.Backend = (*Backend)(nil)

// helper kept for clarity at call sites that build a DSN from a bare path.
func fileDSN(path string) string {
	return fmt.Sprintf("file:%s", path)
}
