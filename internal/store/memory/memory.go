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

// Package memory is an in-process store.Backend used by tests that need a
// Backend without paying for a sqlite file.
package memory

import (
	"context"
	"sort"
	"sync"

	amerrors "github.com/existential-birds/amelia/pkg/errors"
	"github.com/existential-birds/amelia/internal/store"
	"github.com/existential-birds/amelia/internal/workflow"
)

// Backend is a mutex-guarded, in-memory store.Backend.
type Backend struct {
	mu       sync.RWMutex
	workflows map[string]*workflow.Workflow
	events    map[string][]workflow.Event
	settings  store.ServerSettings
	profiles  map[string]store.Profile
	usage     []store.TokenUsage
}

// New returns an empty Backend with default settings.
func New() *Backend {
	return &Backend{
		workflows: make(map[string]*workflow.Workflow),
		events:    make(map[string][]workflow.Event),
		profiles:  make(map[string]store.Profile),
		settings:  store.DefaultServerSettings(),
	}
}

func (b *Backend) Close() error { return nil }

func (b *Backend) Workflows() store.WorkflowRepository   { return workflowRepo{b} }
func (b *Backend) Events() store.EventRepository         { return eventRepo{b} }
func (b *Backend) Settings() store.SettingsRepository     { return settingsRepo{b} }
func (b *Backend) Profiles() store.ProfileRepository      { return profileRepo{b} }
func (b *Backend) TokenUsage() store.TokenUsageRepository { return tokenUsageRepo{b} }

type workflowRepo struct{ b *Backend }

func (r workflowRepo) Create(_ context.Context, w *workflow.Workflow) error {
	r.b.mu.Lock()
	defer r.b.mu.Unlock()
	r.b.workflows[w.ID] = w.Snapshot()
	return nil
}

func (r workflowRepo) Update(_ context.Context, w *workflow.Workflow) error {
	r.b.mu.Lock()
	defer r.b.mu.Unlock()
	if _, ok := r.b.workflows[w.ID]; !ok {
		return &amerrors.NotFoundError{Resource: "workflow", ID: w.ID}
	}
	r.b.workflows[w.ID] = w.Snapshot()
	return nil
}

func (r workflowRepo) Get(_ context.Context, id string) (*workflow.Workflow, error) {
	r.b.mu.RLock()
	defer r.b.mu.RUnlock()
	w, ok := r.b.workflows[id]
	if !ok {
		return nil, &amerrors.NotFoundError{Resource: "workflow", ID: id}
	}
	return w.Snapshot(), nil
}

func (r workflowRepo) List(_ context.Context) ([]workflow.WorkflowSummary, error) {
	r.b.mu.RLock()
	defer r.b.mu.RUnlock()
	out := make([]workflow.WorkflowSummary, 0, len(r.b.workflows))
	for _, w := range r.b.workflows {
		out = append(out, w.Summary())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (r workflowRepo) ListInProgress(_ context.Context) ([]*workflow.Workflow, error) {
	r.b.mu.RLock()
	defer r.b.mu.RUnlock()
	var out []*workflow.Workflow
	for _, w := range r.b.workflows {
		if !w.Status.IsTerminal() {
			out = append(out, w.Snapshot())
		}
	}
	return out, nil
}

type eventRepo struct{ b *Backend }

func (r eventRepo) Append(_ context.Context, e workflow.Event) error {
	r.b.mu.Lock()
	defer r.b.mu.Unlock()
	r.b.events[e.WorkflowID] = append(r.b.events[e.WorkflowID], e)
	return nil
}

func (r eventRepo) ListSince(_ context.Context, workflowID string, sinceSeq uint64) ([]workflow.Event, error) {
	r.b.mu.RLock()
	defer r.b.mu.RUnlock()
	var out []workflow.Event
	for _, e := range r.b.events[workflowID] {
		if e.Sequence > sinceSeq {
			out = append(out, e)
		}
	}
	return out, nil
}

type settingsRepo struct{ b *Backend }

func (r settingsRepo) Get(_ context.Context) (store.ServerSettings, error) {
	r.b.mu.RLock()
	defer r.b.mu.RUnlock()
	return r.b.settings, nil
}

func (r settingsRepo) Put(_ context.Context, s store.ServerSettings) error {
	r.b.mu.Lock()
	defer r.b.mu.Unlock()
	r.b.settings = s
	return nil
}

type profileRepo struct{ b *Backend }

func (r profileRepo) Create(_ context.Context, p store.Profile) error {
	r.b.mu.Lock()
	defer r.b.mu.Unlock()
	r.b.profiles[p.ID] = p
	return nil
}

func (r profileRepo) Get(_ context.Context, id string) (store.Profile, error) {
	r.b.mu.RLock()
	defer r.b.mu.RUnlock()
	p, ok := r.b.profiles[id]
	if !ok {
		return store.Profile{}, &amerrors.NotFoundError{Resource: "profile", ID: id}
	}
	return p, nil
}

func (r profileRepo) List(_ context.Context) ([]store.Profile, error) {
	r.b.mu.RLock()
	defer r.b.mu.RUnlock()
	out := make([]store.Profile, 0, len(r.b.profiles))
	for _, p := range r.b.profiles {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (r profileRepo) Delete(_ context.Context, id string) error {
	r.b.mu.Lock()
	defer r.b.mu.Unlock()
	if _, ok := r.b.profiles[id]; !ok {
		return &amerrors.NotFoundError{Resource: "profile", ID: id}
	}
	delete(r.b.profiles, id)
	return nil
}

// SetActive deactivates every profile and activates id, enforcing the
// single-active-profile invariant.
func (r profileRepo) SetActive(_ context.Context, id string) error {
	r.b.mu.Lock()
	defer r.b.mu.Unlock()
	target, ok := r.b.profiles[id]
	if !ok {
		return &amerrors.NotFoundError{Resource: "profile", ID: id}
	}
	for pid, p := range r.b.profiles {
		if p.Active {
			p.Active = false
			r.b.profiles[pid] = p
		}
	}
	target.Active = true
	r.b.profiles[id] = target
	return nil
}

func (r profileRepo) GetActive(_ context.Context) (store.Profile, error) {
	r.b.mu.RLock()
	defer r.b.mu.RUnlock()
	for _, p := range r.b.profiles {
		if p.Active {
			return p, nil
		}
	}
	return store.Profile{}, &amerrors.NotFoundError{Resource: "profile", ID: "active"}
}

type tokenUsageRepo struct{ b *Backend }

func (r tokenUsageRepo) Record(_ context.Context, u store.TokenUsage) error {
	r.b.mu.Lock()
	defer r.b.mu.Unlock()
	r.b.usage = append(r.b.usage, u)
	return nil
}

func (r tokenUsageRepo) TotalsForWorkflow(_ context.Context, workflowID string) (store.TokenUsage, error) {
	r.b.mu.RLock()
	defer r.b.mu.RUnlock()
	var total store.TokenUsage
	total.WorkflowID = workflowID
	for _, u := range r.b.usage {
		if u.WorkflowID == workflowID {
			total.InputTokens += u.InputTokens
			total.OutputTokens += u.OutputTokens
		}
	}
	return total, nil
}

var _ store.Backend = (*Backend)(nil)
