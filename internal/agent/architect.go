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

package agent

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/existential-birds/amelia/internal/driver"
	"github.com/existential-birds/amelia/internal/workflow"
	"github.com/existential-birds/amelia/pkg/tools"
)

const architectSystemPrompt = `You are the Architect in a software delivery pipeline. Given a goal and
read-only access to the project's worktree, explore as needed and propose a
task plan: an ordered, dependency-respecting breakdown of the work into
independently reviewable steps.

When you are done exploring, respond with a final summary of the plan in
prose (task list, dependencies, and ordering) — a second pass will extract
the structured fields from it.`

// planSchemaPrompt asks the driver to extract structured fields from the
// Architect's free-form plan summary, spec.md §4.6's "secondary
// generate(schema=TaskPlan) pass validates and extracts structured fields".
const planSchemaPrompt = `Extract the task plan described below into a single JSON object (and nothing
else) of the exact shape:
{"tasks":[{"id":"t1","description":"...","depends_on":[]}, ...],"execution_order":["t1", ...]}

Plan summary:
%s`

// planEnvelope is the JSON shape the Architect is asked to emit as its final
// answer.
type planEnvelope struct {
	Tasks []struct {
		ID          string   `json:"id"`
		Description string   `json:"description"`
		Condition   string   `json:"condition"`
		DependsOn   []string `json:"depends_on"`
	} `json:"tasks"`
	ExecutionOrder []string `json:"execution_order"`
}

// RunArchitect explores the worktree (via registry's read-only tools) and
// proposes a TaskPlan for goal.
func RunArchitect(ctx context.Context, d driver.Driver, cfg Config, registry *tools.Registry, goal string) (*workflow.TaskPlan, error) {
	cfg = cfg.WithDefaults()
	llm := NewDriverLLM(d, cfg.Model, registry)
	a := NewAgent(llm, registry).
		WithMaxIterations(cfg.MaxIterations).
		WithTokenBudget(cfg.TokenLimit).
		WithStopOnError(cfg.StopOnError)

	result, err := a.Run(ctx, architectSystemPrompt, fmt.Sprintf("Goal: %s", goal))
	if err != nil {
		return nil, fmt.Errorf("architect run: %w", err)
	}
	if !result.Success {
		return nil, fmt.Errorf("architect did not converge: %s", result.Error)
	}

	validation, err := d.Generate(ctx, driver.GenerateRequest{
		Model: cfg.Model,
		Messages: []driver.Message{
			{Role: "user", Content: fmt.Sprintf(planSchemaPrompt, result.FinalResponse)},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("architect plan validation pass: %w", err)
	}

	var envelope planEnvelope
	if err := json.Unmarshal([]byte(validation.Content), &envelope); err != nil {
		return nil, fmt.Errorf("parsing architect plan: %w", err)
	}

	plan := &workflow.TaskPlan{ExecutionOrder: envelope.ExecutionOrder}
	for _, t := range envelope.Tasks {
		plan.Tasks = append(plan.Tasks, workflow.Task{
			ID:          t.ID,
			Description: t.Description,
			Status:      workflow.TaskPending,
			Condition:   t.Condition,
			DependsOn:   t.DependsOn,
		})
	}
	return plan, nil
}
