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

const reviewerSystemPrompt = `You are the Reviewer in a software delivery pipeline. Inspect the worktree
changes made for a task (you may read files, run tests, and diff the
worktree using the available tools) and decide whether they satisfy the
task's description.

When you are done, respond with a final JSON object (and nothing else) of
the shape:
{"approved":true,"comments":["..."],"requested_changes":[]}`

type verdictEnvelope struct {
	Approved         bool     `json:"approved"`
	Comments         []string `json:"comments"`
	RequestedChanges []string `json:"requested_changes"`
}

// RunReviewer inspects the worktree on behalf of task and produces a
// ReviewVerdict. Per spec.md §4.6, the diff under review is obtained
// up front via the shell tool's `git diff HEAD` rather than left to the
// agent to discover on its own, so every review starts from the same
// concrete change set.
func RunReviewer(ctx context.Context, d driver.Driver, cfg Config, registry *tools.Registry, task workflow.Task) (*workflow.ReviewVerdict, error) {
	cfg = cfg.WithDefaults()
	llm := NewDriverLLM(d, cfg.Model, registry)
	a := NewAgent(llm, registry).
		WithMaxIterations(cfg.MaxIterations).
		WithTokenBudget(cfg.TokenLimit).
		WithStopOnError(cfg.StopOnError)

	diff := fetchWorktreeDiff(ctx, registry)

	prompt := fmt.Sprintf("Task: %s\n\nDeveloper's reported output:\n%s\n\ngit diff HEAD:\n%s", task.Description, task.Output, diff)
	result, err := a.Run(ctx, reviewerSystemPrompt, prompt)
	if err != nil {
		return nil, fmt.Errorf("reviewer run: %w", err)
	}
	if !result.Success {
		return nil, fmt.Errorf("reviewer did not converge: %s", result.Error)
	}

	var envelope verdictEnvelope
	if err := json.Unmarshal([]byte(result.FinalResponse), &envelope); err != nil {
		return nil, fmt.Errorf("parsing review verdict: %w", err)
	}

	return &workflow.ReviewVerdict{
		TaskID:           task.ID,
		Approved:         envelope.Approved,
		Comments:         envelope.Comments,
		RequestedChanges: envelope.RequestedChanges,
	}, nil
}

// fetchWorktreeDiff runs `git diff HEAD` through the shell tool and returns
// its stdout, or a short placeholder if the tool is unavailable or the
// command fails (the Reviewer's agentic loop can still fall back to diffing
// the worktree itself via its own tool calls).
func fetchWorktreeDiff(ctx context.Context, registry *tools.Registry) string {
	out, err := registry.Execute(ctx, "shell", map[string]interface{}{"command": "git diff HEAD"})
	if err != nil {
		return fmt.Sprintf("(git diff HEAD unavailable: %s)", err)
	}
	stdout, _ := out["stdout"].(string)
	return stdout
}
