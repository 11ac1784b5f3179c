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
	"testing"

	"github.com/existential-birds/amelia/internal/driver"
	"github.com/existential-birds/amelia/internal/workflow"
	"github.com/existential-birds/amelia/pkg/tools"
	"github.com/existential-birds/amelia/pkg/tools/builtin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeDriver is a scripted driver.Driver for exercising the Architect,
// Developer, and Reviewer runners without a real LLM backend.
type fakeDriver struct {
	generateResponses []string
	generateCall      int
	agenticMessages   []driver.AgenticMessage
}

func (f *fakeDriver) Name() string { return "fake" }

func (f *fakeDriver) Generate(ctx context.Context, req driver.GenerateRequest) (*driver.GenerateResult, error) {
	if f.generateCall >= len(f.generateResponses) {
		return &driver.GenerateResult{Content: `{"final":"no more scripted responses"}`}, nil
	}
	content := f.generateResponses[f.generateCall]
	f.generateCall++
	return &driver.GenerateResult{Content: content}, nil
}

func (f *fakeDriver) ExecuteAgentic(ctx context.Context, req driver.AgenticRequest) (<-chan driver.AgenticMessage, error) {
	ch := make(chan driver.AgenticMessage, len(f.agenticMessages))
	for _, m := range f.agenticMessages {
		ch <- m
	}
	close(ch)
	return ch, nil
}

func (f *fakeDriver) CleanupSession(ctx context.Context, sessionID string) error { return nil }

func TestRunArchitect_ParsesFinalPlan(t *testing.T) {
	d := &fakeDriver{
		generateResponses: []string{
			// First call: the agent loop's free-form exploration, wrapped in
			// the {"final":"..."} envelope DriverLLM expects.
			`{"final":"Plan: one task, t1, writes the code, no dependencies."}`,
			// Second call: the secondary schema-validation pass, a raw JSON
			// object (no envelope — this bypasses DriverLLM/the ReAct loop).
			`{"tasks":[{"id":"t1","description":"write the code","depends_on":[]}],"execution_order":["t1"]}`,
		},
	}

	cfg := Config{Model: "model-x", MaxIterations: 5, TokenLimit: 10000}
	plan, err := RunArchitect(context.Background(), d, cfg, tools.NewRegistry(), "ship the feature")
	require.NoError(t, err)
	require.Len(t, plan.Tasks, 1)
	assert.Equal(t, "t1", plan.Tasks[0].ID)
	assert.Equal(t, workflow.TaskPending, plan.Tasks[0].Status)
	assert.Equal(t, []string{"t1"}, plan.ExecutionOrder)
}

func TestRunReviewer_ParsesVerdict(t *testing.T) {
	d := &fakeDriver{
		generateResponses: []string{
			`{"final":"{\"approved\":true,\"comments\":[\"looks good\"]}"}`,
		},
	}

	task := workflow.Task{ID: "t1", Description: "write the code", Output: "diff applied"}
	cfg := Config{Model: "model-x", MaxIterations: 5, TokenLimit: 10000}
	verdict, err := RunReviewer(context.Background(), d, cfg, tools.NewRegistry(), task)
	require.NoError(t, err)
	assert.True(t, verdict.Approved)
	assert.Equal(t, "t1", verdict.TaskID)
	assert.Equal(t, []string{"looks good"}, verdict.Comments)
}

func TestRunReviewer_FetchesDiffViaShellTool(t *testing.T) {
	d := &fakeDriver{
		generateResponses: []string{
			`{"final":"{\"approved\":false,\"comments\":[\"needs work\"]}"}`,
		},
	}

	registry := tools.NewRegistry()
	require.NoError(t, registry.Register(builtin.NewShellTool()))

	task := workflow.Task{ID: "t1", Description: "write the code", Output: "diff applied"}
	cfg := Config{Model: "model-x", MaxIterations: 5, TokenLimit: 10000}
	verdict, err := RunReviewer(context.Background(), d, cfg, registry, task)
	require.NoError(t, err)
	assert.False(t, verdict.Approved)
}

func TestRunDeveloper_RelaysEventsAndReturnsOutcome(t *testing.T) {
	d := &fakeDriver{
		agenticMessages: []driver.AgenticMessage{
			{Type: driver.AgenticToolCall, SessionID: "s1", ToolName: "write_file", ToolInput: map[string]interface{}{"path": "main.go"}},
			{Type: driver.AgenticToolCall, SessionID: "s1", ToolName: "file", ToolInput: map[string]interface{}{"operation": "write", "path": "main_test.go"}},
			{Type: driver.AgenticToolCall, SessionID: "s1", ToolName: "file", ToolInput: map[string]interface{}{"operation": "read", "path": "README.md"}},
			{Type: driver.AgenticResult, SessionID: "s1", Text: "done", Usage: driver.TokenUsage{InputTokens: 4, OutputTokens: 2}},
		},
	}

	var relayed []driver.AgenticMessage
	outcome := RunDeveloper(context.Background(), d, "model-x", "/tmp/wt", "write the code", "", func(m driver.AgenticMessage) {
		relayed = append(relayed, m)
	})

	require.NoError(t, outcome.Err)
	assert.Equal(t, "s1", outcome.SessionID)
	assert.Equal(t, "done", outcome.Output)
	assert.Equal(t, 6, outcome.Usage.TotalTokens)
	assert.Len(t, relayed, 4)
	assert.Equal(t, []string{"main.go", "main_test.go"}, outcome.Artifacts)
}

func TestRunDeveloper_SurfacesSessionError(t *testing.T) {
	d := &fakeDriver{
		agenticMessages: []driver.AgenticMessage{
			{Type: driver.AgenticResult, SessionID: "s1", Err: assert.AnError},
		},
	}

	outcome := RunDeveloper(context.Background(), d, "model-x", "/tmp/wt", "do it", "", nil)
	assert.Error(t, outcome.Err)
}
