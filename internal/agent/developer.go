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
	"fmt"

	"github.com/existential-birds/amelia/internal/driver"
)

const developerSystemPromptTemplate = `You are the Developer in a software delivery pipeline. You have a worktree
checked out at %s. Implement the following task, making whatever file edits,
test runs, and commits are necessary. Work incrementally and stop once the
task is complete.

Task: %s`

// DeveloperOutcome is the result of one Developer agentic session.
type DeveloperOutcome struct {
	SessionID string
	Output    string
	Usage     TokenUsage
	Err       error
	// Artifacts lists the file paths written during the session, detected
	// from write_file-style tool calls (used elsewhere for artifact
	// tracking, per spec.md §4.6's Developer behavior).
	Artifacts []string
}

// writeFileArtifactPath extracts the path a write_file-style tool call wrote
// to, or "" if msg isn't one. Covers both the CLI driver's "write_file" tool
// name and the built-in file tool's operation=write convention.
func writeFileArtifactPath(msg driver.AgenticMessage) string {
	if msg.Type != driver.AgenticToolCall {
		return ""
	}

	switch msg.ToolName {
	case "write_file":
		if path, ok := msg.ToolInput["path"].(string); ok {
			return path
		}
	case "file":
		if op, _ := msg.ToolInput["operation"].(string); op == "write" {
			if path, ok := msg.ToolInput["path"].(string); ok {
				return path
			}
		}
	}
	return ""
}

// RunDeveloper drives d's agentic execution for task in worktreePath,
// forwarding every AgenticMessage to onEvent as it arrives (for relay onto
// the event bus) and returning once the session produces a final result.
// Unlike the Architect/Reviewer, the Developer does not go through Agent's
// ReAct loop: the CLI/HTTP driver already runs its own tool-calling loop
// internally, so this just drives that stream to completion.
func RunDeveloper(ctx context.Context, d driver.Driver, model, worktreePath, task, resumeSessionID string, onEvent func(driver.AgenticMessage)) DeveloperOutcome {
	req := driver.AgenticRequest{
		Model:        model,
		SystemPrompt: fmt.Sprintf(developerSystemPromptTemplate, worktreePath, task),
		Task:         task,
		WorktreePath: worktreePath,
		SessionID:    resumeSessionID,
	}

	stream, err := d.ExecuteAgentic(ctx, req)
	if err != nil {
		return DeveloperOutcome{Err: fmt.Errorf("starting developer session: %w", err)}
	}

	outcome := DeveloperOutcome{SessionID: resumeSessionID}
	for msg := range stream {
		if onEvent != nil {
			onEvent(msg)
		}
		if msg.SessionID != "" {
			outcome.SessionID = msg.SessionID
		}
		if path := writeFileArtifactPath(msg); path != "" {
			outcome.Artifacts = append(outcome.Artifacts, path)
		}
		if msg.Type == driver.AgenticResult {
			outcome.Output = msg.Text
			outcome.Usage.InputTokens += msg.Usage.InputTokens
			outcome.Usage.OutputTokens += msg.Usage.OutputTokens
			outcome.Usage.TotalTokens = outcome.Usage.InputTokens + outcome.Usage.OutputTokens
			if msg.Err != nil {
				outcome.Err = msg.Err
			}
		}
	}
	return outcome
}
