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

// Package driver defines the pluggable contract every LLM backend (a
// subprocess-wrapped CLI coding agent, or an HTTP API) must implement to
// power the Architect/Developer/Reviewer pipeline.
package driver

import "context"

// Message is a single turn in a conversation passed to a driver.
type Message struct {
	Role    string // "system", "user", "assistant", "tool"
	Content string
}

// TokenUsage tracks token consumption for a single driver call.
type TokenUsage struct {
	InputTokens  int
	OutputTokens int
}

// GenerateRequest is a one-shot, non-agentic completion request (used by the
// Architect for plan proposals and the Reviewer for verdicts).
type GenerateRequest struct {
	Model    string
	Messages []Message
}

// GenerateResult is the response to a one-shot GenerateRequest.
type GenerateResult struct {
	Content string
	Usage   TokenUsage
}

// AgenticRequest starts (or resumes, via SessionID) a multi-step tool-using
// session, used by the Developer to make code changes.
type AgenticRequest struct {
	Model        string
	SystemPrompt string
	Task         string
	WorktreePath string
	SessionID    string // non-empty resumes a prior session
}

// AgenticMessageType is the closed set of event kinds an agentic session can
// stream back.
type AgenticMessageType string

const (
	AgenticThinking   AgenticMessageType = "thinking"
	AgenticToolCall   AgenticMessageType = "tool_call"
	AgenticToolResult AgenticMessageType = "tool_result"
	AgenticResult     AgenticMessageType = "result"
)

// AgenticMessage is one event in an agentic session's stream.
type AgenticMessage struct {
	Type      AgenticMessageType
	SessionID string
	Text      string                 // populated for Thinking and Result
	ToolName  string                 // populated for ToolCall/ToolResult
	ToolInput map[string]interface{} // populated for ToolCall
	ToolOutput string                // populated for ToolResult
	Usage     TokenUsage             // populated for Result
	Err       error                  // populated when the session ends in error
}

// Driver is the contract every LLM backend implements.
type Driver interface {
	// Name identifies the driver kind, e.g. "cliagent" or "httpagent".
	Name() string

	// Generate performs a single non-agentic completion.
	Generate(ctx context.Context, req GenerateRequest) (*GenerateResult, error)

	// ExecuteAgentic runs (or resumes) a tool-using session, streaming
	// progress on the returned channel until it closes.
	ExecuteAgentic(ctx context.Context, req AgenticRequest) (<-chan AgenticMessage, error)

	// CleanupSession releases any resources (subprocess, remote session)
	// associated with sessionID.
	CleanupSession(ctx context.Context, sessionID string) error
}
