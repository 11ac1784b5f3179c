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

// Package httpagent drives an HTTP-API-backed LLM endpoint: a POST for
// one-shot generation, and an NDJSON-streaming POST for agentic sessions.
// This covers the "HTTP-API" driver kind, as opposed to cliagent's
// subprocess wrapping.
package httpagent

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/existential-birds/amelia/internal/driver"
	amerrors "github.com/existential-birds/amelia/pkg/errors"
	"github.com/existential-birds/amelia/pkg/httpclient"
)

// Provider implements driver.Driver against a configured HTTP endpoint.
type Provider struct {
	endpoint   string
	apiKey     string
	httpClient *http.Client
}

// Option configures a Provider.
type Option func(*Provider)

// WithHTTPConfig overrides the httpclient.Config used to build the
// underlying *http.Client (timeouts, retry policy).
func WithHTTPConfig(cfg httpclient.Config) Option {
	return func(p *Provider) {
		c, err := httpclient.New(cfg)
		if err == nil {
			p.httpClient = c
		}
	}
}

// New creates an httpagent driver targeting endpoint, authenticating
// outbound requests with apiKey.
func New(endpoint, apiKey string, opts ...Option) *Provider {
	cfg := httpclient.DefaultConfig()
	cfg.UserAgent = "amelia-httpagent/1.0"
	client, _ := httpclient.New(cfg)

	p := &Provider{endpoint: endpoint, apiKey: apiKey, httpClient: client}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Provider) Name() string { return "httpagent" }

type generateRequestBody struct {
	Model    string           `json:"model"`
	Messages []driver.Message `json:"messages"`
}

type generateResponseBody struct {
	Content string `json:"content"`
	Usage   struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

// Generate posts a one-shot completion request to {endpoint}/generate.
func (p *Provider) Generate(ctx context.Context, req driver.GenerateRequest) (*driver.GenerateResult, error) {
	body, err := json.Marshal(generateRequestBody{Model: req.Model, Messages: req.Messages})
	if err != nil {
		return nil, &amerrors.DriverError{Driver: p.Name(), Message: "marshal request", Cause: err}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint+"/generate", bytes.NewReader(body))
	if err != nil {
		return nil, &amerrors.DriverError{Driver: p.Name(), Message: "build request", Cause: err}
	}
	p.setHeaders(httpReq)

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, &amerrors.TransientError{Operation: "httpagent generate", Cause: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, &amerrors.DriverError{Driver: p.Name(), Message: fmt.Sprintf("generate returned HTTP %d", resp.StatusCode)}
	}

	var respBody generateResponseBody
	if err := json.NewDecoder(resp.Body).Decode(&respBody); err != nil {
		return nil, &amerrors.DriverError{Driver: p.Name(), Message: "decode response", Cause: err}
	}

	return &driver.GenerateResult{
		Content: respBody.Content,
		Usage: driver.TokenUsage{
			InputTokens:  respBody.Usage.InputTokens,
			OutputTokens: respBody.Usage.OutputTokens,
		},
	}, nil
}

type agenticRequestBody struct {
	Model        string `json:"model"`
	SystemPrompt string `json:"system_prompt"`
	Task         string `json:"task"`
	WorktreePath string `json:"worktree_path"`
	SessionID    string `json:"session_id,omitempty"`
}

type agenticLine struct {
	Type       string          `json:"type"`
	SessionID  string          `json:"session_id"`
	Text       string          `json:"text,omitempty"`
	ToolName   string          `json:"tool_name,omitempty"`
	ToolInput  json.RawMessage `json:"tool_input,omitempty"`
	ToolOutput string          `json:"tool_output,omitempty"`
	IsError    bool            `json:"is_error,omitempty"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage,omitempty"`
}

// ExecuteAgentic posts to {endpoint}/agentic and streams the NDJSON response
// body as AgenticMessage values.
func (p *Provider) ExecuteAgentic(ctx context.Context, req driver.AgenticRequest) (<-chan driver.AgenticMessage, error) {
	body, err := json.Marshal(agenticRequestBody{
		Model:        req.Model,
		SystemPrompt: req.SystemPrompt,
		Task:         req.Task,
		WorktreePath: req.WorktreePath,
		SessionID:    req.SessionID,
	})
	if err != nil {
		return nil, &amerrors.DriverError{Driver: p.Name(), Message: "marshal request", Cause: err}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint+"/agentic", bytes.NewReader(body))
	if err != nil {
		return nil, &amerrors.DriverError{Driver: p.Name(), Message: "build request", Cause: err}
	}
	p.setHeaders(httpReq)

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, &amerrors.TransientError{Operation: "httpagent agentic", Cause: err}
	}
	if resp.StatusCode >= 400 {
		resp.Body.Close()
		return nil, &amerrors.DriverError{Driver: p.Name(), Message: fmt.Sprintf("agentic returned HTTP %d", resp.StatusCode)}
	}

	out := make(chan driver.AgenticMessage, 16)
	go func() {
		defer close(out)
		defer resp.Body.Close()

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
		for scanner.Scan() {
			line := scanner.Bytes()
			if len(line) == 0 {
				continue
			}
			var ev agenticLine
			if err := json.Unmarshal(line, &ev); err != nil {
				out <- driver.AgenticMessage{Type: driver.AgenticThinking, Text: string(line)}
				continue
			}
			out <- toAgenticMessage(ev)
		}
		if err := scanner.Err(); err != nil {
			out <- driver.AgenticMessage{Type: driver.AgenticResult, Err: fmt.Errorf("reading agentic stream: %w", err)}
		}
	}()

	return out, nil
}

func toAgenticMessage(ev agenticLine) driver.AgenticMessage {
	switch ev.Type {
	case "tool_call":
		var input map[string]interface{}
		_ = json.Unmarshal(ev.ToolInput, &input)
		return driver.AgenticMessage{Type: driver.AgenticToolCall, SessionID: ev.SessionID, ToolName: ev.ToolName, ToolInput: input}
	case "tool_result":
		return driver.AgenticMessage{Type: driver.AgenticToolResult, SessionID: ev.SessionID, ToolName: ev.ToolName, ToolOutput: ev.ToolOutput}
	case "result":
		msg := driver.AgenticMessage{
			Type:      driver.AgenticResult,
			SessionID: ev.SessionID,
			Text:      ev.Text,
			Usage:     driver.TokenUsage{InputTokens: ev.Usage.InputTokens, OutputTokens: ev.Usage.OutputTokens},
		}
		if ev.IsError {
			msg.Err = fmt.Errorf("agentic session ended in error: %s", ev.Text)
		}
		return msg
	default:
		return driver.AgenticMessage{Type: driver.AgenticThinking, SessionID: ev.SessionID, Text: ev.Text}
	}
}

// CleanupSession posts a best-effort cleanup notice to the remote endpoint.
func (p *Provider) CleanupSession(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return nil
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodDelete, p.endpoint+"/sessions/"+sessionID, nil)
	if err != nil {
		return &amerrors.DriverError{Driver: p.Name(), Message: "build cleanup request", Cause: err}
	}
	p.setHeaders(httpReq)

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return &amerrors.TransientError{Operation: "httpagent cleanup", Cause: err}
	}
	defer resp.Body.Close()
	return nil
}

func (p *Provider) setHeaders(r *http.Request) {
	r.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		r.Header.Set("Authorization", "Bearer "+p.apiKey)
	}
}

var _ driver.Driver = (*Provider)(nil)
