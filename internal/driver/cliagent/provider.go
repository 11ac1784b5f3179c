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

// Package cliagent drives a locally installed coding-agent CLI (e.g. the
// Claude Code CLI) as a subprocess, turning its JSON/JSON-lines output into
// driver.Driver calls. This covers the "CLI-wrapping" driver kind: zero
// network configuration beyond whatever the CLI itself needs.
package cliagent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"sync"

	"github.com/existential-birds/amelia/internal/driver"
)

// Provider implements driver.Driver by shelling out to a coding-agent CLI.
type Provider struct {
	cliCommand string
	cliPath    string

	mu       sync.Mutex
	sessions map[string]context.CancelFunc
}

// New creates a cliagent driver. The CLI binary is located lazily on first
// use via Detect.
func New() *Provider {
	return &Provider{sessions: make(map[string]context.CancelFunc)}
}

func (p *Provider) Name() string { return "cliagent" }

func (p *Provider) ensureDetected() error {
	if p.cliCommand != "" {
		return nil
	}
	found, err := p.Detect()
	if err != nil {
		return fmt.Errorf("detecting CLI: %w", err)
	}
	if !found {
		return fmt.Errorf("coding agent CLI not found in PATH")
	}
	return nil
}

// Generate runs a single non-agentic completion via the CLI's
// --output-format json mode.
func (p *Provider) Generate(ctx context.Context, req driver.GenerateRequest) (*driver.GenerateResult, error) {
	if err := p.ensureDetected(); err != nil {
		return nil, err
	}

	args := []string{"--output-format", "json"}
	if req.Model != "" {
		args = append(args, "--model", req.Model)
	}
	args = append(args, "-p", buildPrompt(req.Messages))

	cmd := exec.CommandContext(ctx, p.cliCommand, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("cliagent generate failed: %w (stderr: %s)", err, sanitizeError(stderr.String()))
	}

	var resp cliResponse
	if err := json.Unmarshal(stdout.Bytes(), &resp); err != nil {
		// Plain-text fallback: some CLI builds don't honor --output-format
		// for every prompt shape.
		return &driver.GenerateResult{Content: strings.TrimSpace(stdout.String())}, nil
	}
	if resp.IsError {
		return nil, fmt.Errorf("cliagent generate error: %s", sanitizeError(resp.Result))
	}

	return &driver.GenerateResult{
		Content: resp.Result,
		Usage: driver.TokenUsage{
			InputTokens:  resp.Usage.InputTokens,
			OutputTokens: resp.Usage.OutputTokens,
		},
	}, nil
}

// ExecuteAgentic runs (or resumes) a tool-using session by spawning the CLI
// in streaming JSON-lines mode and forwarding each parsed line as an
// AgenticMessage.
func (p *Provider) ExecuteAgentic(ctx context.Context, req driver.AgenticRequest) (<-chan driver.AgenticMessage, error) {
	if err := p.ensureDetected(); err != nil {
		return nil, err
	}

	args := []string{"--output-format", "stream-json"}
	if req.Model != "" {
		args = append(args, "--model", req.Model)
	}
	if req.SessionID != "" {
		args = append(args, "--resume", req.SessionID)
	}
	if req.WorktreePath != "" {
		args = append(args, "--cwd", req.WorktreePath)
	}
	prompt := req.Task
	if req.SystemPrompt != "" {
		prompt = req.SystemPrompt + "\n\n" + req.Task
	}
	args = append(args, "-p", prompt)

	sessionCtx, cancel := context.WithCancel(ctx)
	cmd := exec.CommandContext(sessionCtx, p.cliCommand, args...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("creating stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("creating stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("starting coding agent CLI: %w", err)
	}

	sessionID := req.SessionID
	if sessionID != "" {
		p.mu.Lock()
		p.sessions[sessionID] = cancel
		p.mu.Unlock()
	}

	out := make(chan driver.AgenticMessage, 16)
	go func() {
		defer close(out)
		defer cmd.Wait()
		if sessionID == "" {
			defer cancel()
		}

		scanner := newLineScanner(stdout)
		for scanner.Scan() {
			line := scanner.Bytes()
			if len(line) == 0 {
				continue
			}
			msg := parseAgenticLine(line, sessionID)
			if msg.SessionID != "" {
				sessionID = msg.SessionID
			}
			select {
			case out <- msg:
			case <-sessionCtx.Done():
				return
			}
		}

		var stderrBuf bytes.Buffer
		_, _ = stderrBuf.ReadFrom(stderr)
		if stderrBuf.Len() > 0 {
			out <- driver.AgenticMessage{
				Type:      driver.AgenticResult,
				SessionID: sessionID,
				Err:       fmt.Errorf("coding agent CLI: %s", sanitizeError(stderrBuf.String())),
			}
		}
	}()

	return out, nil
}

// CleanupSession cancels any in-flight subprocess associated with sessionID.
func (p *Provider) CleanupSession(_ context.Context, sessionID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if cancel, ok := p.sessions[sessionID]; ok {
		cancel()
		delete(p.sessions, sessionID)
	}
	return nil
}

func buildPrompt(messages []driver.Message) string {
	var parts []string
	for _, m := range messages {
		switch m.Role {
		case "system":
			parts = append(parts, fmt.Sprintf("System: %s", m.Content))
		case "tool":
			parts = append(parts, fmt.Sprintf("Tool Result: %s", m.Content))
		default:
			parts = append(parts, fmt.Sprintf("%s: %s", strings.ToUpper(m.Role[:1])+m.Role[1:], m.Content))
		}
	}
	return strings.Join(parts, "\n\n")
}

var _ driver.Driver = (*Provider)(nil)
