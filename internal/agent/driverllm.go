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
	"strings"

	"github.com/existential-birds/amelia/internal/driver"
	"github.com/existential-birds/amelia/pkg/tools"
)

// DriverLLM adapts a driver.Driver's one-shot Generate call into the
// tool-calling LLMProvider contract the ReAct loop expects. driver.Driver
// has no native function-calling support, so DriverLLM appends the
// registry's tool descriptors to the system prompt and asks the model to
// respond with a JSON envelope: either {"tool_calls":[...]} to act, or
// {"final":"..."} to finish. A response that isn't valid envelope JSON is
// treated as a final, non-tool-using answer.
type DriverLLM struct {
	driver   driver.Driver
	model    string
	registry *tools.Registry
}

// NewDriverLLM wraps d so it can power an Agent's ReAct loop over registry's
// tools.
func NewDriverLLM(d driver.Driver, model string, registry *tools.Registry) *DriverLLM {
	return &DriverLLM{driver: d, model: model, registry: registry}
}

type toolCallEnvelope struct {
	ToolCalls []envelopeCall `json:"tool_calls"`
	Final     string         `json:"final"`
}

type envelopeCall struct {
	Name      string                 `json:"name"`
	Arguments map[string]interface{} `json:"arguments"`
}

func (d *DriverLLM) Complete(ctx context.Context, messages []Message) (*Response, error) {
	req := driver.GenerateRequest{
		Model:    d.model,
		Messages: d.withToolInstructions(messages),
	}

	result, err := d.driver.Generate(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("driver generate: %w", err)
	}

	usage := TokenUsage{
		InputTokens:  result.Usage.InputTokens,
		OutputTokens: result.Usage.OutputTokens,
		TotalTokens:  result.Usage.InputTokens + result.Usage.OutputTokens,
	}

	var envelope toolCallEnvelope
	if err := json.Unmarshal([]byte(strings.TrimSpace(result.Content)), &envelope); err != nil || len(envelope.ToolCalls) == 0 {
		return &Response{
			Content:      coalesceFinal(envelope.Final, result.Content),
			FinishReason: "stop",
			Usage:        usage,
		}, nil
	}

	calls := make([]ToolCall, 0, len(envelope.ToolCalls))
	for i, c := range envelope.ToolCalls {
		calls = append(calls, ToolCall{
			ID:        fmt.Sprintf("call_%d", i),
			Name:      c.Name,
			Arguments: c.Arguments,
		})
	}

	return &Response{
		ToolCalls:    calls,
		FinishReason: "tool_calls",
		Usage:        usage,
	}, nil
}

func coalesceFinal(final, raw string) string {
	if final != "" {
		return final
	}
	return raw
}

// withToolInstructions appends the registry's tool descriptors to the
// system message so the model knows what it can call.
func (d *DriverLLM) withToolInstructions(messages []Message) []driver.Message {
	out := make([]driver.Message, len(messages))
	for i, m := range messages {
		out[i] = driver.Message{Role: m.Role, Content: m.Content}
	}
	if d.registry == nil || len(out) == 0 {
		return out
	}

	descriptors := d.registry.GetToolDescriptors()
	if len(descriptors) == 0 {
		return out
	}

	schema, err := json.Marshal(descriptors)
	if err != nil {
		return out
	}

	instructions := fmt.Sprintf(`
Available tools (respond with JSON only, no prose):
%s

To call a tool, respond with: {"tool_calls":[{"name":"<tool>","arguments":{...}}]}
To finish, respond with: {"final":"<your answer>"}`, string(schema))

	if out[0].Role == "system" {
		out[0].Content += instructions
	}
	return out
}

var _ LLMProvider = (*DriverLLM)(nil)
