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

package cliagent

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"

	"github.com/existential-birds/amelia/internal/driver"
)

// parseAgenticLine converts a single JSON-lines event from the CLI's
// stream-json output into an AgenticMessage. Lines that aren't valid JSON
// are treated as plain-text thinking output, matching the CLI's behavior of
// occasionally emitting unstructured progress text outside the JSON stream.
func parseAgenticLine(line []byte, sessionID string) driver.AgenticMessage {
	var ev agenticLine
	if err := json.Unmarshal(line, &ev); err != nil {
		return driver.AgenticMessage{
			Type:      driver.AgenticThinking,
			SessionID: sessionID,
			Text:      string(line),
		}
	}

	sid := ev.SessionID
	if sid == "" {
		sid = sessionID
	}

	switch ev.Type {
	case "tool_use":
		var input map[string]interface{}
		_ = json.Unmarshal(ev.ToolInput, &input)
		return driver.AgenticMessage{
			Type:      driver.AgenticToolCall,
			SessionID: sid,
			ToolName:  ev.ToolName,
			ToolInput: input,
		}
	case "tool_result":
		return driver.AgenticMessage{
			Type:       driver.AgenticToolResult,
			SessionID:  sid,
			ToolName:   ev.ToolName,
			ToolOutput: ev.ToolOutput,
		}
	case "result":
		msg := driver.AgenticMessage{
			Type:      driver.AgenticResult,
			SessionID: sid,
			Text:      ev.Text,
			Usage: driver.TokenUsage{
				InputTokens:  ev.Usage.InputTokens,
				OutputTokens: ev.Usage.OutputTokens,
			},
		}
		if ev.IsError {
			msg.Err = fmt.Errorf("agentic session ended in error: %s", sanitizeError(ev.Text))
		}
		return msg
	default:
		return driver.AgenticMessage{
			Type:      driver.AgenticThinking,
			SessionID: sid,
			Text:      ev.Text,
		}
	}
}

// scanLines splits r on newlines for JSON-lines consumption, tolerating
// lines larger than bufio.Scanner's default token size (tool outputs can be
// long).
func newLineScanner(r io.Reader) *bufio.Scanner {
	sc := bufio.NewScanner(r)
	buf := make([]byte, 0, 64*1024)
	sc.Buffer(buf, 8*1024*1024)
	return sc
}
