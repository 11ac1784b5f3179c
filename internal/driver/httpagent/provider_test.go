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

package httpagent

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/existential-birds/amelia/internal/driver"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerate_PostsAndParsesResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/generate", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))

		var body generateRequestBody
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "gpt-test", body.Model)

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(generateResponseBody{Content: "hello there"})
	}))
	defer srv.Close()

	p := New(srv.URL, "secret")
	result, err := p.Generate(t.Context(), driver.GenerateRequest{
		Model:    "gpt-test",
		Messages: []driver.Message{{Role: "user", Content: "hi"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "hello there", result.Content)
}

func TestGenerate_HTTPErrorSurfacesAsDriverError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	p := New(srv.URL, "")
	_, err := p.Generate(t.Context(), driver.GenerateRequest{Model: "m"})
	assert.Error(t, err)
}

func TestExecuteAgentic_StreamsNDJSONAsMessages(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/agentic", r.URL.Path)
		flusher, ok := w.(http.Flusher)
		require.True(t, ok)

		lines := []string{
			`{"type":"tool_call","session_id":"s1","tool_name":"write_file","tool_input":{"path":"a.go"}}`,
			`{"type":"result","session_id":"s1","text":"done","usage":{"input_tokens":3,"output_tokens":2}}`,
		}
		for _, l := range lines {
			_, _ = w.Write([]byte(l + "\n"))
			flusher.Flush()
		}
	}))
	defer srv.Close()

	p := New(srv.URL, "")
	ch, err := p.ExecuteAgentic(t.Context(), driver.AgenticRequest{Model: "m", Task: "do it"})
	require.NoError(t, err)

	var messages []driver.AgenticMessage
	for msg := range ch {
		messages = append(messages, msg)
	}

	require.Len(t, messages, 2)
	assert.Equal(t, driver.AgenticToolCall, messages[0].Type)
	assert.Equal(t, "write_file", messages[0].ToolName)
	assert.Equal(t, driver.AgenticResult, messages[1].Type)
	assert.Equal(t, "done", messages[1].Text)
	assert.NoError(t, messages[1].Err)
}

func TestExecuteAgentic_ErrorResultSurfacesErr(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"type":"result","session_id":"s1","text":"boom","is_error":true}` + "\n"))
	}))
	defer srv.Close()

	p := New(srv.URL, "")
	ch, err := p.ExecuteAgentic(t.Context(), driver.AgenticRequest{Model: "m", Task: "do it"})
	require.NoError(t, err)

	msg := <-ch
	assert.Error(t, msg.Err)
}
