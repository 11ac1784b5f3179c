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

package wsbroadcast

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/existential-birds/amelia/internal/eventbus"
	"github.com/existential-birds/amelia/internal/store/memory"
	"github.com/existential-birds/amelia/internal/workflow"
)

func dialWebSocket(t *testing.T, server *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws/events" + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestBroadcaster_StreamsLiveEventsForSubscribedWorkflow(t *testing.T) {
	backend := memory.New()
	bus := eventbus.New(backend.Events())
	b := New(bus)
	server := httptest.NewServer(b)
	defer server.Close()

	conn := dialWebSocket(t, server, "?workflow_id=w1")

	require.NoError(t, bus.Emit(context.Background(), workflow.Event{
		WorkflowID: "w1",
		Type:       workflow.EventWorkflowStarted,
		CreatedAt:  time.Now().UTC(),
	}))

	var frame wireEvent
	require.NoError(t, conn.ReadJSON(&frame))
	require.Equal(t, "w1", frame.WorkflowID)
	require.Equal(t, workflow.EventWorkflowStarted, frame.EventType)
	require.EqualValues(t, 1, frame.Sequence)
}

func TestBroadcaster_ReplaysEventsSinceSequence(t *testing.T) {
	backend := memory.New()
	bus := eventbus.New(backend.Events())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, bus.Emit(ctx, workflow.Event{WorkflowID: "w2", Type: workflow.EventTaskStarted}))
	}

	b := New(bus)
	server := httptest.NewServer(b)
	defer server.Close()

	conn := dialWebSocket(t, server, "?workflow_id=w2&since_sequence=1")

	var first, second wireEvent
	require.NoError(t, conn.ReadJSON(&first))
	require.NoError(t, conn.ReadJSON(&second))
	require.EqualValues(t, 2, first.Sequence)
	require.EqualValues(t, 3, second.Sequence)
}

func TestBroadcaster_RejectsMalformedSinceSequence(t *testing.T) {
	backend := memory.New()
	bus := eventbus.New(backend.Events())
	b := New(bus)
	server := httptest.NewServer(b)
	defer server.Close()

	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws/events?since_sequence=not-a-number"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.Equal(t, 400, resp.StatusCode)
}
