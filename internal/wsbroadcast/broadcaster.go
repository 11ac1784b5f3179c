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

// Package wsbroadcast mirrors the Event Bus onto WebSocket connections:
// GET /ws/events?workflow_id=&since_sequence= replays persisted events past
// since_sequence, then streams the live tail, with a periodic heartbeat and
// a slow_consumer close when a client falls behind.
package wsbroadcast

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"github.com/existential-birds/amelia/internal/eventbus"
	"github.com/existential-birds/amelia/internal/workflow"
)

const (
	heartbeatInterval = 30 * time.Second
	pongWait          = 60 * time.Second
	writeWait         = 10 * time.Second
)

// wireEvent is the JSON frame shape sent to clients, matching spec.md §3's
// Event fields plus the type discriminator heartbeat frames also use.
type wireEvent struct {
	FrameType  string                 `json:"type,omitempty"`
	WorkflowID string                 `json:"workflow_id,omitempty"`
	Sequence   uint64                 `json:"sequence,omitempty"`
	EventType  workflow.EventType     `json:"event_type,omitempty"`
	Stage      workflow.Stage         `json:"stage,omitempty"`
	TaskID     string                 `json:"task_id,omitempty"`
	Message    string                 `json:"message,omitempty"`
	Payload    map[string]interface{} `json:"data,omitempty"`
	CreatedAt  time.Time              `json:"timestamp,omitempty"`
}

func eventFrame(e workflow.Event) wireEvent {
	return wireEvent{
		WorkflowID: e.WorkflowID,
		Sequence:   e.Sequence,
		EventType:  e.Type,
		Stage:      e.Stage,
		TaskID:     e.TaskID,
		Message:    e.Message,
		Payload:    e.Payload,
		CreatedAt:  e.CreatedAt,
	}
}

var heartbeatFrame = wireEvent{FrameType: "heartbeat"}

// Broadcaster upgrades /ws/events connections and relays Event Bus traffic
// to them.
type Broadcaster struct {
	bus      *eventbus.Bus
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

// New returns a Broadcaster fed by bus.
func New(bus *eventbus.Bus) *Broadcaster {
	return &Broadcaster{
		bus: bus,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
		logger: slog.Default(),
	}
}

// ServeHTTP implements the GET /ws/events?workflow_id=&since_sequence=
// endpoint from spec.md §6.
func (b *Broadcaster) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Query().Get("workflow_id")
	if key == "" {
		key = eventbus.All
	}

	var sinceSeq uint64
	if raw := r.URL.Query().Get("since_sequence"); raw != "" {
		n, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			http.Error(w, "since_sequence must be a non-negative integer", http.StatusBadRequest)
			return
		}
		sinceSeq = n
	}

	replay, sub, err := b.bus.Subscribe(r.Context(), key, sinceSeq)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	defer sub.Close()

	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	go b.drainClientFrames(conn)

	for _, e := range replay {
		if !b.writeEvent(conn, e) {
			return
		}
	}

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case e, ok := <-sub.Events:
			if !ok {
				// Bus dropped us for falling behind; tell the client why
				// instead of leaving it to infer a plain disconnect.
				b.closeSlowConsumer(conn)
				return
			}
			if !b.writeEvent(conn, e) {
				return
			}
		case <-heartbeat.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(heartbeatFrame); err != nil {
				return
			}
		}
	}
}

// drainClientFrames discards any messages the client sends (this endpoint is
// server-to-client only) so control frames like pong still get processed by
// gorilla/websocket's read loop.
func (b *Broadcaster) drainClientFrames(conn *websocket.Conn) {
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (b *Broadcaster) writeEvent(conn *websocket.Conn, e workflow.Event) bool {
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(eventFrame(e)); err != nil {
		b.logger.Debug("websocket write failed", "error", err)
		return false
	}
	return true
}

func (b *Broadcaster) closeSlowConsumer(conn *websocket.Conn) {
	msg := websocket.FormatCloseMessage(websocket.CloseMessageTooBig, "slow_consumer")
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
}
