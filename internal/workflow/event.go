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

package workflow

import "time"

// EventType is one of the closed set of event kinds a Workflow can emit.
type EventType string

const (
	EventWorkflowCreated   EventType = "workflow_created"
	EventWorkflowStarted   EventType = "workflow_started"
	EventWorkflowCompleted EventType = "workflow_completed"
	EventWorkflowFailed    EventType = "workflow_failed"
	EventWorkflowCancelled EventType = "workflow_cancelled"
	EventStageStarted      EventType = "stage_started"
	EventStageCompleted    EventType = "stage_completed"
	EventPlanCompleted     EventType = "plan_completed"
	EventPlanUpdated       EventType = "plan_updated"
	EventTaskStarted       EventType = "task_started"
	EventTaskCompleted     EventType = "task_completed"
	EventTaskFailed        EventType = "task_failed"
	EventReviewSubmitted   EventType = "review_submitted"
	EventApprovalRequested EventType = "approval_requested"
	EventApprovalGranted   EventType = "approval_granted"
	EventApprovalRejected  EventType = "approval_rejected"
	EventAgentOutput       EventType = "agent_output"
)

// Event is a single entry in a Workflow's append-only event log. Sequence is
// monotonically increasing per WorkflowID and is the basis for replay +
// live-tail dedup in the event bus and WebSocket broadcaster.
type Event struct {
	WorkflowID string
	Sequence   uint64
	Type       EventType
	Stage      Stage
	TaskID     string
	Message    string
	Payload    map[string]interface{}
	CreatedAt  time.Time
}
