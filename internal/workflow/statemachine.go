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

import (
	amerrors "github.com/existential-birds/amelia/pkg/errors"
)

// transitions enumerates every legal Status -> Status edge. A transition not
// present here is rejected with a WrongStateError.
var transitions = map[Status]map[Status]bool{
	StatusPending: {
		StatusPlanning:  true,
		StatusCancelled: true,
	},
	StatusPlanning: {
		StatusBlocked:    true, // plan produced, awaiting approval
		StatusInProgress: true, // external plan supplied, no approval gate
		StatusFailed:     true,
		StatusCancelled:  true,
	},
	StatusInProgress: {
		StatusBlocked:   true,
		StatusCompleted: true,
		StatusFailed:    true,
		StatusCancelled: true,
	},
	StatusBlocked: {
		StatusInProgress: true, // approval granted
		StatusFailed:     true,
		StatusCancelled:  true,
	},
	// Terminal states have no outgoing edges.
	StatusCompleted: {},
	StatusFailed:    {},
	StatusCancelled: {},
}

// IsTerminal reports whether s has no legal outgoing transitions.
func (s Status) IsTerminal() bool {
	edges, ok := transitions[s]
	return ok && len(edges) == 0
}

// CanTransition reports whether moving from `from` to `to` is legal.
func CanTransition(from, to Status) bool {
	edges, ok := transitions[from]
	if !ok {
		return false
	}
	return edges[to]
}

// Transition moves w to `to`, returning a WrongStateError if the edge is not
// legal. Callers must hold whatever lock guards w's mutable state.
func (w *Workflow) Transition(to Status) error {
	if !CanTransition(w.Status, to) {
		return &amerrors.WrongStateError{
			WorkflowID: w.ID,
			Current:    string(w.Status),
			Wanted:     string(to),
		}
	}
	w.Status = to
	return nil
}

// CanCancel reports whether a cancel request against the current status is a
// no-op (already terminal) rather than an error; cancellation is treated as
// idempotent once a workflow has reached a terminal state.
func (w *Workflow) CanCancel() bool {
	return !w.Status.IsTerminal()
}
