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

package scheduler

import (
	"fmt"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	amerrors "github.com/existential-birds/amelia/pkg/errors"
)

// conditionEvaluator evaluates a Task.Condition guard expression against the
// outcomes of tasks already executed. Compiled programs are cached since the
// same condition string is re-evaluated on every restart/replan.
type conditionEvaluator struct {
	mu    sync.RWMutex
	cache map[string]*vm.Program
}

func newConditionEvaluator() *conditionEvaluator {
	return &conditionEvaluator{cache: make(map[string]*vm.Program)}
}

// taskScope is the evaluation context exposed to a Task.Condition
// expression: the prior tasks' outputs and statuses, keyed by task ID.
type taskScope struct {
	Tasks map[string]taskResultView
}

type taskResultView struct {
	Status string
	Output string
}

// Evaluate reports whether condition permits the task to run. An empty
// condition always permits it.
func (e *conditionEvaluator) Evaluate(condition string, scope taskScope) (bool, error) {
	if condition == "" {
		return true, nil
	}

	program, err := e.compile(condition)
	if err != nil {
		return false, &amerrors.ValidationError{
			Field:      "condition",
			Message:    fmt.Sprintf("failed to compile task condition: %s", err),
			Suggestion: "check expression syntax against the documented task condition grammar",
		}
	}

	env := map[string]interface{}{"tasks": scope.tasksEnv()}
	result, err := expr.Run(program, env)
	if err != nil {
		return false, &amerrors.ValidationError{
			Field:      "condition",
			Message:    fmt.Sprintf("task condition evaluation failed: %s", err),
			Suggestion: "verify referenced task IDs have already executed",
		}
	}

	ok, isBool := result.(bool)
	if !isBool {
		return false, &amerrors.ValidationError{
			Field:      "condition",
			Message:    fmt.Sprintf("task condition must evaluate to a boolean, got %T", result),
			Suggestion: "use a comparison or boolean expression",
		}
	}
	return ok, nil
}

func (s taskScope) tasksEnv() map[string]interface{} {
	out := make(map[string]interface{}, len(s.Tasks))
	for id, v := range s.Tasks {
		out[id] = map[string]interface{}{"status": v.Status, "output": v.Output}
	}
	return out
}

func (e *conditionEvaluator) compile(condition string) (*vm.Program, error) {
	e.mu.RLock()
	if prog, ok := e.cache[condition]; ok {
		e.mu.RUnlock()
		return prog, nil
	}
	e.mu.RUnlock()

	prog, err := expr.Compile(condition, expr.AllowUndefinedVariables(), expr.AsBool())
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.cache[condition] = prog
	e.mu.Unlock()
	return prog, nil
}
