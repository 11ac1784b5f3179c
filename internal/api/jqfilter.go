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

package api

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/itchyny/gojq"
)

// applyJQFilter re-encodes v through a gojq program, letting callers trim a
// large response (e.g. a TaskPlan with many tasks) down to the fields they
// actually want without a bespoke field-selection query language.
func applyJQFilter(v any, expr string) (any, error) {
	query, err := gojq.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid jq expression: %w", err)
	}

	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode value for filtering: %w", err)
	}
	var input any
	if err := json.Unmarshal(raw, &input); err != nil {
		return nil, fmt.Errorf("decode value for filtering: %w", err)
	}

	iter := query.RunWithContext(context.Background(), input)
	result, ok := iter.Next()
	if !ok {
		return nil, fmt.Errorf("jq expression produced no output")
	}
	if err, ok := result.(error); ok {
		return nil, fmt.Errorf("jq evaluation failed: %w", err)
	}
	return result, nil
}
