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

// Package httputil provides small JSON response helpers shared by the HTTP
// API and WebSocket broadcaster.
package httputil

import (
	"encoding/json"
	"log/slog"
	"net/http"

	amerrors "github.com/existential-birds/amelia/pkg/errors"
)

// WriteJSON writes a JSON response with the given status code and data.
// If encoding fails, it logs the error.
func WriteJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("failed to write JSON response", "error", err)
	}
}

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// WriteError writes a JSON error response carrying both the machine
// error.kind and a human error.message, with status inferred from err's
// taxonomy kind when err implements amerrors.ErrorClassifier.
func WriteError(w http.ResponseWriter, err error) {
	kind := "internal"
	if classified, ok := err.(amerrors.ErrorClassifier); ok {
		kind = classified.ErrorType()
	}
	WriteJSON(w, amerrors.HTTPStatus(err), errorBody{Error: errorDetail{Kind: kind, Message: err.Error()}})
}

// WriteErrorStatus writes a JSON error response with an explicit status and
// kind, for validation failures the caller detects before reaching a typed
// taxonomy error (e.g. malformed request bodies).
func WriteErrorStatus(w http.ResponseWriter, status int, kind, message string) {
	WriteJSON(w, status, errorBody{Error: errorDetail{Kind: kind, Message: message}})
}
