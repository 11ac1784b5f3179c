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

package errors

import (
	"fmt"
	"net/http"
)

// WrongStateError is returned when an operation is attempted against a
// workflow that is not in a state that permits it (e.g. cancelling a
// workflow that already completed).
type WrongStateError struct {
	WorkflowID string
	Current    string
	Wanted     string
}

func (e *WrongStateError) Error() string {
	return fmt.Sprintf("workflow %s is in state %q, expected %q", e.WorkflowID, e.Current, e.Wanted)
}

// WorktreeConflictError is returned when admission is denied because the
// requested worktree already has a workflow running against it.
type WorktreeConflictError struct {
	WorktreePath string
	HeldBy       string
}

func (e *WorktreeConflictError) Error() string {
	return fmt.Sprintf("worktree %s is already in use by workflow %s", e.WorktreePath, e.HeldBy)
}

// ConcurrencyLimitError is returned when admission is denied because the
// server's max_concurrent limit has been reached.
type ConcurrencyLimitError struct {
	Limit int
}

func (e *ConcurrencyLimitError) Error() string {
	return fmt.Sprintf("concurrency limit reached (max_concurrent=%d)", e.Limit)
}

// TransientError wraps a failure that is expected to succeed on retry
// (network blips, rate limits, momentarily unavailable dependencies).
type TransientError struct {
	Operation string
	Cause     error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient failure during %s: %v", e.Operation, e.Cause)
}

func (e *TransientError) Unwrap() error { return e.Cause }

// DriverError represents a failure surfaced by an LLM driver (CLI-wrapping
// or HTTP-API) while generating content or running an agentic session.
type DriverError struct {
	Driver    string
	SessionID string
	Message   string
	Cause     error
}

func (e *DriverError) Error() string {
	if e.SessionID != "" {
		return fmt.Sprintf("driver %s (session %s): %s", e.Driver, e.SessionID, e.Message)
	}
	return fmt.Sprintf("driver %s: %s", e.Driver, e.Message)
}

func (e *DriverError) Unwrap() error { return e.Cause }

// StorageError represents a failure in the persistence layer (sqlite I/O,
// constraint violations, migration failures).
type StorageError struct {
	Op    string
	Cause error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage error during %s: %v", e.Op, e.Cause)
}

func (e *StorageError) Unwrap() error { return e.Cause }

// FatalError represents an unrecoverable condition the orchestrator cannot
// retry past; the caller should stop and surface it to an operator.
type FatalError struct {
	Reason string
	Cause  error
}

func (e *FatalError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("fatal: %s: %v", e.Reason, e.Cause)
	}
	return fmt.Sprintf("fatal: %s", e.Reason)
}

func (e *FatalError) Unwrap() error { return e.Cause }

// ErrorType implementations, satisfying ErrorClassifier for every kind in
// the taxonomy.

func (e *ValidationError) ErrorType() string        { return "validation" }
func (e *ValidationError) IsRetryable() bool         { return false }
func (e *NotFoundError) ErrorType() string           { return "not_found" }
func (e *NotFoundError) IsRetryable() bool           { return false }
func (e *WrongStateError) ErrorType() string         { return "wrong_state" }
func (e *WrongStateError) IsRetryable() bool         { return false }
func (e *WorktreeConflictError) ErrorType() string   { return "worktree_conflict" }
func (e *WorktreeConflictError) IsRetryable() bool   { return true }
func (e *ConcurrencyLimitError) ErrorType() string   { return "concurrency_limit" }
func (e *ConcurrencyLimitError) IsRetryable() bool   { return true }
func (e *TransientError) ErrorType() string          { return "transient" }
func (e *TransientError) IsRetryable() bool          { return true }
func (e *DriverError) ErrorType() string             { return "driver_error" }
func (e *DriverError) IsRetryable() bool             { return true }
func (e *StorageError) ErrorType() string            { return "storage_error" }
func (e *StorageError) IsRetryable() bool            { return false }
func (e *FatalError) ErrorType() string              { return "fatal" }
func (e *FatalError) IsRetryable() bool              { return false }
func (e *ProviderError) ErrorType() string           { return "provider" }
func (e *ProviderError) IsRetryable() bool           { return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500 }
func (e *ConfigError) ErrorType() string             { return "config" }
func (e *ConfigError) IsRetryable() bool             { return false }
func (e *TimeoutError) ErrorType() string            { return "timeout" }
func (e *TimeoutError) IsRetryable() bool            { return true }

// HTTPStatus maps a taxonomy error to the HTTP status code the API layer
// should respond with, per the error propagation table.
func HTTPStatus(err error) int {
	switch err.(type) {
	case *ValidationError:
		return http.StatusBadRequest
	case *NotFoundError:
		return http.StatusNotFound
	case *WrongStateError:
		return http.StatusConflict
	case *WorktreeConflictError:
		return http.StatusConflict
	case *ConcurrencyLimitError:
		return http.StatusTooManyRequests
	case *TransientError:
		return http.StatusServiceUnavailable
	case *DriverError:
		return http.StatusBadGateway
	case *StorageError:
		return http.StatusInternalServerError
	case *FatalError:
		return http.StatusInternalServerError
	case *TimeoutError:
		return http.StatusGatewayTimeout
	case *ConfigError:
		return http.StatusInternalServerError
	case *ProviderError:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

var (
	_ ErrorClassifier = (*ValidationError)(nil)
	_ ErrorClassifier = (*NotFoundError)(nil)
	_ ErrorClassifier = (*WrongStateError)(nil)
	_ ErrorClassifier = (*WorktreeConflictError)(nil)
	_ ErrorClassifier = (*ConcurrencyLimitError)(nil)
	_ ErrorClassifier = (*TransientError)(nil)
	_ ErrorClassifier = (*DriverError)(nil)
	_ ErrorClassifier = (*StorageError)(nil)
	_ ErrorClassifier = (*FatalError)(nil)
	_ ErrorClassifier = (*ProviderError)(nil)
	_ ErrorClassifier = (*ConfigError)(nil)
	_ ErrorClassifier = (*TimeoutError)(nil)
)
