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
	"context"
	"errors"
	"math"
	"math/rand"
	"time"

	amerrors "github.com/existential-birds/amelia/pkg/errors"
)

// defaultMaxPhaseAttempts bounds how many times a single Architect/Developer/
// Reviewer phase is retried before the workflow is failed outright.
const defaultMaxPhaseAttempts = 3

const (
	retryBaseBackoff = 2 * time.Second
	retryMaxBackoff  = 30 * time.Second
)

// backoffDelay computes the exponential-backoff-with-jitter delay before
// retry attempt (1-indexed: the delay before the 2nd try is backoffDelay(1)).
func backoffDelay(attempt int) time.Duration {
	backoff := float64(retryBaseBackoff) * math.Pow(2.0, float64(attempt-1))
	if backoff > float64(retryMaxBackoff) {
		backoff = float64(retryMaxBackoff)
	}
	jitter := rand.Float64() * backoff * 0.2
	return time.Duration(backoff + jitter)
}

// isRetryablePhaseError reports whether a phase failure should be retried
// rather than immediately failing the workflow.
func isRetryablePhaseError(err error) bool {
	if err == nil {
		return false
	}
	var transient *amerrors.TransientError
	if errors.As(err, &transient) {
		return true
	}
	var driverErr *amerrors.DriverError
	if errors.As(err, &driverErr) {
		return true
	}
	var fatal *amerrors.FatalError
	if errors.As(err, &fatal) {
		return false
	}
	return false
}

// withPhaseRetry runs fn up to maxAttempts times, sleeping with exponential
// backoff between attempts, stopping early on a non-retryable error or
// context cancellation.
func withPhaseRetry(ctx context.Context, maxAttempts int, fn func(attempt int) error) error {
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxPhaseAttempts
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			select {
			case <-time.After(backoffDelay(attempt - 1)):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		lastErr = fn(attempt)
		if lastErr == nil {
			return nil
		}
		if !isRetryablePhaseError(lastErr) {
			return lastErr
		}
	}
	return lastErr
}
