package engine

import (
	"context"
	"math"
	"strings"
	"time"

	"github.com/rendis/conveyor/internal/executors"
	"github.com/rendis/conveyor/pkg/schema"
)

const (
	defaultBackoffMultiplier = 2.0
	maxBackoff               = time.Hour
)

// nonRetryableCodes never retry regardless of policy.
var nonRetryableCodes = []string{
	schema.ErrCodeSandboxViolation,
	schema.ErrCodeValidation,
	schema.ErrCodeApprovalRejected,
	schema.ErrCodeCancelled,
	schema.ErrCodeRecursivePipeline,
	schema.ErrCodeCycleDetected,
}

// IsRetryable classifies a step failure under policy. With RetryableErrors
// set, the failure must match one entry by code or message substring.
func IsRetryable(err *schema.Error, policy *schema.RetryPolicy) bool {
	if err == nil || policy == nil || policy.MaxRetries <= 0 {
		return false
	}
	for _, code := range nonRetryableCodes {
		if schema.IsCode(err, code) {
			return false
		}
	}
	if len(policy.RetryableErrors) == 0 {
		return true
	}
	for _, pattern := range policy.RetryableErrors {
		if schema.IsCode(err, pattern) || strings.Contains(err.Message, pattern) {
			return true
		}
	}
	return false
}

// ComputeBackoff returns the delay before retry number attempt (0-based):
// min(initialDelay × multiplier^attempt, maxDelay).
func ComputeBackoff(policy *schema.RetryPolicy, attempt int) time.Duration {
	if policy == nil || policy.InitialDelay <= 0 {
		return 0
	}
	mult := policy.Multiplier
	if mult <= 0 {
		mult = defaultBackoffMultiplier
	}

	limit := maxBackoff
	if policy.MaxDelay > 0 && policy.MaxDelay.Std() < limit {
		limit = policy.MaxDelay.Std()
	}

	delay := float64(policy.InitialDelay.Std()) * math.Pow(mult, float64(attempt))
	if math.IsInf(delay, 0) || math.IsNaN(delay) || delay > float64(limit) {
		return limit
	}
	return time.Duration(delay)
}

// WaitForBackoff sleeps for delay or returns early if the context is cancelled.
func WaitForBackoff(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ResolvePolicy picks the step's policy, then the definition default.
func ResolvePolicy(step *schema.Step, def *schema.PipelineDefinition) *schema.RetryPolicy {
	if step != nil && step.RetryPolicy != nil {
		return step.RetryPolicy
	}
	if def != nil {
		return def.RetryPolicy
	}
	return nil
}

// AttemptFunc runs attempt number n (1-based) and always reports an outcome.
type AttemptFunc func(ctx context.Context, n int) *executors.Outcome

// RetryController re-invokes failed attempts with bounded exponential backoff.
type RetryController struct {
	// OnRetry is called before sleeping ahead of attempt n+1.
	OnRetry func(n int, err *schema.Error, delay time.Duration)
}

// Do runs attempt until it stops failing, the failure is not retryable or
// maxRetries is spent. It returns the final outcome and the attempt count.
func (rc *RetryController) Do(ctx context.Context, policy *schema.RetryPolicy, attempt AttemptFunc) (*executors.Outcome, int) {
	n := 1
	for {
		out := attempt(ctx, n)
		if out.Status != executors.StatusFailed {
			return out, n
		}
		if !IsRetryable(out.Error, policy) {
			return out, n
		}
		if n > policy.MaxRetries {
			out.Error = schema.NewErrorf(schema.ErrCodeRetryExhausted, "failed after %d attempts: %s", n, out.Error.Message).
				WithStep(out.Error.StepID).
				WithCause(out.Error)
			return out, n
		}

		delay := ComputeBackoff(policy, n-1)
		if rc != nil && rc.OnRetry != nil {
			rc.OnRetry(n, out.Error, delay)
		}
		if err := WaitForBackoff(ctx, delay); err != nil {
			out.Error = schema.NewError(schema.ErrCodeCancelled, "cancelled while waiting to retry").
				WithStep(out.Error.StepID).WithCause(out.Error)
			return out, n
		}
		n++
	}
}
