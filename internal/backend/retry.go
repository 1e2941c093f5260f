// ABOUTME: Bounded exponential-backoff retry around a single backend call.
// ABOUTME: Classifies failures as retryable (network, 5xx) or terminal (4xx, parsed errors).

package backend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/2389/mux-gateway/internal/authbind"
)

// ErrBackendUnavailable tags the last observed error once the retry budget
// is exhausted on a retryable failure.
var ErrBackendUnavailable = errors.New("backend unavailable")

// ErrInvalidPayload indicates the backend returned a body that could not be
// parsed as a JSON-RPC response. Terminal, never retried.
var ErrInvalidPayload = errors.New("invalid backend payload")

// HTTPError represents a non-2xx HTTP response from a backend.
type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("backend returned HTTP %d", e.StatusCode)
}

// RetryPolicy wraps a single idempotent-assumed backend call with bounded
// exponential-backoff retry.
type RetryPolicy struct {
	maxAttempts int
	baseDelay   time.Duration
	logger      *slog.Logger
}

// NewRetryPolicy creates a policy with the given total attempt budget
// (including the first attempt) and base backoff delay.
func NewRetryPolicy(maxAttempts int, baseDelay time.Duration, logger *slog.Logger) *RetryPolicy {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RetryPolicy{
		maxAttempts: maxAttempts,
		baseDelay:   baseDelay,
		logger:      logger,
	}
}

// Execute runs op up to the attempt budget, backing off exponentially with
// jitter between attempts. Terminal failures are returned immediately;
// exhaustion returns the last error tagged ErrBackendUnavailable.
func (p *RetryPolicy) Execute(ctx context.Context, provider string, op func() (*CallResult, error)) (*CallResult, error) {
	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = p.baseDelay
	expBackoff.MaxInterval = 60 * p.baseDelay

	attempt := 0
	operation := func() (*CallResult, error) {
		attempt++
		res, err := op()
		if err != nil {
			if !isRetryable(err) {
				return nil, backoff.Permanent(err)
			}
			p.logger.Warn("backend call failed",
				"provider", provider,
				"attempt", attempt,
				"max_attempts", p.maxAttempts,
				"error", err,
			)
			return nil, err
		}
		return res, nil
	}

	res, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(expBackoff),
		backoff.WithMaxTries(uint(p.maxAttempts)),
	)
	if err != nil {
		if isRetryable(err) {
			return nil, fmt.Errorf("%w: %w", ErrBackendUnavailable, err)
		}
		return nil, err
	}
	return res, nil
}

// isRetryable reports whether the failure could plausibly succeed on a later
// attempt. HTTP 4xx, unparseable payloads, and missing credentials are
// terminal: retrying a client error cannot change the outcome.
func isRetryable(err error) bool {
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.StatusCode >= 500
	}
	if errors.Is(err, ErrInvalidPayload) {
		return false
	}
	if errors.Is(err, authbind.ErrMissingCredential) {
		return false
	}
	// Network-level failures: connection refused, reset, timeout.
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	// Anything else out of http.Client.Do is transport-level.
	return true
}
