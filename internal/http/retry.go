package http

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net"
	"strings"
	"time"
)

// ErrorType is the retry class of an error.
type ErrorType int

const (
	ErrorTypeSuccess    ErrorType = iota
	ErrorTypeCredential           // bad or expired credentials; retrying cannot help
	ErrorTypeNetwork              // resets, refusals, timeouts
	ErrorTypeRetryable            // server-side throttling and 5xx
	ErrorTypeFatal                // everything else, including 4xx
)

func (t ErrorType) String() string {
	switch t {
	case ErrorTypeSuccess:
		return "success"
	case ErrorTypeCredential:
		return "credential"
	case ErrorTypeNetwork:
		return "network"
	case ErrorTypeRetryable:
		return "retryable"
	case ErrorTypeFatal:
		return "fatal"
	}
	return "unknown"
}

// RetryConfig holds retry parameters for ExecuteWithRetry.
type RetryConfig struct {
	MaxRetries   int // total attempts, including the first
	InitialDelay time.Duration
	MaxDelay     time.Duration

	// OnRetry, when set, runs before each wait.
	OnRetry func(attempt int, err error, errorType ErrorType)
}

// Error text fragments by class, matched against the lowercased message. SSH, S3 and
// Azure errors mostly arrive as text, so the message is the common denominator.
var (
	credentialFragments = []string{
		"expired", "invalid token", "403", "unauthorized", "unable to authenticate",
		"authentication failed", "authenticationfailed", "invalid sas", "signature not valid",
	}
	networkFragments = []string{
		"connection reset", "connection refused", "no route to host", "broken pipe",
		"i/o timeout", "timeout", "eof",
	}
	retryableFragments = []string{
		"requesttimeout", "internalerror", "serviceunavailable", "slowdown", "throttl",
		"serverbusy", "server busy", "429", "500", "502", "503", "504",
	}
)

// ClassifyError determines how ExecuteWithRetry treats err.
func ClassifyError(err error) ErrorType {
	if err == nil {
		return ErrorTypeSuccess
	}

	msg := strings.ToLower(err.Error())
	if containsAny(msg, credentialFragments) {
		return ErrorTypeCredential
	}

	var netErr net.Error
	switch {
	case errors.As(err, &netErr), errors.Is(err, io.ErrUnexpectedEOF), containsAny(msg, networkFragments):
		return ErrorTypeNetwork
	case containsAny(msg, retryableFragments):
		return ErrorTypeRetryable
	}
	return ErrorTypeFatal
}

func containsAny(s string, fragments []string) bool {
	for _, f := range fragments {
		if strings.Contains(s, f) {
			return true
		}
	}
	return false
}

// CalculateBackoff returns a full-jitter exponential backoff:
// random(0, min(maxDelay, initialDelay * 2^attempt)).
func CalculateBackoff(attempt int, initialDelay, maxDelay time.Duration) time.Duration {
	if attempt <= 0 || initialDelay <= 0 || maxDelay <= 0 {
		return 0
	}

	ceiling := initialDelay << uint(min(attempt, 30))
	if ceiling <= 0 || ceiling > maxDelay {
		ceiling = maxDelay
	}
	return time.Duration(rand.Int63n(int64(ceiling)))
}

// ExecuteWithRetry runs operation up to MaxRetries times. Network and server errors are
// retried with backoff; credential and fatal errors, and context cancellation, end it at once.
func ExecuteWithRetry(ctx context.Context, config RetryConfig, operation func() error) error {
	var lastErr error

	for attempt := 1; attempt <= config.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = operation()
		if lastErr == nil {
			return nil
		}

		errType := ClassifyError(lastErr)
		if errType == ErrorTypeFatal || errType == ErrorTypeCredential {
			return lastErr
		}
		if attempt == config.MaxRetries {
			break
		}

		wait := CalculateBackoff(attempt, config.InitialDelay, config.MaxDelay)
		if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) < wait {
			return fmt.Errorf("deadline too short to retry: %w", lastErr)
		}
		if config.OnRetry != nil {
			config.OnRetry(attempt, lastErr, errType)
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	return fmt.Errorf("operation failed after %d attempts: %w", config.MaxRetries, lastErr)
}
