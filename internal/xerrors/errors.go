// Package xerrors provides the coordinator's retry/wrap/component-error
// helpers, carried over from the teacher's internal/errors/errors.go and
// renamed so callers can import the standard library errors package
// directly alongside it.
package xerrors

import (
	"errors"
	"fmt"
	"time"

	"github.com/jandersen-uva/mocap-coordinator/internal/logger"
)

// RetryConfig defines configuration for retry behavior.
type RetryConfig struct {
	MaxAttempts   int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
}

// DefaultRetryConfig returns a sensible default retry configuration.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:   3,
		InitialDelay:  1 * time.Second,
		MaxDelay:      30 * time.Second,
		BackoffFactor: 2.0,
	}
}

// RetryWithBackoff executes fn with exponential backoff retry logic,
// giving up after MaxAttempts. internal/bridge reconnects with
// RetryForever instead.
func RetryWithBackoff(operation string, config RetryConfig, fn func() error) error {
	var lastErr error
	delay := config.InitialDelay

	for attempt := 1; attempt <= config.MaxAttempts; attempt++ {
		err := fn()
		if err == nil {
			if attempt > 1 {
				logger.Info("Operation '%s' succeeded after %d attempts", operation, attempt)
			}
			return nil
		}

		lastErr = err

		if attempt == config.MaxAttempts {
			logger.Error("Operation '%s' failed after %d attempts: %v", operation, config.MaxAttempts, err)
			break
		}

		logger.Warn("Operation '%s' failed (attempt %d/%d): %v. Retrying in %v...",
			operation, attempt, config.MaxAttempts, err, delay)

		time.Sleep(delay)

		delay = time.Duration(float64(delay) * config.BackoffFactor)
		if delay > config.MaxDelay {
			delay = config.MaxDelay
		}
	}

	return fmt.Errorf("operation '%s' failed after %d attempts: %w", operation, config.MaxAttempts, lastErr)
}

// RetryForever is like RetryWithBackoff but never gives up, capping the
// delay at MaxDelay; used by internal/bridge's reconnect loop, which must
// keep trying until the lifecycle controller cancels its context.
func RetryForever(ctx interface{ Done() <-chan struct{} }, operation string, config RetryConfig, fn func() error) error {
	delay := config.InitialDelay
	for {
		err := fn()
		if err == nil {
			return nil
		}
		logger.Warn("Operation '%s' failed: %v. Retrying in %v...", operation, err, delay)

		select {
		case <-ctx.Done():
			return err
		case <-time.After(delay):
		}

		delay = time.Duration(float64(delay) * config.BackoffFactor)
		if delay > config.MaxDelay {
			delay = config.MaxDelay
		}
	}
}

// Wrap wraps an error with additional context.
func Wrap(err error, context string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	contextMsg := fmt.Sprintf(context, args...)
	return fmt.Errorf("%s: %w", contextMsg, err)
}

// WrapWithLog wraps an error with context and logs it.
func WrapWithLog(err error, context string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	wrapped := Wrap(err, context, args...)
	logger.Error("%v", wrapped)
	return wrapped
}

// ComponentError represents an error from a specific component.
type ComponentError struct {
	Component string
	Operation string
	Err       error
}

func (e *ComponentError) Error() string {
	return fmt.Sprintf("[%s] %s: %v", e.Component, e.Operation, e.Err)
}

func (e *ComponentError) Unwrap() error {
	return e.Err
}

// NewComponentError creates a new component-specific error.
func NewComponentError(component, operation string, err error) error {
	return &ComponentError{Component: component, Operation: operation, Err: err}
}

// RecoverableError represents an error that can be recovered from.
type RecoverableError struct {
	Err       error
	Retryable bool
}

func (e *RecoverableError) Error() string {
	return e.Err.Error()
}

func (e *RecoverableError) Unwrap() error {
	return e.Err
}

// NewRecoverableError creates a new recoverable error.
func NewRecoverableError(err error, retryable bool) error {
	return &RecoverableError{Err: err, Retryable: retryable}
}

// IsRecoverable checks if an error is recoverable, using the standard
// library's errors.As instead of the teacher's hand-rolled type switch.
func IsRecoverable(err error) bool {
	if err == nil {
		return false
	}
	var recErr *RecoverableError
	if errors.As(err, &recErr) {
		return recErr.Retryable
	}
	return false
}

// SafeClose safely closes a resource and logs any errors.
func SafeClose(closer interface{ Close() error }, resourceName string) {
	if closer == nil {
		return
	}
	if err := closer.Close(); err != nil {
		logger.Warn("Failed to close %s: %v", resourceName, err)
	}
}

// SafeCloseWithError safely closes a resource and returns any error.
func SafeCloseWithError(closer interface{ Close() error }, resourceName string) error {
	if closer == nil {
		return nil
	}
	if err := closer.Close(); err != nil {
		return Wrap(err, "failed to close %s", resourceName)
	}
	return nil
}
