package engine

import (
	"errors"
	"fmt"
	"time"
)

// Enqueue refusals.
var (
	ErrDisabled    = errors.New("task engine disabled")
	ErrStopped     = errors.New("task engine stopped")
	ErrStopping    = errors.New("task engine stopping")
	ErrQueueFull   = errors.New("task engine queue full")
	ErrOverlapSkip = errors.New("task skipped due to overlap policy")
)

// RetryAfterError is implemented by errors that carry an explicit retry delay.
type RetryAfterError interface {
	error
	RetryAfter() time.Duration
}

// retryVerdict wraps a task error with the worker's retry instructions.
type retryVerdict struct {
	err   error
	final bool
	after time.Duration
}

func (v *retryVerdict) Error() string {
	if v.final {
		return "no-retry: " + v.err.Error()
	}
	return fmt.Sprintf("retry-after(%s): %v", v.after, v.err)
}

func (v *retryVerdict) Unwrap() error { return v.err }

// NoRetry makes the worker give up after this attempt. Sweeps use it since a
// failed sweep is already recorded and the next tick retries anyway.
func NoRetry(err error) error {
	if err == nil {
		return nil
	}
	return &retryVerdict{err: err, final: true}
}

// IsNoRetry reports whether err, or anything it wraps, came from NoRetry.
func IsNoRetry(err error) bool {
	_, final := unwrapFinal(err)
	return final
}

// unwrapFinal returns the cause under the outermost NoRetry wrapper.
func unwrapFinal(err error) (error, bool) {
	var v *retryVerdict
	for errors.As(err, &v) {
		if v.final {
			return v.err, true
		}
		err = v.err
	}
	return err, false
}

// RetryAfter asks the worker to wait at least after before the next attempt.
// The wait is still capped by RetryMaxDelay and jittered.
func RetryAfter(err error, after time.Duration) error {
	if err == nil {
		return nil
	}
	return &hintedError{retryVerdict{err: err, after: max(after, 0)}}
}

// hintedError exposes RetryAfter only on hinted verdicts, so NoRetry errors
// never satisfy RetryAfterError.
type hintedError struct{ retryVerdict }

func (h *hintedError) Error() string             { return h.retryVerdict.Error() }
func (h *hintedError) Unwrap() error             { return h.err }
func (h *hintedError) RetryAfter() time.Duration { return h.after }
