// Package apperr defines the engine-wide error taxonomy (spec §7) as
// sentinel errors, plus Classify, which maps low-level driver failures
// into that taxonomy so retry loops never import database/sql or gorm
// error types directly.
package apperr

import (
	"context"
	"errors"
	"net"
	"strings"

	"gorm.io/gorm"
)

var (
	// ErrQueueFull: enqueue rejected because the target queue is at
	// maxSize. Caller may retry with backoff.
	ErrQueueFull = errors.New("jqm: queue full")

	// ErrNotFound: unknown id.
	ErrNotFound = errors.New("jqm: not found")

	// ErrStateConflict: CAS failure on a state transition. Returned by
	// the Gateway's CAS-guarded methods to the engine components that
	// call them; the Client's Kill, Pause, Resume and SetPriority return
	// it to their callers unchanged.
	ErrStateConflict = errors.New("jqm: state conflict")

	// ErrBackendUnavailable: transient persistence failure. Every engine
	// loop (Poller, Supervisor boot) retries this with backoff+jitter.
	ErrBackendUnavailable = errors.New("jqm: backend unavailable")

	// ErrArtifactUnavailable: deployable could not be resolved/fetched.
	// Results in CRASHED without restart.
	ErrArtifactUnavailable = errors.New("jqm: artifact unavailable")

	// ErrPayloadError: failure raised by payload code itself. Results in
	// CRASHED, possibly restarted per JobDefinition policy.
	ErrPayloadError = errors.New("jqm: payload error")

	// ErrCancelled: instance observed a pending-kill marker at yield().
	// Surfaced to EnqueueSync callers as the reason KILLED was reached.
	ErrCancelled = errors.New("jqm: cancelled")

	// ErrTimeout: instance exceeded its configured deadline. Terminal
	// KILLED with reason "timeout".
	ErrTimeout = errors.New("jqm: timeout")
)

// Classify maps a low-level error (network, driver, context) onto the
// taxonomy above. Errors already in the taxonomy pass through unchanged.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, ErrQueueFull), errors.Is(err, ErrNotFound),
		errors.Is(err, ErrStateConflict), errors.Is(err, ErrBackendUnavailable),
		errors.Is(err, ErrArtifactUnavailable), errors.Is(err, ErrPayloadError),
		errors.Is(err, ErrCancelled), errors.Is(err, ErrTimeout):
		return err
	case errors.Is(err, gorm.ErrRecordNotFound):
		return ErrNotFound
	case errors.Is(err, context.DeadlineExceeded):
		return ErrTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return ErrBackendUnavailable
	}
	msg := strings.ToLower(err.Error())
	for _, frag := range []string{
		"connection refused", "connection reset", "too many connections",
		"broken pipe", "i/o timeout", "no such host", "driver: bad connection",
	} {
		if strings.Contains(msg, frag) {
			return ErrBackendUnavailable
		}
	}
	return err
}

// Retryable reports whether Classify(err) indicates a loop should back
// off and retry rather than surface the error immediately.
func Retryable(err error) bool {
	return errors.Is(Classify(err), ErrBackendUnavailable)
}
