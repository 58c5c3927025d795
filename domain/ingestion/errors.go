package ingestion

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/docmill/docmill/pkg/circuit"
	"github.com/docmill/docmill/pkg/pgutils"
)

// ErrorKind partitions pipeline failures by retry disposition.
type ErrorKind string

const (
	// KindInvalidInput rejects intake synchronously; no job is created.
	KindInvalidInput ErrorKind = "invalid_input"
	// KindTransientRemote covers 5xx/429 and network failures from a remote.
	KindTransientRemote ErrorKind = "transient_remote"
	// KindFatalRemote covers non-429 4xx responses from a remote.
	KindFatalRemote ErrorKind = "fatal_remote"
	// KindContentInvariant covers empty parsed content, chunk/embedding
	// count mismatches, and wrong vector dimensions.
	KindContentInvariant ErrorKind = "content_invariant"
	// KindStorageUnavailable covers job or blob store timeouts and
	// connection loss.
	KindStorageUnavailable ErrorKind = "storage_unavailable"
	// KindCircuitOpen records a local breaker refusing a call before any
	// remote I/O happened.
	KindCircuitOpen ErrorKind = "circuit_open"
	// KindRetriesExhausted marks a retryable failure that ran out of
	// retries and deadlettered.
	KindRetriesExhausted ErrorKind = "retries_exhausted"
)

// Retryable reports whether the kind is recovered through the retry
// schedule rather than deadlettered.
func (k ErrorKind) Retryable() bool {
	switch k {
	case KindTransientRemote, KindStorageUnavailable, KindCircuitOpen:
		return true
	}
	return false
}

// PipelineError is a classified stage failure. It wraps the cause so
// callers can still unwrap the original error.
type PipelineError struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *PipelineError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *PipelineError) Unwrap() error {
	return e.Err
}

// Retryable reports the error's retry disposition.
func (e *PipelineError) Retryable() bool {
	return e.Kind.Retryable()
}

// NewError builds a classified failure with a formatted message.
func NewError(kind ErrorKind, format string, args ...any) *PipelineError {
	return &PipelineError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WrapError classifies an underlying error under the given kind.
func WrapError(kind ErrorKind, err error, message string) *PipelineError {
	return &PipelineError{Kind: kind, Message: message, Err: err}
}

// retryableErr is satisfied by the parser and embedding client error types.
type retryableErr interface {
	Retryable() bool
}

// Classify maps an arbitrary stage-handler error onto the failure taxonomy.
//
// Order matters: already-classified errors pass through, breaker refusals
// are recognized before the generic remote-error check (gobreaker errors do
// not implement Retryable), and typed remote errors classify by their own
// retry hint. Everything else that the handlers touch is storage, so the
// fallback is a retryable storage failure bounded by max_retries.
func Classify(err error) *PipelineError {
	if err == nil {
		return nil
	}

	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe
	}

	if circuit.IsOpen(err) {
		return WrapError(KindCircuitOpen, err, "circuit breaker open")
	}

	var re retryableErr
	if errors.As(err, &re) {
		if re.Retryable() {
			return WrapError(KindTransientRemote, err, "transient remote failure")
		}
		return WrapError(KindFatalRemote, err, "remote rejected request")
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return WrapError(KindTransientRemote, err, "network timeout")
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return WrapError(KindTransientRemote, err, "deadline exceeded")
	}

	if pgutils.IsConnectionError(err) {
		return WrapError(KindStorageUnavailable, err, "database connection failure")
	}

	return WrapError(KindStorageUnavailable, err, "storage failure")
}

// jobError converts a classified failure into the persisted last_error
// record, truncating the message the way the rest of the queue code does.
func (e *PipelineError) jobError(now time.Time, retryAt *time.Time) *JobError {
	return &JobError{
		Kind:      e.Kind,
		Message:   truncateError(e.Error()),
		Timestamp: now.UTC(),
		RetryAt:   retryAt,
	}
}

// truncateError truncates an error message to 500 characters
func truncateError(msg string) string {
	if len(msg) > 500 {
		return msg[:500]
	}
	return msg
}
