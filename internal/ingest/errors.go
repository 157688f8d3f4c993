package ingest

import (
	"context"
	"errors"
	"fmt"
	"net"
)

var (
	// ErrAlreadyComplete is returned when a completed property is moved back to
	// in progress without an explicit reset.
	ErrAlreadyComplete = errors.New("property already complete")
	// ErrRunFinalized is returned when a finalized run log is mutated.
	ErrRunFinalized = errors.New("run log already finalized")
	// ErrSourceUnavailable is returned when a source's breaker rejects a call.
	ErrSourceUnavailable = errors.New("source unavailable")
)

// TransientSourceError covers timeouts, 429 and 5xx responses. Callers retry
// these with backoff before counting a source failure.
type TransientSourceError struct {
	Source     string
	URL        string
	StatusCode int
	Cause      error
}

func (e *TransientSourceError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("transient error from %s: status %d for %s", e.Source, e.StatusCode, e.URL)
	}
	return fmt.Sprintf("transient error from %s for %s: %v", e.Source, e.URL, e.Cause)
}

func (e *TransientSourceError) Unwrap() error { return e.Cause }

// PermanentSourceError covers 4xx responses other than 429 and malformed
// responses. They are never retried.
type PermanentSourceError struct {
	Source     string
	URL        string
	StatusCode int
	Cause      error
}

func (e *PermanentSourceError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("permanent error from %s: status %d for %s", e.Source, e.StatusCode, e.URL)
	}
	return fmt.Sprintf("permanent error from %s for %s: %v", e.Source, e.URL, e.Cause)
}

func (e *PermanentSourceError) Unwrap() error { return e.Cause }

// FormatError reports bytes whose signature is not a supported image type.
type FormatError struct {
	Detected string
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("unsupported image format %q", e.Detected)
}

// SizeLimitError reports input that exceeds a byte or pixel ceiling.
type SizeLimitError struct {
	What  string
	Value int64
	Limit int64
}

func (e *SizeLimitError) Error() string {
	return fmt.Sprintf("%s %d exceeds limit %d", e.What, e.Value, e.Limit)
}

// ProcessingError reports any other decode or encode failure.
type ProcessingError struct {
	Op    string
	Cause error
}

func (e *ProcessingError) Error() string {
	return fmt.Sprintf("image %s failed: %v", e.Op, e.Cause)
}

func (e *ProcessingError) Unwrap() error { return e.Cause }

// HashError reports input the perceptual hasher could not decode.
type HashError struct {
	Cause error
}

func (e *HashError) Error() string {
	return fmt.Sprintf("perceptual hash: %v", e.Cause)
}

func (e *HashError) Unwrap() error { return e.Cause }

// PersistenceError reports a failed checkpoint or index write.
type PersistenceError struct {
	Path  string
	Cause error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persist %s: %v", e.Path, e.Cause)
}

func (e *PersistenceError) Unwrap() error { return e.Cause }

// IsTransient reports whether err is worth retrying. Cancellation of the
// caller's context is never transient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var transient *TransientSourceError
	if errors.As(err, &transient) {
		return true
	}
	var permanent *PermanentSourceError
	if errors.As(err, &permanent) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	return false
}

// IsImageContentError reports whether err stems from bad image bytes rather
// than from the source.
func IsImageContentError(err error) bool {
	var (
		formatErr *FormatError
		sizeErr   *SizeLimitError
		procErr   *ProcessingError
		hashErr   *HashError
	)
	return errors.As(err, &formatErr) || errors.As(err, &sizeErr) ||
		errors.As(err, &procErr) || errors.As(err, &hashErr)
}
