package engine

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"time"

	"github.com/franksops/sfast/endpoint"
)

var (
	// ErrNoMatchingFiles is returned when no argument expands to a file.
	ErrNoMatchingFiles = errors.New("no matching files")

	// ErrRelayArgs is returned when relay arguments cannot be split into
	// equal source and destination halves.
	ErrRelayArgs = errors.New("relay needs an equal number of sources and destinations")

	// ErrHashMismatch is returned when source and destination digests differ.
	ErrHashMismatch = errors.New("hash mismatch")

	// ErrInvalidTransition is returned by Next for events a state does not accept.
	ErrInvalidTransition = errors.New("invalid state transition")

	// ErrConfig marks configuration errors detected before any transfer.
	ErrConfig = errors.New("configuration error")
)

// ErrorClass drives the retry decision for a failed step.
type ErrorClass int

const (
	ClassRetryable ErrorClass = iota
	ClassFatal
	ClassMismatch
	ClassCancelled
)

func (c ErrorClass) String() string {
	switch c {
	case ClassRetryable:
		return "retryable"
	case ClassFatal:
		return "fatal"
	case ClassMismatch:
		return "mismatch"
	case ClassCancelled:
		return "cancelled"
	}
	return "unknown"
}

type classifiedError struct {
	err   error
	class ErrorClass
}

func (e *classifiedError) Error() string { return e.err.Error() }
func (e *classifiedError) Unwrap() error { return e.err }

// Fatal marks err as not worth retrying.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return &classifiedError{err: err, class: ClassFatal}
}

// Retryable marks err as transient regardless of what it wraps.
func Retryable(err error) error {
	if err == nil {
		return nil
	}
	return &classifiedError{err: err, class: ClassRetryable}
}

// Classify maps an error to its retry class. Missing files, permission
// problems and configuration errors are fatal. A deadline hit by a single
// operation is transient, like anything else unrecognised.
func Classify(err error) ErrorClass {
	var ce *classifiedError
	switch {
	case errors.As(err, &ce):
		return ce.class
	case errors.Is(err, context.Canceled):
		return ClassCancelled
	case errors.Is(err, ErrHashMismatch):
		return ClassMismatch
	case errors.Is(err, os.ErrNotExist),
		errors.Is(err, os.ErrPermission),
		errors.Is(err, fs.ErrInvalid),
		errors.Is(err, ErrConfig),
		errors.Is(err, endpoint.ErrNoAuthMethod),
		errors.Is(err, endpoint.ErrAuthFailed),
		errors.Is(err, endpoint.ErrHostKey):
		return ClassFatal
	}
	return ClassRetryable
}

// RetryPolicy bounds attempts per file and schedules the delay between them.
type RetryPolicy struct {
	// MaxAttempts is the total number of attempts per file, the first
	// included.
	MaxAttempts int
	// MismatchAttempts, when positive, is a stricter ceiling on attempts
	// that ended in a hash mismatch.
	MismatchAttempts int

	InitialBackoff time.Duration
	// MaxBackoff caps Delay. Zero caps it at maxDelay.
	MaxBackoff time.Duration
}

const maxDelay = 24 * time.Hour

// Delay returns InitialBackoff * 2^(attempt-1), attempt counting from 1,
// capped at MaxBackoff.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	limit := p.MaxBackoff
	if limit <= 0 {
		limit = maxDelay
	}
	d := p.InitialBackoff
	for i := 1; i < attempt && d < limit; i++ {
		d *= 2
	}
	return min(d, limit)
}

// Decide reports whether a file whose attempt-th attempt failed with class
// should be tried again. mismatches counts mismatch failures so far,
// including this one.
func (p RetryPolicy) Decide(class ErrorClass, attempt, mismatches int) bool {
	switch class {
	case ClassFatal, ClassCancelled:
		return false
	case ClassMismatch:
		if p.MismatchAttempts > 0 && mismatches >= p.MismatchAttempts {
			return false
		}
	}
	return attempt < p.MaxAttempts
}

// sleepCtx waits for d or until ctx is done.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
