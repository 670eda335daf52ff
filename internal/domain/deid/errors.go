package deid

import (
	"errors"
	"fmt"
)

// Sentinel classes shared across the pipeline. Stage errors wrap one of
// these so the job runner can decide retry-vs-fail with errors.Is alone.
var (
	// ErrTerminal marks failures that re-running cannot fix
	// (malformed input, auth, missing objects).
	ErrTerminal = errors.New("terminal")
	// ErrRetryable marks transient failures (network, quota, 5xx).
	ErrRetryable = errors.New("retryable")
)

// FormatError means the input bytes could not be decoded as any
// supported document format. Always terminal.
type FormatError struct {
	Format string
	Err    error
}

func (e *FormatError) Error() string {
	if e.Format == "" {
		return fmt.Sprintf("unreadable document: %v", e.Err)
	}
	return fmt.Sprintf("unreadable %s document: %v", e.Format, e.Err)
}
func (e *FormatError) Unwrap() error   { return e.Err }
func (e *FormatError) Is(t error) bool { return t == ErrTerminal }

// OCRError wraps a failure from an OCR provider call.
type OCRError struct {
	Provider  string
	Err       error
	Retryable bool
}

func (e *OCRError) Error() string {
	return fmt.Sprintf("ocr provider %s: %v", e.Provider, e.Err)
}
func (e *OCRError) Unwrap() error { return e.Err }
func (e *OCRError) Is(t error) bool {
	if e.Retryable {
		return t == ErrRetryable
	}
	return t == ErrTerminal
}

// PHIDetectError wraps a failure from a PHI detector call.
type PHIDetectError struct {
	Provider  string
	Err       error
	Retryable bool
}

func (e *PHIDetectError) Error() string {
	return fmt.Sprintf("phi provider %s: %v", e.Provider, e.Err)
}
func (e *PHIDetectError) Unwrap() error { return e.Err }
func (e *PHIDetectError) Is(t error) bool {
	if e.Retryable {
		return t == ErrRetryable
	}
	return t == ErrTerminal
}

// StorageError wraps bucket I/O failures. NotFound on a job's input is
// terminal (the object is gone for good); everything else transient is
// retryable.
type StorageError struct {
	Op        string
	Key       string
	Err       error
	NotFound  bool
	Retryable bool
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s %q: %v", e.Op, e.Key, e.Err)
}
func (e *StorageError) Unwrap() error { return e.Err }
func (e *StorageError) Is(t error) bool {
	if e.NotFound || !e.Retryable {
		return t == ErrTerminal
	}
	return t == ErrRetryable
}

// IsRetryable reports whether err should be handed back to the queue.
// Unclassified errors default to retryable so a bug in classification
// degrades to extra attempts rather than silently dropped jobs.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrTerminal) {
		return false
	}
	if errors.Is(err, ErrRetryable) {
		return true
	}
	return true
}
