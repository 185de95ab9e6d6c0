// Package errors defines the failure taxonomy shared by the sync core.
// Callers classify failures with errors.Is against the sentinels below.
package errors

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned for a missing local file or ledger scope.
	ErrNotFound = errors.New("not found")
	// ErrInvalidArgument is returned for bad parameters or malformed filters.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrRemoteUnavailable wraps listing and fetch failures from a source.
	ErrRemoteUnavailable = errors.New("remote unavailable")
	// ErrDeliveryFailure wraps upload failures from a sink.
	ErrDeliveryFailure = errors.New("delivery failure")
	// ErrLedgerWrite wraps storage-layer write errors.
	ErrLedgerWrite = errors.New("ledger write failure")
)

// New is errors.New, re-exported so callers need a single errors import.
func New(msg string) error {
	return errors.New(msg)
}

// Is is errors.Is.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As is errors.As.
func As(err error, target any) bool {
	return errors.As(err, target)
}

// WithContext annotates err with msg. It returns nil if err is nil.
func WithContext(err error, msg string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", msg, err)
}

// Mark tags err with kind so errors.Is(err, kind) holds, keeping err's own
// chain intact.
func Mark(err error, kind error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, kind) {
		return err
	}
	return marked{err: err, kind: kind}
}

type marked struct {
	err  error
	kind error
}

func (m marked) Error() string {
	return fmt.Sprintf("%v: %v", m.kind, m.err)
}

func (m marked) Unwrap() []error {
	return []error{m.kind, m.err}
}

// MissingFieldError represents a missing required field.
type MissingFieldError struct {
	Field string
}

func (err MissingFieldError) Error() string {
	return fmt.Sprintf("missing required field: %s", err.Field)
}

// FileNotFound represents when we were unable to access a file
// because the path didn't exist.
type FileNotFound struct {
	Path string
}

func (err FileNotFound) Error() string {
	return fmt.Sprintf("%q does not exist", err.Path)
}

// Is lets errors.Is(err, ErrNotFound) match a FileNotFound.
func (err FileNotFound) Is(target error) bool {
	return target == ErrNotFound
}
