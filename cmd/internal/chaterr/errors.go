package chaterr

import (
	"context"
	"errors"
	"fmt"
)

// OpError is a typed operation error with a stable Op + Kind contract for callers/tests.
// Kind MUST be one of the sentinel kinds.
type OpError struct {
	Op   string
	Kind error
	Msg  string
	Err  error
}

func (e OpError) Error() string {
	switch {
	case e.Msg != "" && e.Err != nil:
		return fmt.Sprintf("%s: %v: %s: %v", e.Op, e.Kind, e.Msg, e.Err)
	case e.Msg != "":
		return fmt.Sprintf("%s: %v: %s", e.Op, e.Kind, e.Msg)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v: %v", e.Op, e.Kind, e.Err)
	default:
		return fmt.Sprintf("%s: %v", e.Op, e.Kind)
	}
}

// Unwrap exposes both the kind and the underlying cause.
func (e OpError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// Validation builds a ValidationError for op.
func Validation(op, msg string) error {
	return OpError{Op: op, Kind: ErrValidation, Msg: msg}
}

// NotFound builds a not-found error for op naming the missing resource.
func NotFound(op, resource string) error {
	return OpError{Op: op, Kind: ErrNotFound, Msg: resource}
}

// Orphaned reports a version id whose family no longer exists.
func Orphaned(op, versionID string) error {
	return OpError{Op: op, Kind: ErrOrphanedVersion, Msg: versionID}
}

// Transport wraps a network failure. Context cancellation is reported as ErrCanceled
// instead, so superseded requests never look like failures.
func Transport(op string, err error) error {
	if err == nil {
		return nil
	}
	if IsCanceled(err) {
		return OpError{Op: op, Kind: ErrCanceled, Err: err}
	}
	return OpError{Op: op, Kind: ErrTransport, Err: err}
}

// Canceled builds a cancellation error for op.
func Canceled(op string) error {
	return OpError{Op: op, Kind: ErrCanceled}
}

// IsValidation reports whether err represents ErrValidation.
func IsValidation(err error) bool { return errors.Is(err, ErrValidation) }

// IsTransport reports whether err represents ErrTransport.
func IsTransport(err error) bool { return errors.Is(err, ErrTransport) }

// IsOrphaned reports whether err represents ErrOrphanedVersion.
func IsOrphaned(err error) bool { return errors.Is(err, ErrOrphanedVersion) }

// IsNotFound reports whether err represents ErrNotFound.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// IsCanceled reports whether err is a cancellation: ErrCanceled or context.Canceled.
// A deadline is not a cancellation.
func IsCanceled(err error) bool {
	return errors.Is(err, ErrCanceled) || errors.Is(err, context.Canceled)
}
