// Package chaterr defines the error taxonomy of the reconciliation engine.
//
// Every failure is reported as one of the sentinel kinds below, usually wrapped in
// an OpError so callers can match with errors.Is and still read the operation name.
package chaterr

import "errors"

// Sentinel error kinds (stable for errors.Is and for mapping to HTTP status codes).
var (
	ErrValidation          = errors.New("validation")
	ErrTransport           = errors.New("transport")
	ErrCanceled            = errors.New("canceled")
	ErrVerificationTimeout = errors.New("verification_timeout")
	ErrOrphanedVersion     = errors.New("orphaned_version")
	ErrNotFound            = errors.New("not_found")
	ErrBusy                = errors.New("busy")
)
