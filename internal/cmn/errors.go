package cmn

import (
	"fmt"

	pkgerrors "github.com/pkg/errors"
)

// ErrorKind is the stable error-kind vocabulary from spec.md §7.
type ErrorKind string

const (
	ErrPreflightRejected ErrorKind = "PreflightRejected"
	ErrDeviceStateChanged ErrorKind = "DeviceStateChanged"
	ErrImageNotFound     ErrorKind = "ImageNotFound"
	ErrImageReadError    ErrorKind = "ImageReadError"
	ErrWriteIOError      ErrorKind = "WriteIOError"
	ErrVerifyMismatch    ErrorKind = "VerifyMismatch"
	ErrVerifyIOError     ErrorKind = "VerifyIOError"
	ErrStageTimeout      ErrorKind = "StageTimeout"
	ErrCancelled         ErrorKind = "Cancelled"
	ErrSubprocessExit    ErrorKind = "SubprocessExit"
	ErrInternal          ErrorKind = "Internal"
)

// Error is the structured error every stage/job/HTTP boundary in this
// module deals in. Shape (Op/Kind/Inner, with Error()/Unwrap()/Is())
// is patterned on the teacher pack's ublk error type.
type Error struct {
	Op    string // operation that failed, e.g. "write", "verify", "admit"
	JobID string // empty if not job-scoped
	Kind  ErrorKind
	Msg   string
	Inner error
}

func (e *Error) Error() string {
	if e.JobID != "" {
		if e.Msg != "" {
			return fmt.Sprintf("%s: job=%s kind=%s: %s", e.Op, e.JobID, e.Kind, e.Msg)
		}
		return fmt.Sprintf("%s: job=%s kind=%s", e.Op, e.JobID, e.Kind)
	}
	if e.Msg != "" {
		return fmt.Sprintf("%s: kind=%s: %s", e.Op, e.Kind, e.Msg)
	}
	return fmt.Sprintf("%s: kind=%s", e.Op, e.Kind)
}

func (e *Error) Unwrap() error { return e.Inner }

// Is supports errors.Is comparisons against another *Error: the two match
// when their Kinds are equal.
func (e *Error) Is(target error) bool {
	if target == nil {
		return false
	}
	if te, ok := target.(*Error); ok {
		return e.Kind == te.Kind
	}
	return false
}

// NewError builds a structured error with an op and kind.
func NewError(op string, kind ErrorKind, msg string) *Error {
	return &Error{Op: op, Kind: kind, Msg: msg}
}

// NewJobError is NewError scoped to a job.
func NewJobError(op, jobID string, kind ErrorKind, msg string) *Error {
	return &Error{Op: op, JobID: jobID, Kind: kind, Msg: msg}
}

// WrapError wraps inner with op/kind context, preserving the cause chain
// via github.com/pkg/errors so callers that walk Cause() still work.
func WrapError(op string, kind ErrorKind, inner error) *Error {
	if inner == nil {
		return nil
	}
	if e, ok := inner.(*Error); ok {
		return &Error{Op: op, JobID: e.JobID, Kind: e.Kind, Msg: e.Msg, Inner: pkgerrors.Wrap(e, op)}
	}
	return &Error{Op: op, Kind: kind, Msg: inner.Error(), Inner: pkgerrors.Wrap(inner, op)}
}

// KindOf extracts the ErrorKind from err, or ErrInternal if err is not a
// structured *Error.
func KindOf(err error) ErrorKind {
	var e *Error
	if pkgerrors.As(err, &e) {
		return e.Kind
	}
	return ErrInternal
}

// IsKind reports whether err (or anything it wraps) is a structured
// *Error of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var e *Error
	if pkgerrors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// HTTPStatus maps an ErrorKind to the HTTP status code from spec.md §6/§7.
func HTTPStatus(kind ErrorKind) int {
	switch kind {
	case ErrImageNotFound:
		return 404
	case ErrPreflightRejected, ErrDeviceStateChanged:
		return 409
	case ErrInternal, ErrWriteIOError, ErrVerifyIOError, ErrSubprocessExit, ErrStageTimeout:
		return 500
	default:
		return 400
	}
}
