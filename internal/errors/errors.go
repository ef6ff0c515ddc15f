// Package errors classifies failures crossing the room service boundary.
//
// The categories mirror what the client coordinators need to decide between
// resync, backoff, and surfacing a message: permission problems retry on
// their own slower schedule, conflicts trigger an immediate resync rather
// than a blind retry, and timeouts are surfaced distinctly from hard
// failures so callers can still choose to retry.
package errors

import (
	"context"
	"errors"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Kind is a machine-readable failure category.
type Kind string

const (
	KindUnknown          Kind = "unknown"
	KindPermissionDenied Kind = "permission-denied"
	KindVersionMismatch  Kind = "version-mismatch"
	KindNotFound         Kind = "not-found"
	KindConflict         Kind = "conflict"
	KindUnavailable      Kind = "unavailable"
	KindQuotaExceeded    Kind = "quota-exceeded"
	KindTimeout          Kind = "timeout"
)

// Error carries a classified failure with its underlying cause.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Msg + ": " + e.Err.Error()
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

// New builds a classified error.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// Wrap classifies an underlying error.
func Wrap(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// KindOf extracts the failure category from any error. Context cancellation
// and deadline expiry classify as timeout; gRPC statuses map by code;
// anything else is unknown.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return KindTimeout
	}
	if st, ok := status.FromError(err); ok {
		return kindFromCode(st.Code())
	}
	return KindUnknown
}

// IsRetryable reports whether a failure is worth retrying on the generic
// transient schedule. Permission problems retry too, but on their own slower
// schedule owned by the caller.
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case KindUnavailable, KindTimeout, KindConflict:
		return true
	default:
		return false
	}
}

// ToStatus converts a classified error into a gRPC status for responses.
func ToStatus(err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return status.Error(codeFromKind(e.Kind), e.Msg)
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	return status.Error(codes.Internal, "an unexpected error occurred")
}

func kindFromCode(code codes.Code) Kind {
	switch code {
	case codes.PermissionDenied, codes.Unauthenticated:
		return KindPermissionDenied
	case codes.FailedPrecondition:
		return KindVersionMismatch
	case codes.NotFound:
		return KindNotFound
	case codes.Aborted, codes.AlreadyExists:
		return KindConflict
	case codes.Unavailable:
		return KindUnavailable
	case codes.ResourceExhausted:
		return KindQuotaExceeded
	case codes.DeadlineExceeded:
		return KindTimeout
	default:
		return KindUnknown
	}
}

func codeFromKind(kind Kind) codes.Code {
	switch kind {
	case KindPermissionDenied:
		return codes.PermissionDenied
	case KindVersionMismatch:
		return codes.FailedPrecondition
	case KindNotFound:
		return codes.NotFound
	case KindConflict:
		return codes.Aborted
	case KindUnavailable:
		return codes.Unavailable
	case KindQuotaExceeded:
		return codes.ResourceExhausted
	case KindTimeout:
		return codes.DeadlineExceeded
	default:
		return codes.Internal
	}
}
