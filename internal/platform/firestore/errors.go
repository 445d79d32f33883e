package firestore

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Error is a Firestore failure classified for the service layer, which inspects it through the
// IsNotFound, IsConflict and IsUnavailable methods.
type Error struct {
	op   string
	err  error
	code codes.Code
}

func (e *Error) Error() string {
	if e.op == "" {
		return e.err.Error()
	}
	return fmt.Sprintf("%s: %v", e.op, e.err)
}

func (e *Error) Unwrap() error { return e.err }

func (e *Error) IsNotFound() bool { return e.code == codes.NotFound }

// IsConflict covers duplicate creates, failed preconditions and aborted transactions.
func (e *Error) IsConflict() bool {
	return e.code == codes.AlreadyExists || e.code == codes.FailedPrecondition || e.code == codes.Aborted
}

func (e *Error) IsUnavailable() bool {
	switch e.code {
	case codes.Unavailable, codes.ResourceExhausted, codes.Internal, codes.DeadlineExceeded:
		return true
	}
	return false
}

// NotFoundError reports a document that exists but is hidden, such as a soft-deleted program.
func NotFoundError(op, msg string) error {
	return &Error{op: op, err: errors.New(msg), code: codes.NotFound}
}

// WrapError classifies err by its gRPC code under op. Cancellation and deadlines come back as the
// context errors so callers can tell them apart from backend failures.
func WrapError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var existing *Error
	if errors.As(err, &existing) {
		return err
	}
	switch code := status.Code(err); code {
	case codes.Canceled:
		return context.Canceled
	case codes.DeadlineExceeded:
		return context.DeadlineExceeded
	default:
		return &Error{op: op, err: err, code: code}
	}
}
