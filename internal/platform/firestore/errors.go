package firestore

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

type errorKind uint8

const (
	kindUnknown errorKind = iota
	kindNotFound
	kindConflict
	kindUnavailable
)

// Error classifies Firestore failures for the repositories.RepositoryError contract. Op names the
// repository operation that failed, for example "orders.update".
type Error struct {
	Op   string
	kind errorKind
	err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return e.err.Error()
	}
	return e.Op + ": " + e.err.Error()
}

func (e *Error) Unwrap() error { return e.err }

func (e *Error) IsNotFound() bool { return e != nil && e.kind == kindNotFound }

func (e *Error) IsConflict() bool { return e != nil && e.kind == kindConflict }

func (e *Error) IsUnavailable() bool { return e != nil && e.kind == kindUnavailable }

// VersionConflict is the cause carried by an Error raised when an optimistic write finds a
// document at a different version than the caller read.
type VersionConflict struct {
	Collection string
	ID         string
	Expected   int64
	Actual     int64
}

func (c *VersionConflict) Error() string {
	return fmt.Sprintf("%s %s is at version %d, expected %d", c.Collection, c.ID, c.Actual, c.Expected)
}

// NewVersionConflict reports a compare-and-set miss on collection/id.
func NewVersionConflict(op, collection, id string, expected, actual int64) error {
	return &Error{
		Op:   op,
		kind: kindConflict,
		err:  &VersionConflict{Collection: collection, ID: id, Expected: expected, Actual: actual},
	}
}

// IsNotFound reports whether err is a Firestore error for a missing document.
func IsNotFound(err error) bool {
	var repoErr *Error
	return errors.As(err, &repoErr) && repoErr.IsNotFound()
}

// WrapError classifies err by its gRPC status. Cancellation surfaces as the context error so
// callers can tell an abandoned request apart from a backend failure.
func WrapError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var repoErr *Error
	if errors.As(err, &repoErr) {
		if repoErr.Op == "" {
			repoErr.Op = op
		}
		return repoErr
	}

	code := status.Code(err)
	switch code {
	case codes.Canceled:
		return context.Canceled
	case codes.DeadlineExceeded:
		return context.DeadlineExceeded
	}
	return &Error{Op: op, kind: kindForCode(code), err: err}
}

func kindForCode(code codes.Code) errorKind {
	switch code {
	case codes.NotFound:
		return kindNotFound
	// Aborted is a transaction lost to contention; FailedPrecondition covers Update on a
	// document whose update time moved.
	case codes.AlreadyExists, codes.Aborted, codes.FailedPrecondition, codes.OutOfRange:
		return kindConflict
	case codes.Unavailable, codes.ResourceExhausted, codes.Internal:
		return kindUnavailable
	}
	return kindUnknown
}
