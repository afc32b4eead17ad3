// Package errors provides the error type used across the rpc package tree.
// Every error carries a status Category, the same set of integer codes
// gRPC uses (github.com/gostdlib/base/errors is wrapped for the plain
// stdlib-compatible helpers so callers don't need two error imports).
package errors

import (
	"fmt"

	"github.com/gostdlib/base/context"
	baseerrors "github.com/gostdlib/base/errors"

	"google.golang.org/grpc/codes"
)

// Category identifies the kind of failure an RPC ended with. The numeric
// values match google.golang.org/grpc/codes so that
// resilience.RefreshOnStatusCodes can be configured with the same integers
// a caller would use against a real grpc.Status; the constants below are
// converted straight from codes.Code rather than redeclared by hand.
type Category uint32

const (
	OK                 = Category(codes.OK)
	Canceled           = Category(codes.Canceled)
	Unknown            = Category(codes.Unknown)
	InvalidArgument    = Category(codes.InvalidArgument)
	DeadlineExceeded   = Category(codes.DeadlineExceeded)
	NotFound           = Category(codes.NotFound)
	AlreadyExists      = Category(codes.AlreadyExists)
	PermissionDenied   = Category(codes.PermissionDenied)
	ResourceExhausted  = Category(codes.ResourceExhausted)
	FailedPrecondition = Category(codes.FailedPrecondition)
	Aborted            = Category(codes.Aborted)
	OutOfRange         = Category(codes.OutOfRange)
	Unimplemented      = Category(codes.Unimplemented)
	Internal           = Category(codes.Internal)
	Unavailable        = Category(codes.Unavailable)
	DataLoss           = Category(codes.DataLoss)
	Unauthenticated    = Category(codes.Unauthenticated)
)

// String implements fmt.Stringer by deferring to codes.Code's own names.
func (c Category) String() string {
	return codes.Code(c).String()
}

// Error pairs a Category with the underlying cause. It implements error and
// Unwrap so errors.Is/As work against the wrapped cause.
type Error struct {
	Code Category
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Code.String()
	}
	return fmt.Sprintf("%s: %s", e.Code.String(), e.Err.Error())
}

func (e *Error) Unwrap() error { return e.Err }

// E wraps err with the given status Category. If ctx carries an active
// trace span, the error is also recorded against it so failures surface in
// traces without every call site needing to know about tracing.
func E(ctx context.Context, code Category, err error) error {
	if err == nil {
		return nil
	}
	wrapped := &Error{Code: code, Err: err}
	recordSpanError(ctx, wrapped)
	return wrapped
}

// Code extracts the Category from err, walking the Unwrap chain. Returns
// OK if err is nil and Unknown if err carries no Category.
func Code(err error) Category {
	if err == nil {
		return OK
	}
	var e *Error
	if As(err, &e) {
		return e.Code
	}
	return Unknown
}

// Everything below mirrors the stdlib errors package so call sites don't
// need a second import for Is/As/New/Join/Unwrap.

// New returns an error that formats as the given text.
func New(text string) error { return baseerrors.New(text) }

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool { return baseerrors.Is(err, target) }

// As finds the first error in err's chain that matches target.
func As(err error, target interface{}) bool { return baseerrors.As(err, target) }

// Unwrap returns the result of calling Unwrap on err, if any.
func Unwrap(err error) error { return baseerrors.Unwrap(err) }

// Join returns an error wrapping all non-nil errs.
func Join(errs ...error) error { return baseerrors.Join(errs...) }
