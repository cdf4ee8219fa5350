package inference

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// Failure classes of an inference call.
var (
	// ErrTransient marks failures that may succeed on retry: timeouts,
	// overload, unreachable backend.
	ErrTransient = errors.New("transient inference failure")

	// ErrFatal marks failures that will not succeed on retry: invalid input,
	// unsupported image, malformed model output.
	ErrFatal = errors.New("fatal inference failure")
)

// Kind classifies an inference failure.
type Kind int

// Inference failure kinds
const (
	Transient Kind = iota
	Fatal
)

func (k Kind) String() string {
	if k == Fatal {
		return "fatal"
	}
	return "transient"
}

// Error is a classified inference failure.
type Error struct {
	Kind       Kind
	Op         string
	StatusCode int
	Err        error
}

// Error implements the error interface for Error.
func (e *Error) Error() string {
	msg := fmt.Sprintf("%s inference failure during %s", e.Kind, e.Op)
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (status %d)", e.StatusCode)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches ErrTransient or ErrFatal according to Kind.
func (e *Error) Is(target error) bool {
	switch target {
	case ErrTransient:
		return e.Kind == Transient
	case ErrFatal:
		return e.Kind == Fatal
	}
	return false
}

// NewTransient wraps err as a transient failure.
func NewTransient(op string, err error) *Error {
	return &Error{Kind: Transient, Op: op, Err: err}
}

// NewFatal wraps err as a fatal failure.
func NewFatal(op string, err error) *Error {
	return &Error{Kind: Fatal, Op: op, Err: err}
}

// FromStatus classifies an HTTP status returned by a backend.
func FromStatus(op string, status int, err error) *Error {
	return &Error{Kind: KindForStatus(status), Op: op, StatusCode: status, Err: err}
}

// KindForStatus maps HTTP status codes: 408, 429, 502, 503 and 504 are
// transient, everything else fatal. A 500 means the model failed on this
// input.
func KindForStatus(status int) Kind {
	switch status {
	case http.StatusRequestTimeout,
		http.StatusTooManyRequests,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return Transient
	default:
		return Fatal
	}
}

// IsFatal reports whether err is classified fatal. Errors that carry no
// classification are not fatal.
func IsFatal(err error) bool {
	return errors.Is(err, ErrFatal)
}

// IsTransient reports whether a failed call may be retried. Deadline
// expiry and network errors count as transient, as does any unclassified error.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrTransient) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return !IsFatal(err)
}
