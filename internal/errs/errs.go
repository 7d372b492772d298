// Package errs defines the error taxonomy shared by every component that
// talks to the broker: credential rejection, transient failure, decode
// failure, and unrecoverable local failure. Callers classify an error with
// Kind and switch on the result instead of inspecting concrete types.
package errs

import (
	"errors"
	"fmt"
)

// ErrorKind is one of the four propagation-relevant error categories.
type ErrorKind int

const (
	// Unknown is returned by Kind for errors not produced by this package.
	Unknown ErrorKind = iota

	// AuthExpired means the broker rejected the current bearer token.
	AuthExpired

	// Retryable means a transient network, 5xx, 429, or unclean-close
	// condition that the caller should retry with backoff.
	Retryable

	// Malformed means a decode failure or schema mismatch.
	Malformed

	// Fatal means a local condition (disk full, permission denied, cannot
	// open the job database) that should stop the affected worker.
	Fatal
)

func (k ErrorKind) String() string {
	switch k {
	case AuthExpired:
		return "auth_expired"
	case Retryable:
		return "retryable"
	case Malformed:
		return "malformed"
	case Fatal:
		return "fatal"
	default:
		return "unknown"
	}
}

var (
	sentinelAuthExpired = errors.New("credential rejected by broker")
	sentinelRetryable   = errors.New("transient failure")
	sentinelMalformed   = errors.New("decode failure")
	sentinelFatal       = errors.New("unrecoverable local failure")
)

// taggedError wraps an underlying cause with one of the four kinds so that
// errors.Is/errors.As and Kind() both work against the same value.
type taggedError struct {
	kind     ErrorKind
	sentinel error
	cause    error
}

func (e *taggedError) Error() string {
	if e.cause == nil {
		return e.sentinel.Error()
	}
	return fmt.Sprintf("%s: %s", e.sentinel.Error(), e.cause.Error())
}

func (e *taggedError) Unwrap() error {
	if e.cause != nil {
		return e.cause
	}
	return e.sentinel
}

func (e *taggedError) Is(target error) bool {
	return target == e.sentinel
}

// NewAuthExpired wraps cause (which may be nil) as an AuthExpired error.
func NewAuthExpired(cause error) error {
	return &taggedError{kind: AuthExpired, sentinel: sentinelAuthExpired, cause: cause}
}

// NewRetryable wraps cause as a Retryable error.
func NewRetryable(cause error) error {
	return &taggedError{kind: Retryable, sentinel: sentinelRetryable, cause: cause}
}

// NewMalformed wraps cause as a Malformed error.
func NewMalformed(cause error) error {
	return &taggedError{kind: Malformed, sentinel: sentinelMalformed, cause: cause}
}

// NewFatal wraps cause as a Fatal error.
func NewFatal(cause error) error {
	return &taggedError{kind: Fatal, sentinel: sentinelFatal, cause: cause}
}

// Kind classifies err into one of the four kinds, or Unknown if err was not
// produced by this package (or is nil).
func Kind(err error) ErrorKind {
	if err == nil {
		return Unknown
	}
	var te *taggedError
	if errors.As(err, &te) {
		return te.kind
	}
	switch {
	case errors.Is(err, sentinelAuthExpired):
		return AuthExpired
	case errors.Is(err, sentinelRetryable):
		return Retryable
	case errors.Is(err, sentinelMalformed):
		return Malformed
	case errors.Is(err, sentinelFatal):
		return Fatal
	}
	return Unknown
}

// IsAuthExpired reports whether err is (or wraps) an AuthExpired error.
func IsAuthExpired(err error) bool { return Kind(err) == AuthExpired }

// IsRetryable reports whether err is (or wraps) a Retryable error.
func IsRetryable(err error) bool { return Kind(err) == Retryable }

// IsMalformed reports whether err is (or wraps) a Malformed error.
func IsMalformed(err error) bool { return Kind(err) == Malformed }

// IsFatal reports whether err is (or wraps) a Fatal error.
func IsFatal(err error) bool { return Kind(err) == Fatal }
