package errs

import (
	"errors"
	"testing"
)

func TestKindClassification(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want ErrorKind
	}{
		{"auth", NewAuthExpired(errors.New("401")), AuthExpired},
		{"retryable", NewRetryable(errors.New("timeout")), Retryable},
		{"malformed", NewMalformed(errors.New("short frame")), Malformed},
		{"fatal", NewFatal(errors.New("disk full")), Fatal},
		{"plain", errors.New("boring"), Unknown},
		{"nil", nil, Unknown},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Kind(tc.err); got != tc.want {
				t.Fatalf("Kind() = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestWrappedErrorIsDetection(t *testing.T) {
	base := NewRetryable(errors.New("503"))
	wrapped := errors.New("fetch_trades: " + base.Error())

	if IsRetryable(base) != true {
		t.Fatalf("expected base error to be retryable")
	}
	// Re-wrapping through fmt.Errorf with %w must still classify correctly.
	doubled := wrapErr(base)
	if !IsRetryable(doubled) {
		t.Fatalf("expected wrapped error to still classify as retryable")
	}
	_ = wrapped
}

func wrapErr(err error) error {
	return &contextError{msg: "context", cause: err}
}

type contextError struct {
	msg   string
	cause error
}

func (e *contextError) Error() string { return e.msg + ": " + e.cause.Error() }
func (e *contextError) Unwrap() error { return e.cause }
