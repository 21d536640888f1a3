package worker

import (
	"context"
	"errors"
	"net"
)

var (
	// ErrDeadlineExceeded marks a job whose total lifetime ran out.
	ErrDeadlineExceeded = errors.New("evaluation deadline exceeded")
	// ErrAttemptTimeout marks a single attempt that ran past its timeout.
	ErrAttemptTimeout = errors.New("evaluation attempt timed out")
)

type permanentError struct {
	err error
}

func (e *permanentError) Error() string {
	return e.err.Error()
}

func (e *permanentError) Unwrap() error {
	return e.err
}

// Permanent marks an error that retrying cannot fix. The runner drops such jobs without
// calling the failure hook.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var target *permanentError
	return errors.As(err, &target)
}

type retryError struct {
	err error
}

func (e *retryError) Error() string {
	return e.err.Error()
}

func (e *retryError) Unwrap() error {
	return e.err
}

// Retry marks an error whose handler already checked the policy and wants another attempt.
// The runner schedules it without asking the policy a second time.
func Retry(err error) error {
	if err == nil {
		return nil
	}
	return &retryError{err: err}
}

// IsRetry reports whether err was marked with Retry.
func IsRetry(err error) bool {
	var target *retryError
	return errors.As(err, &target)
}

// IsTimeout reports whether err signals a timeout rather than a generic fault.
func IsTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrDeadlineExceeded) || errors.Is(err, ErrAttemptTimeout) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
