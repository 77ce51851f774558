package transport

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotSent marks a permanent transmit failure. The message will never
	// be accepted by this destination and must not be retried.
	ErrNotSent = errors.New("message not sent")

	// ErrConfiguration is returned when a transport is missing or misconfigured.
	ErrConfiguration = errors.New("transport configuration error")

	// ErrClosed is returned by stubs and skeletons used after Close.
	ErrClosed = errors.New("transport closed")
)

// DelayError is a transient failure carrying the delay the transport suggests
// before the next attempt.
type DelayError struct {
	Delay time.Duration
	Err   error
}

func (e *DelayError) Error() string {
	return fmt.Sprintf("transient failure, retry in %s: %v", e.Delay, e.Err)
}

func (e *DelayError) Unwrap() error {
	return e.Err
}

// Delay wraps err as a transient failure with a suggested retry delay.
func Delay(err error, d time.Duration) error {
	return &DelayError{Delay: d, Err: err}
}

// NotSent wraps err as a permanent failure.
func NotSent(err error) error {
	return fmt.Errorf("%w: %v", ErrNotSent, err)
}

// SuggestedDelay extracts the delay of a DelayError anywhere in err's chain.
func SuggestedDelay(err error) (time.Duration, bool) {
	var de *DelayError
	if errors.As(err, &de) && de.Delay > 0 {
		return de.Delay, true
	}
	return 0, false
}

// IsPermanent reports whether err must not be retried.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrNotSent)
}
