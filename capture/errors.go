package capture

import (
	"errors"
	"fmt"
)

var (
	// ErrCaptureComplete is returned for any event delivered after the exchange was emitted.
	ErrCaptureComplete = errors.New("capture decoder has already completed")

	// ErrRequestHeadMissing is returned when a request body arrives before its head, or the
	// exchange completes without one.
	ErrRequestHeadMissing = errors.New("request head has not been received")

	// ErrResponseHeadMissing is returned when the exchange completes without a response head.
	ErrResponseHeadMissing = errors.New("response head has not been received")

	// ErrDestroyed is returned for events delivered after Destroy.
	ErrDestroyed = errors.New("capture decoder has been destroyed")

	// ErrUnexpectedEvent is returned for events that do not fit the current state, such as a
	// second request head or a response head on the request side.
	ErrUnexpectedEvent = errors.New("unexpected capture event")
)

// UnsupportedMediaTypeError fails an exchange whose body cannot be classified.
type UnsupportedMediaTypeError struct {
	MediaType string
	Method    string
	URL       string
}

func (e *UnsupportedMediaTypeError) Error() string {
	return fmt.Sprintf("unsupported body media type %q for %s %s", e.MediaType, e.Method, e.URL)
}

// MalformedTargetError means the request target could not be made absolute. This points at a
// proxy misconfiguration rather than bad traffic.
type MalformedTargetError struct {
	Target string
	Err    error
}

func (e *MalformedTargetError) Error() string {
	return fmt.Sprintf("malformed request target %q: %v", e.Target, e.Err)
}

func (e *MalformedTargetError) Unwrap() error {
	return e.Err
}
