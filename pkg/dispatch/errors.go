package dispatch

import (
	"errors"
	"fmt"
)

var (
	// ErrConfig means the service credential is missing or malformed. Fatal at startup.
	ErrConfig = errors.New("invalid configuration")
	// ErrAuth means a bearer token could not be minted or was rejected.
	ErrAuth = errors.New("authentication failed")
	// ErrInvalidArgument means the request or payload is malformed. Never retried.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrUnregisteredToken means the gateway no longer knows the device token.
	ErrUnregisteredToken = errors.New("device token unregistered")
	// ErrRateLimited means the gateway throttled the sender.
	ErrRateLimited = errors.New("rate limited")
	// ErrTransient covers server errors and network failures.
	ErrTransient = errors.New("transient gateway failure")
	// ErrNoDevice means the recipient has no valid device registration.
	ErrNoDevice = errors.New("no device registered")
	// ErrTimeout means the batch deadline expired before the dispatch finished.
	ErrTimeout = errors.New("dispatch timed out")
)

// DeliveryError carries the classification of a failed dispatch.
type DeliveryError struct {
	Class      Classification
	StatusCode int
	Detail     string
}

func (e *DeliveryError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s (status %d): %s", e.Class, e.StatusCode, e.Detail)
	}
	return fmt.Sprintf("%s: %s", e.Class, e.Detail)
}

// Unwrap exposes the sentinel for the classification so callers can use errors.Is.
func (e *DeliveryError) Unwrap() error {
	return e.Class.Sentinel()
}

// ClassOf returns the classification carried by err, falling back to the
// sentinel it wraps. Unknown errors classify as Transient.
func ClassOf(err error) Classification {
	if err == nil {
		return ClassSuccess
	}
	var de *DeliveryError
	if errors.As(err, &de) {
		return de.Class
	}
	for _, c := range failureClasses {
		if errors.Is(err, c.Sentinel()) {
			return c
		}
	}
	return ClassTransient
}
