package syncclient

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"time"
)

var (
	// ErrNotFound is returned by a CredentialStore for absent keys.
	ErrNotFound = errors.New("not found")

	// ErrUnauthenticated means the device has no usable token and needs to be
	// paired again. It is deliberately distinct from transient failures so
	// callers can tell "re-pair" apart from "retry later".
	ErrUnauthenticated = errors.New("unauthenticated: device needs pairing")

	// ErrPairingExpired means the registration's window closed before the user
	// approved the code.
	ErrPairingExpired = errors.New("pairing window expired")

	// ErrPairingTimeout means polling gave up before the user linked the device.
	ErrPairingTimeout = errors.New("pairing poll timed out")

	// ErrInvalidTimestamp flags a zero last-modified on either side of a merge.
	// The write path is the bug; masking it with a default ordering would
	// silently discard edits.
	ErrInvalidTimestamp = errors.New("missing last-modified timestamp")
)

// RegistrationError wraps a transport failure during device registration.
type RegistrationError struct {
	Err error
}

func (e *RegistrationError) Error() string { return "device registration failed: " + e.Err.Error() }
func (e *RegistrationError) Unwrap() error { return e.Err }

// APIError is a non-2xx response from the sync gateway.
type APIError struct {
	Status int
	Msg    string
}

func (e *APIError) Error() string {
	if e.Msg != "" {
		return fmt.Sprintf("server returned %d: %s", e.Status, e.Msg)
	}
	return fmt.Sprintf("server returned %d", e.Status)
}

// IsTransient reports whether err is worth retrying: network-level failures,
// 5xx and 429. Context cancellation is not transient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status >= 500 || apiErr.Status == http.StatusTooManyRequests
	}
	// Anything that never reached the server (dial errors, timeouts).
	return true
}

func IsUnauthorized(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == http.StatusUnauthorized
}

func IsInvalid(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == http.StatusBadRequest
}

func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound
}

func isGone(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == http.StatusGone
}

// backoff returns the delay before the given retry attempt (0-based):
// exponential growth from base, capped, with up to 25% jitter.
func backoff(attempt int, base, max time.Duration) time.Duration {
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	if max <= 0 {
		max = 30 * time.Second
	}
	d := base << uint(attempt)
	if d > max || d <= 0 {
		d = max
	}
	jitter := time.Duration(rand.Int63n(int64(d)/4 + 1))
	return d + jitter
}
