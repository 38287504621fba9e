// Package errs defines the error taxonomy shared by the receiver and invoker services.
//
// Callers classify failures with errors.Is against the sentinels below; concrete
// errors wrap one of them with fmt.Errorf("...: %w", ...).
package errs

import "errors"

var (
	// ErrMalformedPayload marks client input that can never succeed. It is logged and
	// dropped at the boundary, never retried.
	ErrMalformedPayload = errors.New("malformed payload")

	// ErrTransientNetwork marks a broker or orchestrator failure that may succeed on retry
	// (connection refused, timeout, 5xx).
	ErrTransientNetwork = errors.New("transient network error")

	// ErrPermanentRejection marks a downstream validation failure. Not retried.
	ErrPermanentRejection = errors.New("permanent rejection")

	// ErrCapacityExceeded marks internal backpressure. Surfaced to HTTP callers as 503.
	ErrCapacityExceeded = errors.New("capacity exceeded")
)

// IsTransient reports whether err should be retried.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransientNetwork)
}

// IsPermanent reports whether err is a terminal downstream rejection.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrPermanentRejection)
}
