package logging

import "log/slog"

// Common field names so both services log the same keys.
const (
	FieldService      = "service"
	FieldComponent    = "component"
	FieldRequestID    = "request_id"
	FieldMethod       = "method"
	FieldPath         = "path"
	FieldStatus       = "status"
	FieldDuration     = "duration_ms"
	FieldError        = "error"
	FieldEventID      = "event_id"
	FieldEventType    = "event_type"
	FieldSource       = "source"
	FieldBucket       = "bucket"
	FieldObjectKey    = "object_key"
	FieldRunKey       = "run_key"
	FieldRunID        = "run_id"
	FieldState        = "state"
	FieldAttempt      = "attempt"
	FieldSubscription = "subscription"
)

// Service returns a slog attribute for the service name.
func Service(name string) slog.Attr {
	return slog.String(FieldService, name)
}

// Method returns a slog attribute for the HTTP method.
func Method(method string) slog.Attr {
	return slog.String(FieldMethod, method)
}

// Path returns a slog attribute for the HTTP path.
func Path(path string) slog.Attr {
	return slog.String(FieldPath, path)
}

// Status returns a slog attribute for the HTTP status code.
func Status(code int) slog.Attr {
	return slog.Int(FieldStatus, code)
}

// Duration returns a slog attribute for duration in milliseconds.
func Duration(ms int64) slog.Attr {
	return slog.Int64(FieldDuration, ms)
}

// Error returns a slog attribute for an error. A nil error logs as an empty string.
func Error(err error) slog.Attr {
	if err == nil {
		return slog.String(FieldError, "")
	}
	return slog.String(FieldError, err.Error())
}

// EventID returns a slog attribute for an envelope ID.
func EventID(id string) slog.Attr {
	return slog.String(FieldEventID, id)
}

// EventType returns a slog attribute for an envelope type.
func EventType(t string) slog.Attr {
	return slog.String(FieldEventType, t)
}

// Source returns a slog attribute for an envelope source.
func Source(s string) slog.Attr {
	return slog.String(FieldSource, s)
}

// Object returns the bucket and key attributes of an uploaded object as a group.
func Object(bucket, key string) slog.Attr {
	return slog.Group("object",
		slog.String(FieldBucket, bucket),
		slog.String(FieldObjectKey, key),
	)
}

// RunKey returns a slog attribute for a pipeline run key.
func RunKey(key string) slog.Attr {
	return slog.String(FieldRunKey, key)
}

// RunID returns a slog attribute for a downstream run identifier.
func RunID(id string) slog.Attr {
	return slog.String(FieldRunID, id)
}

// State returns a slog attribute for an invocation state.
func State(s string) slog.Attr {
	return slog.String(FieldState, s)
}

// Attempt returns a slog attribute for an attempt counter.
func Attempt(n int) slog.Attr {
	return slog.Int(FieldAttempt, n)
}

// Subscription returns a slog attribute for a subscription name.
func Subscription(name string) slog.Attr {
	return slog.String(FieldSubscription, name)
}
