package messaging

import (
	"context"
	"time"
)

// HealthStatus represents the health state of a broker connection.
type HealthStatus struct {
	// Connected indicates if the client is connected.
	Connected bool `json:"connected"`

	// Latency is the measured round trip to the broker.
	Latency time.Duration `json:"latency_ms"`

	// Error contains the failure reason when unhealthy.
	Error string `json:"error,omitempty"`
}

// Healthy reports whether the connection is usable.
func (s HealthStatus) Healthy() bool {
	return s.Connected && s.Error == ""
}

// CheckHealth checks a broker connection, measuring round-trip latency when connected.
// The check gives up when ctx ends.
func CheckHealth(ctx context.Context, conn Connection) HealthStatus {
	status := HealthStatus{}

	if conn == nil {
		status.Error = "broker client is not configured"
		return status
	}

	status.Connected = conn.IsConnected()
	if !status.Connected {
		status.Error = "not connected to message broker"
		return status
	}

	type result struct {
		rtt time.Duration
		err error
	}
	done := make(chan result, 1)
	go func() {
		rtt, err := conn.RTT()
		done <- result{rtt, err}
	}()

	select {
	case r := <-done:
		status.Latency = r.rtt
		if r.err != nil {
			status.Error = "broker ping failed: " + r.err.Error()
		}
	case <-ctx.Done():
		status.Error = "broker ping timed out"
	}

	return status
}
