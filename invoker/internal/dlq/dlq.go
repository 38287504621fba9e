// Package dlq records pipeline runs that reached the Dead state so operators can
// find and replay them.
package dlq

import (
	"context"
	"time"

	"github.com/telhawk-systems/objtrigger/common/envelope"
)

// Reasons a run is dead.
const (
	ReasonRetriesExhausted = "retries_exhausted"
	ReasonRejected         = "rejected"
)

// DeadRun is one dead-run queue entry.
type DeadRun struct {
	Timestamp   time.Time          `json:"timestamp"`
	RunKey      string             `json:"run_key"`
	Pipeline    string             `json:"pipeline"`
	Reason      string             `json:"reason"`
	Error       string             `json:"error"`
	Attempts    int                `json:"attempts"`
	LastAttempt time.Time          `json:"last_attempt"`
	Envelope    *envelope.Envelope `json:"envelope"`
}

// Writer persists dead runs.
type Writer interface {
	Write(ctx context.Context, run *DeadRun) error
}

// Reader lists and clears dead runs.
type Reader interface {
	List(ctx context.Context, limit int) ([]DeadRun, error)
	Purge(ctx context.Context) error
	Stats(ctx context.Context) map[string]interface{}
}
