// Package idempotency records the invocation state of every run_key so that
// redelivered envelopes never start a second pipeline run.
package idempotency

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Get for unknown or evicted run keys.
var ErrNotFound = errors.New("idempotency record not found")

// State is the invocation state of a run_key.
type State string

const (
	StateNew          State = "new"
	StateSubmitting   State = "submitting"
	StateSubmitFailed State = "submit_failed"
	StateRetrying     State = "retrying"
	StateAcked        State = "acked"
	StateDeduped      State = "deduped"
	StateDead         State = "dead"
)

// Terminal reports whether no further transitions happen from s.
func (s State) Terminal() bool {
	return s == StateAcked || s == StateDead || s == StateDeduped
}

func (s State) String() string {
	return string(s)
}

// Record is the stored state of one run_key.
type Record struct {
	RunKey          string    `json:"run_key"`
	State           State     `json:"state"`
	Attempts        int       `json:"attempts"`
	RunID           string    `json:"run_id,omitempty"`
	LastAttemptTime time.Time `json:"last_attempt_time"`
	// ExpiresAt is zero until the record reaches a terminal state.
	ExpiresAt time.Time `json:"expires_at,omitempty"`
}

// Store is the single synchronization point between concurrent deliveries of the
// same physical upload. All operations on one run_key are linearizable.
type Store interface {
	// Claim atomically moves runKey to Submitting. It returns claimed=true when the
	// caller now owns the key. Otherwise it returns the record that holds the key.
	//
	// A key is free when it has no live record, when its record is Dead, or when a
	// non-terminal record has not been touched for longer than the claim lease.
	Claim(ctx context.Context, runKey string) (rec *Record, claimed bool, err error)

	// Get returns the live record for runKey or ErrNotFound.
	Get(ctx context.Context, runKey string) (*Record, error)

	// Update stores rec. Terminal records get ExpiresAt = now + retention.
	Update(ctx context.Context, rec *Record) error

	// Cleanup deletes expired records and returns how many were removed.
	Cleanup(ctx context.Context) (int, error)

	Close() error
}

// Options tunes record lifetimes. Zero values fall back to DefaultOptions.
type Options struct {
	// Retention is how long a terminal record suppresses duplicates.
	Retention time.Duration

	// ClaimLease is how long a non-terminal record stays owned without updates.
	// Zero disables takeover.
	ClaimLease time.Duration

	// Now is the clock. Tests replace it.
	Now func() time.Time
}

// DefaultOptions returns a 24h retention window and a 10m claim lease.
func DefaultOptions() Options {
	return Options{
		Retention:  24 * time.Hour,
		ClaimLease: 10 * time.Minute,
		Now:        time.Now,
	}
}

func (o Options) withDefaults() Options {
	def := DefaultOptions()
	if o.Retention <= 0 {
		o.Retention = def.Retention
	}
	if o.ClaimLease < 0 {
		o.ClaimLease = 0
	}
	if o.Now == nil {
		o.Now = def.Now
	}
	return o
}

// expired reports whether rec has outlived its retention window at now.
func expired(rec *Record, now time.Time) bool {
	return !rec.ExpiresAt.IsZero() && !now.Before(rec.ExpiresAt)
}

// claimable reports whether a live record may be taken over at now.
func claimable(rec *Record, now time.Time, lease time.Duration) bool {
	if rec.State == StateDead {
		return true
	}
	if rec.State.Terminal() || lease <= 0 {
		return false
	}
	return now.Sub(rec.LastAttemptTime) >= lease
}

// stamp applies the expiry rule to rec before it is written.
func stamp(rec *Record, now time.Time, retention time.Duration) {
	if rec.State.Terminal() {
		if rec.ExpiresAt.IsZero() {
			rec.ExpiresAt = now.Add(retention)
		}
		return
	}
	rec.ExpiresAt = time.Time{}
}
