package idempotency

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/telhawk-systems/objtrigger/common/logging"
)

// Janitor periodically removes expired records from a Store.
type Janitor struct {
	store    Store
	interval time.Duration
	logger   *slog.Logger
	stopCh   chan struct{}
	once     sync.Once
	done     chan struct{}
}

// NewJanitor starts the cleanup loop. Close stops it.
func NewJanitor(store Store, interval time.Duration, logger *slog.Logger) *Janitor {
	if interval <= 0 {
		interval = time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	j := &Janitor{
		store:    store,
		interval: interval,
		logger:   logger.With(slog.String(logging.FieldComponent, "idempotency-janitor")),
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}
	go j.cleanupLoop()
	return j
}

func (j *Janitor) cleanupLoop() {
	defer close(j.done)
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			j.sweep()
		case <-j.stopCh:
			return
		}
	}
}

func (j *Janitor) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), j.interval)
	defer cancel()

	removed, err := j.store.Cleanup(ctx)
	if err != nil {
		j.logger.Warn("idempotency cleanup failed", logging.Error(err))
		return
	}
	if removed > 0 {
		j.logger.Debug("evicted expired idempotency records", slog.Int("removed", removed))
	}
}

// Close stops the cleanup goroutine and waits for it to exit.
func (j *Janitor) Close() {
	j.once.Do(func() { close(j.stopCh) })
	<-j.done
}
