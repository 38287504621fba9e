package idempotency

import (
	"context"
	"sync"
)

// MemoryStore is a mutex-guarded map. It is only safe for a single invoker process.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]*Record
	opts    Options
}

func NewMemoryStore(opts Options) *MemoryStore {
	return &MemoryStore{
		records: make(map[string]*Record),
		opts:    opts.withDefaults(),
	}
}

func (m *MemoryStore) Claim(ctx context.Context, runKey string) (*Record, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.opts.Now()
	if rec, ok := m.records[runKey]; ok && !expired(rec, now) && !claimable(rec, now, m.opts.ClaimLease) {
		cp := *rec
		return &cp, false, nil
	}

	rec := &Record{
		RunKey:          runKey,
		State:           StateSubmitting,
		LastAttemptTime: now,
	}
	m.records[runKey] = rec
	cp := *rec
	return &cp, true, nil
}

func (m *MemoryStore) Get(ctx context.Context, runKey string) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[runKey]
	if !ok || expired(rec, m.opts.Now()) {
		return nil, ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (m *MemoryStore) Update(ctx context.Context, rec *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stamp(rec, m.opts.Now(), m.opts.Retention)
	cp := *rec
	m.records[rec.RunKey] = &cp
	return nil
}

func (m *MemoryStore) Cleanup(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.opts.Now()
	removed := 0
	for key, rec := range m.records {
		if expired(rec, now) {
			delete(m.records, key)
			removed++
		}
	}
	return removed, nil
}

// Len returns the number of stored records, expired or not.
func (m *MemoryStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}

func (m *MemoryStore) Close() error {
	return nil
}
