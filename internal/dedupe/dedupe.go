// Package dedupe suppresses repeated denial notices. Front-ends consult it
// before notifying a user so the same (owner, command) rejection is not
// rendered again and again inside the window.
package dedupe

import (
	"context"
	"fmt"
	"sync"
	"time"
)

const (
	defaultWindow     = 10 * time.Minute
	defaultMaxEntries = 10000
)

// Cache answers "may this notice go out now?". A true answer records the
// notice, so the next call inside the window answers false.
type Cache interface {
	ShouldNotify(ctx context.Context, ownerID int64, command string) (bool, error)
}

func key(ownerID int64, command string) string {
	return fmt.Sprintf("%d:%s", ownerID, command)
}

// Memory is the in-process Cache. It is bounded: when full it evicts expired
// entries first, then the oldest live one.
type Memory struct {
	mu      sync.Mutex
	entries map[string]time.Time
	window  time.Duration
	max     int
	now     func() time.Time
}

// MemoryOption configures the in-process cache.
type MemoryOption func(*Memory)

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) MemoryOption {
	return func(m *Memory) {
		if fn != nil {
			m.now = fn
		}
	}
}

// WithWindow overrides the suppression window.
func WithWindow(d time.Duration) MemoryOption {
	return func(m *Memory) {
		if d > 0 {
			m.window = d
		}
	}
}

// WithMaxEntries overrides the entry cap.
func WithMaxEntries(n int) MemoryOption {
	return func(m *Memory) {
		if n > 0 {
			m.max = n
		}
	}
}

var _ Cache = (*Memory)(nil)

func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{
		entries: make(map[string]time.Time),
		window:  defaultWindow,
		max:     defaultMaxEntries,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Memory) ShouldNotify(ctx context.Context, ownerID int64, command string) (bool, error) {
	k := key(ownerID, command)
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	if exp, ok := m.entries[k]; ok && exp.After(now) {
		return false, nil
	}
	if len(m.entries) >= m.max {
		m.evictLocked(now)
	}
	m.entries[k] = now.Add(m.window)
	return true, nil
}

// evictLocked drops expired entries, then the oldest live one if still full.
func (m *Memory) evictLocked(now time.Time) {
	for k, exp := range m.entries {
		if !exp.After(now) {
			delete(m.entries, k)
		}
	}
	if len(m.entries) < m.max {
		return
	}
	var oldestKey string
	var oldest time.Time
	for k, exp := range m.entries {
		if oldestKey == "" || exp.Before(oldest) {
			oldestKey = k
			oldest = exp
		}
	}
	delete(m.entries, oldestKey)
}

// Len reports the live entry count.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}
