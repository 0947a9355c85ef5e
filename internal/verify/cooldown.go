package verify

import (
	"context"
	"sync"
	"time"
)

// CooldownStore persists per-(owner, step) cooldown expirations. Writes
// overwrite; entries past their expiry are ignored by readers whether or not
// pruning has run.
type CooldownStore interface {
	Set(ctx context.Context, ownerID int64, stepID string, expiresAt time.Time) error
	// Active returns the step -> expiry map for entries still live at now.
	Active(ctx context.Context, ownerID int64, now time.Time) (map[string]time.Time, error)
	PruneExpired(ctx context.Context, now time.Time) (int, error)
}

// ProgressStore persists the per-owner set of distinct completed steps. The
// set survives restarts so partial progress toward a bundle is never lost.
type ProgressStore interface {
	Add(ctx context.Context, ownerID int64, stepID string) error
	Steps(ctx context.Context, ownerID int64) ([]string, error)
	Clear(ctx context.Context, ownerID int64) error
}

// MemoryCooldowns is the in-process CooldownStore.
type MemoryCooldowns struct {
	mu      sync.RWMutex
	entries map[int64]map[string]time.Time
}

var _ CooldownStore = (*MemoryCooldowns)(nil)

func NewMemoryCooldowns() *MemoryCooldowns {
	return &MemoryCooldowns{entries: make(map[int64]map[string]time.Time)}
}

func (c *MemoryCooldowns) Set(ctx context.Context, ownerID int64, stepID string, expiresAt time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	byStep, ok := c.entries[ownerID]
	if !ok {
		byStep = make(map[string]time.Time)
		c.entries[ownerID] = byStep
	}
	byStep[stepID] = expiresAt
	return nil
}

func (c *MemoryCooldowns) Active(ctx context.Context, ownerID int64, now time.Time) (map[string]time.Time, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]time.Time)
	for step, exp := range c.entries[ownerID] {
		if exp.After(now) {
			out[step] = exp
		}
	}
	return out, nil
}

func (c *MemoryCooldowns) PruneExpired(ctx context.Context, now time.Time) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var removed int
	for owner, byStep := range c.entries {
		for step, exp := range byStep {
			if !exp.After(now) {
				delete(byStep, step)
				removed++
			}
		}
		if len(byStep) == 0 {
			delete(c.entries, owner)
		}
	}
	return removed, nil
}

// MemoryProgress is the in-process ProgressStore.
type MemoryProgress struct {
	mu   sync.RWMutex
	sets map[int64]map[string]struct{}
}

var _ ProgressStore = (*MemoryProgress)(nil)

func NewMemoryProgress() *MemoryProgress {
	return &MemoryProgress{sets: make(map[int64]map[string]struct{})}
}

func (p *MemoryProgress) Add(ctx context.Context, ownerID int64, stepID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	set, ok := p.sets[ownerID]
	if !ok {
		set = make(map[string]struct{})
		p.sets[ownerID] = set
	}
	set[stepID] = struct{}{}
	return nil
}

func (p *MemoryProgress) Steps(ctx context.Context, ownerID int64) ([]string, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	set := p.sets[ownerID]
	out := make([]string, 0, len(set))
	for step := range set {
		out = append(out, step)
	}
	return out, nil
}

func (p *MemoryProgress) Clear(ctx context.Context, ownerID int64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.sets, ownerID)
	return nil
}
