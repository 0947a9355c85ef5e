package fleet

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"tokengate.org/internal/audit"
)

// Status is the administrative health of a registered target.
type Status string

const (
	StatusActive        Status = "active"
	StatusInactive      Status = "inactive"
	StatusError         Status = "error"
	StatusNotConfigured Status = "not_configured"
)

func ParseStatus(s string) (Status, error) {
	switch Status(s) {
	case StatusActive, StatusInactive, StatusError, StatusNotConfigured:
		return Status(s), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidStatus, s)
}

// Target is one bot in the fleet that bundled grants cover.
type Target struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Username     string    `json:"username,omitempty"`
	Status       Status    `json:"status"`
	LastCheck    time.Time `json:"last_check"`
	ErrorMessage string    `json:"error_message,omitempty"`
}

var (
	ErrInvalidStatus = errors.New("fleet: invalid status")
	ErrNotFound      = errors.New("fleet: target not found")
	ErrInvalidInput  = errors.New("fleet: invalid input")
	ErrStoreFailed   = errors.New("fleet: registry file")
)

// Registry holds the fleet in memory, backed by a JSON file written with the
// temp-then-rename pattern. Statuses are set administratively; nothing here
// probes a process.
type Registry struct {
	mu      sync.RWMutex
	path    string
	targets map[string]*Target
	now     func() time.Time
}

// Option configures the Registry.
type Option func(*Registry)

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(r *Registry) {
		if fn != nil {
			r.now = fn
		}
	}
}

// NewRegistry loads the fleet file. A missing file yields an empty registry.
func NewRegistry(path string, opts ...Option) (*Registry, error) {
	if path == "" {
		return nil, fmt.Errorf("%w: empty fleet path", ErrStoreFailed)
	}
	r := &Registry{
		path:    path,
		targets: make(map[string]*Target),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	if err := r.load(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Registry) load() error {
	raw, err := os.ReadFile(r.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStoreFailed, err)
	}
	var targets []*Target
	if err := json.Unmarshal(raw, &targets); err != nil {
		return fmt.Errorf("%w: decode %s: %v", ErrStoreFailed, r.path, err)
	}
	for _, tgt := range targets {
		if tgt.ID == "" {
			continue
		}
		if _, err := ParseStatus(string(tgt.Status)); err != nil {
			tgt.Status = StatusNotConfigured
		}
		r.targets[tgt.ID] = tgt
	}
	return nil
}

// save writes the full fleet file. Callers hold r.mu.
func (r *Registry) save() error {
	targets := make([]*Target, 0, len(r.targets))
	for _, tgt := range r.targets {
		targets = append(targets, tgt)
	}
	sort.Slice(targets, func(i, j int) bool { return targets[i].ID < targets[j].ID })

	raw, err := json.MarshalIndent(targets, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: encode: %v", ErrStoreFailed, err)
	}
	raw = append(raw, '\n')

	tmp, err := os.CreateTemp(filepath.Dir(r.path), ".fleet-*.json")
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStoreFailed, err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("%w: %v", ErrStoreFailed, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("%w: %v", ErrStoreFailed, err)
	}
	if err := os.Rename(tmpName, r.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("%w: %v", ErrStoreFailed, err)
	}
	return nil
}

// Upsert registers or replaces a target.
func (r *Registry) Upsert(ctx context.Context, tgt Target) error {
	tgt.ID = strings.TrimSpace(tgt.ID)
	if tgt.ID == "" {
		return fmt.Errorf("%w: empty target id", ErrInvalidInput)
	}
	if tgt.Status == "" {
		tgt.Status = StatusNotConfigured
	}
	if _, err := ParseStatus(string(tgt.Status)); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	cp := tgt
	r.targets[tgt.ID] = &cp
	return r.save()
}

// SetStatus updates a target's status and stamps the check time. The error
// message is kept only for the error status.
func (r *Registry) SetStatus(ctx context.Context, id string, status Status, errMsg string) (Target, error) {
	if _, err := ParseStatus(string(status)); err != nil {
		return Target{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	tgt, ok := r.targets[id]
	if !ok {
		return Target{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	tgt.Status = status
	tgt.LastCheck = r.now().UTC()
	if status == StatusError {
		tgt.ErrorMessage = errMsg
	} else {
		tgt.ErrorMessage = ""
	}
	if err := r.save(); err != nil {
		return Target{}, err
	}
	_ = audit.LogEvent(ctx, "fleet.target.status", map[string]any{
		"target_id": id,
		"status":    string(status),
	})
	return *tgt, nil
}

// Get returns one target by id.
func (r *Registry) Get(ctx context.Context, id string) (Target, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tgt, ok := r.targets[id]
	if !ok {
		return Target{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return *tgt, nil
}

// List returns all targets sorted by id.
func (r *Registry) List(ctx context.Context) []Target {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Target, 0, len(r.targets))
	for _, tgt := range r.targets {
		out = append(out, *tgt)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ActiveTargets returns the ids eligible for bundled grants.
func (r *Registry) ActiveTargets(ctx context.Context) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.targets))
	for id, tgt := range r.targets {
		if tgt.Status == StatusActive {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}
