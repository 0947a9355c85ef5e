package verify

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"tokengate.org/internal/audit"
	"tokengate.org/internal/obs"
	"tokengate.org/internal/token"
)

const (
	defaultThreshold    = 4
	defaultStepCooldown = 6 * time.Hour
	defaultBundleTTL    = 24 * time.Hour
	defaultSessionTTL   = 10 * time.Minute
)

// TargetLister supplies the targets eligible for a bundled grant. The fleet
// registry implements it.
type TargetLister interface {
	ActiveTargets(ctx context.Context) []string
}

// Manager drives the multi-step verification ritual: one session at a time
// per owner, a cooldown after each completed step, and a bundled grant of
// verified tokens for every active target once the threshold of distinct
// steps is reached.
//
// Sessions are held in memory; they expire within minutes and losing them on
// restart only costs the user a retry. Cooldowns and progress go through the
// configured stores and survive restarts.
type Manager struct {
	mu       sync.Mutex
	sessions map[int64]*Session

	steps     []string
	threshold int

	cooldowns CooldownStore
	progress  ProgressStore
	issuer    *token.Issuer
	targets   TargetLister

	stepCooldown time.Duration
	bundleTTL    time.Duration
	sessionTTL   time.Duration
	now          func() time.Time
}

// ManagerOption configures Manager behavior.
type ManagerOption func(*Manager)

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) ManagerOption {
	return func(m *Manager) {
		if fn != nil {
			m.now = fn
		}
	}
}

// WithThreshold overrides the number of distinct steps needed for a bundle.
func WithThreshold(k int) ManagerOption {
	return func(m *Manager) {
		if k > 0 {
			m.threshold = k
		}
	}
}

// WithStepCooldown overrides the per-step reuse cooldown.
func WithStepCooldown(d time.Duration) ManagerOption {
	return func(m *Manager) {
		if d > 0 {
			m.stepCooldown = d
		}
	}
}

// WithBundleTTL overrides the lifetime of bundled tokens.
func WithBundleTTL(d time.Duration) ManagerOption {
	return func(m *Manager) {
		if d > 0 {
			m.bundleTTL = d
		}
	}
}

// WithSessionTTL overrides the in-flight session timeout.
func WithSessionTTL(d time.Duration) ManagerOption {
	return func(m *Manager) {
		if d > 0 {
			m.sessionTTL = d
		}
	}
}

// NewManager constructs a Manager over the given collaborators.
func NewManager(steps []string, cooldowns CooldownStore, progress ProgressStore, issuer *token.Issuer, targets TargetLister, opts ...ManagerOption) (*Manager, error) {
	if len(steps) == 0 {
		return nil, errors.New("at least one verification step is required")
	}
	if cooldowns == nil || progress == nil {
		return nil, errors.New("cooldown and progress stores are required")
	}
	if issuer == nil {
		return nil, errors.New("token issuer is required")
	}
	if targets == nil {
		return nil, errors.New("target lister is required")
	}
	clean := make([]string, 0, len(steps))
	seen := make(map[string]struct{}, len(steps))
	for _, s := range steps {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		clean = append(clean, s)
	}
	m := &Manager{
		sessions:     make(map[int64]*Session),
		steps:        clean,
		threshold:    defaultThreshold,
		cooldowns:    cooldowns,
		progress:     progress,
		issuer:       issuer,
		targets:      targets,
		stepCooldown: defaultStepCooldown,
		bundleTTL:    defaultBundleTTL,
		sessionTTL:   defaultSessionTTL,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.threshold > len(m.steps) {
		m.threshold = len(m.steps)
	}
	return m, nil
}

func (m *Manager) knownStep(stepID string) bool {
	for _, s := range m.steps {
		if s == stepID {
			return true
		}
	}
	return false
}

// liveSession returns the owner's session after lazy expiry. Callers hold m.mu.
func (m *Manager) liveSession(ownerID int64, now time.Time) *Session {
	sess, ok := m.sessions[ownerID]
	if !ok {
		return nil
	}
	if now.Sub(sess.StartedAt) >= m.sessionTTL {
		sess.Status = StatusExpired
		delete(m.sessions, ownerID)
		return nil
	}
	return sess
}

// ListAvailableSteps returns the steps the owner may start now: every
// configured step minus those on cooldown. When everything is excluded by
// cooldown and the owner still holds a valid bundle, the result carries the
// distinguished already-unlocked signal instead.
func (m *Manager) ListAvailableSteps(ctx context.Context, ownerID int64) (StepAvailability, error) {
	now := m.now().UTC()
	active, err := m.cooldowns.Active(ctx, ownerID, now)
	if err != nil {
		return StepAvailability{}, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	var avail []string
	for _, step := range m.steps {
		if _, onCooldown := active[step]; !onCooldown {
			avail = append(avail, step)
		}
	}
	sort.Strings(avail)
	if len(avail) > 0 {
		return StepAvailability{Steps: avail}, nil
	}
	unlocked, err := m.issuer.HasVerifiedToken(ctx, ownerID)
	if err != nil {
		return StepAvailability{}, err
	}
	return StepAvailability{AlreadyUnlocked: unlocked}, nil
}

// StartStep begins a verification attempt and returns the session whose nonce
// the front-end forwards to the shortener gateway. Re-selecting the step of
// the current session replaces it with a fresh nonce; selecting a different
// step while one is in flight fails with ErrSessionLocked.
func (m *Manager) StartStep(ctx context.Context, ownerID int64, stepID string) (*Session, error) {
	stepID = strings.TrimSpace(stepID)
	if !m.knownStep(stepID) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownStep, stepID)
	}

	now := m.now().UTC()
	active, err := m.cooldowns.Active(ctx, ownerID, now)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if exp, onCooldown := active[stepID]; onCooldown {
		return nil, &CooldownError{StepID: stepID, Remaining: exp.Sub(now)}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if sess := m.liveSession(ownerID, now); sess != nil && sess.StepID != stepID {
		return nil, fmt.Errorf("%w: %s in flight", ErrSessionLocked, sess.StepID)
	}

	sess := &Session{
		OwnerID:   ownerID,
		StepID:    stepID,
		Nonce:     uuid.NewString(),
		StartedAt: now,
		Status:    StatusStepSelected,
	}
	m.sessions[ownerID] = sess
	cp := *sess
	return &cp, nil
}

// MarkProofDispatched records that the front-end handed the proof link to the
// user. Pure bookkeeping; no external call happens here.
func (m *Manager) MarkProofDispatched(ctx context.Context, ownerID int64, nonce string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess := m.liveSession(ownerID, m.now().UTC())
	if sess == nil {
		return ErrSessionNotFound
	}
	if sess.Nonce != nonce {
		return ErrSessionMismatch
	}
	sess.Status = StatusAwaitingProof
	return nil
}

// CompleteStep finalizes the session identified by nonce: it writes the step
// cooldown, grows the progress set, and grants the bundle once the threshold
// of distinct steps is reached. A nonce that does not match the live session
// fails with ErrSessionMismatch so a proof for one step cannot complete
// another.
//
// The session is released only after every durable write lands. A caller that
// hit a transient store failure retries with the same nonce instead of
// redoing the proof; the writes themselves are idempotent, so a repeated
// attempt is harmless.
func (m *Manager) CompleteStep(ctx context.Context, ownerID int64, nonce string) (*Completion, error) {
	now := m.now().UTC()

	m.mu.Lock()
	sess := m.liveSession(ownerID, now)
	if sess == nil {
		m.mu.Unlock()
		return nil, ErrSessionNotFound
	}
	if sess.Nonce != nonce {
		m.mu.Unlock()
		return nil, ErrSessionMismatch
	}
	stepID := sess.StepID
	m.mu.Unlock()

	if err := m.cooldowns.Set(ctx, ownerID, stepID, now.Add(m.stepCooldown)); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if err := m.progress.Add(ctx, ownerID, stepID); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	steps, err := m.progress.Steps(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	result := &Completion{StepID: stepID, Progress: len(steps)}
	if len(steps) >= m.threshold {
		// An empty fleet cannot receive the bundle. Progress stays intact
		// and the grant happens on the next completion once a target is
		// active again.
		if targets := m.targets.ActiveTargets(ctx); len(targets) > 0 {
			granted, err := m.grantBundle(ctx, ownerID, targets, now)
			if err != nil {
				return nil, err
			}
			if err := m.progress.Clear(ctx, ownerID); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
			}
			result.Unlocked = true
			result.Targets = granted
		}
	}

	m.releaseSession(ownerID, nonce)
	obs.StepCompleted()
	return result, nil
}

// releaseSession drops the owner's session once its completion is durably
// recorded. The nonce guard leaves a session started in the meantime alone.
func (m *Manager) releaseSession(ownerID int64, nonce string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if sess, ok := m.sessions[ownerID]; ok && sess.Nonce == nonce {
		sess.Status = StatusCompleted
		delete(m.sessions, ownerID)
	}
}

// grantBundle issues one verified token per target, all sharing a single
// expiry measured from the moment of completion. Re-running after a partial
// failure supersedes the tokens already written, so it stays idempotent.
func (m *Manager) grantBundle(ctx context.Context, ownerID int64, targets []string, now time.Time) ([]string, error) {
	expiresAt := now.Add(m.bundleTTL)
	granted := make([]string, 0, len(targets))
	for _, target := range targets {
		if _, err := m.issuer.IssueVerified(ctx, ownerID, target, expiresAt); err != nil {
			return nil, err
		}
		granted = append(granted, target)
	}
	obs.BundleGranted()
	_ = audit.LogEvent(ctx, "verify.bundle.granted", map[string]any{
		"owner_id":   ownerID,
		"targets":    granted,
		"expires_at": expiresAt.Format(time.RFC3339),
	})
	return granted, nil
}

// Progress returns the owner's distinct completed steps since the last grant.
func (m *Manager) Progress(ctx context.Context, ownerID int64) ([]string, error) {
	steps, err := m.progress.Steps(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	sort.Strings(steps)
	return steps, nil
}

// Sweep expires stale sessions and prunes dead cooldown entries. Run it
// periodically; correctness never depends on it because every reader also
// filters by expiry.
func (m *Manager) Sweep(ctx context.Context) error {
	now := m.now().UTC()

	m.mu.Lock()
	for owner, sess := range m.sessions {
		if now.Sub(sess.StartedAt) >= m.sessionTTL {
			sess.Status = StatusExpired
			delete(m.sessions, owner)
		}
	}
	m.mu.Unlock()

	if _, err := m.cooldowns.PruneExpired(ctx, now); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return nil
}
