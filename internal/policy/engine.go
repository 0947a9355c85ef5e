package policy

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"tokengate.org/internal/audit"
	"tokengate.org/internal/obs"
)

// TokenChecker resolves the authorized rung: any live verified token for the
// owner, against any target, counts. The token issuer implements it.
type TokenChecker interface {
	HasVerifiedToken(ctx context.Context, ownerID int64) (bool, error)
}

// snapshot is the compiled, read-only view of one policy document. Readers
// grab it through an atomic pointer so a reload or mutation is either fully
// visible or not at all.
type snapshot struct {
	required     map[string]Level
	defaultLevel Level
	blocked      []string
	checkArgs    bool
	doc          *Document
}

func compile(doc *Document) (*snapshot, error) {
	def, err := ParseLevel(doc.Settings.DefaultAccessLevel)
	if err != nil {
		return nil, err
	}
	required := make(map[string]Level)
	for _, lvl := range Levels() {
		for _, cmd := range doc.CommandAccess[lvl.String()] {
			cmd = strings.TrimSpace(cmd)
			if cmd == "" {
				continue
			}
			required[cmd] = lvl
		}
	}
	blocked := make([]string, 0, len(doc.Settings.BlockedKeywords))
	for _, kw := range doc.Settings.BlockedKeywords {
		kw = strings.ToLower(strings.TrimSpace(kw))
		if kw != "" {
			blocked = append(blocked, kw)
		}
	}
	return &snapshot{
		required:     required,
		defaultLevel: def,
		blocked:      blocked,
		checkArgs:    doc.Settings.CheckArgsForAuth,
		doc:          doc,
	}, nil
}

// Engine evaluates access checks against the current policy snapshot and
// applies runtime mutations. Mutations and reloads serialize on a mutex,
// persist first, then publish the new snapshot; checks are lock-free reads.
type Engine struct {
	mu     sync.Mutex
	store  Store
	tokens TokenChecker
	snap   atomic.Pointer[snapshot]
}

// NewEngine loads the persisted document and compiles the first snapshot.
func NewEngine(ctx context.Context, store Store, tokens TokenChecker) (*Engine, error) {
	if store == nil || tokens == nil {
		return nil, fmt.Errorf("%w: store and token checker are required", ErrStoreUnavailable)
	}
	e := &Engine{store: store, tokens: tokens}
	if err := e.Reload(ctx); err != nil {
		return nil, err
	}
	return e, nil
}

// Reload re-reads the document from the store and swaps it in atomically.
// In-flight checks keep the snapshot they started with.
func (e *Engine) Reload(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	doc, err := e.store.Load(ctx)
	if err != nil {
		return err
	}
	snap, err := compile(doc)
	if err != nil {
		return err
	}
	e.snap.Store(snap)
	return nil
}

// RequiredLevel resolves the level gating a command, falling back to the
// configured default for unmapped commands.
func (e *Engine) RequiredLevel(command string) Level {
	snap := e.snap.Load()
	if lvl, ok := snap.required[strings.TrimSpace(command)]; ok {
		return lvl
	}
	return snap.defaultLevel
}

// UserLevel ranks the caller: owner and sudo are asserted flags, authorized
// requires a live verified token, everyone else is public.
func (e *Engine) UserLevel(ctx context.Context, ownerID int64, sudo, owner bool) (Level, error) {
	if owner {
		return LevelOwner, nil
	}
	if sudo {
		return LevelSudo, nil
	}
	ok, err := e.tokens.HasVerifiedToken(ctx, ownerID)
	if err != nil {
		return LevelPublic, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if ok {
		return LevelAuthorized, nil
	}
	return LevelPublic, nil
}

// CheckAccess decides whether the caller may run the command. Public-level
// callers additionally have the argument text screened against the blocklist,
// closing the side channel where a public command smuggles a privileged
// payload in its arguments.
func (e *Engine) CheckAccess(ctx context.Context, req CheckRequest) (Decision, error) {
	snap := e.snap.Load()

	command := strings.TrimSpace(req.Command)
	if command == "" {
		return Decision{}, fmt.Errorf("%w: empty command", ErrInvalidCommand)
	}
	required, ok := snap.required[command]
	if !ok {
		required = snap.defaultLevel
	}
	userLevel, err := e.UserLevel(ctx, req.OwnerID, req.Sudo, req.Owner)
	if err != nil {
		return Decision{}, err
	}

	dec := Decision{
		RequiredLevel: required.String(),
		UserLevel:     userLevel.String(),
	}
	if userLevel < required {
		dec.Reason = ReasonInsufficientLevel
		obs.AccessDenied(dec.Reason)
		return dec, nil
	}
	if userLevel == LevelPublic && snap.checkArgs && containsBlocked(req.Args, snap.blocked) {
		dec.Reason = ReasonBlockedContent
		obs.AccessDenied(dec.Reason)
		return dec, nil
	}
	dec.Allowed = true
	return dec, nil
}

func containsBlocked(args string, blocked []string) bool {
	if args == "" {
		return false
	}
	lower := strings.ToLower(args)
	for _, kw := range blocked {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

// AddCommand maps a command to a level, removing it from any prior level
// first. The whole edit persists before becoming visible; an invalid level
// changes nothing.
func (e *Engine) AddCommand(ctx context.Context, command, level string) error {
	target, err := ParseLevel(level)
	if err != nil {
		return err
	}
	command = strings.TrimSpace(command)
	if command == "" {
		return fmt.Errorf("%w: empty command", ErrInvalidCommand)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	doc := e.snap.Load().doc.Clone()
	removeFromAll(doc, command)
	name := target.String()
	doc.CommandAccess[name] = sortedInsert(doc.CommandAccess[name], command)
	if err := e.publish(ctx, doc); err != nil {
		return err
	}
	_ = audit.LogEvent(ctx, "policy.command.add", map[string]any{
		"command": command,
		"level":   name,
	})
	return nil
}

// RemoveCommand unmaps a command. The bool reports whether it was mapped.
func (e *Engine) RemoveCommand(ctx context.Context, command string) (bool, error) {
	command = strings.TrimSpace(command)
	if command == "" {
		return false, fmt.Errorf("%w: empty command", ErrInvalidCommand)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	doc := e.snap.Load().doc.Clone()
	if !removeFromAll(doc, command) {
		return false, nil
	}
	if err := e.publish(ctx, doc); err != nil {
		return false, err
	}
	_ = audit.LogEvent(ctx, "policy.command.remove", map[string]any{
		"command": command,
	})
	return true, nil
}

// MoveCommand relocates an already-mapped command to another level.
func (e *Engine) MoveCommand(ctx context.Context, command, level string) error {
	target, err := ParseLevel(level)
	if err != nil {
		return err
	}
	command = strings.TrimSpace(command)
	if command == "" {
		return fmt.Errorf("%w: empty command", ErrInvalidCommand)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	doc := e.snap.Load().doc.Clone()
	if !removeFromAll(doc, command) {
		return fmt.Errorf("%w: %s", ErrUnknownCommand, command)
	}
	name := target.String()
	doc.CommandAccess[name] = sortedInsert(doc.CommandAccess[name], command)
	if err := e.publish(ctx, doc); err != nil {
		return err
	}
	_ = audit.LogEvent(ctx, "policy.command.move", map[string]any{
		"command": command,
		"level":   name,
	})
	return nil
}

// publish persists the document, then swaps the compiled snapshot. Callers
// hold e.mu. A store failure leaves the old snapshot in place.
func (e *Engine) publish(ctx context.Context, doc *Document) error {
	snap, err := compile(doc)
	if err != nil {
		return err
	}
	if err := e.store.Save(ctx, doc); err != nil {
		return err
	}
	e.snap.Store(snap)
	return nil
}

// Commands returns the current command map, sorted, level name keyed.
func (e *Engine) Commands() map[string][]string {
	doc := e.snap.Load().doc
	out := make(map[string][]string, len(doc.CommandAccess))
	for level, cmds := range doc.CommandAccess {
		cp := append([]string(nil), cmds...)
		sort.Strings(cp)
		out[level] = cp
	}
	return out
}

// Document returns a copy of the live policy document.
func (e *Engine) Document() *Document {
	return e.snap.Load().doc.Clone()
}

// Validate reports structural issues in the live document: unknown level
// names, a bad default level, empty command names, and commands that appear
// under more than one level. It never auto-corrects.
func (e *Engine) Validate() []string {
	doc := e.snap.Load().doc
	var issues []string

	if _, err := ParseLevel(doc.Settings.DefaultAccessLevel); err != nil {
		issues = append(issues, fmt.Sprintf("unknown default_access_level %q", doc.Settings.DefaultAccessLevel))
	}

	levels := make([]string, 0, len(doc.CommandAccess))
	for level := range doc.CommandAccess {
		levels = append(levels, level)
	}
	sort.Strings(levels)

	seen := make(map[string]string)
	for _, level := range levels {
		if _, err := ParseLevel(level); err != nil {
			issues = append(issues, fmt.Sprintf("unknown level %q in command_access", level))
		}
		for _, cmd := range doc.CommandAccess[level] {
			if strings.TrimSpace(cmd) == "" {
				issues = append(issues, fmt.Sprintf("empty command name under level %q", level))
				continue
			}
			if prior, dup := seen[cmd]; dup {
				issues = append(issues, fmt.Sprintf("command %q mapped under both %q and %q", cmd, prior, level))
				continue
			}
			seen[cmd] = level
		}
	}
	return issues
}

func removeFromAll(doc *Document, command string) bool {
	removed := false
	for level, cmds := range doc.CommandAccess {
		kept := cmds[:0]
		for _, c := range cmds {
			if c == command {
				removed = true
				continue
			}
			kept = append(kept, c)
		}
		doc.CommandAccess[level] = kept
	}
	return removed
}

func sortedInsert(cmds []string, command string) []string {
	cmds = append(cmds, command)
	sort.Strings(cmds)
	return cmds
}
