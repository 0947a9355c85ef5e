package policy

import (
	"errors"
	"fmt"
)

// Level is a rung in the access hierarchy. Higher values grant strictly more.
type Level int

const (
	LevelPublic Level = iota
	LevelAuthorized
	LevelSudo
	LevelOwner
)

var levelNames = map[Level]string{
	LevelPublic:     "public",
	LevelAuthorized: "authorized",
	LevelSudo:       "sudo",
	LevelOwner:      "owner",
}

func (l Level) String() string {
	if name, ok := levelNames[l]; ok {
		return name
	}
	return fmt.Sprintf("level(%d)", int(l))
}

// ParseLevel maps a level name to its rank.
func ParseLevel(s string) (Level, error) {
	for lvl, name := range levelNames {
		if name == s {
			return lvl, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrInvalidLevel, s)
}

// Levels returns every level in ascending order.
func Levels() []Level {
	return []Level{LevelPublic, LevelAuthorized, LevelSudo, LevelOwner}
}

// Settings is the behavioral half of the policy document.
type Settings struct {
	DefaultAccessLevel string   `json:"default_access_level"`
	BlockedKeywords    []string `json:"blocked_keywords"`
	CheckArgsForAuth   bool     `json:"check_args_for_auth"`
}

// Document is the persisted policy: the unit of hot reload. CommandAccess maps
// a level name to the commands gated at that level; a command belongs to at
// most one level.
type Document struct {
	CommandAccess map[string][]string `json:"command_access"`
	Settings      Settings            `json:"settings"`
}

// DefaultDocument is the policy used when no file exists yet.
func DefaultDocument() *Document {
	access := make(map[string][]string, len(levelNames))
	for _, lvl := range Levels() {
		access[lvl.String()] = []string{}
	}
	return &Document{
		CommandAccess: access,
		Settings: Settings{
			DefaultAccessLevel: LevelAuthorized.String(),
			BlockedKeywords:    []string{},
			CheckArgsForAuth:   true,
		},
	}
}

// Clone deep-copies the document so mutations never touch a live snapshot.
func (d *Document) Clone() *Document {
	cp := &Document{
		CommandAccess: make(map[string][]string, len(d.CommandAccess)),
		Settings: Settings{
			DefaultAccessLevel: d.Settings.DefaultAccessLevel,
			BlockedKeywords:    append([]string(nil), d.Settings.BlockedKeywords...),
			CheckArgsForAuth:   d.Settings.CheckArgsForAuth,
		},
	}
	for level, cmds := range d.CommandAccess {
		cp.CommandAccess[level] = append([]string(nil), cmds...)
	}
	return cp
}

// Deny reasons surfaced to callers. Snake case so front-ends can key messages
// off them directly.
const (
	ReasonInsufficientLevel = "insufficient_access_level"
	ReasonBlockedContent    = "blocked_content_detected"
)

// Decision is the structured outcome of an access check.
type Decision struct {
	Allowed       bool   `json:"allowed"`
	Reason        string `json:"reason,omitempty"`
	RequiredLevel string `json:"required_level"`
	UserLevel     string `json:"user_level"`
}

// CheckRequest carries everything an access check needs. Sudo and Owner are
// caller-asserted flags; the authorized rung is resolved from token state.
type CheckRequest struct {
	Command string `json:"command"`
	Args    string `json:"args,omitempty"`
	OwnerID int64  `json:"owner_user_id"`
	Sudo    bool   `json:"is_sudo"`
	Owner   bool   `json:"is_owner"`
}

var (
	ErrInvalidLevel     = errors.New("policy: invalid level")
	ErrInvalidCommand   = errors.New("policy: invalid command")
	ErrUnknownCommand   = errors.New("policy: unknown command")
	ErrStoreUnavailable = errors.New("policy: store unavailable")
)
