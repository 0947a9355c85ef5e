package policy

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
)

type stubTokens struct{ verified map[int64]bool }

func (s *stubTokens) HasVerifiedToken(ctx context.Context, ownerID int64) (bool, error) {
	return s.verified[ownerID], nil
}

func testDocument() *Document {
	doc := DefaultDocument()
	doc.CommandAccess["public"] = []string{"start", "help"}
	doc.CommandAccess["authorized"] = []string{"mirror", "leech"}
	doc.CommandAccess["sudo"] = []string{"status"}
	doc.CommandAccess["owner"] = []string{"restart"}
	doc.Settings.BlockedKeywords = []string{"magnet:", "http://evil"}
	return doc
}

func newTestEngine(t *testing.T, tokens *stubTokens) (*Engine, *FileStore) {
	t.Helper()
	store, err := NewFileStore(filepath.Join(t.TempDir(), "policy.json"))
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	if err := store.Save(context.Background(), testDocument()); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if tokens == nil {
		tokens = &stubTokens{verified: map[int64]bool{}}
	}
	eng, err := NewEngine(context.Background(), store, tokens)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	return eng, store
}

func TestLevelOrdering(t *testing.T) {
	if !(LevelPublic < LevelAuthorized && LevelAuthorized < LevelSudo && LevelSudo < LevelOwner) {
		t.Fatal("levels must be totally ordered")
	}
	for _, lvl := range Levels() {
		parsed, err := ParseLevel(lvl.String())
		if err != nil || parsed != lvl {
			t.Fatalf("round-trip %v: parsed=%v err=%v", lvl, parsed, err)
		}
	}
	if _, err := ParseLevel("root"); !errors.Is(err, ErrInvalidLevel) {
		t.Fatalf("expected ErrInvalidLevel, got %v", err)
	}
}

func TestRequiredLevelFallsBackToDefault(t *testing.T) {
	eng, _ := newTestEngine(t, nil)
	if got := eng.RequiredLevel("mirror"); got != LevelAuthorized {
		t.Fatalf("mirror = %v, want authorized", got)
	}
	if got := eng.RequiredLevel("unmapped"); got != LevelAuthorized {
		t.Fatalf("default = %v, want authorized", got)
	}
}

func TestUserLevelResolution(t *testing.T) {
	tokens := &stubTokens{verified: map[int64]bool{7: true}}
	eng, _ := newTestEngine(t, tokens)
	ctx := context.Background()

	cases := []struct {
		name  string
		owner int64
		sudo  bool
		boss  bool
		want  Level
	}{
		{"owner flag wins", 1, true, true, LevelOwner},
		{"sudo flag", 1, true, false, LevelSudo},
		{"verified token grants authorized", 7, false, false, LevelAuthorized},
		{"no token means public", 8, false, false, LevelPublic},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := eng.UserLevel(ctx, tc.owner, tc.sudo, tc.boss)
			if err != nil {
				t.Fatalf("UserLevel: %v", err)
			}
			if got != tc.want {
				t.Fatalf("level = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestCheckAccessInsufficientLevel(t *testing.T) {
	eng, _ := newTestEngine(t, nil)

	dec, err := eng.CheckAccess(context.Background(), CheckRequest{Command: "mirror", OwnerID: 8})
	if err != nil {
		t.Fatalf("CheckAccess: %v", err)
	}
	if dec.Allowed || dec.Reason != ReasonInsufficientLevel {
		t.Fatalf("expected insufficient_access_level, got %+v", dec)
	}
}

func TestCheckAccessBlockedContentOnlyForPublic(t *testing.T) {
	tokens := &stubTokens{verified: map[int64]bool{7: true}}
	eng, _ := newTestEngine(t, tokens)
	ctx := context.Background()

	// Public caller, public command, blocked payload in the arguments.
	dec, err := eng.CheckAccess(ctx, CheckRequest{Command: "start", Args: "grab MAGNET:?xt=abc", OwnerID: 8})
	if err != nil {
		t.Fatalf("CheckAccess: %v", err)
	}
	if dec.Allowed || dec.Reason != ReasonBlockedContent {
		t.Fatalf("expected blocked_content_detected, got %+v", dec)
	}

	// The same payload passes for an authorized caller.
	dec, err = eng.CheckAccess(ctx, CheckRequest{Command: "start", Args: "grab magnet:?xt=abc", OwnerID: 7})
	if err != nil {
		t.Fatalf("CheckAccess: %v", err)
	}
	if !dec.Allowed {
		t.Fatalf("authorized caller should bypass the blocklist, got %+v", dec)
	}

	// Clean arguments pass for public callers.
	dec, _ = eng.CheckAccess(ctx, CheckRequest{Command: "help", OwnerID: 8})
	if !dec.Allowed {
		t.Fatalf("clean public call should pass, got %+v", dec)
	}
}

func TestCheckAccessScreeningDisabled(t *testing.T) {
	eng, store := newTestEngine(t, nil)
	ctx := context.Background()

	doc := eng.Document()
	doc.Settings.CheckArgsForAuth = false
	if err := store.Save(ctx, doc); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := eng.Reload(ctx); err != nil {
		t.Fatalf("Reload: %v", err)
	}

	dec, err := eng.CheckAccess(ctx, CheckRequest{Command: "start", Args: "magnet:?xt=abc", OwnerID: 8})
	if err != nil {
		t.Fatalf("CheckAccess: %v", err)
	}
	if !dec.Allowed {
		t.Fatalf("screening disabled, expected allow, got %+v", dec)
	}
}

func TestMoveCommandRelocates(t *testing.T) {
	eng, _ := newTestEngine(t, nil)
	ctx := context.Background()

	if err := eng.MoveCommand(ctx, "leech", "sudo"); err != nil {
		t.Fatalf("MoveCommand: %v", err)
	}
	if got := eng.RequiredLevel("leech"); got != LevelSudo {
		t.Fatalf("leech = %v, want sudo", got)
	}
	for _, cmd := range eng.Commands()["authorized"] {
		if cmd == "leech" {
			t.Fatal("leech must leave its previous level")
		}
	}
	if issues := eng.Validate(); len(issues) != 0 {
		t.Fatalf("document should stay clean, got %v", issues)
	}

	if err := eng.MoveCommand(ctx, "ghost", "sudo"); !errors.Is(err, ErrUnknownCommand) {
		t.Fatalf("expected ErrUnknownCommand, got %v", err)
	}
}

func TestAddCommandInvalidLevelChangesNothing(t *testing.T) {
	eng, _ := newTestEngine(t, nil)
	ctx := context.Background()

	if err := eng.AddCommand(ctx, "mirror", "root"); !errors.Is(err, ErrInvalidLevel) {
		t.Fatalf("expected ErrInvalidLevel, got %v", err)
	}
	if got := eng.RequiredLevel("mirror"); got != LevelAuthorized {
		t.Fatalf("rejected edit must not move the command, got %v", got)
	}
}

func TestAddAndRemoveCommand(t *testing.T) {
	eng, _ := newTestEngine(t, nil)
	ctx := context.Background()

	if err := eng.AddCommand(ctx, "clone", "sudo"); err != nil {
		t.Fatalf("AddCommand: %v", err)
	}
	if got := eng.RequiredLevel("clone"); got != LevelSudo {
		t.Fatalf("clone = %v, want sudo", got)
	}

	removed, err := eng.RemoveCommand(ctx, "clone")
	if err != nil || !removed {
		t.Fatalf("RemoveCommand: removed=%v err=%v", removed, err)
	}
	// Falls back to the default once unmapped.
	if got := eng.RequiredLevel("clone"); got != LevelAuthorized {
		t.Fatalf("unmapped clone = %v, want default", got)
	}
	removed, err = eng.RemoveCommand(ctx, "clone")
	if err != nil || removed {
		t.Fatalf("second remove should report absence, removed=%v err=%v", removed, err)
	}
}

func TestMutationsPersistAcrossEngines(t *testing.T) {
	eng, store := newTestEngine(t, nil)
	ctx := context.Background()

	if err := eng.MoveCommand(ctx, "leech", "owner"); err != nil {
		t.Fatalf("MoveCommand: %v", err)
	}

	fresh, err := NewEngine(ctx, store, &stubTokens{verified: map[int64]bool{}})
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	if got := fresh.RequiredLevel("leech"); got != LevelOwner {
		t.Fatalf("persisted leech = %v, want owner", got)
	}
}

func TestFileStoreMissingFileYieldsDefaults(t *testing.T) {
	store, err := NewFileStore(filepath.Join(t.TempDir(), "absent.json"))
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	doc, err := store.Load(context.Background())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if doc.Settings.DefaultAccessLevel != "authorized" {
		t.Fatalf("default level = %q", doc.Settings.DefaultAccessLevel)
	}
}

func TestValidateFlagsIssues(t *testing.T) {
	eng, store := newTestEngine(t, nil)
	ctx := context.Background()

	doc := eng.Document()
	doc.CommandAccess["sudo"] = append(doc.CommandAccess["sudo"], "mirror") // duplicate
	doc.CommandAccess["superuser"] = []string{"x"}
	doc.Settings.DefaultAccessLevel = "root"
	if err := store.Save(ctx, doc); err != nil {
		t.Fatalf("Save: %v", err)
	}
	// Reload refuses a bad default, so inspect via a raw engine swap: compile
	// is what Reload runs, Validate is what admins run.
	if err := eng.Reload(ctx); err == nil {
		t.Fatal("reload should reject an unknown default level")
	}

	doc.Settings.DefaultAccessLevel = "authorized"
	if err := store.Save(ctx, doc); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := eng.Reload(ctx); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	issues := eng.Validate()
	if len(issues) != 2 {
		t.Fatalf("issues = %v, want duplicate + unknown level", issues)
	}
}
