package fleet

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	reg, err := NewRegistry(filepath.Join(t.TempDir(), "fleet.json"), WithClock(func() time.Time { return base }))
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	ctx := context.Background()
	seed := []Target{
		{ID: "bot1", Name: "Mirror One", Username: "mirror_one_bot", Status: StatusActive},
		{ID: "bot2", Name: "Mirror Two", Status: StatusActive},
		{ID: "bot3", Name: "Leech", Status: StatusInactive},
		{ID: "bot4", Name: "Spare"},
	}
	for _, tgt := range seed {
		if err := reg.Upsert(ctx, tgt); err != nil {
			t.Fatalf("Upsert(%s): %v", tgt.ID, err)
		}
	}
	return reg
}

func TestActiveTargetsFiltersAndSorts(t *testing.T) {
	reg := newTestRegistry(t)
	got := reg.ActiveTargets(context.Background())
	want := []string{"bot1", "bot2"}
	if len(got) != len(want) {
		t.Fatalf("active = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("active = %v, want %v", got, want)
		}
	}
}

func TestSetStatusStampsAndClearsError(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()

	tgt, err := reg.SetStatus(ctx, "bot3", StatusError, "rpc timeout")
	if err != nil {
		t.Fatalf("SetStatus: %v", err)
	}
	if tgt.ErrorMessage != "rpc timeout" || tgt.LastCheck.IsZero() {
		t.Fatalf("error status not recorded: %+v", tgt)
	}

	tgt, err = reg.SetStatus(ctx, "bot3", StatusActive, "")
	if err != nil {
		t.Fatalf("SetStatus: %v", err)
	}
	if tgt.ErrorMessage != "" {
		t.Fatalf("recovery should clear the message: %+v", tgt)
	}

	if _, err := reg.SetStatus(ctx, "bot9", StatusActive, ""); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := reg.SetStatus(ctx, "bot1", Status("rebooting"), ""); !errors.Is(err, ErrInvalidStatus) {
		t.Fatalf("expected ErrInvalidStatus, got %v", err)
	}
}

func TestUpsertDefaultsToNotConfigured(t *testing.T) {
	reg := newTestRegistry(t)
	tgt, err := reg.Get(context.Background(), "bot4")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if tgt.Status != StatusNotConfigured {
		t.Fatalf("status = %q, want not_configured", tgt.Status)
	}
}

func TestRegistryPersistsAcrossLoads(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "fleet.json")
	ctx := context.Background()

	reg, err := NewRegistry(path)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	if err := reg.Upsert(ctx, Target{ID: "bot1", Status: StatusActive}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if _, err := reg.SetStatus(ctx, "bot1", StatusInactive, ""); err != nil {
		t.Fatalf("SetStatus: %v", err)
	}

	fresh, err := NewRegistry(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	tgt, err := fresh.Get(ctx, "bot1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if tgt.Status != StatusInactive {
		t.Fatalf("status = %q, want inactive", tgt.Status)
	}
	if got := fresh.ActiveTargets(ctx); len(got) != 0 {
		t.Fatalf("no active targets expected, got %v", got)
	}
}
