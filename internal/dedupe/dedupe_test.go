package dedupe

import (
	"context"
	"fmt"
	"testing"
	"time"
)

func TestShouldNotifySuppressesWithinWindow(t *testing.T) {
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	clock := base
	cache := NewMemory(WithClock(func() time.Time { return clock }), WithWindow(time.Minute))
	ctx := context.Background()

	ok, err := cache.ShouldNotify(ctx, 42, "mirror")
	if err != nil || !ok {
		t.Fatalf("first notice: ok=%v err=%v", ok, err)
	}
	ok, _ = cache.ShouldNotify(ctx, 42, "mirror")
	if ok {
		t.Fatal("repeat inside the window must be suppressed")
	}
	// Different command and different owner are independent keys.
	if ok, _ := cache.ShouldNotify(ctx, 42, "leech"); !ok {
		t.Fatal("other command should pass")
	}
	if ok, _ := cache.ShouldNotify(ctx, 43, "mirror"); !ok {
		t.Fatal("other owner should pass")
	}

	clock = base.Add(61 * time.Second)
	if ok, _ := cache.ShouldNotify(ctx, 42, "mirror"); !ok {
		t.Fatal("window elapsed, notice should pass again")
	}
}

func TestMemoryStaysBounded(t *testing.T) {
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	clock := base
	cache := NewMemory(
		WithClock(func() time.Time { return clock }),
		WithWindow(time.Hour),
		WithMaxEntries(100),
	)
	ctx := context.Background()

	for i := range 500 {
		if _, err := cache.ShouldNotify(ctx, int64(i), "mirror"); err != nil {
			t.Fatalf("ShouldNotify: %v", err)
		}
	}
	if got := cache.Len(); got > 100 {
		t.Fatalf("cache grew past its cap: %d", got)
	}
}

func TestEvictionPrefersExpired(t *testing.T) {
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	clock := base
	cache := NewMemory(
		WithClock(func() time.Time { return clock }),
		WithWindow(time.Minute),
		WithMaxEntries(10),
	)
	ctx := context.Background()

	for i := range 10 {
		cache.ShouldNotify(ctx, 1, fmt.Sprintf("cmd%d", i))
	}
	clock = base.Add(2 * time.Minute)
	// All prior entries are expired; the insert evicts them rather than a
	// live one, and the live set ends small.
	if ok, _ := cache.ShouldNotify(ctx, 2, "fresh"); !ok {
		t.Fatal("fresh notice should pass")
	}
	if got := cache.Len(); got != 1 {
		t.Fatalf("expired entries should be gone, len=%d", got)
	}
}
