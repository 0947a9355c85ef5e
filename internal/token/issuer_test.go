package token

import (
	"context"
	"sync"
	"testing"
	"time"
)

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func newTestIssuer(t *testing.T, opts ...Option) *Issuer {
	t.Helper()
	iss, err := NewIssuer(NewInMemory(), opts...)
	if err != nil {
		t.Fatalf("NewIssuer: %v", err)
	}
	return iss
}

func TestFreeTierIgnoresCustomDuration(t *testing.T) {
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	iss := newTestIssuer(t, WithClock(fixedClock(base)))
	ctx := context.Background()

	tok, err := iss.Issue(ctx, 42, "bot1", TierFree, 9999*24*time.Hour)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if got := tok.ExpiresAt.Sub(tok.IssuedAt); got != defaultFreeTTL {
		t.Fatalf("free ttl = %v, want %v", got, defaultFreeTTL)
	}
	if !tok.ExpiresAt.After(tok.IssuedAt) {
		t.Fatal("expires_at must follow issued_at")
	}
	if tok.Verified {
		t.Fatal("manually issued token must start unverified")
	}
}

func TestPremiumDurationClamped(t *testing.T) {
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	iss := newTestIssuer(t, WithClock(fixedClock(base)))
	ctx := context.Background()

	cases := []struct {
		name    string
		request time.Duration
		want    time.Duration
	}{
		{"default when unspecified", 0, 7 * 24 * time.Hour},
		{"honored below cap", 30 * 24 * time.Hour, 30 * 24 * time.Hour},
		{"clamped at cap", 9999 * 24 * time.Hour, 90 * 24 * time.Hour},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tok, err := iss.Issue(ctx, 42, "bot1", TierPremium, tc.request)
			if err != nil {
				t.Fatalf("Issue: %v", err)
			}
			if got := tok.ExpiresAt.Sub(tok.IssuedAt); got != tc.want {
				t.Fatalf("premium ttl = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestIssueSupersedesPriorToken(t *testing.T) {
	iss := newTestIssuer(t)
	ctx := context.Background()

	first, err := iss.Issue(ctx, 42, "bot1", TierFree, 0)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	second, err := iss.Issue(ctx, 42, "bot1", TierPremium, 0)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if first.ID == second.ID {
		t.Fatal("expected a fresh token id")
	}

	current, err := iss.Lookup(ctx, 42, "bot1")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if current.ID != second.ID {
		t.Fatalf("pair should hold the newest token, got %s", current.ID)
	}
	if _, err := iss.store.GetByID(ctx, first.ID); err != ErrNotFound {
		t.Fatalf("superseded token should be gone, got %v", err)
	}
}

func TestValidateReasons(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	clock := now
	iss := newTestIssuer(t, WithClock(func() time.Time { return clock }))
	ctx := context.Background()

	v, err := iss.Validate(ctx, 42, "bot1")
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if v.Valid || v.Reason != ReasonNotFound {
		t.Fatalf("expected not_found, got %+v", v)
	}

	if _, err := iss.Issue(ctx, 42, "bot1", TierFree, 0); err != nil {
		t.Fatalf("Issue: %v", err)
	}
	v, _ = iss.Validate(ctx, 42, "bot1")
	if v.Valid || v.Reason != ReasonUnverified {
		t.Fatalf("expected unverified, got %+v", v)
	}

	if _, err := iss.IssueVerified(ctx, 42, "bot1", now.Add(24*time.Hour)); err != nil {
		t.Fatalf("IssueVerified: %v", err)
	}
	v, _ = iss.Validate(ctx, 42, "bot1")
	if !v.Valid {
		t.Fatalf("expected valid, got %+v", v)
	}

	clock = now.Add(25 * time.Hour)
	v, _ = iss.Validate(ctx, 42, "bot1")
	if v.Valid || v.Reason != ReasonExpired {
		t.Fatalf("expected expired, got %+v", v)
	}
}

func TestValidateIncrementsUsage(t *testing.T) {
	iss := newTestIssuer(t)
	ctx := context.Background()

	tok, err := iss.IssueVerified(ctx, 42, "bot1", time.Now().UTC().Add(time.Hour))
	if err != nil {
		t.Fatalf("IssueVerified: %v", err)
	}
	for range 3 {
		if v, err := iss.Validate(ctx, 42, "bot1"); err != nil || !v.Valid {
			t.Fatalf("Validate: %+v err=%v", v, err)
		}
	}
	got, err := iss.store.GetByID(ctx, tok.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if got.UsageCount != 3 {
		t.Fatalf("usage_count = %d, want 3", got.UsageCount)
	}
}

func TestRevokeIdempotent(t *testing.T) {
	iss := newTestIssuer(t)
	ctx := context.Background()

	tok, err := iss.Issue(ctx, 42, "bot1", TierFree, 0)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	ok, err := iss.Revoke(ctx, tok.ID)
	if err != nil || !ok {
		t.Fatalf("first revoke: ok=%v err=%v", ok, err)
	}
	ok, err = iss.Revoke(ctx, tok.ID)
	if err != nil {
		t.Fatalf("second revoke: %v", err)
	}
	if ok {
		t.Fatal("second revoke should report absence")
	}
}

func TestHasVerifiedToken(t *testing.T) {
	iss := newTestIssuer(t)
	ctx := context.Background()

	ok, err := iss.HasVerifiedToken(ctx, 42)
	if err != nil || ok {
		t.Fatalf("expected no verified token, ok=%v err=%v", ok, err)
	}

	if _, err := iss.Issue(ctx, 42, "bot1", TierFree, 0); err != nil {
		t.Fatalf("Issue: %v", err)
	}
	ok, _ = iss.HasVerifiedToken(ctx, 42)
	if ok {
		t.Fatal("unverified token must not count")
	}

	if _, err := iss.IssueVerified(ctx, 42, "bot2", time.Now().UTC().Add(time.Hour)); err != nil {
		t.Fatalf("IssueVerified: %v", err)
	}
	ok, _ = iss.HasVerifiedToken(ctx, 42)
	if !ok {
		t.Fatal("verified token should count")
	}
}

func TestConcurrentIssueSamePair(t *testing.T) {
	iss := newTestIssuer(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	const n = 50
	for range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = iss.Issue(ctx, 42, "bot1", TierFree, 0)
		}()
	}
	wg.Wait()

	// Exactly one token survives for the pair and the id index agrees.
	current, err := iss.Lookup(ctx, 42, "bot1")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	byID, err := iss.store.GetByID(ctx, current.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if byID.ID != current.ID {
		t.Fatalf("index mismatch: %s vs %s", byID.ID, current.ID)
	}
}

func TestSweepRemovesExpired(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	clock := now
	iss := newTestIssuer(t, WithClock(func() time.Time { return clock }))
	ctx := context.Background()

	if _, err := iss.Issue(ctx, 1, "bot1", TierFree, 0); err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if _, err := iss.IssueVerified(ctx, 2, "bot1", now.Add(48*time.Hour)); err != nil {
		t.Fatalf("IssueVerified: %v", err)
	}

	clock = now.Add(7 * time.Hour) // past the free TTL, before the 48h expiry
	removed, err := iss.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if removed != 1 {
		t.Fatalf("removed = %d, want 1", removed)
	}
	if _, err := iss.Lookup(ctx, 2, "bot1"); err != nil {
		t.Fatalf("unexpired token should survive sweep: %v", err)
	}
}
