package pg

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"tokengate.org/internal/token"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewWithDB(db), mock
}

func TestPutUpsertsOnPair(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	tok := &token.Token{
		ID:        "tok-1",
		OwnerID:   42,
		TargetID:  "bot1",
		Tier:      token.TierFree,
		IssuedAt:  now,
		ExpiresAt: now.Add(6 * time.Hour),
	}

	mock.ExpectExec(`insert into tokens`).
		WithArgs(tok.ID, tok.OwnerID, tok.TargetID, "FREE", tok.IssuedAt, tok.ExpiresAt, false, int64(0)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := s.Put(context.Background(), tok); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestGetMapsNoRowsToNotFound(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(`select .* from tokens where owner_id=\$1 and target_id=\$2`).
		WithArgs(int64(42), "bot1").
		WillReturnError(sql.ErrNoRows)

	_, err := s.Get(context.Background(), 42, "bot1")
	if !errors.Is(err, token.ErrNotFound) {
		t.Fatalf("expected token.ErrNotFound, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestGetScansToken(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	rows := sqlmock.NewRows([]string{
		"token_id", "owner_id", "target_id", "tier", "issued_at", "expires_at", "verified", "usage_count",
	}).AddRow("tok-1", int64(42), "bot1", "PREMIUM", now, now.Add(7*24*time.Hour), true, int64(3))

	mock.ExpectQuery(`select .* from tokens where token_id=\$1`).
		WithArgs("tok-1").
		WillReturnRows(rows)

	tok, err := s.GetByID(context.Background(), "tok-1")
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if tok.Tier != token.TierPremium || !tok.Verified || tok.UsageCount != 3 {
		t.Fatalf("scanned token mismatch: %+v", tok)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestDeleteReportsPresence(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec(`delete from tokens where token_id=\$1`).
		WithArgs("tok-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`delete from tokens where token_id=\$1`).
		WithArgs("tok-1").
		WillReturnResult(sqlmock.NewResult(0, 0))

	ok, err := s.Delete(context.Background(), "tok-1")
	if err != nil || !ok {
		t.Fatalf("first delete: ok=%v err=%v", ok, err)
	}
	ok, err = s.Delete(context.Background(), "tok-1")
	if err != nil || ok {
		t.Fatalf("second delete: ok=%v err=%v", ok, err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestHasVerified(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectQuery(`select exists`).
		WithArgs(int64(42), now).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	ok, err := s.HasVerified(context.Background(), 42, now)
	if err != nil || !ok {
		t.Fatalf("HasVerified: ok=%v err=%v", ok, err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestCooldownRoundTrip(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	exp := now.Add(6 * time.Hour)

	mock.ExpectExec(`insert into verify_cooldowns`).
		WithArgs(int64(42), "A", exp).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`select step_id, expires_at from verify_cooldowns`).
		WithArgs(int64(42), now).
		WillReturnRows(sqlmock.NewRows([]string{"step_id", "expires_at"}).AddRow("A", exp))

	ctx := context.Background()
	if err := s.Set(ctx, 42, "A", exp); err != nil {
		t.Fatalf("Set: %v", err)
	}
	active, err := s.Active(ctx, 42, now)
	if err != nil {
		t.Fatalf("Active: %v", err)
	}
	if got, ok := active["A"]; !ok || !got.Equal(exp) {
		t.Fatalf("active = %v", active)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestProgressSetSemantics(t *testing.T) {
	s, mock := newMockStore(t)
	ctx := context.Background()

	mock.ExpectExec(`insert into verify_progress`).
		WithArgs(int64(42), "A").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`select step_id from verify_progress`).
		WithArgs(int64(42)).
		WillReturnRows(sqlmock.NewRows([]string{"step_id"}).AddRow("A"))
	mock.ExpectExec(`delete from verify_progress where owner_id=\$1`).
		WithArgs(int64(42)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := s.Add(ctx, 42, "A"); err != nil {
		t.Fatalf("Add: %v", err)
	}
	steps, err := s.Steps(ctx, 42)
	if err != nil || len(steps) != 1 || steps[0] != "A" {
		t.Fatalf("Steps = %v err=%v", steps, err)
	}
	if err := s.Clear(ctx, 42); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}
