// Package pg is the postgres-backed persistence layer: token records,
// verification cooldowns, and verification progress.
package pg

import (
	"context"
	"database/sql"
	"errors"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"tokengate.org/internal/token"
	"tokengate.org/internal/verify"
)

type Store struct {
	db *sql.DB
}

var (
	_ token.Store          = (*Store)(nil)
	_ verify.CooldownStore = (*Store)(nil)
	_ verify.ProgressStore = (*Store)(nil)
)

func Open(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	// Tuned pool defaults; adjust under load tests
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &Store{db: db}, nil
}

// NewWithDB wraps an existing connection; tests use it with sqlmock.
func NewWithDB(db *sql.DB) *Store { return &Store{db: db} }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// Put replaces the pair's token in one statement. The unique index on
// (owner_id, target_id) plus the conflict clause make the supersede atomic.
func (s *Store) Put(ctx context.Context, tok *token.Token) error {
	_, err := s.db.ExecContext(ctx, `
		insert into tokens(token_id, owner_id, target_id, tier, issued_at, expires_at, verified, usage_count)
		values ($1,$2,$3,$4,$5,$6,$7,$8)
		on conflict (owner_id, target_id) do update
		set token_id = excluded.token_id,
		    tier = excluded.tier,
		    issued_at = excluded.issued_at,
		    expires_at = excluded.expires_at,
		    verified = excluded.verified,
		    usage_count = excluded.usage_count
	`, tok.ID, tok.OwnerID, tok.TargetID, string(tok.Tier), tok.IssuedAt, tok.ExpiresAt, tok.Verified, tok.UsageCount)
	return err
}

const tokenColumns = `token_id, owner_id, target_id, tier, issued_at, expires_at, verified, usage_count`

func scanToken(row *sql.Row) (*token.Token, error) {
	var tok token.Token
	var tier string
	err := row.Scan(&tok.ID, &tok.OwnerID, &tok.TargetID, &tier, &tok.IssuedAt, &tok.ExpiresAt, &tok.Verified, &tok.UsageCount)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, token.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	tok.Tier = token.Tier(tier)
	return &tok, nil
}

func (s *Store) Get(ctx context.Context, ownerID int64, targetID string) (*token.Token, error) {
	row := s.db.QueryRowContext(ctx,
		`select `+tokenColumns+` from tokens where owner_id=$1 and target_id=$2`,
		ownerID, targetID)
	return scanToken(row)
}

func (s *Store) GetByID(ctx context.Context, tokenID string) (*token.Token, error) {
	row := s.db.QueryRowContext(ctx,
		`select `+tokenColumns+` from tokens where token_id=$1`, tokenID)
	return scanToken(row)
}

func (s *Store) Delete(ctx context.Context, tokenID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `delete from tokens where token_id=$1`, tokenID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *Store) IncrementUsage(ctx context.Context, tokenID string) error {
	_, err := s.db.ExecContext(ctx,
		`update tokens set usage_count = usage_count + 1 where token_id=$1`, tokenID)
	return err
}

func (s *Store) HasVerified(ctx context.Context, ownerID int64, now time.Time) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		select exists(
			select 1 from tokens
			where owner_id=$1 and verified and expires_at > $2
		)
	`, ownerID, now).Scan(&exists)
	if err != nil {
		return false, err
	}
	return exists, nil
}

func (s *Store) DeleteExpiredBefore(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `delete from tokens where expires_at <= $1`, cutoff)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

// Set records a step cooldown; repeats overwrite the expiry.
func (s *Store) Set(ctx context.Context, ownerID int64, stepID string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		insert into verify_cooldowns(owner_id, step_id, expires_at)
		values ($1,$2,$3)
		on conflict (owner_id, step_id) do update set expires_at = excluded.expires_at
	`, ownerID, stepID, expiresAt)
	return err
}

func (s *Store) Active(ctx context.Context, ownerID int64, now time.Time) (map[string]time.Time, error) {
	rows, err := s.db.QueryContext(ctx,
		`select step_id, expires_at from verify_cooldowns where owner_id=$1 and expires_at > $2`,
		ownerID, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[string]time.Time{}
	for rows.Next() {
		var step string
		var exp time.Time
		if err := rows.Scan(&step, &exp); err != nil {
			return nil, err
		}
		out[step] = exp
	}
	return out, rows.Err()
}

func (s *Store) PruneExpired(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`delete from verify_cooldowns where expires_at <= $1`, now)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

// Add grows the owner's distinct-step progress set; repeats are no-ops.
func (s *Store) Add(ctx context.Context, ownerID int64, stepID string) error {
	_, err := s.db.ExecContext(ctx, `
		insert into verify_progress(owner_id, step_id)
		values ($1,$2)
		on conflict (owner_id, step_id) do nothing
	`, ownerID, stepID)
	return err
}

func (s *Store) Steps(ctx context.Context, ownerID int64) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`select step_id from verify_progress where owner_id=$1`, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var steps []string
	for rows.Next() {
		var step string
		if err := rows.Scan(&step); err != nil {
			return nil, err
		}
		steps = append(steps, step)
	}
	return steps, rows.Err()
}

func (s *Store) Clear(ctx context.Context, ownerID int64) error {
	_, err := s.db.ExecContext(ctx, `delete from verify_progress where owner_id=$1`, ownerID)
	return err
}
