// Package sqlite is the embedded single-node persistence layer, mirroring the
// postgres store for deployments without an external database.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	_ "modernc.org/sqlite"

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

const schema = `
create table if not exists tokens (
	token_id    text primary key,
	owner_id    integer not null,
	target_id   text not null,
	tier        text not null,
	issued_at   integer not null,
	expires_at  integer not null,
	verified    integer not null default 0,
	usage_count integer not null default 0,
	unique (owner_id, target_id)
);
create table if not exists verify_cooldowns (
	owner_id   integer not null,
	step_id    text not null,
	expires_at integer not null,
	primary key (owner_id, step_id)
);
create table if not exists verify_progress (
	owner_id integer not null,
	step_id  text not null,
	primary key (owner_id, step_id)
);
`

// Open opens (or creates) the database file and applies the schema. The pool
// is pinned to one connection; sqlite serializes writers anyway and a single
// connection avoids busy errors.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *Store) Put(ctx context.Context, tok *token.Token) error {
	_, err := s.db.ExecContext(ctx, `
		insert into tokens(token_id, owner_id, target_id, tier, issued_at, expires_at, verified, usage_count)
		values (?,?,?,?,?,?,?,?)
		on conflict (owner_id, target_id) do update
		set token_id = excluded.token_id,
		    tier = excluded.tier,
		    issued_at = excluded.issued_at,
		    expires_at = excluded.expires_at,
		    verified = excluded.verified,
		    usage_count = excluded.usage_count
	`, tok.ID, tok.OwnerID, tok.TargetID, string(tok.Tier),
		tok.IssuedAt.UnixNano(), tok.ExpiresAt.UnixNano(), tok.Verified, tok.UsageCount)
	return err
}

const tokenColumns = `token_id, owner_id, target_id, tier, issued_at, expires_at, verified, usage_count`

func scanToken(row *sql.Row) (*token.Token, error) {
	var tok token.Token
	var tier string
	var issued, expires int64
	err := row.Scan(&tok.ID, &tok.OwnerID, &tok.TargetID, &tier, &issued, &expires, &tok.Verified, &tok.UsageCount)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, token.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	tok.Tier = token.Tier(tier)
	tok.IssuedAt = time.Unix(0, issued).UTC()
	tok.ExpiresAt = time.Unix(0, expires).UTC()
	return &tok, nil
}

func (s *Store) Get(ctx context.Context, ownerID int64, targetID string) (*token.Token, error) {
	row := s.db.QueryRowContext(ctx,
		`select `+tokenColumns+` from tokens where owner_id=? and target_id=?`,
		ownerID, targetID)
	return scanToken(row)
}

func (s *Store) GetByID(ctx context.Context, tokenID string) (*token.Token, error) {
	row := s.db.QueryRowContext(ctx,
		`select `+tokenColumns+` from tokens where token_id=?`, tokenID)
	return scanToken(row)
}

func (s *Store) Delete(ctx context.Context, tokenID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `delete from tokens where token_id=?`, tokenID)
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
		`update tokens set usage_count = usage_count + 1 where token_id=?`, tokenID)
	return err
}

func (s *Store) HasVerified(ctx context.Context, ownerID int64, now time.Time) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		select exists(
			select 1 from tokens
			where owner_id=? and verified and expires_at > ?
		)
	`, ownerID, now.UnixNano()).Scan(&exists)
	if err != nil {
		return false, err
	}
	return exists, nil
}

func (s *Store) DeleteExpiredBefore(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`delete from tokens where expires_at <= ?`, cutoff.UnixNano())
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

func (s *Store) Set(ctx context.Context, ownerID int64, stepID string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		insert into verify_cooldowns(owner_id, step_id, expires_at)
		values (?,?,?)
		on conflict (owner_id, step_id) do update set expires_at = excluded.expires_at
	`, ownerID, stepID, expiresAt.UnixNano())
	return err
}

func (s *Store) Active(ctx context.Context, ownerID int64, now time.Time) (map[string]time.Time, error) {
	rows, err := s.db.QueryContext(ctx,
		`select step_id, expires_at from verify_cooldowns where owner_id=? and expires_at > ?`,
		ownerID, now.UnixNano())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[string]time.Time{}
	for rows.Next() {
		var step string
		var exp int64
		if err := rows.Scan(&step, &exp); err != nil {
			return nil, err
		}
		out[step] = time.Unix(0, exp).UTC()
	}
	return out, rows.Err()
}

func (s *Store) PruneExpired(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`delete from verify_cooldowns where expires_at <= ?`, now.UnixNano())
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

func (s *Store) Add(ctx context.Context, ownerID int64, stepID string) error {
	_, err := s.db.ExecContext(ctx, `
		insert into verify_progress(owner_id, step_id)
		values (?,?)
		on conflict (owner_id, step_id) do nothing
	`, ownerID, stepID)
	return err
}

func (s *Store) Steps(ctx context.Context, ownerID int64) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`select step_id from verify_progress where owner_id=?`, ownerID)
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
	_, err := s.db.ExecContext(ctx, `delete from verify_progress where owner_id=?`, ownerID)
	return err
}
