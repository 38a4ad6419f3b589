package limiter

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Querier is the subset of a pgx pool the limiter needs.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PG keeps limiter state in the auth_limiter table, shared by every server
// process on the same database. Each (identity, ip) pair may fail maxFails
// times within a fixed window before it is blocked for blockFor.
type PG struct {
	q        Querier
	window   time.Duration
	maxFails int
	blockFor time.Duration
	now      func() time.Time
}

// NewPG constructs a PostgreSQL-backed limiter.
func NewPG(q Querier, window time.Duration, maxFails int, blockFor time.Duration) *PG {
	if maxFails <= 0 {
		maxFails = 5
	}
	return &PG{q: q, window: window, maxFails: maxFails, blockFor: blockFor, now: time.Now}
}

// Allow reports whether the pair is currently unblocked.
func (l *PG) Allow(ctx context.Context, identity, ipHash string) (bool, time.Duration, error) {
	const q = `SELECT blocked_until FROM auth_limiter WHERE identity=$1 AND ip_hash=$2`
	var blockedUntil *time.Time
	err := l.q.QueryRow(ctx, q, identity, ipHash).Scan(&blockedUntil)
	if errors.Is(err, pgx.ErrNoRows) {
		return true, 0, nil
	}
	if err != nil {
		return false, 0, err
	}
	now := l.now()
	if blockedUntil != nil && blockedUntil.After(now) {
		return false, blockedUntil.Sub(now), nil
	}
	return true, 0, nil
}

// Success forgets the pair.
func (l *PG) Success(ctx context.Context, identity, ipHash string) error {
	_, err := l.q.Exec(ctx, `DELETE FROM auth_limiter WHERE identity=$1 AND ip_hash=$2`, identity, ipHash)
	return err
}

const recordFailure = `
INSERT INTO auth_limiter (identity, ip_hash, fail_count, window_start)
VALUES ($1, $2, 1, $3)
ON CONFLICT (identity, ip_hash) DO UPDATE SET
  fail_count   = CASE WHEN auth_limiter.window_start < $4 THEN 1  ELSE auth_limiter.fail_count + 1 END,
  window_start = CASE WHEN auth_limiter.window_start < $4 THEN $3 ELSE auth_limiter.window_start END
RETURNING fail_count`

// Failure records a failed attempt and blocks the pair once the window's
// budget is spent.
func (l *PG) Failure(ctx context.Context, identity, ipHash string) (bool, time.Duration, error) {
	now := l.now()
	var fails int
	if err := l.q.QueryRow(ctx, recordFailure, identity, ipHash, now, now.Add(-l.window)).Scan(&fails); err != nil {
		return false, 0, err
	}
	if fails < l.maxFails {
		return false, 0, nil
	}
	const block = `UPDATE auth_limiter SET blocked_until=$3, fail_count=0, window_start=$4 WHERE identity=$1 AND ip_hash=$2`
	if _, err := l.q.Exec(ctx, block, identity, ipHash, now.Add(l.blockFor), now); err != nil {
		return false, 0, err
	}
	return true, l.blockFor, nil
}
