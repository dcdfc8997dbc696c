package repo

import (
	"context"
	"fmt"
	"time"

	"github.com/rudderlabs/ldm-writer/internal/sqlmw"
)

const locksTableName = "writer_locks"

// Locks is a named advisory lock backed by the same storage as the jobs.
// A lock guarantees single-writer-at-a-time processing per queue id; all
// true data consistency comes from the job state machine, not from here.
//
// Unlike a session advisory lock, the lease carries an expiry so a holder
// that dies without releasing cannot deadlock the queue forever.
type Locks repo

func NewLocks(db *sqlmw.DB, opts ...Opt) *Locks {
	r := &Locks{
		db:  db,
		now: time.Now,
	}
	for _, opt := range opts {
		opt((*repo)(r))
	}
	return r
}

// TryAcquire attempts to take the named lock without blocking. It returns
// false if anyone holds an unexpired lease, including the caller itself:
// this is not a reentrant lock. An expired lease is stolen.
func (l *Locks) TryAcquire(ctx context.Context, name, owner string, ttl time.Duration) (bool, error) {
	now := l.now().UTC()

	result, err := l.db.ExecContext(ctx, `
		INSERT INTO `+locksTableName+` (name, owner, acquired_at, expires_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (name) DO UPDATE SET
		  owner = EXCLUDED.owner,
		  acquired_at = EXCLUDED.acquired_at,
		  expires_at = EXCLUDED.expires_at
		WHERE `+locksTableName+`.expires_at <= $3;
	`, name, owner, now, now.Add(ttl))
	if err != nil {
		return false, fmt.Errorf("acquiring lock %q: %w", name, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("acquiring lock %q: rows affected: %w", name, err)
	}
	return affected == 1, nil
}

// Release frees the named lock if the caller still owns it. Releasing an
// unheld or already released lock is a no-op, not an error.
func (l *Locks) Release(ctx context.Context, name, owner string) error {
	_, err := l.db.ExecContext(ctx, `
		DELETE FROM `+locksTableName+` WHERE name = $1 AND owner = $2;
	`, name, owner)
	if err != nil {
		return fmt.Errorf("releasing lock %q: %w", name, err)
	}
	return nil
}

// Refresh extends the caller's unexpired lease. It reports whether the lease
// was still held.
func (l *Locks) Refresh(ctx context.Context, name, owner string, ttl time.Duration) (bool, error) {
	now := l.now().UTC()

	result, err := l.db.ExecContext(ctx, `
		UPDATE
		  `+locksTableName+`
		SET
		  expires_at = $4
		WHERE
		  name = $1 AND owner = $2 AND expires_at > $3;
	`, name, owner, now, now.Add(ttl))
	if err != nil {
		return false, fmt.Errorf("refreshing lock %q: %w", name, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("refreshing lock %q: rows affected: %w", name, err)
	}
	return affected == 1, nil
}
