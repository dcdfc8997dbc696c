// Package repo contains the Postgres repositories backing the writer engine:
// jobs, writers, deferred cleanup entries and the per-queue locks. The
// repositories are the single source of truth for all state transitions.
package repo

import (
	"errors"
	"time"

	"github.com/lib/pq"

	"github.com/rudderlabs/ldm-writer/internal/sqlmw"
)

type repo struct {
	db  *sqlmw.DB
	now func() time.Time
}

type Opt func(*repo)

func WithNow(now func() time.Time) Opt {
	return func(r *repo) {
		r.now = now
	}
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}
