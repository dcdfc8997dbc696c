package repo

import (
	"context"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/rudderlabs/ldm-writer/internal/sqlmw"
	"github.com/rudderlabs/ldm-writer/writer/model"
)

const (
	cleanupTableName = "writer_cleanup"

	// Remote resources are kept around for a grace period so an accidental
	// writer deletion can be undone by support before anything is torn down.
	cleanupGracePeriod = 30 * 24 * time.Hour
)

type Cleanup repo

func NewCleanup(db *sqlmw.DB, opts ...Opt) *Cleanup {
	r := &Cleanup{
		db:  db,
		now: time.Now,
	}
	for _, opt := range opts {
		opt((*repo)(r))
	}
	return r
}

// ScheduleProjectDeletion schedules a remote project for deletion after the
// grace period. Re-scheduling the same resource resets the grace window
// instead of creating a duplicate entry.
func (c *Cleanup) ScheduleProjectDeletion(ctx context.Context, projectID, writerID, resourceID string, dev bool) error {
	return c.schedule(ctx, model.ResourceProject, projectID, writerID, resourceID, dev)
}

// ScheduleUserDeletion schedules a remote user for deletion after the grace
// period, with the same upsert semantics as projects.
func (c *Cleanup) ScheduleUserDeletion(ctx context.Context, projectID, writerID, resourceID string, dev bool) error {
	return c.schedule(ctx, model.ResourceUser, projectID, writerID, resourceID, dev)
}

func (c *Cleanup) schedule(ctx context.Context, kind model.ResourceKind, projectID, writerID, resourceID string, dev bool) error {
	now := c.now().UTC()

	_, err := c.db.ExecContext(ctx, `
		INSERT INTO `+cleanupTableName+` (kind, resource_id, project_id, writer_id, dev, delete_after)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (kind, resource_id) DO UPDATE SET
		  project_id = EXCLUDED.project_id,
		  writer_id = EXCLUDED.writer_id,
		  dev = EXCLUDED.dev,
		  delete_after = EXCLUDED.delete_after,
		  deleted_at = NULL;
	`, kind, resourceID, projectID, writerID, dev, now.Add(cleanupGracePeriod))
	if err != nil {
		return fmt.Errorf("scheduling %s deletion: %w", kind, err)
	}
	return nil
}

// DueForDeletion returns entries whose grace period has elapsed and which
// have not been deleted yet, oldest first.
func (c *Cleanup) DueForDeletion(ctx context.Context) ([]model.DeferredDeletion, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT kind, resource_id, project_id, writer_id, dev, delete_after
		FROM `+cleanupTableName+`
		WHERE delete_after <= $1 AND deleted_at IS NULL
		ORDER BY delete_after ASC;
	`, c.now().UTC())
	if err != nil {
		return nil, fmt.Errorf("querying due deletions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []model.DeferredDeletion
	for rows.Next() {
		var entry model.DeferredDeletion
		if err := rows.Scan(
			&entry.Kind,
			&entry.ResourceID,
			&entry.ProjectID,
			&entry.WriterID,
			&entry.Dev,
			&entry.DeleteAfter,
		); err != nil {
			return nil, fmt.Errorf("scanning due deletion: %w", err)
		}
		entry.DeleteAfter = entry.DeleteAfter.UTC()
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating due deletions: %w", err)
	}
	return entries, nil
}

// MarkDeleted stamps the given resources as deleted. Unknown ids are
// silently skipped so the sweeper can safely reconcile.
func (c *Cleanup) MarkDeleted(ctx context.Context, kind model.ResourceKind, resourceIDs []string) error {
	if len(resourceIDs) == 0 {
		return nil
	}

	_, err := c.db.ExecContext(ctx, `
		UPDATE
		  `+cleanupTableName+`
		SET
		  deleted_at = $3
		WHERE
		  kind = $1 AND resource_id = ANY($2) AND deleted_at IS NULL;
	`, kind, pq.Array(resourceIDs), c.now().UTC())
	if err != nil {
		return fmt.Errorf("marking %s deletions: %w", kind, err)
	}
	return nil
}
