package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rudderlabs/ldm-writer/internal/sqlmw"
	"github.com/rudderlabs/ldm-writer/writer/model"
)

const (
	writersTableName = "writers"
	writersColumns   = `
		project_id,
		writer_id,
		status,
		failure_reason,
		remote_project_id,
		auth_token,
		created_at,
		deleted_at
	`
)

var ErrWriterExists = errors.New("writer already exists")

type Writers repo

func NewWriters(db *sqlmw.DB, opts ...Opt) *Writers {
	r := &Writers{
		db:  db,
		now: time.Now,
	}
	for _, opt := range opts {
		opt((*repo)(r))
	}
	return r
}

// Create registers a new writer in preparing status. At most one non-deleted
// writer may exist per (projectID, writerID); a second create fails with
// ErrWriterExists.
func (w *Writers) Create(ctx context.Context, projectID, writerID string) (model.Writer, error) {
	now := w.now().UTC()

	_, err := w.db.ExecContext(ctx, `
		INSERT INTO `+writersTableName+` (project_id, writer_id, status, created_at)
		VALUES ($1, $2, $3, $4);
	`, projectID, writerID, model.WriterStatusPreparing, now)
	if err != nil {
		if isUniqueViolation(err) {
			return model.Writer{}, ErrWriterExists
		}
		return model.Writer{}, fmt.Errorf("creating writer: %w", err)
	}
	return w.Get(ctx, projectID, writerID)
}

// Get returns the non-deleted writer for the given ids.
func (w *Writers) Get(ctx context.Context, projectID, writerID string) (model.Writer, error) {
	row := w.db.QueryRowContext(ctx, `
		SELECT `+writersColumns+` FROM `+writersTableName+`
		WHERE project_id = $1 AND writer_id = $2 AND deleted_at IS NULL;
	`, projectID, writerID)

	var (
		writer    model.Writer
		deletedAt sql.NullTime
	)
	err := row.Scan(
		&writer.ProjectID,
		&writer.WriterID,
		&writer.Status,
		&writer.FailureReason,
		&writer.RemoteProjectID,
		&writer.AuthToken,
		&writer.CreatedAt,
		&deletedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Writer{}, model.ErrWriterNotFound
	}
	if err != nil {
		return model.Writer{}, fmt.Errorf("getting writer: %w", err)
	}
	if deletedAt.Valid {
		t := deletedAt.Time.UTC()
		writer.DeletedAt = &t
	}
	writer.CreatedAt = writer.CreatedAt.UTC()
	return writer, nil
}

// Exists reports whether a non-deleted writer is registered.
func (w *Writers) Exists(ctx context.Context, projectID, writerID string) (bool, error) {
	var exists bool
	err := w.db.QueryRowContext(ctx, `
		SELECT EXISTS (
		  SELECT 1 FROM `+writersTableName+`
		  WHERE project_id = $1 AND writer_id = $2 AND deleted_at IS NULL
		);
	`, projectID, writerID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("checking writer existence: %w", err)
	}
	return exists, nil
}

// WriterUpdate is a partial update; nil fields are left untouched.
type WriterUpdate struct {
	RemoteProjectID *string
	AuthToken       *string
	FailureReason   *string
}

// Update merges the non-nil fields of the update into the writer record.
// Updates are last-writer-wins: the per-queue lock already serializes all
// writes to one writer's state.
func (w *Writers) Update(ctx context.Context, projectID, writerID string, update WriterUpdate) error {
	result, err := w.db.ExecContext(ctx, `
		UPDATE
		  `+writersTableName+`
		SET
		  remote_project_id = COALESCE($3, remote_project_id),
		  auth_token = COALESCE($4, auth_token),
		  failure_reason = COALESCE($5, failure_reason)
		WHERE
		  project_id = $1 AND writer_id = $2 AND deleted_at IS NULL;
	`,
		projectID, writerID,
		update.RemoteProjectID, update.AuthToken, update.FailureReason,
	)
	if err != nil {
		return fmt.Errorf("updating writer: %w", err)
	}
	return requireAffected(result, model.ErrWriterNotFound)
}

// SetStatus transitions the writer's lifecycle status. The reason is only
// stored for the error status and cleared otherwise.
func (w *Writers) SetStatus(ctx context.Context, projectID, writerID string, status model.WriterStatus, reason string) error {
	if status != model.WriterStatusError {
		reason = ""
	}

	result, err := w.db.ExecContext(ctx, `
		UPDATE
		  `+writersTableName+`
		SET
		  status = $3,
		  failure_reason = $4
		WHERE
		  project_id = $1 AND writer_id = $2 AND deleted_at IS NULL;
	`, projectID, writerID, status, reason)
	if err != nil {
		return fmt.Errorf("setting writer status: %w", err)
	}
	return requireAffected(result, model.ErrWriterNotFound)
}

// SoftDelete marks the writer deleted, keeping the row for audit. Deleting an
// already deleted writer is a no-op.
func (w *Writers) SoftDelete(ctx context.Context, projectID, writerID string) error {
	_, err := w.db.ExecContext(ctx, `
		UPDATE
		  `+writersTableName+`
		SET
		  status = $3,
		  deleted_at = $4
		WHERE
		  project_id = $1 AND writer_id = $2 AND deleted_at IS NULL;
	`, projectID, writerID, model.WriterStatusDeleted, w.now().UTC())
	if err != nil {
		return fmt.Errorf("deleting writer: %w", err)
	}
	return nil
}
