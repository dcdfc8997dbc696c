package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rudderlabs/ldm-writer/internal/sqlmw"
	"github.com/rudderlabs/ldm-writer/writer/model"
)

const (
	jobsTableName = "writer_jobs"
	jobsColumns   = `
		id,
		COALESCE(batch_id, id),
		run_id,
		project_id,
		writer_id,
		queue,
		command,
		parameters,
		definition_ref,
		status,
		result,
		created_at,
		started_at,
		ended_at
	`
)

type Jobs repo

func NewJobs(db *sqlmw.DB, opts ...Opt) *Jobs {
	r := &Jobs{
		db:  db,
		now: time.Now,
	}
	for _, opt := range opts {
		opt((*repo)(r))
	}
	return r
}

// Create inserts a new job in waiting status. A zero ID lets the database
// assign the next id from the sequence; a zero BatchID makes the job its own
// single-job batch. Inserting an explicit id that already exists fails with
// model.ErrDuplicateJob.
func (j *Jobs) Create(ctx context.Context, job *model.Job) (model.Job, error) {
	var (
		row *sql.Row
		now = j.now().UTC()
	)

	if job.ID != 0 {
		row = j.db.QueryRowContext(ctx, `
			INSERT INTO `+jobsTableName+` (
			  id, batch_id, run_id, project_id, writer_id, queue,
			  command, parameters, definition_ref, status, created_at
			)
			VALUES
			  ($1, NULLIF($2, 0), $3, $4, $5, $6, $7, $8, $9, $10, $11)
			RETURNING `+jobsColumns+`;
		`,
			job.ID, job.BatchID, job.RunID, job.ProjectID, job.WriterID, job.Queue,
			job.Command, nullRawMessage(job.Parameters), job.DefinitionRef, model.JobStatusWaiting, now,
		)
	} else {
		row = j.db.QueryRowContext(ctx, `
			INSERT INTO `+jobsTableName+` (
			  batch_id, run_id, project_id, writer_id, queue,
			  command, parameters, definition_ref, status, created_at
			)
			VALUES
			  (NULLIF($1, 0), $2, $3, $4, $5, $6, $7, $8, $9, $10)
			RETURNING `+jobsColumns+`;
		`,
			job.BatchID, job.RunID, job.ProjectID, job.WriterID, job.Queue,
			job.Command, nullRawMessage(job.Parameters), job.DefinitionRef, model.JobStatusWaiting, now,
		)
	}

	var created model.Job
	if err := scanJob(row.Scan, &created); err != nil {
		if isUniqueViolation(err) {
			return model.Job{}, model.ErrDuplicateJob
		}
		return model.Job{}, fmt.Errorf("creating job: %w", err)
	}
	return created, nil
}

// Get fetches a job by id.
func (j *Jobs) Get(ctx context.Context, id int64) (model.Job, error) {
	return j.get(ctx, `
		SELECT `+jobsColumns+` FROM `+jobsTableName+` WHERE id = $1;
	`, id)
}

// GetForWriter fetches a job scoped to a writer. A job that exists but
// belongs to a different writer is reported as not found, so callers cannot
// probe jobs across tenants.
func (j *Jobs) GetForWriter(ctx context.Context, id int64, projectID, writerID string) (model.Job, error) {
	return j.get(ctx, `
		SELECT `+jobsColumns+` FROM `+jobsTableName+`
		WHERE id = $1 AND project_id = $2 AND writer_id = $3;
	`, id, projectID, writerID)
}

func (j *Jobs) get(ctx context.Context, query string, args ...any) (model.Job, error) {
	var job model.Job
	err := scanJob(j.db.QueryRowContext(ctx, query, args...).Scan, &job)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Job{}, model.ErrJobNotFound
	}
	if err != nil {
		return model.Job{}, fmt.Errorf("getting job: %w", err)
	}
	return job, nil
}

// GetBatch returns all jobs sharing a batch id in creation order.
func (j *Jobs) GetBatch(ctx context.Context, batchID int64) ([]model.Job, error) {
	rows, err := j.db.QueryContext(ctx, `
		SELECT `+jobsColumns+` FROM `+jobsTableName+`
		WHERE COALESCE(batch_id, id) = $1
		ORDER BY id ASC;
	`, batchID)
	if err != nil {
		return nil, fmt.Errorf("querying batch %d: %w", batchID, err)
	}
	return collectJobs(rows)
}

// List returns the writer's jobs created within the given window, in
// creation order. Maintenance-style tasks use it to detect concurrently
// running work outside the service queue.
func (j *Jobs) List(ctx context.Context, projectID, writerID string, since time.Duration) ([]model.Job, error) {
	rows, err := j.db.QueryContext(ctx, `
		SELECT `+jobsColumns+` FROM `+jobsTableName+`
		WHERE project_id = $1 AND writer_id = $2 AND created_at >= $3
		ORDER BY id ASC;
	`, projectID, writerID, j.now().UTC().Add(-since))
	if err != nil {
		return nil, fmt.Errorf("listing jobs: %w", err)
	}
	return collectJobs(rows)
}

// JobUpdate is a partial update; nil fields are left untouched.
type JobUpdate struct {
	Parameters    json.RawMessage
	Result        json.RawMessage
	DefinitionRef *string
}

// Save merges the non-nil fields of the update into an existing job.
func (j *Jobs) Save(ctx context.Context, id int64, update JobUpdate) error {
	result, err := j.db.ExecContext(ctx, `
		UPDATE
		  `+jobsTableName+`
		SET
		  parameters = COALESCE($2, parameters),
		  result = COALESCE($3, result),
		  definition_ref = COALESCE($4, definition_ref)
		WHERE
		  id = $1;
	`,
		id,
		nullRawMessage(update.Parameters),
		nullRawMessage(update.Result),
		update.DefinitionRef,
	)
	if err != nil {
		return fmt.Errorf("saving job %d: %w", id, err)
	}
	return requireAffected(result, model.ErrJobNotFound)
}

// MarkProcessing moves a non-terminal job to processing and stamps its start
// time. Re-running an unfinished job refreshes the start time in place.
func (j *Jobs) MarkProcessing(ctx context.Context, id int64) error {
	result, err := j.db.ExecContext(ctx, `
		UPDATE
		  `+jobsTableName+`
		SET
		  status = $2,
		  started_at = $3
		WHERE
		  id = $1 AND status IN ($4, $5);
	`,
		id, model.JobStatusProcessing, j.now().UTC(),
		model.JobStatusWaiting, model.JobStatusProcessing,
	)
	if err != nil {
		return fmt.Errorf("marking job %d processing: %w", id, err)
	}
	return requireAffected(result, model.ErrJobNotFound)
}

// ResetToWaiting puts a processing job back in line for a message-level
// retry. This is the only allowed processing -> waiting transition and it
// reuses the same record.
func (j *Jobs) ResetToWaiting(ctx context.Context, id int64) error {
	_, err := j.db.ExecContext(ctx, `
		UPDATE
		  `+jobsTableName+`
		SET
		  status = $2,
		  started_at = NULL
		WHERE
		  id = $1 AND status = $3;
	`,
		id, model.JobStatusWaiting, model.JobStatusProcessing,
	)
	if err != nil {
		return fmt.Errorf("resetting job %d to waiting: %w", id, err)
	}
	return nil
}

// Finish sets a job's terminal status and result exactly once. Finishing an
// already terminal job is a no-op, which makes duplicate deliveries harmless.
func (j *Jobs) Finish(ctx context.Context, id int64, status model.JobStatus, result json.RawMessage) error {
	if !model.TerminalStatus(status) {
		return fmt.Errorf("finishing job %d: %q is not a terminal status", id, status)
	}

	_, err := j.db.ExecContext(ctx, `
		UPDATE
		  `+jobsTableName+`
		SET
		  status = $2,
		  result = $3,
		  ended_at = $4
		WHERE
		  id = $1 AND status NOT IN ($5, $6, $7);
	`,
		id, status, nullRawMessage(result), j.now().UTC(),
		model.JobStatusSuccess, model.JobStatusError, model.JobStatusCancelled,
	)
	if err != nil {
		return fmt.Errorf("finishing job %d: %w", id, err)
	}
	return nil
}

// CancelWaiting bulk-cancels all waiting jobs of a writer. Processing jobs
// are left alone: work already in flight cannot be cancelled safely.
func (j *Jobs) CancelWaiting(ctx context.Context, projectID, writerID string) (int64, error) {
	result, err := j.db.ExecContext(ctx, `
		UPDATE
		  `+jobsTableName+`
		SET
		  status = $3,
		  ended_at = $4
		WHERE
		  project_id = $1 AND writer_id = $2 AND status = $5;
	`,
		projectID, writerID, model.JobStatusCancelled, j.now().UTC(), model.JobStatusWaiting,
	)
	if err != nil {
		return 0, fmt.Errorf("cancelling waiting jobs: %w", err)
	}
	return result.RowsAffected()
}

// DeadLetter forces every non-terminal job of a batch to a terminal error
// with the given message. Jobs that already finished keep their state.
func (j *Jobs) DeadLetter(ctx context.Context, batchID int64, message string) (int64, error) {
	result, err := j.db.ExecContext(ctx, `
		UPDATE
		  `+jobsTableName+`
		SET
		  status = $2,
		  result = $3,
		  ended_at = $4
		WHERE
		  COALESCE(batch_id, id) = $1 AND status NOT IN ($5, $6, $7);
	`,
		batchID, model.JobStatusError, nullRawMessage(model.NewErrorResult(message)), j.now().UTC(),
		model.JobStatusSuccess, model.JobStatusError, model.JobStatusCancelled,
	)
	if err != nil {
		return 0, fmt.Errorf("dead-lettering batch %d: %w", batchID, err)
	}
	return result.RowsAffected()
}

func collectJobs(rows *sql.Rows) ([]model.Job, error) {
	defer func() { _ = rows.Close() }()

	var jobs []model.Job
	for rows.Next() {
		var job model.Job
		if err := scanJob(rows.Scan, &job); err != nil {
			return nil, fmt.Errorf("scanning job: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating jobs: %w", err)
	}
	return jobs, nil
}

func scanJob(scan func(...any) error, job *model.Job) error {
	var (
		parameters, result []byte
		startedAt, endedAt sql.NullTime
	)
	if err := scan(
		&job.ID,
		&job.BatchID,
		&job.RunID,
		&job.ProjectID,
		&job.WriterID,
		&job.Queue,
		&job.Command,
		&parameters,
		&job.DefinitionRef,
		&job.Status,
		&result,
		&job.CreatedAt,
		&startedAt,
		&endedAt,
	); err != nil {
		return err
	}
	if parameters != nil {
		job.Parameters = json.RawMessage(parameters)
	}
	if result != nil {
		job.Result = json.RawMessage(result)
	}
	if startedAt.Valid {
		t := startedAt.Time.UTC()
		job.StartedAt = &t
	}
	if endedAt.Valid {
		t := endedAt.Time.UTC()
		job.EndedAt = &t
	}
	job.CreatedAt = job.CreatedAt.UTC()
	return nil
}

func nullRawMessage(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}

func requireAffected(result sql.Result, notFound error) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return notFound
	}
	return nil
}
