package writer

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rudderlabs/rudder-go-kit/logger"
	"github.com/rudderlabs/rudder-go-kit/stats"

	"github.com/rudderlabs/ldm-writer/internal/repo"
	"github.com/rudderlabs/ldm-writer/writer/model"
)

type taskRunner interface {
	Run(ctx context.Context, job *model.Job) (json.RawMessage, error)
}

// Executor runs one batch at a time: jobs in creation order, each recorded
// terminally exactly once. The caller holds the per-queue lock; the executor
// itself only relies on the job state machine.
type Executor struct {
	logger       logger.Logger
	statsFactory stats.Stats

	jobs    *repo.Jobs
	writers *repo.Writers
	runner  taskRunner
}

func NewExecutor(
	log logger.Logger,
	statsFactory stats.Stats,
	jobs *repo.Jobs,
	writers *repo.Writers,
	runner taskRunner,
) *Executor {
	return &Executor{
		logger:       log.Child("executor"),
		statsFactory: statsFactory,
		jobs:         jobs,
		writers:      writers,
		runner:       runner,
	}
}

// RunBatch executes the batch's unfinished jobs in order.
//
// A returned error always means "run this batch again later": transient
// failures after the failing job was reset to waiting, maintenance deferrals
// before anything ran. User and fatal failures are recorded on the job and
// absorbed; the batch result carries them.
//
// force skips the maintenance check, which is how service-queue work (the
// maintenance job itself) gets through.
func (e *Executor) RunBatch(ctx context.Context, batchID int64, force bool) (model.Batch, error) {
	jobs, err := e.jobs.GetBatch(ctx, batchID)
	if err != nil {
		return model.Batch{}, err
	}
	if len(jobs) == 0 {
		// an announcement for a batch that was never persisted; nothing to
		// retry, report it and move on
		e.logger.Warnw("received batch with no jobs", "batchId", batchID)
		return model.NewBatch(batchID, nil), nil
	}

	batch := model.NewBatch(batchID, jobs)
	if batch.Finished() {
		// duplicate delivery of a finished batch
		return batch, nil
	}

	if !force && jobs[0].Queue != model.QueueService {
		w, err := e.writers.Get(ctx, jobs[0].ProjectID, jobs[0].WriterID)
		if err != nil {
			return batch, err
		}
		if w.Status == model.WriterStatusMaintenance {
			return batch, &model.MaintenanceError{ProjectID: w.ProjectID, WriterID: w.WriterID}
		}
	}

	for i := range jobs {
		job := &jobs[i]
		if job.Terminal() {
			continue
		}

		if err := e.runJob(ctx, job); err != nil {
			if model.IsTransientError(err) {
				// stop here so the retry re-runs the batch in creation order
				return e.reload(ctx, batchID, batch), err
			}
			// user or fatal: recorded on the job; sibling jobs are independent
			// and still get their turn
			continue
		}
	}
	return e.reload(ctx, batchID, batch), nil
}

func (e *Executor) runJob(ctx context.Context, job *model.Job) error {
	if err := e.jobs.MarkProcessing(ctx, job.ID); err != nil {
		return model.NewTransientError(err)
	}

	start := time.Now()
	result, err := e.runner.Run(ctx, job)
	e.statsFactory.NewTaggedStat("writer_job_run_time", stats.TimerType, stats.Tags{
		"queue":   job.Queue,
		"command": job.Command,
	}).Since(start)

	switch {
	case err == nil:
		if len(result) == 0 {
			result = json.RawMessage(`{"status": "ok"}`)
		}
		if err := e.jobs.Finish(ctx, job.ID, model.JobStatusSuccess, result); err != nil {
			return model.NewTransientError(err)
		}
		job.Status = model.JobStatusSuccess
		return nil

	case model.IsTransientError(err):
		// put the job back in line; the message-level retry re-runs it
		if resetErr := e.jobs.ResetToWaiting(ctx, job.ID); resetErr != nil {
			e.logger.Errorw("resetting job after transient failure",
				"jobId", job.ID, "error", resetErr,
			)
		}
		job.Status = model.JobStatusWaiting
		return err

	default:
		// user or fatal: terminal, never retried
		if finishErr := e.jobs.Finish(ctx, job.ID, model.JobStatusError, model.NewErrorResult(err.Error())); finishErr != nil {
			return model.NewTransientError(finishErr)
		}
		job.Status = model.JobStatusError
		if !model.IsUserError(err) {
			// an unclassified failure is a programming error or corrupted
			// state, not a bad request; it needs human follow-up
			e.logger.Errorw("job failed with unclassified error",
				"jobId", job.ID,
				"batchId", job.BatchID,
				"command", job.Command,
				"queue", job.Queue,
				"error", err,
			)
		}
		e.statsFactory.NewTaggedStat("writer_jobs_failed", stats.CountType, stats.Tags{
			"queue":   job.Queue,
			"command": job.Command,
		}).Increment()
		return err
	}
}

func (e *Executor) reload(ctx context.Context, batchID int64, fallback model.Batch) model.Batch {
	jobs, err := e.jobs.GetBatch(ctx, batchID)
	if err != nil {
		e.logger.Warnw("reloading batch after run", "batchId", batchID, "error", err)
		return fallback
	}
	return model.NewBatch(batchID, jobs)
}
