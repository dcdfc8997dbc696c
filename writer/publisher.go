// Package writer is the execution engine tying the stores, the queue and the
// task runner together: the publisher persists batches and announces them,
// the consumer receives announcements and drives the executor under the
// per-queue lock.
package writer

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/ksuid"

	"github.com/rudderlabs/rudder-go-kit/logger"
	"github.com/rudderlabs/rudder-go-kit/stats"

	"github.com/rudderlabs/ldm-writer/internal/repo"
	"github.com/rudderlabs/ldm-writer/writer/model"
	"github.com/rudderlabs/ldm-writer/writer/queue"
	"github.com/rudderlabs/ldm-writer/writer/tasks"
)

// JobRequest is one job of a publish request.
type JobRequest struct {
	Command       string
	Parameters    json.RawMessage
	DefinitionRef string
}

// PublishRequest is a batch of jobs for one writer queue. All jobs share a
// run id and a batch id and execute sequentially in the given order.
type PublishRequest struct {
	ProjectID string
	WriterID  string
	Queue     model.QueueName
	Jobs      []JobRequest
	Delay     time.Duration
}

type preparer interface {
	Prepare(command string, params json.RawMessage) (json.RawMessage, error)
}

// Publisher persists batches and announces them on the queue. The batch id is
// the id of the batch's first job, so publishing needs no separate sequence.
type Publisher struct {
	logger       logger.Logger
	statsFactory stats.Stats

	jobs    *repo.Jobs
	writers *repo.Writers
	runner  preparer
	q       queue.Queue
}

func NewPublisher(
	log logger.Logger,
	statsFactory stats.Stats,
	jobs *repo.Jobs,
	writers *repo.Writers,
	runner preparer,
	q queue.Queue,
) *Publisher {
	return &Publisher{
		logger:       log.Child("publisher"),
		statsFactory: statsFactory,
		jobs:         jobs,
		writers:      writers,
		runner:       runner,
		q:            q,
	}
}

// Publish validates, persists and announces a batch. Nothing is enqueued
// until every job is stored, so a consumer never sees a half-written batch.
func (p *Publisher) Publish(ctx context.Context, req *PublishRequest) ([]model.Job, error) {
	if len(req.Jobs) == 0 {
		return nil, model.ErrNoBatchJobs
	}
	if _, err := p.writers.Get(ctx, req.ProjectID, req.WriterID); err != nil {
		return nil, err
	}

	prepared := make([]JobRequest, len(req.Jobs))
	for i, jobReq := range req.Jobs {
		params, err := p.runner.Prepare(jobReq.Command, jobReq.Parameters)
		if err != nil {
			return nil, fmt.Errorf("preparing job %d (%s): %w", i, jobReq.Command, err)
		}
		prepared[i] = jobReq
		prepared[i].Parameters = params
	}

	runID := ksuid.New().String()

	var (
		created []model.Job
		batchID int64
	)
	for _, jobReq := range prepared {
		job, err := p.jobs.Create(ctx, &model.Job{
			BatchID:       batchID,
			RunID:         runID,
			ProjectID:     req.ProjectID,
			WriterID:      req.WriterID,
			Queue:         req.Queue,
			Command:       jobReq.Command,
			Parameters:    jobReq.Parameters,
			DefinitionRef: jobReq.DefinitionRef,
		})
		if err != nil {
			return nil, fmt.Errorf("persisting batch: %w", err)
		}
		if batchID == 0 {
			batchID = job.ID
		}
		created = append(created, job)
	}

	if err := p.announce(ctx, req.ProjectID, req.WriterID, batchID, 0, req.Delay); err != nil {
		return nil, err
	}

	p.statsFactory.NewTaggedStat("writer_batches_published", stats.CountType, stats.Tags{
		"queue": req.Queue,
	}).Increment()
	p.logger.Infow("batch published",
		"projectId", req.ProjectID,
		"writerId", req.WriterID,
		"queue", req.Queue,
		"batchId", batchID,
		"runId", runID,
		"jobs", len(created),
	)
	return created, nil
}

// Spawn lets a running task schedule a follow-up single-job batch. It
// implements tasks.Spawner.
func (p *Publisher) Spawn(ctx context.Context, spec tasks.SpawnSpec) (model.Job, error) {
	job, err := p.jobs.Create(ctx, &model.Job{
		RunID:      spec.RunID,
		ProjectID:  spec.ProjectID,
		WriterID:   spec.WriterID,
		Queue:      spec.Queue,
		Command:    spec.Command,
		Parameters: spec.Parameters,
	})
	if err != nil {
		return model.Job{}, fmt.Errorf("persisting spawned job: %w", err)
	}

	err = p.announce(ctx, spec.ProjectID, spec.WriterID, job.ID, 0, spec.Delay)
	if err != nil {
		return model.Job{}, err
	}
	return job, nil
}

func (p *Publisher) announce(ctx context.Context, projectID, writerID string, batchID int64, retryCount int, delay time.Duration) error {
	_, err := p.q.Enqueue(ctx, queue.Body{
		ProjectID:  projectID,
		WriterID:   writerID,
		BatchID:    batchID,
		RetryCount: retryCount,
	}, delay)
	if err != nil {
		return fmt.Errorf("announcing batch %d: %w", batchID, err)
	}
	return nil
}

// Status assembles the batch view for a writer, enforcing tenant scoping the
// same way single job lookups do.
func (p *Publisher) Status(ctx context.Context, projectID, writerID string, batchID int64) (model.Batch, error) {
	jobs, err := p.jobs.GetBatch(ctx, batchID)
	if err != nil {
		return model.Batch{}, err
	}
	if len(jobs) == 0 {
		return model.Batch{}, model.ErrJobNotFound
	}
	if jobs[0].ProjectID != projectID || jobs[0].WriterID != writerID {
		return model.Batch{}, model.ErrJobNotFound
	}
	return model.NewBatch(batchID, jobs), nil
}

var _ tasks.Spawner = (*Publisher)(nil)
