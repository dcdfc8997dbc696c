package writer

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/rudderlabs/rudder-go-kit/config"
	"github.com/rudderlabs/rudder-go-kit/logger"
	"github.com/rudderlabs/rudder-go-kit/stats"

	"github.com/rudderlabs/ldm-writer/internal/repo"
	"github.com/rudderlabs/ldm-writer/writer/model"
	"github.com/rudderlabs/ldm-writer/writer/queue"
)

type batchRunner interface {
	RunBatch(ctx context.Context, batchID int64, force bool) (model.Batch, error)
}

// Consumer drains the queue and drives the executor. It serializes execution
// per queue id with a leased lock, counts retries in the message body, and
// dead-letters a batch when the retry ceiling is hit.
type Consumer struct {
	logger       logger.Logger
	statsFactory stats.Stats

	q        queue.Queue
	locks    *repo.Locks
	jobs     *repo.Jobs
	executor batchRunner

	// owner identifies this consumer instance to the lock table
	owner string

	maxMessages      int
	maxWait          time.Duration
	lockTTL          time.Duration
	maintenanceDelay time.Duration
	baseRetryDelay   time.Duration
	maxRetries       int
}

func NewConsumer(
	conf *config.Config,
	log logger.Logger,
	statsFactory stats.Stats,
	q queue.Queue,
	locks *repo.Locks,
	jobs *repo.Jobs,
	executor batchRunner,
) *Consumer {
	return &Consumer{
		logger:       log.Child("consumer"),
		statsFactory: statsFactory,
		q:            q,
		locks:        locks,
		jobs:         jobs,
		executor:     executor,
		owner:        uuid.NewString(),

		maxMessages:      conf.GetInt("Writer.consumer.maxMessages", 5),
		maxWait:          conf.GetDuration("Writer.consumer.maxWait", 20, time.Second),
		lockTTL:          conf.GetDuration("Writer.consumer.lockTTL", 5, time.Minute),
		maintenanceDelay: conf.GetDuration("Writer.consumer.maintenanceDelay", 60, time.Second),
		baseRetryDelay:   conf.GetDuration("Writer.consumer.baseRetryDelay", 30, time.Second),
		maxRetries:       conf.GetInt("Writer.consumer.maxRetries", 4),
	}
}

// Start receives and processes messages until the context is cancelled.
func (c *Consumer) Start(ctx context.Context) error {
	for {
		messages, err := c.q.Receive(ctx, c.maxMessages, c.maxWait)
		if err != nil {
			if ctx.Err() != nil {
				return nil //nolint:nilerr
			}
			c.logger.Errorw("receiving messages", "error", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
			continue
		}

		for _, msg := range messages {
			if ctx.Err() != nil {
				return nil
			}
			c.process(ctx, msg)
		}
	}
}

func (c *Consumer) process(ctx context.Context, msg queue.Message) {
	body := msg.Body
	log := c.logger.With(
		"projectId", body.ProjectID,
		"writerId", body.WriterID,
		"batchId", body.BatchID,
		"retryCount", body.RetryCount,
	)

	// the message only references the batch; the queue id that scopes the
	// lock comes from the batch's jobs
	batchJobs, err := c.jobs.GetBatch(ctx, body.BatchID)
	if err != nil {
		log.Errorw("fetching batch", "error", err)
		return
	}
	if len(batchJobs) == 0 {
		log.Warnw("dropping announcement for unknown batch")
		c.deleteMessage(ctx, msg)
		return
	}
	queueName := batchJobs[0].Queue

	lockName := "queue-" + model.QueueID(body.ProjectID, body.WriterID, queueName)
	acquired, err := c.locks.TryAcquire(ctx, lockName, c.owner, c.lockTTL)
	if err != nil {
		// leave the message in flight; it comes back after the visibility
		// timeout
		log.Errorw("acquiring queue lock", "error", err)
		return
	}
	if !acquired {
		// another consumer is working this queue; skip the message untouched
		// and let the broker redeliver it after its visibility timeout
		c.count("lock_busy", queueName)
		return
	}
	defer func() {
		if err := c.locks.Release(ctx, lockName, c.owner); err != nil {
			log.Errorw("releasing queue lock", "error", err)
		}
	}()

	batch, err := c.executor.RunBatch(ctx, body.BatchID, false)

	switch {
	case err == nil:
		c.deleteMessage(ctx, msg)
		c.count("processed", queueName)
		log.Infow("batch processed", "status", batch.Status)

	case model.IsMaintenanceError(err):
		// maintenance windows are short; redeliver after a fixed delay
		// without burning a retry
		c.requeue(ctx, msg, body.RetryCount, c.maintenanceDelay)
		c.count("deferred", queueName)
		log.Infow("batch deferred, writer under maintenance")

	case model.IsTransientError(err):
		if body.RetryCount >= c.maxRetries {
			c.deadLetter(ctx, msg, queueName, log)
			return
		}
		delay := c.baseRetryDelay * (1 << body.RetryCount)
		c.requeue(ctx, msg, body.RetryCount+1, delay)
		c.count("retried", queueName)
		log.Warnw("batch failed transiently, retrying", "delay", delay, "error", err)

	default:
		// infrastructure failure (storage down, context cancelled): keep the
		// message, redelivery after the visibility timeout does not count as
		// a retry
		if !errors.Is(err, context.Canceled) {
			log.Errorw("running batch", "error", err)
		}
	}
}

// deadLetter forces the batch's unfinished jobs to a terminal error and
// drops the message. This is the engine's highest-severity outcome: waiting
// work is being abandoned.
func (c *Consumer) deadLetter(ctx context.Context, msg queue.Message, queueName string, log logger.Logger) {
	affected, err := c.jobs.DeadLetter(ctx, msg.Body.BatchID, "maximum execution retries exceeded")
	if err != nil {
		// keep the message so dead-lettering itself is retried
		log.Errorw("dead-lettering batch", "error", err)
		return
	}

	c.deleteMessage(ctx, msg)
	c.count("dead_lettered", queueName)
	log.Errorw("batch dead-lettered after exhausting retries", "jobsAffected", affected)
}

// requeue publishes a fresh copy of the message with the given retry count
// and delay, then drops the received one. Enqueue-then-delete keeps the
// at-least-once guarantee: a crash in between duplicates the message instead
// of losing it.
func (c *Consumer) requeue(ctx context.Context, msg queue.Message, retryCount int, delay time.Duration) {
	body := msg.Body
	body.RetryCount = retryCount

	if _, err := c.q.Enqueue(ctx, body, delay); err != nil {
		c.logger.Errorw("requeueing message", "batchId", body.BatchID, "error", err)
		return
	}
	c.deleteMessage(ctx, msg)
}

func (c *Consumer) deleteMessage(ctx context.Context, msg queue.Message) {
	if err := c.q.Delete(ctx, msg); err != nil {
		c.logger.Errorw("deleting message", "batchId", msg.Body.BatchID, "error", err)
	}
}

func (c *Consumer) count(outcome, queueName string) {
	c.statsFactory.NewTaggedStat("writer_messages_total", stats.CountType, stats.Tags{
		"outcome": outcome,
		"queue":   queueName,
	}).Increment()
}
