package model

import "time"

type BatchStatus = string

const (
	BatchStatusWaiting    BatchStatus = "waiting"
	BatchStatusProcessing BatchStatus = "processing"
	BatchStatusSuccess    BatchStatus = "success"
	BatchStatusError      BatchStatus = "error"
	BatchStatusCancelled  BatchStatus = "cancelled"
)

// Batch is a read-derived aggregate over the jobs sharing a batch id. Batch
// membership is immutable once the jobs are created, so deriving it keeps it
// consistent with no separate write path.
type Batch struct {
	ID   int64
	Jobs []Job

	Status    BatchStatus
	CreatedAt time.Time
	StartedAt *time.Time
	EndedAt   *time.Time
}

// NewBatch derives batch status and timings from the member jobs.
//
// Status precedence: cancelled > processing > waiting > error > success.
// CreatedAt is the min over jobs, StartedAt the min non-null start (nil while
// any job is still waiting), EndedAt the max end (nil until every job
// finished).
func NewBatch(batchID int64, jobs []Job) Batch {
	b := Batch{
		ID:     batchID,
		Jobs:   jobs,
		Status: BatchStatusSuccess,
	}

	var (
		anyCancelled, anyProcessing, anyWaiting, anyError bool
		allEnded                                          = true
	)
	for i := range jobs {
		job := &jobs[i]

		switch job.Status {
		case JobStatusCancelled:
			anyCancelled = true
		case JobStatusProcessing:
			anyProcessing = true
		case JobStatusWaiting:
			anyWaiting = true
		case JobStatusError:
			anyError = true
		}
		if !job.Terminal() {
			allEnded = false
		}

		if b.CreatedAt.IsZero() || job.CreatedAt.Before(b.CreatedAt) {
			b.CreatedAt = job.CreatedAt
		}
		if job.StartedAt != nil && (b.StartedAt == nil || job.StartedAt.Before(*b.StartedAt)) {
			t := *job.StartedAt
			b.StartedAt = &t
		}
		if job.EndedAt != nil && (b.EndedAt == nil || job.EndedAt.After(*b.EndedAt)) {
			t := *job.EndedAt
			b.EndedAt = &t
		}
	}

	switch {
	case anyCancelled:
		b.Status = BatchStatusCancelled
	case anyProcessing:
		b.Status = BatchStatusProcessing
	case anyWaiting:
		b.Status = BatchStatusWaiting
	case anyError:
		b.Status = BatchStatusError
	}

	if anyWaiting {
		b.StartedAt = nil
	}
	if !allEnded {
		b.EndedAt = nil
	}
	return b
}

// Finished reports whether every job in the batch reached a terminal state.
func (b *Batch) Finished() bool {
	for i := range b.Jobs {
		if !b.Jobs[i].Terminal() {
			return false
		}
	}
	return true
}
