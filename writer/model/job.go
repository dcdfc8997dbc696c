package model

import (
	"encoding/json"
	"fmt"
	"time"
)

type JobStatus = string

const (
	JobStatusWaiting    JobStatus = "waiting"
	JobStatusProcessing JobStatus = "processing"
	JobStatusSuccess    JobStatus = "success"
	JobStatusError      JobStatus = "error"
	JobStatusCancelled  JobStatus = "cancelled"
)

type QueueName = string

const (
	QueuePrimary   QueueName = "primary"
	QueueSecondary QueueName = "secondary"
	QueueService   QueueName = "service"
)

// QueueID identifies the serialization domain for a writer's jobs:
// projectId.writerId.queueName.
func QueueID(projectID, writerID string, queue QueueName) string {
	return fmt.Sprintf("%s.%s.%s", projectID, writerID, queue)
}

// Job is one schedulable unit of work belonging to a writer. Status only
// moves forward along waiting -> processing -> {success, error, cancelled};
// the terminal state is set exactly once.
type Job struct {
	ID      int64
	BatchID int64
	RunID   string

	ProjectID string
	WriterID  string
	Queue     QueueName

	Command       string
	Parameters    json.RawMessage
	DefinitionRef string

	Status JobStatus
	Result json.RawMessage

	CreatedAt time.Time
	StartedAt *time.Time
	EndedAt   *time.Time
}

func (j *Job) QueueID() string {
	return QueueID(j.ProjectID, j.WriterID, j.Queue)
}

func (j *Job) Terminal() bool {
	return TerminalStatus(j.Status)
}

func TerminalStatus(status JobStatus) bool {
	switch status {
	case JobStatusSuccess, JobStatusError, JobStatusCancelled:
		return true
	}
	return false
}

// ErrorResult is the terminal result payload of a failed job.
type ErrorResult struct {
	Status string `json:"status"`
	Error  string `json:"error"`
}

func NewErrorResult(message string) json.RawMessage {
	out, _ := json.Marshal(ErrorResult{Status: "error", Error: message})
	return out
}
