package model

import "time"

type WriterStatus = string

const (
	WriterStatusPreparing   WriterStatus = "preparing"
	WriterStatusReady       WriterStatus = "ready"
	WriterStatusMaintenance WriterStatus = "maintenance"
	WriterStatusError       WriterStatus = "error"
	WriterStatusDeleted     WriterStatus = "deleted"
)

// Writer is one configured source->destination connector instance.
// At most one non-deleted writer exists per (ProjectID, WriterID).
type Writer struct {
	ProjectID string
	WriterID  string

	Status        WriterStatus
	FailureReason string

	// RemoteProjectID is the project provisioned on the analytics platform,
	// empty until the createProject task fills it in.
	RemoteProjectID string
	AuthToken       string

	CreatedAt time.Time
	DeletedAt *time.Time
}

func (w *Writer) Deleted() bool {
	return w.Status == WriterStatusDeleted
}
