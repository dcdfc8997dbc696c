package model

import "time"

type ResourceKind = string

const (
	ResourceProject ResourceKind = "project"
	ResourceUser    ResourceKind = "user"
)

// DeferredDeletion schedules a remote resource for deletion after a grace
// period instead of tearing it down inline.
type DeferredDeletion struct {
	ResourceID string
	Kind       ResourceKind

	ProjectID string
	WriterID  string
	Dev       bool

	DeleteAfter time.Time
	DeletedAt   *time.Time
}
