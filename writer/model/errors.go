package model

import (
	"errors"
	"fmt"
)

var (
	ErrJobNotFound    = errors.New("job not found")
	ErrWriterNotFound = errors.New("writer not found")
	ErrDuplicateJob   = errors.New("job id already exists")
	ErrNoBatchJobs    = errors.New("no jobs found for batch")
)

// UserError is a failure caused by bad input or writer misconfiguration. It
// is never retried; the message is surfaced verbatim as the job result.
type UserError struct {
	Message string
}

func NewUserError(format string, args ...any) *UserError {
	return &UserError{Message: fmt.Sprintf(format, args...)}
}

func (e *UserError) Error() string { return e.Message }

// TransientError is a remote hiccup (5xx, timeout, rate limit) worth
// retrying at the message level with escalating backoff.
type TransientError struct {
	Err error
}

func NewTransientError(err error) *TransientError { return &TransientError{Err: err} }

func (e *TransientError) Error() string { return e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// MaintenanceError means the writer currently rejects non-service-queue work.
// Maintenance windows are expected to be short, so the message is redelivered
// after a fixed delay instead of the exponential backoff.
type MaintenanceError struct {
	ProjectID string
	WriterID  string
}

func (e *MaintenanceError) Error() string {
	return fmt.Sprintf("writer %s.%s is under maintenance, job cannot be executed now", e.ProjectID, e.WriterID)
}

func IsUserError(err error) bool {
	var ue *UserError
	return errors.As(err, &ue)
}

func IsTransientError(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

func IsMaintenanceError(err error) bool {
	var me *MaintenanceError
	return errors.As(err, &me)
}
