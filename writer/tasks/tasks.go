// Package tasks hosts the pluggable units of work the executor dispatches
// to by command name. The registry is static and populated at process
// startup: an unknown command is a configuration error surfaced immediately,
// never a runtime lookup failure.
package tasks

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rudderlabs/rudder-go-kit/logger"

	"github.com/rudderlabs/ldm-writer/internal/repo"
	"github.com/rudderlabs/ldm-writer/writer/model"
	"github.com/rudderlabs/ldm-writer/writer/platform"
)

// Task is one executable unit. Prepare validates and defaults the raw
// parameters at job-creation time; Run executes against the remote platform.
// Run errors must be classified: *model.UserError for bad input,
// *model.TransientError for remote hiccups; anything else is treated as a
// programming error by the executor.
type Task interface {
	Prepare(params json.RawMessage) (json.RawMessage, error)
	Run(ctx context.Context, params json.RawMessage) (json.RawMessage, error)
}

// Spawner lets a task schedule a follow-up job (e.g. "check again later")
// without holding a reference back to the orchestrator.
type Spawner interface {
	Spawn(ctx context.Context, spec SpawnSpec) (model.Job, error)
}

// SpawnerFunc adapts a function to the Spawner interface, which breaks the
// construction cycle between the runner and the publisher.
type SpawnerFunc func(ctx context.Context, spec SpawnSpec) (model.Job, error)

func (f SpawnerFunc) Spawn(ctx context.Context, spec SpawnSpec) (model.Job, error) {
	return f(ctx, spec)
}

type SpawnSpec struct {
	ProjectID  string
	WriterID   string
	RunID      string
	Queue      model.QueueName
	Command    string
	Parameters json.RawMessage
	Delay      time.Duration
}

// WriterStore is the slice of the writer registry tasks may touch.
type WriterStore interface {
	Get(ctx context.Context, projectID, writerID string) (model.Writer, error)
	Update(ctx context.Context, projectID, writerID string, update repo.WriterUpdate) error
	SetStatus(ctx context.Context, projectID, writerID string, status model.WriterStatus, reason string) error
	SoftDelete(ctx context.Context, projectID, writerID string) error
}

// JobStore is the slice of the job store tasks may touch.
type JobStore interface {
	List(ctx context.Context, projectID, writerID string, since time.Duration) ([]model.Job, error)
	CancelWaiting(ctx context.Context, projectID, writerID string) (int64, error)
}

// CleanupLedger schedules deferred deletion of remote resources.
type CleanupLedger interface {
	ScheduleProjectDeletion(ctx context.Context, projectID, writerID, resourceID string, dev bool) error
	ScheduleUserDeletion(ctx context.Context, projectID, writerID, resourceID string, dev bool) error
}

// Deps is the execution context handed to a task: the job's identity plus
// every capability a task is allowed to use. Tasks never reach for globals.
type Deps struct {
	Job model.Job

	Writers WriterStore
	Jobs    JobStore
	Cleanup CleanupLedger
	Client  platform.Client
	Spawner Spawner
	Logger  logger.Logger
}

type Factory func(deps *Deps) Task

type Registry struct {
	factories map[string]Factory
}

func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

func (r *Registry) Register(name string, factory Factory) {
	r.factories[name] = factory
}

// New resolves a command name to a task instance bound to the given deps.
func (r *Registry) New(name string, deps *Deps) (Task, error) {
	factory, ok := r.factories[name]
	if !ok {
		return nil, model.NewUserError("unknown command %q", name)
	}
	return factory(deps), nil
}

func (r *Registry) Known(name string) bool {
	_, ok := r.factories[name]
	return ok
}

// DefaultRegistry returns a registry with every built-in task registered.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(CommandCreateProject, func(deps *Deps) Task { return &createProject{deps} })
	r.Register(CommandCreateUser, func(deps *Deps) Task { return &createUser{deps} })
	r.Register(CommandUploadTable, func(deps *Deps) Task { return &uploadTable{deps} })
	r.Register(CommandUpdateModel, func(deps *Deps) Task { return &updateModel{deps} })
	r.Register(CommandOptimizeModel, func(deps *Deps) Task { return &optimizeModel{deps} })
	r.Register(CommandWaitForInvitation, func(deps *Deps) Task { return &waitForInvitation{deps} })
	r.Register(CommandDeleteWriter, func(deps *Deps) Task { return &deleteWriter{deps} })
	return r
}

const (
	CommandCreateProject     = "createProject"
	CommandCreateUser        = "createUser"
	CommandUploadTable       = "uploadTable"
	CommandUpdateModel       = "updateModel"
	CommandOptimizeModel     = "optimizeModel"
	CommandWaitForInvitation = "waitForInvitation"
	CommandDeleteWriter      = "deleteWriter"
)

func marshalResult(v any) json.RawMessage {
	out, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage(fmt.Sprintf("%q", err.Error()))
	}
	return out
}
