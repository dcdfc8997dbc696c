package tasks

import (
	"context"
	"encoding/json"
	"time"

	"github.com/tidwall/gjson"

	"github.com/rudderlabs/rudder-go-kit/logger"
	"github.com/rudderlabs/rudder-go-kit/stats"

	"github.com/rudderlabs/ldm-writer/writer/model"
	"github.com/rudderlabs/ldm-writer/writer/platform"
)

// Step is one task invocation within a job. Most jobs carry a single step
// named by the job's command; a job whose parameters hold a "tasks" array
// runs each entry in order and stops at the first failure.
type Step struct {
	Command    string
	Parameters json.RawMessage
}

// Runner resolves a job's command against the registry and executes its
// steps. Errors out of Run are already classified.
type Runner struct {
	registry     *Registry
	logger       logger.Logger
	statsFactory stats.Stats

	writers WriterStore
	jobs    JobStore
	cleanup CleanupLedger
	client  platform.Client
	spawner Spawner
}

func NewRunner(
	log logger.Logger,
	statsFactory stats.Stats,
	registry *Registry,
	writers WriterStore,
	jobs JobStore,
	cleanup CleanupLedger,
	client platform.Client,
	spawner Spawner,
) *Runner {
	return &Runner{
		registry:     registry,
		logger:       log.Child("tasks"),
		statsFactory: statsFactory,
		writers:      writers,
		jobs:         jobs,
		cleanup:      cleanup,
		client:       client,
		spawner:      spawner,
	}
}

// Prepare validates and defaults the parameters for a command at
// job-creation time, before anything is persisted or enqueued.
func (r *Runner) Prepare(command string, params json.RawMessage) (json.RawMessage, error) {
	task, err := r.registry.New(command, &Deps{})
	if err != nil {
		return nil, err
	}
	return task.Prepare(params)
}

// Steps expands a job into its task invocations.
func Steps(job *model.Job) []Step {
	entries := gjson.GetBytes(job.Parameters, "tasks")
	if !entries.IsArray() {
		return []Step{{Command: job.Command, Parameters: job.Parameters}}
	}

	var steps []Step
	for _, entry := range entries.Array() {
		steps = append(steps, Step{
			Command:    entry.Get("command").String(),
			Parameters: json.RawMessage(entry.Raw),
		})
	}
	return steps
}

// Run executes the job's steps in order. The result of the last step becomes
// the job result; the first failing step aborts the rest.
func (r *Runner) Run(ctx context.Context, job *model.Job) (json.RawMessage, error) {
	deps := &Deps{
		Job:     *job,
		Writers: r.writers,
		Jobs:    r.jobs,
		Cleanup: r.cleanup,
		Client:  r.client,
		Spawner: r.spawner,
		Logger:  r.logger,
	}

	var result json.RawMessage
	for i, step := range Steps(job) {
		task, err := r.registry.New(step.Command, deps)
		if err != nil {
			return nil, err
		}

		start := time.Now()
		result, err = task.Run(ctx, step.Parameters)
		r.statsFactory.NewTaggedStat("writer_task_run_time", stats.TimerType, stats.Tags{
			"command": step.Command,
		}).Since(start)

		if err != nil {
			r.logger.Warnw("task failed",
				"jobId", job.ID,
				"command", step.Command,
				"step", i,
				"error", err,
			)
			return nil, err
		}
	}
	return result, nil
}
