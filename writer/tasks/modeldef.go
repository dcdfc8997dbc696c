package tasks

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/samber/lo"
	"github.com/tidwall/gjson"

	"github.com/rudderlabs/ldm-writer/writer/model"
	"github.com/rudderlabs/ldm-writer/writer/platform"
)

// updateModel pushes a new logical data model definition to the remote
// project.
type updateModel struct {
	*Deps
}

func (t *updateModel) Prepare(params json.RawMessage) (json.RawMessage, error) {
	if !gjson.GetBytes(params, "definition").Exists() {
		return nil, model.NewUserError("missing required parameter %q", "definition")
	}
	return params, nil
}

func (t *updateModel) Run(ctx context.Context, params json.RawMessage) (json.RawMessage, error) {
	job := t.Job

	writer, err := t.Writers.Get(ctx, job.ProjectID, job.WriterID)
	if err != nil {
		return nil, err
	}
	if writer.RemoteProjectID == "" {
		return nil, model.NewUserError("writer %s.%s is not provisioned", job.ProjectID, job.WriterID)
	}

	definition := json.RawMessage(gjson.GetBytes(params, "definition").Raw)
	if len(definition) == 0 {
		return nil, model.NewUserError("missing required parameter %q", "definition")
	}

	err = t.Client.UpdateModel(ctx, writer.RemoteProjectID, definition)
	if err := platform.Classify(err); err != nil {
		return nil, err
	}

	t.Logger.Infow("model definition updated",
		"projectId", job.ProjectID,
		"writerId", job.WriterID,
	)
	return marshalResult(map[string]any{"updated": true}), nil
}

// optimizeModel rebuilds the remote project's storage layout. The operation
// must not overlap regular writes, so the task first flips the writer into
// maintenance and refuses to start while non-service jobs are still running.
type optimizeModel struct {
	*Deps
}

// activeJobWindow bounds how far back the overlap check looks. Anything still
// marked processing beyond it is a crashed worker, not a live write.
const activeJobWindow = 24 * time.Hour

func (t *optimizeModel) Prepare(params json.RawMessage) (json.RawMessage, error) {
	return params, nil
}

func (t *optimizeModel) Run(ctx context.Context, _ json.RawMessage) (json.RawMessage, error) {
	job := t.Job

	writer, err := t.Writers.Get(ctx, job.ProjectID, job.WriterID)
	if err != nil {
		return nil, err
	}
	if writer.RemoteProjectID == "" {
		return nil, model.NewUserError("writer %s.%s is not provisioned", job.ProjectID, job.WriterID)
	}

	jobs, err := t.Jobs.List(ctx, job.ProjectID, job.WriterID, activeJobWindow)
	if err != nil {
		return nil, err
	}
	running := lo.Filter(jobs, func(j model.Job, _ int) bool {
		return j.Status == model.JobStatusProcessing && j.Queue != model.QueueService && j.ID != job.ID
	})
	if len(running) > 0 {
		return nil, model.NewTransientError(
			fmt.Errorf("%d jobs still running for writer %s.%s", len(running), job.ProjectID, job.WriterID),
		)
	}

	if err := t.Writers.SetStatus(ctx, job.ProjectID, job.WriterID, model.WriterStatusMaintenance, ""); err != nil {
		return nil, err
	}

	err = t.Client.OptimizeModel(ctx, writer.RemoteProjectID)
	if err := platform.Classify(err); err != nil {
		// leave maintenance so queued work is not deferred forever; a retry
		// of this message re-enters it
		if setErr := t.Writers.SetStatus(ctx, job.ProjectID, job.WriterID, model.WriterStatusReady, ""); setErr != nil {
			t.Logger.Errorw("leaving maintenance after failed optimize",
				"projectId", job.ProjectID,
				"writerId", job.WriterID,
				"error", setErr,
			)
		}
		return nil, err
	}

	if err := t.Writers.SetStatus(ctx, job.ProjectID, job.WriterID, model.WriterStatusReady, ""); err != nil {
		return nil, err
	}

	t.Logger.Infow("model optimized",
		"projectId", job.ProjectID,
		"writerId", job.WriterID,
	)
	return marshalResult(map[string]any{"optimized": true}), nil
}
