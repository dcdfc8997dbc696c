package tasks

import (
	"context"
	"encoding/json"

	"github.com/samber/lo"

	"github.com/rudderlabs/ldm-writer/internal/repo"
	"github.com/rudderlabs/ldm-writer/writer/model"
	"github.com/rudderlabs/ldm-writer/writer/platform"
)

// createProject provisions the remote project backing a writer and stores the
// remote project id on the writer record. Redeliveries are idempotent: if the
// writer already has a remote project the task succeeds without a second
// remote call.
type createProject struct {
	*Deps
}

func (t *createProject) Prepare(params json.RawMessage) (json.RawMessage, error) {
	if _, err := requireString(params, "name"); err != nil {
		return nil, err
	}
	return params, nil
}

func (t *createProject) Run(ctx context.Context, params json.RawMessage) (json.RawMessage, error) {
	job := t.Job

	writer, err := t.Writers.Get(ctx, job.ProjectID, job.WriterID)
	if err != nil {
		return nil, err
	}
	if writer.RemoteProjectID != "" {
		return marshalResult(map[string]any{
			"projectId": writer.RemoteProjectID,
			"created":   false,
		}), nil
	}

	name, err := requireString(params, "name")
	if err != nil {
		return nil, t.failWriter(ctx, err)
	}
	accessToken := optionalString(params, "accessToken", "")

	remoteID, err := t.Client.CreateProject(ctx, name, accessToken)
	if err := platform.Classify(err); err != nil {
		return nil, t.failWriter(ctx, err)
	}

	err = t.Writers.Update(ctx, job.ProjectID, job.WriterID, repo.WriterUpdate{
		RemoteProjectID: lo.ToPtr(remoteID),
		AuthToken:       lo.ToPtr(accessToken),
	})
	if err != nil {
		return nil, err
	}
	if err := t.Writers.SetStatus(ctx, job.ProjectID, job.WriterID, model.WriterStatusReady, ""); err != nil {
		return nil, err
	}

	t.Logger.Infow("remote project created",
		"projectId", job.ProjectID,
		"writerId", job.WriterID,
		"remoteProjectId", remoteID,
	)
	return marshalResult(map[string]any{
		"projectId": remoteID,
		"created":   true,
	}), nil
}

// failWriter records a non-retryable provisioning failure on the writer
// itself so callers polling the registry see why it never became ready.
// Transient errors leave the writer untouched; the message retry will get
// another chance.
func (d *Deps) failWriter(ctx context.Context, err error) error {
	if !model.IsUserError(err) {
		return err
	}

	if setErr := d.Writers.SetStatus(ctx, d.Job.ProjectID, d.Job.WriterID, model.WriterStatusError, err.Error()); setErr != nil {
		d.Logger.Warnw("recording writer failure reason",
			"projectId", d.Job.ProjectID,
			"writerId", d.Job.WriterID,
			"error", setErr,
		)
	}
	return err
}
