package tasks

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/tidwall/gjson"

	"github.com/rudderlabs/ldm-writer/writer/model"
)

// deleteWriter decommissions a writer: cancels its queued work, schedules the
// remote project and users for deferred deletion, and soft-deletes the
// registry record. Remote resources are not touched here; the cleanup sweeper
// deletes them after the grace period so an accidental delete stays
// recoverable.
type deleteWriter struct {
	*Deps
}

func (t *deleteWriter) Prepare(params json.RawMessage) (json.RawMessage, error) {
	return params, nil
}

func (t *deleteWriter) Run(ctx context.Context, params json.RawMessage) (json.RawMessage, error) {
	job := t.Job

	writer, err := t.Writers.Get(ctx, job.ProjectID, job.WriterID)
	if errors.Is(err, model.ErrWriterNotFound) {
		// already deleted: redelivery after a crash
		return marshalResult(map[string]any{"deleted": false}), nil
	}
	if err != nil {
		return nil, err
	}

	cancelled, err := t.Jobs.CancelWaiting(ctx, job.ProjectID, job.WriterID)
	if err != nil {
		return nil, err
	}

	dev := optionalBool(params, "dev")

	if writer.RemoteProjectID != "" {
		err := t.Cleanup.ScheduleProjectDeletion(ctx, job.ProjectID, job.WriterID, writer.RemoteProjectID, dev)
		if err != nil {
			return nil, err
		}
	}
	for _, userID := range gjson.GetBytes(params, "users").Array() {
		if userID.String() == "" {
			continue
		}
		err := t.Cleanup.ScheduleUserDeletion(ctx, job.ProjectID, job.WriterID, userID.String(), dev)
		if err != nil {
			return nil, err
		}
	}

	if err := t.Writers.SoftDelete(ctx, job.ProjectID, job.WriterID); err != nil {
		return nil, err
	}

	t.Logger.Infow("writer deleted",
		"projectId", job.ProjectID,
		"writerId", job.WriterID,
		"cancelledJobs", cancelled,
	)
	return marshalResult(map[string]any{
		"deleted":       true,
		"cancelledJobs": cancelled,
	}), nil
}
