package tasks

import (
	"context"
	"encoding/json"

	"github.com/rudderlabs/ldm-writer/writer/model"
	"github.com/rudderlabs/ldm-writer/writer/platform"
)

// uploadTable loads one table of the logical data model into the remote
// project. The table definition travels by reference; the platform client
// dereferences it.
type uploadTable struct {
	*Deps
}

func (t *uploadTable) Prepare(params json.RawMessage) (json.RawMessage, error) {
	if _, err := requireString(params, "tableId"); err != nil {
		return nil, err
	}
	return params, nil
}

func (t *uploadTable) Run(ctx context.Context, params json.RawMessage) (json.RawMessage, error) {
	job := t.Job

	writer, err := t.Writers.Get(ctx, job.ProjectID, job.WriterID)
	if err != nil {
		return nil, err
	}
	if writer.RemoteProjectID == "" {
		return nil, model.NewUserError("writer %s.%s is not provisioned", job.ProjectID, job.WriterID)
	}

	tableID, err := requireString(params, "tableId")
	if err != nil {
		return nil, err
	}
	if job.DefinitionRef == "" {
		return nil, model.NewUserError("job %d has no table definition reference", job.ID)
	}

	err = t.Client.LoadTable(ctx, writer.RemoteProjectID, tableID, job.DefinitionRef)
	if err := platform.Classify(err); err != nil {
		return nil, err
	}

	t.Logger.Infow("table loaded",
		"projectId", job.ProjectID,
		"writerId", job.WriterID,
		"tableId", tableID,
	)
	return marshalResult(map[string]any{"tableId": tableID}), nil
}
