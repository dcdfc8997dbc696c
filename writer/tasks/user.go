package tasks

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rudderlabs/ldm-writer/writer/model"
	"github.com/rudderlabs/ldm-writer/writer/platform"
)

const defaultUserRole = "editor"

// createUser provisions the service user the writer authenticates as and
// grants it access to the remote project.
type createUser struct {
	*Deps
}

func (t *createUser) Prepare(params json.RawMessage) (json.RawMessage, error) {
	if _, err := requireString(params, "email"); err != nil {
		return nil, err
	}
	if _, err := requireString(params, "password"); err != nil {
		return nil, err
	}
	return params, nil
}

func (t *createUser) Run(ctx context.Context, params json.RawMessage) (json.RawMessage, error) {
	job := t.Job

	writer, err := t.Writers.Get(ctx, job.ProjectID, job.WriterID)
	if err != nil {
		return nil, err
	}
	if writer.RemoteProjectID == "" {
		return nil, t.failWriter(ctx, model.NewUserError("writer %s.%s has no remote project yet", job.ProjectID, job.WriterID))
	}

	email, err := requireString(params, "email")
	if err != nil {
		return nil, t.failWriter(ctx, err)
	}
	password, err := requireString(params, "password")
	if err != nil {
		return nil, t.failWriter(ctx, err)
	}
	role := optionalString(params, "role", defaultUserRole)

	userID, err := t.Client.CreateUser(ctx, email, password)
	if err := platform.Classify(err); err != nil {
		return nil, t.failWriter(ctx, err)
	}
	err = t.Client.AddUserToProject(ctx, writer.RemoteProjectID, userID, role)
	if err := platform.Classify(err); err != nil {
		return nil, t.failWriter(ctx, err)
	}

	t.Logger.Infow("service user created",
		"projectId", job.ProjectID,
		"writerId", job.WriterID,
		"userId", userID,
		"role", role,
	)
	return marshalResult(map[string]any{"userId": userID}), nil
}

// waitForInvitation polls the remote platform for the acceptance of a user
// invitation. While the invitation is pending the task spawns a delayed copy
// of itself on the service queue and succeeds, so a slow human never burns
// message retries.
type waitForInvitation struct {
	*Deps
}

func (t *waitForInvitation) Prepare(params json.RawMessage) (json.RawMessage, error) {
	if _, err := requireString(params, "invitationId"); err != nil {
		return nil, err
	}
	return params, nil
}

func (t *waitForInvitation) Run(ctx context.Context, params json.RawMessage) (json.RawMessage, error) {
	job := t.Job

	writer, err := t.Writers.Get(ctx, job.ProjectID, job.WriterID)
	if err != nil {
		return nil, err
	}

	invitationID, err := requireString(params, "invitationId")
	if err != nil {
		return nil, err
	}

	accepted, err := t.Client.InvitationAccepted(ctx, writer.RemoteProjectID, invitationID)
	if err := platform.Classify(err); err != nil {
		return nil, err
	}

	if accepted {
		return marshalResult(map[string]any{"accepted": true}), nil
	}

	recheckAfter := time.Minute
	if v := gjsonDuration(params, "recheckAfter"); v > 0 {
		recheckAfter = v
	}
	_, err = t.Spawner.Spawn(ctx, SpawnSpec{
		ProjectID:  job.ProjectID,
		WriterID:   job.WriterID,
		RunID:      job.RunID,
		Queue:      model.QueueService,
		Command:    CommandWaitForInvitation,
		Parameters: params,
		Delay:      recheckAfter,
	})
	if err != nil {
		return nil, err
	}

	t.Logger.Infow("invitation still pending, rescheduled check",
		"projectId", job.ProjectID,
		"writerId", job.WriterID,
		"invitationId", invitationID,
		"recheckAfter", recheckAfter,
	)
	return marshalResult(map[string]any{"accepted": false, "rescheduled": true}), nil
}
