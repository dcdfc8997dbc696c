package repo_test

import (
	"context"
	"testing"
	"time"

	"github.com/samber/lo"
	"github.com/stretchr/testify/require"

	"github.com/rudderlabs/ldm-writer/internal/repo"
	"github.com/rudderlabs/ldm-writer/writer/model"
)

func TestWritersRepo(t *testing.T) {
	const projectID = "test_project"

	db := setupDB(t)

	ctx := context.Background()
	now := time.Now().Truncate(time.Second).UTC()

	r := repo.NewWriters(db, repo.WithNow(func() time.Time {
		return now
	}))

	t.Run("create and get", func(t *testing.T) {
		writer, err := r.Create(ctx, projectID, "w1")
		require.NoError(t, err)
		require.Equal(t, model.WriterStatusPreparing, writer.Status)
		require.Equal(t, now, writer.CreatedAt)
		require.Nil(t, writer.DeletedAt)

		exists, err := r.Exists(ctx, projectID, "w1")
		require.NoError(t, err)
		require.True(t, exists)

		_, err = r.Create(ctx, projectID, "w1")
		require.ErrorIs(t, err, repo.ErrWriterExists)
	})

	t.Run("get missing", func(t *testing.T) {
		_, err := r.Get(ctx, projectID, "missing")
		require.ErrorIs(t, err, model.ErrWriterNotFound)

		exists, err := r.Exists(ctx, projectID, "missing")
		require.NoError(t, err)
		require.False(t, exists)
	})

	t.Run("status transitions", func(t *testing.T) {
		_, err := r.Create(ctx, projectID, "w2")
		require.NoError(t, err)

		require.NoError(t, r.SetStatus(ctx, projectID, "w2", model.WriterStatusError, "provisioning failed"))

		writer, err := r.Get(ctx, projectID, "w2")
		require.NoError(t, err)
		require.Equal(t, model.WriterStatusError, writer.Status)
		require.Equal(t, "provisioning failed", writer.FailureReason)

		require.NoError(t, r.SetStatus(ctx, projectID, "w2", model.WriterStatusReady, "stale reason"))

		writer, err = r.Get(ctx, projectID, "w2")
		require.NoError(t, err)
		require.Equal(t, model.WriterStatusReady, writer.Status)
		require.Empty(t, writer.FailureReason, "reason only sticks to the error status")

		require.ErrorIs(t, r.SetStatus(ctx, projectID, "missing", model.WriterStatusReady, ""), model.ErrWriterNotFound)
	})

	t.Run("update merges fields", func(t *testing.T) {
		_, err := r.Create(ctx, projectID, "w3")
		require.NoError(t, err)

		err = r.Update(ctx, projectID, "w3", repo.WriterUpdate{
			RemoteProjectID: lo.ToPtr("remote-123"),
			AuthToken:       lo.ToPtr("token-abc"),
		})
		require.NoError(t, err)

		writer, err := r.Get(ctx, projectID, "w3")
		require.NoError(t, err)
		require.Equal(t, "remote-123", writer.RemoteProjectID)
		require.Equal(t, "token-abc", writer.AuthToken)

		err = r.Update(ctx, projectID, "w3", repo.WriterUpdate{AuthToken: lo.ToPtr("token-def")})
		require.NoError(t, err)

		writer, err = r.Get(ctx, projectID, "w3")
		require.NoError(t, err)
		require.Equal(t, "remote-123", writer.RemoteProjectID, "untouched fields survive")
		require.Equal(t, "token-def", writer.AuthToken)
	})

	t.Run("soft delete frees the name", func(t *testing.T) {
		_, err := r.Create(ctx, projectID, "w4")
		require.NoError(t, err)

		require.NoError(t, r.SoftDelete(ctx, projectID, "w4"))

		_, err = r.Get(ctx, projectID, "w4")
		require.ErrorIs(t, err, model.ErrWriterNotFound)

		// deleting again is a no-op
		require.NoError(t, r.SoftDelete(ctx, projectID, "w4"))

		// the (project, writer) pair can be reused after deletion
		writer, err := r.Create(ctx, projectID, "w4")
		require.NoError(t, err)
		require.Equal(t, model.WriterStatusPreparing, writer.Status)
	})
}
