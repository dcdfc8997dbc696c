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

func TestCleanupRepo(t *testing.T) {
	const (
		projectID = "test_project"
		writerID  = "test_writer"
	)

	db := setupDB(t)

	ctx := context.Background()
	now := time.Now().Truncate(time.Second).UTC()

	r := repo.NewCleanup(db, repo.WithNow(func() time.Time {
		return now
	}))

	t.Run("scheduling is idempotent", func(t *testing.T) {
		require.NoError(t, r.ScheduleProjectDeletion(ctx, projectID, writerID, "pid-1", false))
		require.NoError(t, r.ScheduleProjectDeletion(ctx, projectID, writerID, "pid-1", true))
		require.NoError(t, r.ScheduleUserDeletion(ctx, projectID, writerID, "uid-1", false))

		// nothing is due before the grace period elapses
		entries, err := r.DueForDeletion(ctx)
		require.NoError(t, err)
		require.Empty(t, entries)
	})

	t.Run("due entries after the grace period", func(t *testing.T) {
		future := repo.NewCleanup(db, repo.WithNow(func() time.Time {
			return now.Add(31 * 24 * time.Hour)
		}))

		entries, err := future.DueForDeletion(ctx)
		require.NoError(t, err)
		require.Len(t, entries, 2, "re-scheduling must not create duplicate active entries")

		byResource := lo.SliceToMap(entries, func(e model.DeferredDeletion) (string, model.DeferredDeletion) {
			return e.ResourceID, e
		})
		require.Equal(t, model.ResourceProject, byResource["pid-1"].Kind)
		require.True(t, byResource["pid-1"].Dev, "re-scheduling overwrote the entry")
		require.Equal(t, model.ResourceUser, byResource["uid-1"].Kind)
	})

	t.Run("mark deleted", func(t *testing.T) {
		future := repo.NewCleanup(db, repo.WithNow(func() time.Time {
			return now.Add(31 * 24 * time.Hour)
		}))

		// unknown ids are skipped, not an error
		err := future.MarkDeleted(ctx, model.ResourceProject, []string{"pid-1", "missing"})
		require.NoError(t, err)

		require.NoError(t, future.MarkDeleted(ctx, model.ResourceUser, nil))

		entries, err := future.DueForDeletion(ctx)
		require.NoError(t, err)
		require.Len(t, entries, 1)
		require.Equal(t, "uid-1", entries[0].ResourceID)
	})

	t.Run("re-scheduling resurrects a deleted entry", func(t *testing.T) {
		require.NoError(t, r.ScheduleProjectDeletion(ctx, projectID, writerID, "pid-1", false))

		future := repo.NewCleanup(db, repo.WithNow(func() time.Time {
			return now.Add(31 * 24 * time.Hour)
		}))
		entries, err := future.DueForDeletion(ctx)
		require.NoError(t, err)
		require.Len(t, entries, 2)
	})
}
