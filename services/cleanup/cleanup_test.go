package cleanup_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ory/dockertest/v3"
	"github.com/stretchr/testify/require"

	"github.com/rudderlabs/rudder-go-kit/config"
	"github.com/rudderlabs/rudder-go-kit/logger"
	"github.com/rudderlabs/rudder-go-kit/stats/memstats"
	"github.com/rudderlabs/rudder-go-kit/testhelper/docker/resource/postgres"

	"github.com/rudderlabs/ldm-writer/internal/sqlmw"
	"github.com/rudderlabs/ldm-writer/services/cleanup"
	"github.com/rudderlabs/ldm-writer/services/sqlmigrator"
	"github.com/rudderlabs/ldm-writer/internal/repo"
	"github.com/rudderlabs/ldm-writer/writer/platform"
)

func TestCleanup(t *testing.T) {
	ctx := context.Background()

	setup := func(t testing.TB, client *fakeClient) (*sqlmw.DB, *repo.Cleanup) {
		t.Helper()

		pool, err := dockertest.NewPool("")
		require.NoError(t, err)

		pgResource, err := postgres.Setup(pool, t)
		require.NoError(t, err)

		err = (&sqlmigrator.Migrator{
			Handle:          pgResource.DB,
			MigrationsTable: "writer_migrations",
		}).Migrate("writer")
		require.NoError(t, err)

		db := sqlmw.New(pgResource.DB)

		conf := config.New()
		conf.Set("Writer.cleanup.sweepInterval", "50ms")

		statsStore, err := memstats.New()
		require.NoError(t, err)

		svc := cleanup.New(conf, logger.NOP, statsStore, db, repo.NewCleanup(db), client)

		runCtx, cancel := context.WithCancel(context.Background())
		done := make(chan struct{})
		go func() {
			defer close(done)
			_ = svc.Run(runCtx)
		}()
		t.Cleanup(func() {
			cancel()
			<-done
		})

		return db, repo.NewCleanup(db)
	}

	// backdated clock so scheduled entries are immediately due
	pastNow := func() time.Time { return time.Now().Add(-31 * 24 * time.Hour) }

	t.Run("deletes due resources and stamps the ledger", func(t *testing.T) {
		client := &fakeClient{}
		db, ledger := setup(t, client)

		backdated := repo.NewCleanup(db, repo.WithNow(pastNow))
		require.NoError(t, backdated.ScheduleProjectDeletion(ctx, "p1", "w1", "remote-1", false))
		require.NoError(t, backdated.ScheduleUserDeletion(ctx, "p1", "w1", "user-1", false))

		require.Eventually(t, func() bool {
			due, err := ledger.DueForDeletion(ctx)
			require.NoError(t, err)
			return len(due) == 0
		}, 30*time.Second, 50*time.Millisecond)

		require.Equal(t, []string{"remote-1"}, client.deleted("project"))
		require.Equal(t, []string{"user-1"}, client.deleted("user"))
	})

	t.Run("entries within the grace period are left alone", func(t *testing.T) {
		client := &fakeClient{}
		db, ledger := setup(t, client)

		fresh := repo.NewCleanup(db)
		require.NoError(t, fresh.ScheduleProjectDeletion(ctx, "p1", "w1", "remote-1", false))

		time.Sleep(300 * time.Millisecond)
		require.Empty(t, client.deleted("project"))

		due, err := ledger.DueForDeletion(ctx)
		require.NoError(t, err)
		require.Empty(t, due, "not due yet")
	})

	t.Run("a resource the platform forgot counts as deleted", func(t *testing.T) {
		client := &fakeClient{failWith: &platform.APIError{StatusCode: 404, Message: "no such project"}, failCount: -1}
		db, ledger := setup(t, client)

		backdated := repo.NewCleanup(db, repo.WithNow(pastNow))
		require.NoError(t, backdated.ScheduleProjectDeletion(ctx, "p1", "w1", "remote-gone", false))

		require.Eventually(t, func() bool {
			due, err := ledger.DueForDeletion(ctx)
			require.NoError(t, err)
			return len(due) == 0
		}, 30*time.Second, 50*time.Millisecond)
	})

	t.Run("transient failures keep the entry for the next sweep", func(t *testing.T) {
		client := &fakeClient{failWith: &platform.APIError{StatusCode: 503, Message: "try later"}, failCount: -1}
		db, ledger := setup(t, client)

		backdated := repo.NewCleanup(db, repo.WithNow(pastNow))
		require.NoError(t, backdated.ScheduleProjectDeletion(ctx, "p1", "w1", "remote-1", false))

		require.Eventually(t, func() bool {
			return client.attempts() > 0
		}, 30*time.Second, 50*time.Millisecond)

		due, err := ledger.DueForDeletion(ctx)
		require.NoError(t, err)
		require.Len(t, due, 1, "entry must survive the failed sweep")
	})
}

// fakeClient only implements the two calls the sweeper makes; everything else
// panics to catch misuse.
type fakeClient struct {
	platform.Client

	mu        sync.Mutex
	byKind    map[string][]string
	failWith  error
	failCount int
	calls     int
}

func (c *fakeClient) delete(kind, resourceID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	if c.failCount != 0 {
		if c.failCount > 0 {
			c.failCount--
		}
		return c.failWith
	}
	if c.byKind == nil {
		c.byKind = make(map[string][]string)
	}
	c.byKind[kind] = append(c.byKind[kind], resourceID)
	return nil
}

func (c *fakeClient) deleted(kind string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.byKind[kind]
}

func (c *fakeClient) attempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

func (c *fakeClient) DeleteProject(_ context.Context, projectID string) error {
	return c.delete("project", projectID)
}

func (c *fakeClient) DeleteUser(_ context.Context, userID string) error {
	return c.delete("user", userID)
}
