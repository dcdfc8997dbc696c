package repo_test

import (
	"testing"

	"github.com/ory/dockertest/v3"
	"github.com/stretchr/testify/require"

	"github.com/rudderlabs/rudder-go-kit/testhelper/docker/resource/postgres"

	"github.com/rudderlabs/ldm-writer/internal/sqlmw"
	"github.com/rudderlabs/ldm-writer/services/sqlmigrator"
)

func setupDB(t testing.TB) *sqlmw.DB {
	t.Helper()

	pool, err := dockertest.NewPool("")
	require.NoError(t, err)

	pgResource, err := postgres.Setup(pool, t)
	require.NoError(t, err)

	t.Log("db:", pgResource.DBDsn)

	err = (&sqlmigrator.Migrator{
		Handle:          pgResource.DB,
		MigrationsTable: "writer_migrations",
	}).Migrate("writer")
	require.NoError(t, err)

	return sqlmw.New(pgResource.DB)
}
