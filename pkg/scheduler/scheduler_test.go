// SPDX-License-Identifier: Apache-2.0

package scheduler_test

import (
	"context"
	"database/sql"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pgcopydb-go/pgcopydb-go/internal/testutils"
	"github.com/pgcopydb-go/pgcopydb-go/pkg/catalog"
	"github.com/pgcopydb-go/pgcopydb-go/pkg/config"
	"github.com/pgcopydb-go/pgcopydb-go/pkg/db"
	"github.com/pgcopydb-go/pgcopydb-go/pkg/scheduler"
)

func TestMain(m *testing.M) {
	testutils.SharedTestMain(m)
}

func TestRunClonesTablesIndexesAndSequences(t *testing.T) {
	t.Parallel()

	testutils.WithSourceAndTargetContainers(t, func(sourceConnStr, targetConnStr string) {
		ctx := context.Background()

		sourceDB, err := sql.Open("postgres", sourceConnStr)
		require.NoError(t, err)
		defer sourceDB.Close()

		targetDB, err := sql.Open("postgres", targetConnStr)
		require.NoError(t, err)
		defer targetDB.Close()

		_, err = sourceDB.ExecContext(ctx, `
			CREATE TABLE widgets (
				id BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
				name TEXT NOT NULL,
				price NUMERIC UNIQUE
			);
			INSERT INTO widgets (name, price) VALUES ('cog', 1.50), ('sprocket', 2.25), ('gear', 3.00);
		`)
		require.NoError(t, err)

		_, err = targetDB.ExecContext(ctx, `
			CREATE TABLE widgets (
				id BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
				name TEXT NOT NULL,
				price NUMERIC UNIQUE
			);
		`)
		require.NoError(t, err)

		runDir := t.TempDir()
		sourceStore, err := catalog.Open(ctx, runDir, catalog.RoleSource)
		require.NoError(t, err)
		defer sourceStore.Close()
		filterStore, err := catalog.Open(ctx, runDir, catalog.RoleFilter)
		require.NoError(t, err)
		defer filterStore.Close()
		targetStore, err := catalog.Open(ctx, runDir, catalog.RoleTarget)
		require.NoError(t, err)
		defer targetStore.Close()

		cfg := config.Defaults()
		cfg.RunDir = runDir
		cfg.TableJobs = 2
		cfg.IndexJobs = 2
		cfg.VacuumJobs = 2
		cfg.LObjectJobs = 1
		cfg.SkipLargeObjects = true

		sched := scheduler.New(cfg, &db.RDB{DB: sourceDB}, &db.RDB{DB: targetDB},
			sourceStore, filterStore, targetStore, scheduler.FilterConfig{}, scheduler.NewNoopLogger())
		defer sched.Close()

		require.NoError(t, sched.Run(ctx))

		var count int
		require.NoError(t, targetDB.QueryRowContext(ctx, "SELECT COUNT(*) FROM widgets").Scan(&count))
		assert.Equal(t, 3, count)

		var indexCount int
		require.NoError(t, targetDB.QueryRowContext(ctx,
			"SELECT COUNT(*) FROM pg_indexes WHERE tablename = 'widgets'").Scan(&indexCount))
		assert.GreaterOrEqual(t, indexCount, 2) // primary key + unique(price)
	})
}

func TestRunRespectsExcludeTableData(t *testing.T) {
	t.Parallel()

	testutils.WithSourceAndTargetContainers(t, func(sourceConnStr, targetConnStr string) {
		ctx := context.Background()

		sourceDB, err := sql.Open("postgres", sourceConnStr)
		require.NoError(t, err)
		defer sourceDB.Close()

		targetDB, err := sql.Open("postgres", targetConnStr)
		require.NoError(t, err)
		defer targetDB.Close()

		_, err = sourceDB.ExecContext(ctx, `
			CREATE TABLE events (id BIGINT PRIMARY KEY, payload TEXT);
			INSERT INTO events VALUES (1, 'a'), (2, 'b');
		`)
		require.NoError(t, err)
		_, err = targetDB.ExecContext(ctx, `CREATE TABLE events (id BIGINT PRIMARY KEY, payload TEXT);`)
		require.NoError(t, err)

		runDir := t.TempDir()
		sourceStore, err := catalog.Open(ctx, runDir, catalog.RoleSource)
		require.NoError(t, err)
		defer sourceStore.Close()
		filterStore, err := catalog.Open(ctx, runDir, catalog.RoleFilter)
		require.NoError(t, err)
		defer filterStore.Close()
		targetStore, err := catalog.Open(ctx, runDir, catalog.RoleTarget)
		require.NoError(t, err)
		defer targetStore.Close()

		cfg := config.Defaults()
		cfg.RunDir = runDir
		cfg.TableJobs = 1
		cfg.IndexJobs = 1
		cfg.VacuumJobs = 1
		cfg.SkipLargeObjects = true

		filter := scheduler.FilterConfig{ExcludeTableData: []string{"public.events"}}
		sched := scheduler.New(cfg, &db.RDB{DB: sourceDB}, &db.RDB{DB: targetDB},
			sourceStore, filterStore, targetStore, filter, scheduler.NewNoopLogger())
		defer sched.Close()

		require.NoError(t, sched.Run(ctx))

		var count int
		require.NoError(t, targetDB.QueryRowContext(ctx, "SELECT COUNT(*) FROM events").Scan(&count))
		assert.Equal(t, 0, count)

		var pkCount int
		require.NoError(t, targetDB.QueryRowContext(ctx,
			"SELECT COUNT(*) FROM pg_constraint WHERE conrelid = 'events'::regclass AND contype = 'p'").Scan(&pkCount))
		assert.Equal(t, 1, pkCount)
	})
}
