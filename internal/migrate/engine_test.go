// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package migrate

import (
	"context"
	"database/sql"
	"testing"

	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"
)

func TestMigrateIndexAppliesAllScripts(t *testing.T) {
	conn, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	defer conn.Close()

	engine, err := ForLineage(LineageIndex)
	require.NoError(t, err)

	res, err := engine.Migrate(context.Background(), conn)
	require.NoError(t, err)
	require.False(t, res.Baselined)
	require.NotEmpty(t, res.Applied)

	var count int
	require.NoError(t, conn.QueryRow("SELECT COUNT(*) FROM migrations").Scan(&count))
	require.Equal(t, len(res.Applied), count)
}

func TestMigrateIsIdempotent(t *testing.T) {
	conn, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	defer conn.Close()

	engine, err := ForLineage(LineageIndex)
	require.NoError(t, err)

	_, err = engine.Migrate(context.Background(), conn)
	require.NoError(t, err)

	second, err := engine.Migrate(context.Background(), conn)
	require.NoError(t, err)
	require.Empty(t, second.Applied, "second run should find nothing pending")
}

func TestMigrateBaselinesPreExistingDatabase(t *testing.T) {
	conn, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	defer conn.Close()

	// Simulate a database created by a prior non-migration writer: it has
	// a user table but no migrations tracking table yet.
	_, err = conn.Exec(`CREATE TABLE items (id INTEGER PRIMARY KEY, content_hash TEXT)`)
	require.NoError(t, err)

	engine, err := ForLineage(LineageIndex)
	require.NoError(t, err)

	res, err := engine.Migrate(context.Background(), conn)
	require.NoError(t, err)
	require.True(t, res.Baselined)

	var filename string
	require.NoError(t, conn.QueryRow("SELECT filename FROM migrations ORDER BY id LIMIT 1").Scan(&filename))
	require.Equal(t, "0001_init.sql", filename)

	// Running again should be a no-op: same recorded version list.
	second, err := engine.Migrate(context.Background(), conn)
	require.NoError(t, err)
	require.False(t, second.Baselined)

	var count int
	require.NoError(t, conn.QueryRow("SELECT COUNT(*) FROM migrations").Scan(&count))
	require.Equal(t, len(engine.scripts), count, "baseline entry plus every later script applied exactly once")
}

func TestMigrateEmptyDatabaseDoesNotBaseline(t *testing.T) {
	conn, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	defer conn.Close()

	engine, err := ForLineage(LineageStorage)
	require.NoError(t, err)

	res, err := engine.Migrate(context.Background(), conn)
	require.NoError(t, err)
	require.False(t, res.Baselined)
}

func TestBaselineMarksEveryScriptWithoutRunningSQL(t *testing.T) {
	conn, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	defer conn.Close()

	engine, err := ForLineage(LineageIndex)
	require.NoError(t, err)

	res, err := engine.Baseline(context.Background(), conn)
	require.NoError(t, err)
	require.True(t, res.Baselined)
	require.Len(t, res.Applied, len(engine.scripts))

	// None of the lineage's own tables should exist: Baseline records the
	// scripts as applied without executing their SQL.
	var count int
	require.NoError(t, conn.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = 'items'`).Scan(&count))
	require.Equal(t, 0, count)

	var tracked int
	require.NoError(t, conn.QueryRow("SELECT COUNT(*) FROM migrations").Scan(&tracked))
	require.Equal(t, len(engine.scripts), tracked)
}

func TestBaselineIsIdempotent(t *testing.T) {
	conn, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	defer conn.Close()

	engine, err := ForLineage(LineageIndex)
	require.NoError(t, err)

	_, err = engine.Baseline(context.Background(), conn)
	require.NoError(t, err)

	second, err := engine.Baseline(context.Background(), conn)
	require.NoError(t, err)
	require.False(t, second.Baselined)
	require.Empty(t, second.Applied)
}
