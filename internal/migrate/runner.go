// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package migrate

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/panoptikon/gateway/internal/sqliteconn"
)

// AllResult is the outcome of migrating one database key's full triple.
type AllResult struct {
	DBKey   string
	Results []Result
	Err     error
}

var lineageDirs = map[Lineage]string{
	LineageIndex:    "index",
	LineageStorage:  "storage",
	LineageUserData: "user_data",
}

// MigrateOne migrates all three lineages for a single database key under
// rootDir, which must contain index/, storage/, user_data/ subdirectories.
// A failure in one lineage aborts that database's setup; it does not
// affect other databases when called from MigrateAll.
func MigrateOne(ctx context.Context, rootDir, dbKey string) AllResult {
	out := AllResult{DBKey: dbKey}

	for _, lineage := range []Lineage{LineageIndex, LineageStorage, LineageUserData} {
		path := filepath.Join(rootDir, lineageDirs[lineage], dbKey+".db")

		engine, err := ForLineage(lineage)
		if err != nil {
			out.Err = fmt.Errorf("build engine for %s: %w", lineage, err)
			return out
		}

		conn, err := sqliteconn.OpenForMigration(path)
		if err != nil {
			out.Err = fmt.Errorf("open %s: %w", path, err)
			return out
		}

		res, err := engine.Migrate(ctx, conn)
		closeErr := conn.Close()
		if err != nil {
			out.Err = fmt.Errorf("migrate %s (%s): %w", dbKey, lineage, err)
			return out
		}
		if closeErr != nil {
			log.Warn().Err(closeErr).Str("db_key", dbKey).Str("lineage", string(lineage)).Msg("failed to close migration connection")
		}

		out.Results = append(out.Results, res)
	}

	return out
}

// BaselineOne marks all three lineages of a single database key as
// already applied, without running any migration SQL, the standalone
// counterpart to the implicit baselining Migrate performs when it finds
// an untracked database with existing user tables. Intended for a
// database created by a path outside this engine that is already at the
// latest schema (e.g. the EXPERIMENTAL_RUST_DB_CREATION endpoint).
func BaselineOne(ctx context.Context, rootDir, dbKey string) AllResult {
	out := AllResult{DBKey: dbKey}

	for _, lineage := range []Lineage{LineageIndex, LineageStorage, LineageUserData} {
		path := filepath.Join(rootDir, lineageDirs[lineage], dbKey+".db")

		engine, err := ForLineage(lineage)
		if err != nil {
			out.Err = fmt.Errorf("build engine for %s: %w", lineage, err)
			return out
		}

		conn, err := sqliteconn.OpenForMigration(path)
		if err != nil {
			out.Err = fmt.Errorf("open %s: %w", path, err)
			return out
		}

		res, err := engine.Baseline(ctx, conn)
		closeErr := conn.Close()
		if err != nil {
			out.Err = fmt.Errorf("baseline %s (%s): %w", dbKey, lineage, err)
			return out
		}
		if closeErr != nil {
			log.Warn().Err(closeErr).Str("db_key", dbKey).Str("lineage", string(lineage)).Msg("failed to close migration connection")
		}

		out.Results = append(out.Results, res)
	}

	return out
}

// MigrateAll walks every database-key directory under rootDir/index and
// applies pending migrations for each lineage of each key. A failed
// database is recorded in the returned slice and does not stop the walk;
// other databases still get migrated.
func MigrateAll(ctx context.Context, rootDir string) ([]AllResult, error) {
	indexDir := filepath.Join(rootDir, "index")
	entries, err := os.ReadDir(indexDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read %s: %w", indexDir, err)
	}

	var results []AllResult
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".db") {
			continue
		}
		dbKey := strings.TrimSuffix(e.Name(), ".db")

		res := MigrateOne(ctx, rootDir, dbKey)
		if res.Err != nil {
			log.Error().Err(res.Err).Str("db_key", dbKey).Msg("migration failed, database marked unhealthy")
		}
		results = append(results, res)
	}

	return results, nil
}
