// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package migrate maintains the three independent, forward-only migration
// lineages (index, storage, user_data) that every database triple carries.
// Each lineage tracks applied versions in its own "migrations" table and
// supports baselining against databases created outside the migration
// system.
package migrate

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"
)

//go:embed migrations/index/*.sql
var indexMigrations embed.FS

//go:embed migrations/storage/*.sql
var storageMigrations embed.FS

//go:embed migrations/user_data/*.sql
var userDataMigrations embed.FS

// Lineage is one of the three independent schema lineages a database
// triple carries.
type Lineage string

const (
	LineageIndex    Lineage = "index"
	LineageStorage  Lineage = "storage"
	LineageUserData Lineage = "user_data"
)

// script is one parsed, ordered migration file.
type script struct {
	version  int
	filename string
	sql      string
}

// Engine applies one lineage's migrations against a single-connection
// *sql.DB. It must run before any other core component touches the
// database (Connection Factory, Writer Actor).
type Engine struct {
	lineage Lineage
	scripts []script
}

// ForLineage builds the Engine for one of the three fixed lineages,
// reading its embedded SQL scripts.
func ForLineage(l Lineage) (*Engine, error) {
	var sub fs.FS
	var err error

	switch l {
	case LineageIndex:
		sub, err = fs.Sub(indexMigrations, "migrations/index")
	case LineageStorage:
		sub, err = fs.Sub(storageMigrations, "migrations/storage")
	case LineageUserData:
		sub, err = fs.Sub(userDataMigrations, "migrations/user_data")
	default:
		return nil, fmt.Errorf("migrate: unknown lineage %q", l)
	}
	if err != nil {
		return nil, err
	}

	scripts, err := loadScripts(sub)
	if err != nil {
		return nil, fmt.Errorf("migrate: load %s scripts: %w", l, err)
	}

	return &Engine{lineage: l, scripts: scripts}, nil
}

func loadScripts(fsys fs.FS) ([]script, error) {
	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return nil, err
	}

	var out []script
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".sql" {
			continue
		}
		version, err := versionOf(e.Name())
		if err != nil {
			return nil, fmt.Errorf("script %s: %w", e.Name(), err)
		}
		content, err := fs.ReadFile(fsys, e.Name())
		if err != nil {
			return nil, err
		}
		out = append(out, script{version: version, filename: e.Name(), sql: string(content)})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].version < out[j].version })
	return out, nil
}

func versionOf(filename string) (int, error) {
	prefix, _, ok := strings.Cut(filename, "_")
	if !ok {
		return 0, fmt.Errorf("filename %q missing NNNN_ version prefix", filename)
	}
	return strconv.Atoi(prefix)
}

const trackingTableName = "migrations"

// tableName returns the name of this lineage's tracking table. Every
// lineage uses the same unqualified name, "migrations"; the lineages never
// share a connection, so the names do not collide.
func (e *Engine) tableName() string {
	return trackingTableName
}

// Result reports what Migrate did for one database.
type Result struct {
	Lineage  Lineage
	Baselined bool
	Applied  []string
}

// Migrate applies every pending script in order, each inside its own
// transaction.
// If the tracking table is absent but the database already has at least
// one user table (sqlite_master has entries outside sqlite_ prefixed
// system tables), the first script is recorded as already-applied without
// being re-run (baselining), and the remaining scripts apply normally.
// Migrate is idempotent: running it twice is a no-op the second time.
func (e *Engine) Migrate(ctx context.Context, conn *sql.DB) (Result, error) {
	res := Result{Lineage: e.lineage}

	trackingExisted, err := tableExists(ctx, conn, e.tableName())
	if err != nil {
		return res, fmt.Errorf("migrate: check tracking table: %w", err)
	}

	if _, err := conn.ExecContext(ctx, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			filename TEXT NOT NULL UNIQUE,
			applied_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)
	`, e.tableName())); err != nil {
		return res, fmt.Errorf("migrate: create tracking table: %w", err)
	}

	if !trackingExisted && len(e.scripts) > 0 {
		hasUserTable, err := anyUserTable(ctx, conn, e.tableName())
		if err != nil {
			return res, fmt.Errorf("migrate: probe for baseline: %w", err)
		}
		if hasUserTable {
			first := e.scripts[0]
			if _, err := conn.ExecContext(ctx, fmt.Sprintf("INSERT INTO %s (filename) VALUES (?)", e.tableName()), first.filename); err != nil {
				return res, fmt.Errorf("migrate: record baseline %s: %w", first.filename, err)
			}
			res.Baselined = true
			log.Info().Str("lineage", string(e.lineage)).Str("filename", first.filename).
				Msg("baselined pre-existing database to version 1")
		}
	}

	pending, err := e.pending(ctx, conn)
	if err != nil {
		return res, fmt.Errorf("migrate: find pending: %w", err)
	}
	if len(pending) == 0 {
		return res, nil
	}

	if err := e.applyAll(ctx, conn, pending); err != nil {
		return res, fmt.Errorf("migrate: apply %s: %w", e.lineage, err)
	}

	for _, s := range pending {
		res.Applied = append(res.Applied, s.filename)
	}
	return res, nil
}

// Baseline marks every one of this lineage's scripts as already applied
// without running any of their SQL, for a database whose schema was
// created outside this engine (e.g. by the EXPERIMENTAL_RUST_DB_CREATION
// endpoint) but is already at the latest version. It is idempotent: a
// lineage with no pending scripts left reports Baselined=false and does
// nothing.
func (e *Engine) Baseline(ctx context.Context, conn *sql.DB) (Result, error) {
	res := Result{Lineage: e.lineage}

	if _, err := conn.ExecContext(ctx, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			filename TEXT NOT NULL UNIQUE,
			applied_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)
	`, e.tableName())); err != nil {
		return res, fmt.Errorf("migrate: create tracking table: %w", err)
	}

	pending, err := e.pending(ctx, conn)
	if err != nil {
		return res, fmt.Errorf("migrate: find pending: %w", err)
	}
	if len(pending) == 0 {
		return res, nil
	}

	for _, s := range pending {
		if _, err := conn.ExecContext(ctx, fmt.Sprintf("INSERT INTO %s (filename) VALUES (?)", e.tableName()), s.filename); err != nil {
			return res, fmt.Errorf("migrate: record baseline %s: %w", s.filename, err)
		}
		res.Applied = append(res.Applied, s.filename)
	}
	res.Baselined = true

	log.Info().Str("lineage", string(e.lineage)).Int("count", len(pending)).Msg("baselined lineage without running scripts")
	return res, nil
}

func (e *Engine) pending(ctx context.Context, conn *sql.DB) ([]script, error) {
	var pending []script
	for _, s := range e.scripts {
		var count int
		if err := conn.QueryRowContext(ctx, fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE filename = ?", e.tableName()), s.filename).Scan(&count); err != nil {
			return nil, fmt.Errorf("check %s: %w", s.filename, err)
		}
		if count == 0 {
			pending = append(pending, s)
		}
	}
	return pending, nil
}

// applyAll wraps each pending script in its own transaction, so a script
// that fails partway through a multi-script backlog leaves every
// already-committed script recorded as applied rather than rolling the
// whole backlog back — re-running Migrate afterward picks up only the
// scripts that never committed.
func (e *Engine) applyAll(ctx context.Context, conn *sql.DB, pending []script) error {
	for _, s := range pending {
		if err := e.applyOne(ctx, conn, s); err != nil {
			return err
		}
	}

	log.Info().Str("lineage", string(e.lineage)).Int("count", len(pending)).Msg("applied migrations")
	return nil
}

func (e *Engine) applyOne(ctx context.Context, conn *sql.DB, s script) error {
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, s.sql); err != nil {
		return fmt.Errorf("exec %s: %w", s.filename, err)
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf("INSERT INTO %s (filename) VALUES (?)", e.tableName()), s.filename); err != nil {
		return fmt.Errorf("record %s: %w", s.filename, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit %s: %w", s.filename, err)
	}
	return nil
}

func tableExists(ctx context.Context, conn *sql.DB, name string) (bool, error) {
	var count int
	err := conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?", name).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// anyUserTable reports whether sqlite_master has any table besides the
// tracking table itself and SQLite's own internal tables.
func anyUserTable(ctx context.Context, conn *sql.DB, trackingTable string) (bool, error) {
	var count int
	err := conn.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM sqlite_master
		WHERE type = 'table' AND name != ? AND name NOT LIKE 'sqlite_%'
	`, trackingTable).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}
