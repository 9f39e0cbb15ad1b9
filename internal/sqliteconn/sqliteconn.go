// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package sqliteconn is the Connection Factory: it produces every SQLite
// connection the gateway opens, with the correct pragmas, ATTACHed
// databases, and native extension for the role requesting it.
package sqliteconn

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	sqlite3driver "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
	modernc "modernc.org/sqlite"
)

const (
	defaultBusyTimeoutMillis = 5000
	connectionSetupTimeout   = 5 * time.Second
)

var moderncHookOnce sync.Once

// registerModerncHook installs the pragma-applying connection hook on the
// pure-Go modernc.org/sqlite driver, used only for the single-connection
// migration path, which needs no loadable extension.
func registerModerncHook() {
	moderncHookOnce.Do(func() {
		modernc.RegisterConnectionHook(func(conn modernc.ExecQuerierContext, dsn string) error {
			ctx, cancel := context.WithTimeout(context.Background(), connectionSetupTimeout)
			defer cancel()
			for _, p := range migrationPragmas() {
				if _, err := conn.ExecContext(ctx, p, nil); err != nil {
					return fmt.Errorf("connection hook exec %q: %w", p, err)
				}
			}
			return nil
		})
	})
}

func migrationPragmas() []string {
	return []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA foreign_keys = ON",
		fmt.Sprintf("PRAGMA busy_timeout = %d", defaultBusyTimeoutMillis),
		"PRAGMA analysis_limit = 400",
	}
}

// OpenForMigration opens a single, exclusively-owned connection to path
// suitable for the Migration Engine: exactly one connection in the pool so
// no stale schema is ever observed mid-migration.
func OpenForMigration(path string) (*sql.DB, error) {
	registerModerncHook()

	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open %s for migration: %w", path, err)
	}
	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), connectionSetupTimeout)
	defer cancel()
	if _, err := conn.ExecContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("checkpoint %s: %w", path, err)
	}

	return conn, nil
}

// Role selects which attachments and write permissions a connection gets.
type Role int

const (
	// RoleReadOnly opens the index DB read-only and attaches storage and
	// user_data read-only.
	RoleReadOnly Role = iota
	// RoleUserData opens the user_data DB read-write and attaches the
	// index DB read-only.
	RoleUserData
	// RoleIndexWrite opens the index DB read-write and attaches storage
	// read-write. It never attaches user_data. Used only by Writer Actors.
	RoleIndexWrite
)

// Paths locates the three files that make up one database key's triple.
type Paths struct {
	Index    string
	Storage  string
	UserData string
}

// Handle is one opened, extension-loaded, pragma-applied connection. The
// underlying *sql.DB is single-connection-pooled, so Handle owns the only
// connection against it; closing the Handle closes both.
type Handle struct {
	Conn *sql.Conn
	Role Role

	db *sql.DB
}

// Close releases the connection and, if this Handle owns its *sql.DB, the
// pool backing it. Handles built around a shared *sql.DB owned elsewhere
// (as tests do) leave db nil and only close their own connection.
func (h *Handle) Close() error {
	err := h.Conn.Close()
	if h.db == nil {
		return err
	}
	if cerr := h.db.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

// Open produces a connection for role against paths on the
// ncruces/go-sqlite3 driver (the loadable-extension-capable member of this
// driver family), attaches the required sibling databases, and loads the
// vector-search extension. Extension load failures are fatal for the
// connection: the caller must not use a Handle returned alongside an error.
func Open(ctx context.Context, paths Paths, role Role) (*Handle, error) {
	dsn, err := buildDSN(paths, role)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", dsn, err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	conn, err := db.Conn(ctx)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("acquire connection for role %v: %w", role, err)
	}

	if err := loadVectorExtension(conn); err != nil {
		conn.Close()
		db.Close()
		return nil, fmt.Errorf("load vector extension: %w", err)
	}

	if err := attachSiblings(ctx, conn, paths, role); err != nil {
		conn.Close()
		db.Close()
		return nil, fmt.Errorf("attach siblings: %w", err)
	}

	return &Handle{Conn: conn, Role: role, db: db}, nil
}

func buildDSN(paths Paths, role Role) (string, error) {
	var path string
	readOnly := false

	switch role {
	case RoleReadOnly:
		path = paths.Index
		readOnly = true
	case RoleUserData:
		path = paths.UserData
	case RoleIndexWrite:
		path = paths.Index
	default:
		return "", fmt.Errorf("sqliteconn: unknown role %v", role)
	}

	query := fmt.Sprintf("_journal_mode=WAL&_foreign_keys=ON&_busy_timeout=%d", defaultBusyTimeoutMillis)
	if readOnly {
		query += "&mode=ro"
	}
	return fmt.Sprintf("%s?%s", path, query), nil
}

// vectorExtensionPath names the compiled (wasm) loadable extension
// implementing vector search over item_data/embeddings. Configured once at
// startup from process configuration.
var vectorExtensionPath string

// SetVectorExtensionPath configures the extension path used by every
// subsequent Open call.
func SetVectorExtensionPath(path string) {
	vectorExtensionPath = path
}

func loadVectorExtension(conn *sql.Conn) error {
	if vectorExtensionPath == "" {
		return nil
	}
	return conn.Raw(func(driverConn any) error {
		raw, ok := driverConn.(sqlite3driver.Conn)
		if !ok {
			return nil
		}
		return raw.Raw().LoadExtension(vectorExtensionPath, "")
	})
}

func attachSiblings(ctx context.Context, conn *sql.Conn, paths Paths, role Role) error {
	switch role {
	case RoleReadOnly:
		if err := attach(ctx, conn, "storage", paths.Storage, true); err != nil {
			return err
		}
		return attach(ctx, conn, "user_data", paths.UserData, true)
	case RoleUserData:
		return attach(ctx, conn, "idx", paths.Index, true)
	case RoleIndexWrite:
		return attach(ctx, conn, "storage", paths.Storage, false)
	default:
		return fmt.Errorf("unknown role %v", role)
	}
}

func attach(ctx context.Context, conn *sql.Conn, alias, path string, readOnly bool) error {
	dsn := path
	if readOnly {
		dsn = fmt.Sprintf("file:%s?mode=ro", path)
	}
	stmt := fmt.Sprintf("ATTACH DATABASE '%s' AS %s", dsn, alias)
	if _, err := conn.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("attach %s: %w", alias, err)
	}
	return nil
}
