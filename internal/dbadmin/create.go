// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package dbadmin provisions a new database key's index/storage/user_data
// triple and migrates it to the latest schema, the gateway-native
// implementation behind the EXPERIMENTAL_RUST_DB_CREATION endpoint
// spec.md §6 names.
package dbadmin

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/panoptikon/gateway/internal/dbkey"
	"github.com/panoptikon/gateway/internal/migrate"
)

// CreateDB derives the on-disk database key for the requested tenant name
// (unsafe names — path separators, reserved device names — come back as a
// stable hash-prefixed key rather than an error), creates the
// index/storage/user_data directories under dataDir if they don't already
// exist, then migrates all three lineages for that key — SQLite creates
// each file on first open, so this is also how the triple itself gets
// created. The derived key is returned so the caller knows which name the
// triple actually lives under.
func CreateDB(ctx context.Context, dataDir, rawKey string) (string, migrate.AllResult, error) {
	if rawKey == "" {
		return "", migrate.AllResult{}, fmt.Errorf("dbadmin: db key is required")
	}
	safeKey := dbkey.Derive(rawKey)

	for _, sub := range []string{"index", "storage", "user_data"} {
		if err := os.MkdirAll(filepath.Join(dataDir, sub), 0o755); err != nil {
			return "", migrate.AllResult{}, fmt.Errorf("dbadmin: create %s dir: %w", sub, err)
		}
	}

	result := migrate.MigrateOne(ctx, dataDir, safeKey)
	return safeKey, result, result.Err
}
