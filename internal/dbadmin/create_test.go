// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package dbadmin

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCreateDBProvisionsAndMigratesAllThreeLineages(t *testing.T) {
	dir := t.TempDir()

	key, result, err := CreateDB(context.Background(), dir, "newdb")
	require.NoError(t, err)
	require.Equal(t, "newdb", key)
	require.NoError(t, result.Err)
	require.Len(t, result.Results, 3)

	for _, sub := range []string{"index", "storage", "user_data"} {
		_, statErr := os.Stat(filepath.Join(dir, sub, "newdb.db"))
		require.NoError(t, statErr, "%s/newdb.db should have been created", sub)
	}
}

func TestCreateDBRejectsEmptyKey(t *testing.T) {
	_, _, err := CreateDB(context.Background(), t.TempDir(), "")
	require.Error(t, err)
}

func TestCreateDBDerivesSafeKeyForPathTraversal(t *testing.T) {
	dir := t.TempDir()

	key, _, err := CreateDB(context.Background(), dir, "../escape")
	require.NoError(t, err)
	require.NotEqual(t, "../escape", key)
	require.NotContains(t, key, "/")

	// The triple lives under the derived key, inside the data dir.
	_, statErr := os.Stat(filepath.Join(dir, "index", key+".db"))
	require.NoError(t, statErr)
	_, statErr = os.Stat(filepath.Join(filepath.Dir(dir), "escape.db"))
	require.True(t, os.IsNotExist(statErr))
}

func TestCreateDBDerivesStableKeyAcrossCalls(t *testing.T) {
	dir := t.TempDir()

	first, _, err := CreateDB(context.Background(), dir, "Tenant Name!")
	require.NoError(t, err)
	second, _, err := CreateDB(context.Background(), dir, "Tenant Name!")
	require.NoError(t, err)
	require.Equal(t, first, second)
}

func TestCreateDBIsIdempotent(t *testing.T) {
	dir := t.TempDir()

	_, _, err := CreateDB(context.Background(), dir, "again")
	require.NoError(t, err)

	_, result, err := CreateDB(context.Background(), dir, "again")
	require.NoError(t, err)
	for _, r := range result.Results {
		require.False(t, r.Baselined)
		require.Empty(t, r.Applied)
	}
}
