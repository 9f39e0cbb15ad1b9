// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadAppliesDefaultsWhenConfigMissing(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("QUI_INDEX_DATADIR", dir)

	p, err := Load(filepath.Join(dir, "does-not-exist.toml"))
	require.NoError(t, err)
	require.Equal(t, "127.0.0.1", p.Config.Host)
	require.Equal(t, 7476, p.Config.Port)
	require.Equal(t, dir, p.Config.DataDir)
	require.False(t, p.Config.MetricsEnabled)
}

func TestLoadDecodesTOMLFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
host = "0.0.0.0"
port = 9000
dataDir = "`+dir+`"
metricsEnabled = true
metricsBasicAuthUsers = "admin:secret,ro:viewonly"
`), 0o644))

	p, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "0.0.0.0", p.Config.Host)
	require.Equal(t, 9000, p.Config.Port)
	require.True(t, p.Config.MetricsEnabled)

	creds := p.MetricsBasicAuthCredentials()
	require.Equal(t, "secret", creds["admin"])
	require.Equal(t, "viewonly", creds["ro"])
}

func TestLoadRequiresDataDir(t *testing.T) {
	_, err := Load("")
	require.Error(t, err)
}

func TestMetricsBasicAuthCredentialsEmpty(t *testing.T) {
	p := &AppConfigProvider{Config: AppConfig{}}
	require.Empty(t, p.MetricsBasicAuthCredentials())
}

func TestLoadLeavesExperimentalTogglesOffByDefault(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("QUI_INDEX_DATADIR", dir)

	p, err := Load(filepath.Join(dir, "does-not-exist.toml"))
	require.NoError(t, err)
	require.False(t, p.Config.Experimental.DBCreation)
	require.False(t, p.Config.Experimental.DBAutoMigrations)
	require.False(t, p.Config.Experimental.Jobs)
}

func TestLoadReadsExperimentalTogglesFromLiteralEnvNames(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("QUI_INDEX_DATADIR", dir)
	t.Setenv("EXPERIMENTAL_RUST_DB_CREATION", "YES")
	t.Setenv("EXPERIMENTAL_RUST_DB_AUTO_MIGRATIONS", "1")
	t.Setenv("EXPERIMENTAL_RUST_JOBS", "on")

	p, err := Load(filepath.Join(dir, "does-not-exist.toml"))
	require.NoError(t, err)
	require.True(t, p.Config.Experimental.DBCreation)
	require.True(t, p.Config.Experimental.DBAutoMigrations)
	require.True(t, p.Config.Experimental.Jobs)
}

func TestParseBoolToggleRejectsUnrecognizedValues(t *testing.T) {
	require.False(t, parseBoolToggle(""))
	require.False(t, parseBoolToggle("0"))
	require.False(t, parseBoolToggle("false"))
	require.False(t, parseBoolToggle("nope"))
	require.True(t, parseBoolToggle("True"))
	require.True(t, parseBoolToggle(" ON "))
}
