// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package metrics

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeWriterStats struct {
	snapshots map[string]WriterSnapshot
}

func (f fakeWriterStats) LiveWriters() map[string]WriterSnapshot { return f.snapshots }

type fakeScanStats struct {
	epochs map[string]uint64
}

func (f fakeScanStats) ScanEpochs() map[string]uint64 { return f.epochs }

type fakeJobStats struct {
	queued, running int
}

func (f fakeJobStats) JobCounts() (int, int) { return f.queued, f.running }

func TestManagerExposesCoreGauges(t *testing.T) {
	writers := fakeWriterStats{snapshots: map[string]WriterSnapshot{
		"tenant-a": {ConnectionOpen: true, QueueDepth: 3},
	}}
	scans := fakeScanStats{epochs: map[string]uint64{"tenant-a": 7}}
	jobs := fakeJobStats{queued: 2, running: 1}
	migrations := NewMigrationTracker()
	migrations.Record("tenant-b", errors.New("migrate index (index): no such table"))

	manager := NewManager(writers, scans, jobs, migrations)

	srv := httptest.NewServer(NewServer(manager, nil))
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	bodyBytes, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	body := string(bodyBytes)

	require.True(t, strings.Contains(body, `qui_index_writer_connection_open{db_key="tenant-a"} 1`))
	require.True(t, strings.Contains(body, `qui_index_writer_queue_depth{db_key="tenant-a"} 3`))
	require.True(t, strings.Contains(body, `qui_index_continuous_scan_epoch{db_key="tenant-a"} 7`))
	require.True(t, strings.Contains(body, `qui_index_jobs_queued 2`))
	require.True(t, strings.Contains(body, `qui_index_jobs_running 1`))
	require.True(t, strings.Contains(body, `qui_index_migration_failed{db_key="tenant-b"} 1`))
}

func TestMigrationTrackerSuccessClearsFailure(t *testing.T) {
	tracker := NewMigrationTracker()
	tracker.Record("tenant-a", errors.New("disk I/O error"))
	require.Equal(t, []string{"tenant-a"}, tracker.MigrationFailures())

	tracker.Record("tenant-a", nil)
	require.Empty(t, tracker.MigrationFailures())
}

func TestNewServerRequiresBasicAuthWhenConfigured(t *testing.T) {
	manager := NewManager(fakeWriterStats{}, fakeScanStats{}, fakeJobStats{}, NewMigrationTracker())
	srv := httptest.NewServer(NewServer(manager, map[string]string{"admin": "secret"}))
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req, err := http.NewRequest(http.MethodGet, srv.URL, nil)
	require.NoError(t, err)
	req.SetBasicAuth("admin", "secret")
	resp2, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp2.Body.Close()
	require.Equal(t, http.StatusOK, resp2.StatusCode)
}
