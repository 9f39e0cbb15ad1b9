// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package metrics exposes the core's internal state as Prometheus gauges,
// generalizing the teacher's internal/metrics (Manager + custom Collector
// registered against a private prometheus.Registry) from qBittorrent
// instance/torrent counts to the write-coordination engine's own state:
// live writer actors, write queue depth, continuous-scan epoch per
// database, and job queue depth.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog/log"
)

// WriterStats is the subset of writersup.Supervisor state the collector
// reads on each scrape. Implemented by writersup.Supervisor; kept as an
// interface here so metrics has no import-time dependency on writersup.
type WriterStats interface {
	// LiveWriters returns, per database key, whether a Writer Actor is
	// currently cached (has an open connection) and its mailbox depth.
	LiveWriters() map[string]WriterSnapshot
}

type WriterSnapshot struct {
	ConnectionOpen bool
	QueueDepth     int
}

// ContinuousScanStats is the subset of contscansup.Supervisor state read
// on each scrape.
type ContinuousScanStats interface {
	ScanEpochs() map[string]uint64
}

// JobQueueStats is the subset of jobqueue.Actor state read on each scrape.
type JobQueueStats interface {
	JobCounts() (queued, running int)
}

// MigrationStats reports which database keys most recently failed
// migration. Implemented by MigrationTracker; kept as an interface so the
// collector stays source-agnostic like its other stats inputs.
type MigrationStats interface {
	MigrationFailures() []string
}

// MigrationTracker records per-key migration outcomes so the collector can
// expose them. The startup migrate_all sweep and the DB-creation endpoint
// both feed it; a later success for a key clears its failure.
type MigrationTracker struct {
	mu     sync.Mutex
	failed map[string]bool
}

func NewMigrationTracker() *MigrationTracker {
	return &MigrationTracker{failed: make(map[string]bool)}
}

// Record notes the outcome of migrating dbKey's triple. A nil err clears
// any earlier failure for that key.
func (t *MigrationTracker) Record(dbKey string, err error) {
	if dbKey == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if err != nil {
		t.failed[dbKey] = true
		return
	}
	delete(t.failed, dbKey)
}

// MigrationFailures implements MigrationStats.
func (t *MigrationTracker) MigrationFailures() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, 0, len(t.failed))
	for dbKey := range t.failed {
		out = append(out, dbKey)
	}
	return out
}

// Manager owns the private prometheus.Registry the gateway's metrics
// endpoint serves from, matching the teacher's Manager.GetRegistry shape.
type Manager struct {
	registry  *prometheus.Registry
	collector *Collector
}

func NewManager(writers WriterStats, scans ContinuousScanStats, jobs JobQueueStats, migrations MigrationStats) *Manager {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	collector := NewCollector(writers, scans, jobs, migrations)
	registry.MustRegister(collector)

	log.Info().Msg("metrics manager initialized with core collector")

	return &Manager{registry: registry, collector: collector}
}

func (m *Manager) GetRegistry() *prometheus.Registry {
	return m.registry
}

// Collector implements prometheus.Collector, pulling a fresh snapshot of
// writer/continuous-scan/job-queue state on every scrape rather than
// pushing updates — the same pull-based shape as the teacher's
// TorrentCollector.
type Collector struct {
	writers    WriterStats
	scans      ContinuousScanStats
	jobs       JobQueueStats
	migrations MigrationStats

	writerConnectionOpenDesc *prometheus.Desc
	writerQueueDepthDesc     *prometheus.Desc
	continuousScanEpochDesc  *prometheus.Desc
	jobsQueuedDesc           *prometheus.Desc
	jobsRunningDesc          *prometheus.Desc
	migrationFailedDesc      *prometheus.Desc
}

func NewCollector(writers WriterStats, scans ContinuousScanStats, jobs JobQueueStats, migrations MigrationStats) *Collector {
	return &Collector{
		writers:    writers,
		scans:      scans,
		jobs:       jobs,
		migrations: migrations,

		writerConnectionOpenDesc: prometheus.NewDesc(
			"qui_index_writer_connection_open",
			"Whether a Writer Actor currently holds an open write connection (1=open, 0=closed)",
			[]string{"db_key"},
			nil,
		),
		writerQueueDepthDesc: prometheus.NewDesc(
			"qui_index_writer_queue_depth",
			"Number of write operations currently queued for a Writer Actor",
			[]string{"db_key"},
			nil,
		),
		continuousScanEpochDesc: prometheus.NewDesc(
			"qui_index_continuous_scan_epoch",
			"Current epoch of the Continuous-Scan Actor for a database key",
			[]string{"db_key"},
			nil,
		),
		jobsQueuedDesc: prometheus.NewDesc(
			"qui_index_jobs_queued",
			"Number of jobs currently queued",
			nil,
			nil,
		),
		jobsRunningDesc: prometheus.NewDesc(
			"qui_index_jobs_running",
			"Number of jobs currently running (0 or 1)",
			nil,
			nil,
		),
		migrationFailedDesc: prometheus.NewDesc(
			"qui_index_migration_failed",
			"Whether the most recent migration of a database key failed (1=failed)",
			[]string{"db_key"},
			nil,
		),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.writerConnectionOpenDesc
	ch <- c.writerQueueDepthDesc
	ch <- c.continuousScanEpochDesc
	ch <- c.jobsQueuedDesc
	ch <- c.jobsRunningDesc
	ch <- c.migrationFailedDesc
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	if c.writers != nil {
		for dbKey, snap := range c.writers.LiveWriters() {
			open := 0.0
			if snap.ConnectionOpen {
				open = 1.0
			}
			ch <- prometheus.MustNewConstMetric(c.writerConnectionOpenDesc, prometheus.GaugeValue, open, dbKey)
			ch <- prometheus.MustNewConstMetric(c.writerQueueDepthDesc, prometheus.GaugeValue, float64(snap.QueueDepth), dbKey)
		}
	}

	if c.scans != nil {
		for dbKey, epoch := range c.scans.ScanEpochs() {
			ch <- prometheus.MustNewConstMetric(c.continuousScanEpochDesc, prometheus.GaugeValue, float64(epoch), dbKey)
		}
	}

	if c.jobs != nil {
		queued, running := c.jobs.JobCounts()
		ch <- prometheus.MustNewConstMetric(c.jobsQueuedDesc, prometheus.GaugeValue, float64(queued))
		ch <- prometheus.MustNewConstMetric(c.jobsRunningDesc, prometheus.GaugeValue, float64(running))
	}

	if c.migrations != nil {
		for _, dbKey := range c.migrations.MigrationFailures() {
			ch <- prometheus.MustNewConstMetric(c.migrationFailedDesc, prometheus.GaugeValue, 1, dbKey)
		}
	}
}
