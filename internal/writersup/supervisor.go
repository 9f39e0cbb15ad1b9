// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package writersup is the Writer Supervisor: it owns one Writer Actor per
// database key, lazily starting actors on first use, probing their health
// on a timer, and backing off restarts for a key whose actor keeps
// reporting unhealthy.
package writersup

import (
	"context"
	"fmt"
	"math"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/panoptikon/gateway/internal/metrics"
	"github.com/panoptikon/gateway/internal/sqliteconn"
	"github.com/panoptikon/gateway/internal/writer"
)

const (
	healthProbeInterval = 5 * time.Minute
	healthProbeTimeout  = 5 * time.Second
	baseBackoff         = 5 * time.Second
	maxBackoff          = 10 * time.Minute
	maxTrackedAttempts  = 8

	// restartThreshold is how many consecutive unhealthy reports a key
	// takes before the supervisor escalates from drop-connection to a
	// full actor restart with backoff.
	restartThreshold = 3
)

// PathsForKey resolves a database key to the three files that make up its
// triple. Supplied by the caller (config layer knows the data root).
type PathsForKey func(dbKey string) sqliteconn.Paths

type entry struct {
	actor  *writer.Actor
	cancel context.CancelFunc
}

type failureInfo struct {
	// consecutive counts unhealthy reports since the key last probed
	// healthy or was restarted; it gates the restart escalation.
	consecutive int
	// attempts counts restarts and drives the backoff window.
	attempts  int
	nextRetry time.Time
}

// Supervisor is the registry of live Writer Actors, keyed by database key.
// It implements writer.Supervisor so actors can report unhealthy directly
// back to their owner.
type Supervisor struct {
	paths PathsForKey

	mu       sync.RWMutex
	actors   map[string]*entry
	failures map[string]*failureInfo

	stop chan struct{}
	wg   sync.WaitGroup
}

// New builds a Supervisor. Start must be called to begin health probing.
func New(paths PathsForKey) *Supervisor {
	return &Supervisor{
		paths:    paths,
		actors:   make(map[string]*entry),
		failures: make(map[string]*failureInfo),
		stop:     make(chan struct{}),
	}
}

// GetOrCreate returns the running actor for dbKey, starting one if this is
// the first request for that key. A key currently in backoff after
// repeated failures returns an error instead of a fresh actor.
func (s *Supervisor) GetOrCreate(ctx context.Context, dbKey string) (*writer.Actor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if f, ok := s.failures[dbKey]; ok && time.Now().Before(f.nextRetry) {
		return nil, fmt.Errorf("writersup: %s in backoff until %s", dbKey, f.nextRetry.Format(time.RFC3339))
	}

	if e, ok := s.actors[dbKey]; ok {
		return e.actor, nil
	}

	actorCtx, cancel := context.WithCancel(context.Background())
	a := writer.New(dbKey, s.paths(dbKey), s)
	s.actors[dbKey] = &entry{actor: a, cancel: cancel}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		a.Run(actorCtx)
	}()

	return a, nil
}

// ReportUnhealthy implements writer.Supervisor. The response is two-tier:
// an isolated failure only instructs the key's actor to drop its cached
// connection, so the next write re-opens through the factory; once a key
// reports unhealthy restartThreshold times in a row, the supervisor tears
// the actor down and puts the key in an exponential backoff window,
// mirroring the escalation the teacher's qBittorrent client pool uses for
// repeated instance failures.
func (s *Supervisor) ReportUnhealthy(dbKey string, err error) {
	s.mu.Lock()

	f, ok := s.failures[dbKey]
	if !ok {
		f = &failureInfo{}
		s.failures[dbKey] = f
	}
	f.consecutive++

	if f.consecutive < restartThreshold {
		consecutive := f.consecutive
		e, ok := s.actors[dbKey]
		s.mu.Unlock()
		log.Warn().Err(err).Str("db_key", dbKey).Int("consecutive", consecutive).
			Msg("writer actor reported unhealthy, dropping cached connection")
		if ok {
			e.actor.DropConnection()
		}
		return
	}

	if e, ok := s.actors[dbKey]; ok {
		e.cancel()
		e.actor.Stop()
		delete(s.actors, dbKey)
	}
	f.consecutive = 0
	if f.attempts < maxTrackedAttempts {
		f.attempts++
	}
	attempts := f.attempts
	f.nextRetry = time.Now().Add(backoffFor(attempts))
	s.mu.Unlock()

	log.Warn().Err(err).Str("db_key", dbKey).Int("restart_attempts", attempts).
		Msg("writer actor repeatedly unhealthy, restarting with backoff")
}

// markHealthy clears dbKey's failure tracking after a clean probe, so an
// isolated failure long ago doesn't count toward a later restart.
func (s *Supervisor) markHealthy(dbKey string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.failures, dbKey)
}

// backoffFor computes an exponential backoff capped at maxBackoff, doubling
// per attempt from baseBackoff.
func backoffFor(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	d := time.Duration(float64(baseBackoff) * math.Pow(2, float64(attempts-1)))
	if d > maxBackoff {
		return maxBackoff
	}
	return d
}

// ResetFailureTracking clears backoff state for dbKey, letting the next
// GetOrCreate succeed immediately. Used after an operator-triggered repair.
func (s *Supervisor) ResetFailureTracking(dbKey string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.failures, dbKey)
}

// BackoffStatus reports whether dbKey is currently backed off, and its
// retry time and attempt count.
func (s *Supervisor) BackoffStatus(dbKey string) (inBackoff bool, nextRetry time.Time, attempts int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	f, ok := s.failures[dbKey]
	if !ok {
		return false, time.Time{}, 0
	}
	return time.Now().Before(f.nextRetry), f.nextRetry, f.attempts
}

// LiveWriters reports every currently-registered Writer Actor's connection
// and queue-depth state, keyed by database key, satisfying
// metrics.WriterStats for the metrics collector.
func (s *Supervisor) LiveWriters() map[string]metrics.WriterSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]metrics.WriterSnapshot, len(s.actors))
	for dbKey, e := range s.actors {
		snap := e.actor.Snapshot()
		out[dbKey] = metrics.WriterSnapshot{ConnectionOpen: snap.ConnectionOpen, QueueDepth: snap.QueueDepth}
	}
	return out
}

// Start launches the periodic health-probe loop. Stop cancels it.
func (s *Supervisor) Start(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(healthProbeInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.probeAll(ctx)
			case <-s.stop:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop signals every actor to drain and exit, then waits for them.
func (s *Supervisor) Stop() {
	select {
	case <-s.stop:
	default:
		close(s.stop)
	}

	s.mu.Lock()
	for _, e := range s.actors {
		e.cancel()
		e.actor.Stop()
	}
	s.mu.Unlock()

	s.wg.Wait()
}

// probeAll checks every live actor: first that its index and storage files
// still exist on disk, then a lightweight read-only ping through each
// attached alias of its cached connection (a no-op if the actor currently
// holds no connection). Either failure feeds ReportUnhealthy's tiered
// escalation; a clean probe clears the key's failure streak.
func (s *Supervisor) probeAll(ctx context.Context) {
	s.mu.RLock()
	type target struct {
		dbKey string
		actor *writer.Actor
	}
	targets := make([]target, 0, len(s.actors))
	for k, e := range s.actors {
		targets = append(targets, target{dbKey: k, actor: e.actor})
	}
	s.mu.RUnlock()

	for _, t := range targets {
		paths := s.paths(t.dbKey)
		if _, err := os.Stat(paths.Index); err != nil {
			log.Warn().Err(err).Str("db_key", t.dbKey).Msg("writer supervisor: index file unreachable")
			s.ReportUnhealthy(t.dbKey, err)
			continue
		}
		if _, err := os.Stat(paths.Storage); err != nil {
			log.Warn().Err(err).Str("db_key", t.dbKey).Msg("writer supervisor: storage file unreachable")
			s.ReportUnhealthy(t.dbKey, err)
			continue
		}

		probeCtx, cancel := context.WithTimeout(ctx, healthProbeTimeout)
		err := t.actor.Ping(probeCtx)
		cancel()
		if err != nil {
			log.Warn().Err(err).Str("db_key", t.dbKey).Msg("writer supervisor: health probe ping failed")
			s.ReportUnhealthy(t.dbKey, err)
			continue
		}
		s.markHealthy(t.dbKey)
	}
}
