// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package contscansup implements the Continuous-Scan Supervisor: it
// enumerates per-database TOML configuration, starts and stops
// Continuous-Scan Actors as that configuration changes, and coordinates
// pause/resume with the Job Queue Actor so a foreground job never races a
// continuous write. Grounded on the same fsnotify watch used by
// internal/contscan (here pointed at the configuration directory instead
// of data roots) and on writersup.Supervisor's GetOrCreate lazy
// spawn-or-reuse idiom.
package contscansup

import (
	"context"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"

	"github.com/panoptikon/gateway/internal/contscan"
	"github.com/panoptikon/gateway/internal/filterlang"
	"github.com/panoptikon/gateway/internal/jobqueue"
)

// ActorFactory builds the Continuous-Scan Actor for one database key from
// its decoded configuration, returning a cleanup func (closing whatever
// connections the actor was built with) to run once the actor has
// stopped. The default implementation (NewWriterBackedActorFactory)
// resolves a Writer Actor through writersup.Supervisor.GetOrCreate and a
// read-only Reader through sqliteconn; tests supply a fake.
type ActorFactory func(dbKey string, cfg DBConfig, filter filterlang.CompiledFilter) (actor *contscan.Actor, cleanup func(), err error)

type runningActor struct {
	actor   *contscan.Actor
	cancel  context.CancelFunc
	cleanup func()
	cfg     DBConfig
}

// Supervisor owns the map from database key to running Continuous-Scan
// Actor. No other component mutates this map, per the ownership summary.
type Supervisor struct {
	ConfigDir string
	Build     ActorFactory

	mu     sync.Mutex
	actors map[string]*runningActor

	wg   sync.WaitGroup
	stop chan struct{}
}

// New builds a Supervisor. Start must be called to begin enumeration and
// config-directory watching.
func New(configDir string, build ActorFactory) *Supervisor {
	return &Supervisor{
		ConfigDir: configDir,
		Build:     build,
		actors:    make(map[string]*runningActor),
		stop:      make(chan struct{}),
	}
}

// Start enumerates every *.toml file under ConfigDir, spawning a
// Continuous-Scan Actor for each one with continuous_filescan = true, then
// watches ConfigDir for creates/writes/removes and reconciles the actor set
// as they happen.
func (s *Supervisor) Start(ctx context.Context) error {
	entries, err := filepath.Glob(filepath.Join(s.ConfigDir, "*.toml"))
	if err != nil {
		return err
	}
	for _, path := range entries {
		s.reconcilePath(ctx, path)
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := w.Add(s.ConfigDir); err != nil {
		_ = w.Close()
		return err
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer w.Close()
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if !strings.HasSuffix(ev.Name, ".toml") {
					continue
				}
				s.reconcilePath(ctx, ev.Name)
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				log.Warn().Err(err).Msg("contscansup: config watcher error")
			case <-s.stop:
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	return nil
}

// Reconcile is the fast-path API: the configuration editor calls this
// directly after writing a DB's config file, instead of waiting for the
// filesystem watcher to notice.
func (s *Supervisor) Reconcile(ctx context.Context, dbKey string) {
	s.reconcilePath(ctx, filepath.Join(s.ConfigDir, dbKey+".toml"))
}

// DBKeyFromConfigPath derives the database key a per-DB config file
// belongs to from its filename, for callers that enumerate ConfigDir
// themselves (e.g. a cron-trigger handler).
func DBKeyFromConfigPath(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, ".toml")
}

func (s *Supervisor) reconcilePath(ctx context.Context, path string) {
	dbKey := DBKeyFromConfigPath(path)

	if !fileExists(path) {
		s.stopActor(dbKey)
		return
	}

	cfg, filter, err := LoadDBConfig(path)
	if err != nil {
		log.Warn().Err(err).Str("db_key", dbKey).Msg("contscansup: invalid config, leaving db offline for continuous scan")
		s.stopActor(dbKey)
		return
	}

	if !cfg.ContinuousFilescan {
		s.stopActor(dbKey)
		return
	}

	s.mu.Lock()
	existing, running := s.actors[dbKey]
	s.mu.Unlock()
	if running && configEqual(existing.cfg, cfg) {
		return // unchanged; nothing to reconcile
	}
	if running {
		s.stopActor(dbKey)
	}

	actor, cleanup, err := s.Build(dbKey, cfg, filter)
	if err != nil {
		log.Warn().Err(err).Str("db_key", dbKey).Msg("contscansup: failed to build continuous-scan actor")
		return
	}

	actorCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.actors[dbKey] = &runningActor{actor: actor, cancel: cancel, cleanup: cleanup, cfg: cfg}
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := actor.Run(actorCtx); err != nil && actorCtx.Err() == nil {
			log.Warn().Err(err).Str("db_key", dbKey).Msg("contscan actor exited")
		}
	}()
}

func configEqual(a, b DBConfig) bool {
	if a.ContinuousFilescan != b.ContinuousFilescan || a.FilescanFilter != b.FilescanFilter {
		return false
	}
	if !stringSliceEqual(a.IncludeRoots, b.IncludeRoots) || !stringSliceEqual(a.ExcludeRoots, b.ExcludeRoots) {
		return false
	}
	switch {
	case a.ContinuousFilescanPollIntervalSecs == nil && b.ContinuousFilescanPollIntervalSecs == nil:
		return true
	case a.ContinuousFilescanPollIntervalSecs == nil || b.ContinuousFilescanPollIntervalSecs == nil:
		return false
	default:
		return *a.ContinuousFilescanPollIntervalSecs == *b.ContinuousFilescanPollIntervalSecs
	}
}

func stringSliceEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func (s *Supervisor) stopActor(dbKey string) {
	s.mu.Lock()
	e, ok := s.actors[dbKey]
	if ok {
		delete(s.actors, dbKey)
	}
	s.mu.Unlock()
	if !ok {
		return
	}
	e.actor.Stop()
	e.cancel()
	e.actor.Wait()
	if e.cleanup != nil {
		e.cleanup()
	}
}

// PauseForJob pauses dbKey's continuous actor, if one is running, on behalf
// of a starting job. It is a no-op for a DB with no continuous actor. Pause
// is synchronous: it does not return until the actor's open scan row has
// been closed, and any continuous write that has not yet passed the actor's
// epoch check is dropped.
func (s *Supervisor) PauseForJob(ctx context.Context, dbKey string) {
	s.mu.Lock()
	e, ok := s.actors[dbKey]
	s.mu.Unlock()
	if !ok {
		return
	}
	e.actor.Pause(ctx, true)
}

// ResumeAfterJob resumes dbKey's continuous actor after a job targeting it
// has finished, reopening its continuous scan row.
func (s *Supervisor) ResumeAfterJob(ctx context.Context, dbKey string) {
	s.mu.Lock()
	e, ok := s.actors[dbKey]
	s.mu.Unlock()
	if !ok {
		return
	}
	e.actor.Resume(ctx)
}

// WrapJobRun adapts a jobqueue.Run so that, if dbKey has a running
// continuous actor, it is paused before run executes and resumed
// afterward — the concrete coordination point between the Job Queue Actor
// and the Continuous-Scan Actor described in spec §4.7/§4.8.
func (s *Supervisor) WrapJobRun(dbKey string, run jobqueue.Run) jobqueue.Run {
	return func(ctx context.Context) error {
		s.PauseForJob(ctx, dbKey)
		defer s.ResumeAfterJob(context.Background(), dbKey)
		return run(ctx)
	}
}

// ScanEpochs reports every running Continuous-Scan Actor's current epoch,
// keyed by database key, satisfying metrics.ContinuousScanStats.
func (s *Supervisor) ScanEpochs() map[string]uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]uint64, len(s.actors))
	for dbKey, e := range s.actors {
		out[dbKey] = e.actor.Epoch()
	}
	return out
}

// Stop stops every running actor and the config-directory watcher.
func (s *Supervisor) Stop() {
	select {
	case <-s.stop:
	default:
		close(s.stop)
	}

	s.mu.Lock()
	keys := make([]string, 0, len(s.actors))
	for k := range s.actors {
		keys = append(keys, k)
	}
	s.mu.Unlock()

	for _, k := range keys {
		s.stopActor(k)
	}

	s.wg.Wait()
}
