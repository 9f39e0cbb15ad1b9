// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package contscansup

import (
	"context"
	"fmt"
	"time"

	"github.com/panoptikon/gateway/internal/contscan"
	"github.com/panoptikon/gateway/internal/filterlang"
	"github.com/panoptikon/gateway/internal/sqliteconn"
	"github.com/panoptikon/gateway/internal/writersup"
)

// PathsForKey resolves a database key to its on-disk triple, mirroring
// writersup.PathsForKey so both supervisors share one source of truth for
// layout.
type PathsForKey func(dbKey string) sqliteconn.Paths

// NewWriterBackedActorFactory builds the ActorFactory a real process wires
// at startup: the Continuous-Scan Actor's Writer comes from the Writer
// Supervisor's GetOrCreate (reusing the same per-key serialized writer a
// job or HTTP handler would use), and its Reader comes from a fresh
// RoleReadOnly connection opened for the duration of the actor's lifetime.
func NewWriterBackedActorFactory(writers *writersup.Supervisor, paths PathsForKey) ActorFactory {
	return func(dbKey string, cfg DBConfig, filter filterlang.CompiledFilter) (*contscan.Actor, func(), error) {
		ctx := context.Background()
		w, err := writers.GetOrCreate(ctx, dbKey)
		if err != nil {
			return nil, nil, fmt.Errorf("contscansup: writer for %s: %w", dbKey, err)
		}

		handle, err := sqliteconn.Open(ctx, paths(dbKey), sqliteconn.RoleReadOnly)
		if err != nil {
			return nil, nil, fmt.Errorf("contscansup: read handle for %s: %w", dbKey, err)
		}
		reader := contscan.SQLReader{Q: handle.Conn}

		actor := contscan.New(dbKey, cfg.IncludeRoots, cfg.ExcludeRoots, filter, w, reader)
		if cfg.ContinuousFilescanPollIntervalSecs != nil {
			actor.PollInterval = time.Duration(*cfg.ContinuousFilescanPollIntervalSecs) * time.Second
		}
		return actor, func() { _ = handle.Close() }, nil
	}
}
