// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package writer implements the Writer Actor: a per-database single-writer
// goroutine that serializes every mutating operation against one database
// key's index+storage connection. Modeled on the teacher's process-wide
// write channel, generalized to one actor per key with connection caching
// and idle eviction the teacher's single long-lived connection never
// needed.
package writer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/panoptikon/gateway/internal/sqliteconn"
)

const (
	defaultMailboxCapacity = 256
	defaultIdleTimeout     = 5 * time.Minute
)

// Supervisor receives health-affecting events from an Actor. The Writer
// Supervisor implements this to restart or quarantine a misbehaving actor.
type Supervisor interface {
	ReportUnhealthy(dbKey string, err error)
}

type request struct {
	ctx   context.Context
	op    Op
	reply chan result
}

type result struct {
	out any
	err error
}

// Opener opens the role-appropriate connection for a database key. The
// default is sqliteconn.Open with sqliteconn.RoleIndexWrite; tests supply a
// fake to run against an in-memory schema.
type Opener func(ctx context.Context, paths sqliteconn.Paths) (*sqliteconn.Handle, error)

func defaultOpener(ctx context.Context, paths sqliteconn.Paths) (*sqliteconn.Handle, error) {
	return sqliteconn.Open(ctx, paths, sqliteconn.RoleIndexWrite)
}

// Actor serializes all writes for one database key through a single
// goroutine and one cached connection, opened lazily on first use and
// evicted after IdleTimeout of inactivity.
type Actor struct {
	DBKey       string
	Paths       sqliteconn.Paths
	IdleTimeout time.Duration

	open       Opener
	supervisor Supervisor

	mailbox chan request
	stop    chan struct{}
	done    chan struct{}

	mu     sync.Mutex
	handle *sqliteconn.Handle
}

// New builds an Actor for dbKey. Run must be called to start processing.
func New(dbKey string, paths sqliteconn.Paths, supervisor Supervisor) *Actor {
	return &Actor{
		DBKey:       dbKey,
		Paths:       paths,
		IdleTimeout: defaultIdleTimeout,
		open:        defaultOpener,
		supervisor:  supervisor,
		mailbox:     make(chan request, defaultMailboxCapacity),
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
	}
}

// Submit enqueues op and blocks for its result. If ctx carries a deadline
// and the mailbox is full for that long, Submit returns a Busy error
// instead of blocking forever.
func (a *Actor) Submit(ctx context.Context, op Op) (any, error) {
	if _, ok := handlers[op.Kind]; !ok {
		return nil, &Error{Kind: ErrInternal, Err: errUnknownKind}
	}

	reply := make(chan result, 1)
	req := request{ctx: ctx, op: op, reply: reply}

	select {
	case a.mailbox <- req:
	case <-ctx.Done():
		return nil, &Error{Kind: waitErrorKind(ctx), Err: ctx.Err()}
	case <-a.done:
		return nil, &Error{Kind: ErrInternal, Err: errMailboxClosed}
	}

	select {
	case res := <-reply:
		return res.out, res.err
	case <-ctx.Done():
		return nil, &Error{Kind: waitErrorKind(ctx), Err: ctx.Err()}
	}
}

// Run processes the mailbox until ctx is cancelled or Stop is called. It
// must run in its own goroutine; one per Actor.
func (a *Actor) Run(ctx context.Context) {
	defer close(a.done)
	defer a.closeHandle()

	timeout := a.idleTimeout()
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case req, ok := <-a.mailbox:
			if !ok {
				return
			}
			a.process(req)
			if !timer.Stop() {
				<-timer.C
			}
			timer.Reset(timeout)

		case <-timer.C:
			a.evictIdle()
			timer.Reset(timeout)

		case <-a.stop:
			a.drain()
			return

		case <-ctx.Done():
			a.drain()
			return
		}
	}
}

func (a *Actor) idleTimeout() time.Duration {
	if a.IdleTimeout <= 0 {
		return defaultIdleTimeout
	}
	return a.IdleTimeout
}

// Stop signals Run to finish any queued requests already in the mailbox
// and exit. Stop does not block; callers wanting to wait should close over
// a.done via Wait.
func (a *Actor) Stop() {
	select {
	case <-a.stop:
	default:
		close(a.stop)
	}
}

// Wait blocks until Run has returned.
func (a *Actor) Wait() {
	<-a.done
}

// Snapshot reports this actor's current connection and queue-depth state
// for the metrics collector. It is safe to call concurrently with Run.
func (a *Actor) Snapshot() Snapshot {
	a.mu.Lock()
	open := a.handle != nil
	a.mu.Unlock()
	return Snapshot{ConnectionOpen: open, QueueDepth: len(a.mailbox)}
}

// Snapshot is the point-in-time view Snapshot returns.
type Snapshot struct {
	ConnectionOpen bool
	QueueDepth     int
}

// Ping issues a lightweight read-only check against the actor's cached
// connection and each of its attached aliases, bypassing the mailbox so the
// supervisor's health probe never waits behind queued writes. It is a no-op
// when no connection is currently cached, since there is nothing to probe.
func (a *Actor) Ping(ctx context.Context) error {
	a.mu.Lock()
	h := a.handle
	a.mu.Unlock()
	if h == nil {
		return nil
	}

	for _, alias := range []string{"main", "storage"} {
		if _, err := h.Conn.ExecContext(ctx, fmt.Sprintf("PRAGMA %s.schema_version", alias)); err != nil {
			return fmt.Errorf("writer %s: ping %s: %w", a.DBKey, alias, err)
		}
	}
	return nil
}

// DropConnection closes the cached write connection, if any, forcing the
// next message to re-open through the factory. The supervisor calls this
// as its first-tier response to a failed health probe; the actor keeps
// running and its mailbox is untouched.
func (a *Actor) DropConnection() {
	a.closeHandle()
}

// drain processes whatever is already queued without accepting new work,
// so in-flight Submit calls get a reply instead of hanging past Stop.
func (a *Actor) drain() {
	for {
		select {
		case req, ok := <-a.mailbox:
			if !ok {
				return
			}
			a.process(req)
		default:
			return
		}
	}
}

func (a *Actor) process(req request) {
	if err := req.ctx.Err(); err != nil {
		req.reply <- result{err: &Error{Kind: ErrCancelled, Err: err}}
		return
	}

	h, err := a.ensureHandle(req.ctx)
	if err != nil {
		req.reply <- result{err: &Error{Kind: ErrInternal, Err: err}}
		return
	}

	tx, err := h.Conn.BeginTx(req.ctx, nil)
	if err != nil {
		kind := classify(err)
		a.handleFailure(kind, err)
		req.reply <- result{err: &Error{Kind: kind, Err: err}}
		return
	}

	out, err := handlers[req.op.Kind](req.ctx, tx, req.op)
	if err != nil {
		tx.Rollback()
		kind := classify(err)
		a.handleFailure(kind, err)
		req.reply <- result{err: &Error{Kind: kind, Err: err}}
		return
	}

	if err := tx.Commit(); err != nil {
		kind := classify(err)
		a.handleFailure(kind, err)
		req.reply <- result{err: &Error{Kind: kind, Err: err}}
		return
	}

	req.reply <- result{out: out}
}

// handleFailure drops the cached connection and notifies the supervisor
// when the failure indicates the connection (or the file behind it) is no
// longer trustworthy.
func (a *Actor) handleFailure(kind ErrorKind, err error) {
	if !kind.dropsConnection() {
		return
	}
	a.closeHandle()
	if a.supervisor != nil {
		a.supervisor.ReportUnhealthy(a.DBKey, err)
	}
}

func (a *Actor) ensureHandle(ctx context.Context) (*sqliteconn.Handle, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.handle != nil {
		return a.handle, nil
	}

	h, err := a.open(ctx, a.Paths)
	if err != nil {
		return nil, fmt.Errorf("writer %s: open connection: %w", a.DBKey, err)
	}
	a.handle = h
	return h, nil
}

func (a *Actor) closeHandle() {
	a.mu.Lock()
	h := a.handle
	a.handle = nil
	a.mu.Unlock()

	if h == nil {
		return
	}
	if err := h.Close(); err != nil {
		log.Warn().Err(err).Str("db_key", a.DBKey).Msg("writer actor: close cached connection")
	}
}

func (a *Actor) evictIdle() {
	a.mu.Lock()
	idle := a.handle != nil
	a.mu.Unlock()

	if !idle {
		return
	}
	log.Debug().Str("db_key", a.DBKey).Msg("writer actor: evicting idle connection")
	a.closeHandle()
}
