// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package jobqueue is the Job Queue Actor: a single running-slot scheduler
// with an ordered FIFO queue behind it, driving File-Scan Service runs (and
// any other registered job kind) with cooperative cancellation. Modeled on
// internal/backups.Service's job channel + inflight map + context-based
// cancellation, narrowed from a worker pool to exactly one running slot.
package jobqueue

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Status is one state in the job state machine: queued -> running ->
// {completed, failed, cancelled}, or queued -> cancelled directly.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCancelled Status = "cancelled"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Run is the work a Job performs once it becomes running. It must check
// ctx for cancellation at its own checkpoints (the File-Scan Service does
// this at every file boundary).
type Run func(ctx context.Context) error

// Job is one unit of queued or running work.
type Job struct {
	ID        int64
	Kind      string
	DBKey     string
	QueuedAt  time.Time
	StartedAt time.Time
	EndedAt   time.Time
	Status    Status
	Err       error

	run    Run
	cancel context.CancelFunc
}

// Snapshot is a read-only copy of a Job's state for list_status callers,
// so callers can't mutate queue internals through the returned value.
type Snapshot struct {
	ID        int64
	Kind      string
	DBKey     string
	Status    Status
	QueuedAt  time.Time
	StartedAt time.Time
	EndedAt   time.Time
	Err       error
}

func (j *Job) snapshot() Snapshot {
	return Snapshot{
		ID: j.ID, Kind: j.Kind, DBKey: j.DBKey, Status: j.Status,
		QueuedAt: j.QueuedAt, StartedAt: j.StartedAt, EndedAt: j.EndedAt, Err: j.Err,
	}
}

// Actor serializes job execution through one runner goroutine: at most one
// job runs at a time, and queued jobs wait in FIFO order behind it.
type Actor struct {
	mu      sync.Mutex
	queue   []*Job
	running *Job
	nextID  int64
	// finished keeps jobs that reached a terminal status so Get can still
	// report them.
	finished map[int64]*Job

	wake chan struct{}
	stop chan struct{}
	done chan struct{}
}

// New builds an Actor. Run must be started in its own goroutine.
func New() *Actor {
	return &Actor{
		finished: make(map[int64]*Job),
		wake:     make(chan struct{}, 1),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Enqueue appends a new job to the FIFO tail and returns its id.
func (a *Actor) Enqueue(kind, dbKey string, run Run) int64 {
	a.mu.Lock()
	a.nextID++
	j := &Job{ID: a.nextID, Kind: kind, DBKey: dbKey, QueuedAt: time.Now(), Status: StatusQueued, run: run}
	a.queue = append(a.queue, j)
	a.mu.Unlock()

	a.signal()
	return j.ID
}

// Cancel cancels jobID. A queued job is removed immediately; a running job
// has its context cancelled, and the runner transitions it to cancelled
// once its Run function observes ctx and returns. Cancel reports whether
// jobID was found in either state.
func (a *Actor) Cancel(jobID int64) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.running != nil && a.running.ID == jobID {
		if a.running.cancel != nil {
			a.running.cancel()
		}
		return true
	}

	for i, j := range a.queue {
		if j.ID == jobID {
			j.Status = StatusCancelled
			j.EndedAt = time.Now()
			a.queue = append(a.queue[:i], a.queue[i+1:]...)
			a.finished[j.ID] = j
			return true
		}
	}
	return false
}

// ListStatus returns the running job first (if any), then queued jobs in
// FIFO order, per the spec's list_status ordering.
func (a *Actor) ListStatus() []Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]Snapshot, 0, len(a.queue)+1)
	if a.running != nil {
		out = append(out, a.running.snapshot())
	}
	for _, j := range a.queue {
		out = append(out, j.snapshot())
	}
	return out
}

// JobCounts reports the number of queued jobs and whether one is running
// (0 or 1), satisfying metrics.JobQueueStats.
func (a *Actor) JobCounts() (queued, running int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	queued = len(a.queue)
	if a.running != nil {
		running = 1
	}
	return queued, running
}

// CronJob describes one periodic job trigger_cron enqueues.
type CronJob struct {
	Kind  string
	DBKey string
	Run   Run
}

// TriggerCron enqueues each configured periodic job once. It does not
// dedupe against jobs already queued or running for the same kind/DBKey;
// the caller's cron scheduler is responsible for not firing twice within a
// run's expected duration.
func (a *Actor) TriggerCron(jobs []CronJob) []int64 {
	ids := make([]int64, 0, len(jobs))
	for _, j := range jobs {
		ids = append(ids, a.Enqueue(j.Kind, j.DBKey, j.Run))
	}
	return ids
}

func (a *Actor) signal() {
	select {
	case a.wake <- struct{}{}:
	default:
	}
}

// Run processes the queue until ctx is cancelled or Stop is called.
func (a *Actor) Run(ctx context.Context) {
	defer close(a.done)

	for {
		j := a.popNext()
		if j == nil {
			select {
			case <-a.wake:
				continue
			case <-a.stop:
				return
			case <-ctx.Done():
				return
			}
		}
		a.execute(ctx, j)
	}
}

func (a *Actor) popNext() *Job {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.queue) == 0 {
		return nil
	}
	j := a.queue[0]
	a.queue = a.queue[1:]
	a.running = j
	return j
}

func (a *Actor) execute(ctx context.Context, j *Job) {
	jobCtx, cancel := context.WithCancel(ctx)

	a.mu.Lock()
	j.cancel = cancel
	j.Status = StatusRunning
	j.StartedAt = time.Now()
	a.mu.Unlock()

	err := j.run(jobCtx)
	cancel()

	a.mu.Lock()
	j.EndedAt = time.Now()
	switch {
	case jobCtx.Err() != nil:
		j.Status = StatusCancelled
	case err != nil:
		j.Status = StatusFailed
		j.Err = err
	default:
		j.Status = StatusCompleted
	}
	a.finished[j.ID] = j
	a.running = nil
	a.mu.Unlock()

	if j.Status == StatusFailed {
		log.Error().Err(err).Int64("job_id", j.ID).Str("kind", j.Kind).Str("db_key", j.DBKey).Msg("job failed")
	}
}

// Stop signals Run to exit once the current job (if any) finishes. It does
// not cancel an in-flight job; call Cancel first if that's wanted.
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

// Get returns a snapshot of one job by id, whether queued, running, or
// finished (completed, failed, or cancelled).
func (a *Actor) Get(jobID int64) (Snapshot, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.running != nil && a.running.ID == jobID {
		return a.running.snapshot(), true
	}
	for _, j := range a.queue {
		if j.ID == jobID {
			return j.snapshot(), true
		}
	}
	if j, ok := a.finished[jobID]; ok {
		return j.snapshot(), true
	}
	return Snapshot{}, false
}
