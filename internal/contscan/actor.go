// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package contscan implements the Continuous-Scan Actor: a per-database
// filesystem watcher that turns create/write/remove/rename events into
// narrowly-scoped write operations dispatched to a Writer Actor, gated by
// an epoch so that work in flight when a job pauses the actor never lands.
//
// Grounded on the teacher's fsnotify.Watcher + polling-fallback shape
// (cmd/bd/daemon_watcher.go in the BeadsLog reference) and on
// pkg/debounce.Debouncer (the teacher's own package) for coalescing bursts
// of events into a single batch before dispatch.
package contscan

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/panoptikon/gateway/internal/filterlang"
	"github.com/panoptikon/gateway/internal/writer"
	"github.com/panoptikon/gateway/pkg/debounce"
	"github.com/panoptikon/gateway/pkg/hashutil"
	"github.com/panoptikon/gateway/pkg/pathcmp"
)

const sentinelContinuous = "<continuous>"

const defaultCoalesceWindow = 250 * time.Millisecond

// WriteSubmitter is the subset of *writer.Actor the continuous scanner
// depends on, narrowed so tests can substitute a fake.
type WriteSubmitter interface {
	Submit(ctx context.Context, op writer.Op) (any, error)
}

// Actor watches Roots for one database key and drives its Writer through
// narrowly-scoped inserts/deletes/renames, per the allowed-mutations table.
// One Actor exists per enabled database key, owned by the Continuous-Scan
// Supervisor.
type Actor struct {
	DBKey        string
	Roots        []string
	ExcludeRoots []string
	Filter       filterlang.CompiledFilter
	PollInterval time.Duration // zero selects fsnotify; non-zero selects polling
	CoalesceWindow time.Duration

	Writer WriteSubmitter
	Reader Reader

	// beforeWrite, when set, is invoked by a worker immediately before its
	// epoch/pause gate check, letting tests hold workers at a barrier to
	// exercise the pause-before-write race deterministically.
	beforeWrite func()

	mu     sync.Mutex
	epoch  uint64
	paused bool
	scanID int64

	pending map[string]eventKind
	deb     *debounce.Debouncer

	wg      sync.WaitGroup
	stop    chan struct{}
	done    chan struct{}
	watcher watcher
}

// New builds an Actor for dbKey. Run must be called in its own goroutine.
func New(dbKey string, roots, excludeRoots []string, filter filterlang.CompiledFilter, w WriteSubmitter, r Reader) *Actor {
	return &Actor{
		DBKey:        dbKey,
		Roots:        roots,
		ExcludeRoots: excludeRoots,
		Filter:       filter,
		Writer:       w,
		Reader:       r,
		pending:      make(map[string]eventKind),
		stop:         make(chan struct{}),
		done:         make(chan struct{}),
	}
}

func (a *Actor) coalesceWindow() time.Duration {
	if a.CoalesceWindow <= 0 {
		return defaultCoalesceWindow
	}
	return a.CoalesceWindow
}

// Epoch returns the actor's current epoch, for tests and diagnostics.
func (a *Actor) Epoch() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.epoch
}

// Paused reports whether the actor is currently paused.
func (a *Actor) Paused() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.paused
}

// Run starts the actor: it closes any continuous-scan row left open by a
// prior process, opens a fresh one, then watches (or polls) Roots until ctx
// is cancelled or Stop is called.
func (a *Actor) Run(ctx context.Context) error {
	defer close(a.done)
	defer a.wg.Wait()

	if err := a.closeStaleOpenScan(ctx); err != nil {
		log.Warn().Err(err).Str("db_key", a.DBKey).Msg("contscan: close stale open scan row")
	}
	if err := a.openScanRow(ctx); err != nil {
		return fmt.Errorf("contscan %s: open initial scan row: %w", a.DBKey, err)
	}

	a.deb = debounce.New(a.coalesceWindow())
	defer a.deb.Stop()

	w, err := a.openWatcher(ctx)
	if err != nil {
		return fmt.Errorf("contscan %s: open watcher: %w", a.DBKey, err)
	}
	a.watcher = w
	defer w.Close()

	for {
		select {
		case ev, ok := <-w.Events():
			if !ok {
				return nil
			}
			if a.excluded(ev.path) {
				continue
			}
			a.recordEvent(ctx, ev)
		case err, ok := <-w.Errors():
			if !ok {
				continue
			}
			log.Warn().Err(err).Str("db_key", a.DBKey).Msg("contscan: watcher error (dropped, no auto-resync)")
		case <-a.stop:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (a *Actor) openWatcher(ctx context.Context) (watcher, error) {
	if a.PollInterval > 0 {
		pw := newPollWatcher(a.Roots, a.PollInterval)
		pw.Start(ctx)
		return pw, nil
	}
	return newFsnotifyWatcher(a.Roots)
}

func (a *Actor) excluded(path string) bool {
	norm := pathcmp.NormalizePath(path)
	for _, root := range a.ExcludeRoots {
		r := pathcmp.NormalizePath(root)
		if norm == r || (len(norm) > len(r) && norm[:len(r)+1] == r+"/") {
			return true
		}
	}
	return false
}

// recordEvent coalesces path into the pending batch and (re)arms the
// debouncer. Multiple events for the same path within the coalesce window
// collapse to the last kind observed.
func (a *Actor) recordEvent(ctx context.Context, ev rawEvent) {
	a.mu.Lock()
	a.pending[ev.path] = ev.kind
	a.mu.Unlock()

	a.deb.Do(func() { a.flush(ctx) })
}

// flush drains the pending batch and dispatches one worker per resulting
// action. A lone rename-from paired with a lone create in the same batch is
// treated as an atomic rename (path updated in place); anything else is
// handled as independent delete/create actions, matching the spec's
// distinction between atomic renames and delete-then-create sequences.
func (a *Actor) flush(ctx context.Context) {
	a.mu.Lock()
	batch := a.pending
	a.pending = make(map[string]eventKind)
	e := a.epoch
	a.mu.Unlock()

	if len(batch) == 0 {
		return
	}

	var renameFrom, created, wrote, removed []string
	for path, kind := range batch {
		switch kind {
		case kindRenameFrom:
			renameFrom = append(renameFrom, path)
		case kindCreate:
			created = append(created, path)
		case kindWrite:
			wrote = append(wrote, path)
		case kindRemove:
			removed = append(removed, path)
		}
	}

	if len(renameFrom) == 1 && len(created) == 1 {
		old, nw := renameFrom[0], created[0]
		a.dispatch(func() { a.handleRename(ctx, e, old, nw) })
		renameFrom, created = nil, nil
	}

	for _, path := range renameFrom {
		p := path
		a.dispatch(func() { a.handleDelete(ctx, e, p) })
	}
	for _, path := range created {
		p := path
		a.dispatch(func() { a.handleCreate(ctx, e, p) })
	}
	for _, path := range wrote {
		p := path
		a.dispatch(func() { a.handleModify(ctx, e, p) })
	}
	for _, path := range removed {
		p := path
		a.dispatch(func() { a.handleDelete(ctx, e, p) })
	}
}

func (a *Actor) dispatch(fn func()) {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		fn()
	}()
}

// tryWrite is the epoch gate: it must be the last thing a worker checks
// before issuing a write. It reports the scan id to write against and
// whether the write is still allowed.
func (a *Actor) tryWrite(e uint64) (scanID int64, ok bool) {
	if a.beforeWrite != nil {
		a.beforeWrite()
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.paused || e != a.epoch {
		return 0, false
	}
	return a.scanID, true
}

func (a *Actor) handleCreate(ctx context.Context, e uint64, path string) {
	info, err := os.Stat(path)
	if err != nil {
		return // vanished before we got to it; nothing to index
	}
	if info.IsDir() {
		return
	}

	candidate := filterlang.Candidate{Path: path, Size: info.Size(), Mtime: info.ModTime()}
	matched, err := a.Filter.Matches(filterlang.StageMetadata, candidate)
	if err != nil || !matched {
		return
	}

	hash, err := hashFile(path)
	if err != nil {
		log.Debug().Err(err).Str("path", path).Msg("contscan: hash failed")
		return
	}
	candidate.Hash = hash
	matched, err = a.Filter.Matches(filterlang.StageContent, candidate)
	if err != nil || !matched {
		return
	}

	scanID, ok := a.tryWrite(e)
	if !ok {
		return
	}
	if _, err := a.Writer.Submit(ctx, writer.Op{
		Kind: writer.KindInsertFile,
		InsertFile: &writer.InsertFileParams{
			ContentHash: hash, Path: path, Size: info.Size(), Mtime: info.ModTime(), ScanID: scanID,
		},
	}); err != nil {
		log.Warn().Err(err).Str("path", path).Msg("contscan: insert failed")
	}
}

// handleModify treats a write event on a path as a content change: delete
// the old row and insert a fresh one. A file-content change is never an
// update.
func (a *Actor) handleModify(ctx context.Context, e uint64, path string) {
	if a.Reader == nil {
		a.handleCreate(ctx, e, path)
		return
	}
	rec, found, err := a.Reader.FileByPath(ctx, path)
	if err != nil {
		log.Warn().Err(err).Str("path", path).Msg("contscan: lookup failed")
		return
	}
	if !found {
		a.handleCreate(ctx, e, path)
		return
	}

	if _, ok := a.tryWrite(e); !ok {
		return
	}
	if _, err := a.Writer.Submit(ctx, writer.Op{
		Kind:       writer.KindDeleteFile,
		DeleteFile: &writer.DeleteFileParams{FileID: rec.FileID},
	}); err != nil {
		log.Warn().Err(err).Str("path", path).Msg("contscan: delete-before-modify failed")
		return
	}
	a.handleCreate(ctx, e, path)
}

// handleRename updates a File row's path in place for an atomic rename; the
// row id is preserved and no Item is deleted.
func (a *Actor) handleRename(ctx context.Context, e uint64, oldPath, newPath string) {
	if a.Reader == nil {
		a.handleDelete(ctx, e, oldPath)
		a.handleCreate(ctx, e, newPath)
		return
	}
	rec, found, err := a.Reader.FileByPath(ctx, oldPath)
	if err != nil {
		log.Warn().Err(err).Str("path", oldPath).Msg("contscan: lookup failed")
		return
	}
	if !found {
		a.handleCreate(ctx, e, newPath)
		return
	}

	if _, ok := a.tryWrite(e); !ok {
		return
	}
	if _, err := a.Writer.Submit(ctx, writer.Op{
		Kind:       writer.KindRenameFile,
		RenameFile: &writer.RenameFileParams{FileID: rec.FileID, NewPath: newPath},
	}); err != nil {
		log.Warn().Err(err).Str("old_path", oldPath).Str("new_path", newPath).Msg("contscan: rename failed")
	}
}

// handleDelete re-stats path to confirm it is really gone, then applies the
// allowed-mutations deletion rule: delete only a row this continuous
// session created, or one of several duplicate rows for the same item;
// anything else is deferred to the next full scan.
func (a *Actor) handleDelete(ctx context.Context, e uint64, path string) {
	if _, err := os.Stat(path); err == nil {
		return // reappeared; stale event
	}

	if a.Reader == nil {
		return
	}
	rec, found, err := a.Reader.FileByPath(ctx, path)
	if err != nil {
		log.Warn().Err(err).Str("path", path).Msg("contscan: lookup failed")
		return
	}
	if !found {
		return
	}

	a.mu.Lock()
	currentScanID := a.scanID
	a.mu.Unlock()

	shouldDelete := rec.CreatedInScanID == currentScanID && currentScanID != 0
	if !shouldDelete {
		n, err := a.Reader.SiblingFileCount(ctx, rec.ItemID)
		if err != nil {
			log.Warn().Err(err).Int64("item_id", rec.ItemID).Msg("contscan: sibling count failed")
			return
		}
		shouldDelete = n > 1
	}
	if !shouldDelete {
		log.Debug().Str("path", path).Msg("contscan: deferring deletion to next full scan")
		return
	}

	scanID, ok := a.tryWrite(e)
	_ = scanID
	if !ok {
		return
	}
	if _, err := a.Writer.Submit(ctx, writer.Op{
		Kind:       writer.KindDeleteFile,
		DeleteFile: &writer.DeleteFileParams{FileID: rec.FileID},
	}); err != nil {
		log.Warn().Err(err).Str("path", path).Msg("contscan: delete failed")
	}
}

func (a *Actor) closeStaleOpenScan(ctx context.Context) error {
	if a.Reader == nil {
		return nil
	}
	id, ok, err := a.Reader.OpenContinuousScanID(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	_, err = a.Writer.Submit(ctx, writer.Op{
		Kind:      writer.KindCloseScan,
		CloseScan: &writer.CloseScanParams{ScanID: id},
	})
	return err
}

func (a *Actor) openScanRow(ctx context.Context) error {
	out, err := a.Writer.Submit(ctx, writer.Op{
		Kind:     writer.KindOpenScan,
		OpenScan: &writer.OpenScanParams{Path: sentinelContinuous},
	})
	if err != nil {
		return err
	}
	a.mu.Lock()
	a.scanID = out.(writer.OpenScanOutput).ScanID
	a.mu.Unlock()
	return nil
}

// Pause atomically marks the actor paused and bumps its epoch, then closes
// the open continuous scan row. Pausing is synchronous: every worker
// re-checks paused/epoch in tryWrite immediately before writing, so a
// worker that reaches that check after Pause drops its write; a worker
// already past the check when Pause runs may still complete its submit.
// forJob is accepted but not stored: the actor keeps no record of why it
// was paused.
func (a *Actor) Pause(ctx context.Context, forJob bool) {
	a.mu.Lock()
	a.paused = true
	a.epoch++
	scanID := a.scanID
	a.scanID = 0
	a.mu.Unlock()

	if scanID == 0 {
		return
	}
	if _, err := a.Writer.Submit(ctx, writer.Op{
		Kind:      writer.KindCloseScan,
		CloseScan: &writer.CloseScanParams{ScanID: scanID},
	}); err != nil {
		log.Warn().Err(err).Str("db_key", a.DBKey).Msg("contscan: close scan row on pause failed")
	}
}

// Resume opens a fresh continuous scan row and clears the paused flag. It
// does not change the epoch: resuming does not need to invalidate anything,
// since paused work was already dropped at the write boundary when it was
// paused.
func (a *Actor) Resume(ctx context.Context) {
	a.mu.Lock()
	alreadyRunning := !a.paused
	a.mu.Unlock()
	if alreadyRunning {
		return
	}

	out, err := a.Writer.Submit(ctx, writer.Op{
		Kind:     writer.KindOpenScan,
		OpenScan: &writer.OpenScanParams{Path: sentinelContinuous},
	})
	if err != nil {
		log.Warn().Err(err).Str("db_key", a.DBKey).Msg("contscan: resume open scan row failed")
		return
	}

	a.mu.Lock()
	a.paused = false
	a.scanID = out.(writer.OpenScanOutput).ScanID
	a.mu.Unlock()
}

// Stop signals Run to close its watcher and return. Wait (via Run's
// caller) should join the goroutine running Run.
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

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	return hashutil.HashReader(f)
}
