// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package filescan

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/panoptikon/gateway/internal/filterlang"
	"github.com/panoptikon/gateway/internal/writer"
)

// fakeActor is a minimal in-memory stand-in for a *writer.Actor, tracking
// every op it was asked to perform so tests can assert on call shape
// without a real SQLite connection.
type fakeActor struct {
	mu        sync.Mutex
	nextID    int64
	inserted  []writer.InsertFileParams
	deleted   []writer.DeleteFileParams
	closed    []writer.CloseScanParams
	failPaths map[string]bool
}

func newFakeActor() *fakeActor {
	return &fakeActor{failPaths: map[string]bool{}}
}

func (f *fakeActor) Submit(ctx context.Context, op writer.Op) (any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++

	switch op.Kind {
	case writer.KindOpenScan:
		return writer.OpenScanOutput{ScanID: f.nextID}, nil
	case writer.KindCloseScan:
		f.closed = append(f.closed, *op.CloseScan)
		return nil, nil
	case writer.KindInsertFile:
		if f.failPaths[op.InsertFile.Path] {
			return nil, &writer.Error{Kind: writer.ErrInternal}
		}
		f.inserted = append(f.inserted, *op.InsertFile)
		return writer.InsertFileOutput{ItemID: f.nextID, FileID: f.nextID, ItemCreated: true}, nil
	case writer.KindDeleteFile:
		f.deleted = append(f.deleted, *op.DeleteFile)
		return writer.DeleteFileOutput{}, nil
	default:
		return nil, nil
	}
}

func writeFile(t *testing.T, dir, name string, size int) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, make([]byte, size), 0o644))
	return path
}

func TestScanInsertsMatchingFiles(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "movie.mkv", 2048)
	writeFile(t, dir, "notes.txt", 10)

	filter, err := filterlang.Compile(`size > 1024`)
	require.NoError(t, err)

	a := newFakeActor()
	svc := New()

	sum, err := svc.Scan(context.Background(), a, Request{Root: dir, Filter: filter})
	require.NoError(t, err)
	require.EqualValues(t, 1, sum.Inserted)
	require.EqualValues(t, 1, sum.Filtered)
	require.EqualValues(t, 0, sum.Errors, "a filtered-out file is a rejection, not an error")
	require.Len(t, a.inserted, 1)
	require.Equal(t, filepath.Join(dir, "movie.mkv"), a.inserted[0].Path)
}

func TestScanSkipsHiddenEntries(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, ".hidden.mkv", 2048)
	require.NoError(t, os.Mkdir(filepath.Join(dir, ".git"), 0o755))
	writeFile(t, dir, "visible.mkv", 2048)

	a := newFakeActor()
	svc := New()

	sum, err := svc.Scan(context.Background(), a, Request{Root: dir})
	require.NoError(t, err)
	require.EqualValues(t, 1, sum.Inserted)
	require.Equal(t, filepath.Join(dir, "visible.mkv"), a.inserted[0].Path)
}

func TestScanRecordsPerFileErrorsAndContinues(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "bad.mkv", 100)
	writeFile(t, dir, "good.mkv", 100)

	a := newFakeActor()
	a.failPaths[filepath.Join(dir, "bad.mkv")] = true
	svc := New()

	sum, err := svc.Scan(context.Background(), a, Request{Root: dir})
	require.NoError(t, err)
	require.EqualValues(t, 1, sum.Inserted)
	require.EqualValues(t, 1, sum.Errors)
}

func TestScanClosesScanRowWithCounters(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.mkv", 10)

	a := newFakeActor()
	svc := New()

	_, err := svc.Scan(context.Background(), a, Request{Root: dir})
	require.NoError(t, err)
	require.Len(t, a.closed, 1)
	require.EqualValues(t, 1, a.closed[0].Inserted)
}

// fakeReader backs the pruning phase with a fixed set of existing rows.
type fakeReader struct {
	files []ExistingFile
}

func (r fakeReader) FilesUnderRoot(ctx context.Context, root string) ([]ExistingFile, error) {
	return r.files, nil
}

func TestScanPrunesUntouchedFiles(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "kept.mkv", 10)

	staleePath := filepath.Join(dir, "deleted-from-disk.mkv")
	reader := fakeReader{files: []ExistingFile{{FileID: 42, Path: staleePath, Size: 5}}}

	a := newFakeActor()
	svc := New()

	pruneFilter, err := filterlang.Compile("") // match-all prune filter
	require.NoError(t, err)

	sum, err := svc.Scan(context.Background(), a, Request{
		Root:        dir,
		Reader:      reader,
		PruneFilter: pruneFilter,
	})
	require.NoError(t, err)
	require.EqualValues(t, 1, sum.Deleted)
	require.Len(t, a.deleted, 1)
	require.EqualValues(t, 42, a.deleted[0].FileID)
}

func TestScanCancellationStopsWalkEarly(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.mkv", 10)
	writeFile(t, dir, "b.mkv", 10)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	a := newFakeActor()
	svc := New()

	_, err := svc.Scan(ctx, a, Request{Root: dir})
	require.Error(t, err)
}

// cancellationHonoringActor rejects any Submit whose context is already
// done, the same outcome writer.Actor.Submit's ctx.Done()-vs-mailbox-send
// race can produce once the caller's context is cancelled.
type cancellationHonoringActor struct {
	fakeActor
}

func (f *cancellationHonoringActor) Submit(ctx context.Context, op writer.Op) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return f.fakeActor.Submit(ctx, op)
}

func TestScanCancellationStillClosesScanRowWithDetachedContext(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.mkv", 10)
	writeFile(t, dir, "b.mkv", 10)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	a := &cancellationHonoringActor{fakeActor: *newFakeActor()}
	svc := New()

	_, err := svc.Scan(ctx, a, Request{Root: dir})
	require.Error(t, err)
	require.Len(t, a.closed, 1, "cleanup CloseScan must still reach the writer on a detached context after cancellation")
}
