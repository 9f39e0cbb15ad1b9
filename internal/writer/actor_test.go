// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package writer

import (
	"context"
	"database/sql"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/panoptikon/gateway/internal/sqliteconn"
)

const testSchema = `
CREATE TABLE items (id INTEGER PRIMARY KEY, content_hash TEXT UNIQUE);
CREATE TABLE files (
	id INTEGER PRIMARY KEY,
	item_id INTEGER NOT NULL REFERENCES items(id),
	path TEXT NOT NULL,
	size INTEGER,
	mtime TIMESTAMP,
	scan_id INTEGER,
	created_in_scan_id INTEGER
);
CREATE TABLE file_scans (
	id INTEGER PRIMARY KEY,
	path TEXT NOT NULL,
	start_time TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
	end_time TIMESTAMP,
	inserted INTEGER DEFAULT 0,
	deleted INTEGER DEFAULT 0,
	errors INTEGER DEFAULT 0
);
CREATE TABLE setters (id INTEGER PRIMARY KEY, name TEXT UNIQUE);
CREATE TABLE item_data (
	id INTEGER PRIMARY KEY,
	item_id INTEGER NOT NULL,
	setter_id INTEGER NOT NULL,
	data_type TEXT NOT NULL,
	value BLOB,
	created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);
CREATE TABLE tags (
	id INTEGER PRIMARY KEY,
	item_id INTEGER NOT NULL,
	setter_id INTEGER NOT NULL,
	name TEXT NOT NULL,
	confidence REAL,
	UNIQUE(item_id, setter_id, name)
);
`

// memOpener opens a single shared in-memory *sql.DB and hands back fresh
// Handles wrapping the same underlying connection pool, so every "open"
// call in a test sees the same schema without touching disk.
type memOpener struct {
	mu sync.Mutex
	db *sql.DB
}

func newMemOpener(t *testing.T) *memOpener {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	_, err = db.Exec(testSchema)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return &memOpener{db: db}
}

func (m *memOpener) open(ctx context.Context, _ sqliteconn.Paths) (*sqliteconn.Handle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	conn, err := m.db.Conn(ctx)
	if err != nil {
		return nil, err
	}
	return &sqliteconn.Handle{Conn: conn, Role: sqliteconn.RoleIndexWrite}, nil
}

type fakeSupervisor struct {
	mu      sync.Mutex
	reports []string
}

func (f *fakeSupervisor) ReportUnhealthy(dbKey string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reports = append(f.reports, dbKey)
}

func newTestActor(t *testing.T) (*Actor, *memOpener) {
	t.Helper()
	mem := newMemOpener(t)
	a := New("testkey", sqliteconn.Paths{}, &fakeSupervisor{})
	a.open = mem.open
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go a.Run(ctx)
	t.Cleanup(func() {
		a.Stop()
		a.Wait()
	})
	return a, mem
}

func TestActorInsertFileCreatesItemAndFile(t *testing.T) {
	a, _ := newTestActor(t)

	out, err := a.Submit(context.Background(), Op{
		Kind: KindInsertFile,
		InsertFile: &InsertFileParams{
			ContentHash: "abc123",
			Path:        "/media/movie.mkv",
			Size:        1024,
			Mtime:       time.Now(),
			ScanID:      0,
		},
	})
	require.NoError(t, err)

	res := out.(InsertFileOutput)
	require.True(t, res.ItemCreated)
	require.NotZero(t, res.ItemID)
	require.NotZero(t, res.FileID)
}

func TestActorInsertFileReusesExistingItem(t *testing.T) {
	a, _ := newTestActor(t)

	first, err := a.Submit(context.Background(), Op{
		Kind: KindInsertFile,
		InsertFile: &InsertFileParams{ContentHash: "dupe", Path: "/a/one.mkv", Size: 1},
	})
	require.NoError(t, err)

	second, err := a.Submit(context.Background(), Op{
		Kind: KindInsertFile,
		InsertFile: &InsertFileParams{ContentHash: "dupe", Path: "/a/two.mkv", Size: 1},
	})
	require.NoError(t, err)

	firstOut := first.(InsertFileOutput)
	secondOut := second.(InsertFileOutput)
	require.True(t, firstOut.ItemCreated)
	require.False(t, secondOut.ItemCreated)
	require.Equal(t, firstOut.ItemID, secondOut.ItemID)
}

func TestActorDeleteFileRemovesOrphanItem(t *testing.T) {
	a, _ := newTestActor(t)

	inserted, err := a.Submit(context.Background(), Op{
		Kind: KindInsertFile,
		InsertFile: &InsertFileParams{ContentHash: "solo", Path: "/only/one.mkv", Size: 1},
	})
	require.NoError(t, err)
	fileID := inserted.(InsertFileOutput).FileID

	out, err := a.Submit(context.Background(), Op{
		Kind:       KindDeleteFile,
		DeleteFile: &DeleteFileParams{FileID: fileID},
	})
	require.NoError(t, err)
	require.True(t, out.(DeleteFileOutput).ItemDeleted)
}

func TestActorAppendItemDataCreatesSetterAndRow(t *testing.T) {
	a, mem := newTestActor(t)

	inserted, err := a.Submit(context.Background(), Op{
		Kind:       KindInsertFile,
		InsertFile: &InsertFileParams{ContentHash: "withdata", Path: "/d/one.mkv", Size: 1},
	})
	require.NoError(t, err)
	itemID := inserted.(InsertFileOutput).ItemID

	first, err := a.Submit(context.Background(), Op{
		Kind:           KindAppendItemData,
		AppendItemData: &AppendItemDataParams{ItemID: itemID, SetterName: "ocr", DataType: "text", Value: []byte("hello")},
	})
	require.NoError(t, err)
	require.NotZero(t, first.(AppendItemDataOutput).DataID)

	// A second append for the same setter reuses the setter row and adds a
	// new data row rather than overwriting the first.
	second, err := a.Submit(context.Background(), Op{
		Kind:           KindAppendItemData,
		AppendItemData: &AppendItemDataParams{ItemID: itemID, SetterName: "ocr", DataType: "text", Value: []byte("hello again")},
	})
	require.NoError(t, err)
	require.NotEqual(t, first.(AppendItemDataOutput).DataID, second.(AppendItemDataOutput).DataID)

	var setters, rows int
	require.NoError(t, mem.db.QueryRow(`SELECT COUNT(*) FROM setters WHERE name = 'ocr'`).Scan(&setters))
	require.NoError(t, mem.db.QueryRow(`SELECT COUNT(*) FROM item_data WHERE item_id = ?`, itemID).Scan(&rows))
	require.Equal(t, 1, setters)
	require.Equal(t, 2, rows)
}

func TestActorRequestsAreSerialized(t *testing.T) {
	a, _ := newTestActor(t)

	const n = 20
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := a.Submit(context.Background(), Op{
				Kind: KindInsertFile,
				InsertFile: &InsertFileParams{
					ContentHash: "concurrent",
					Path:        "/race/file.mkv",
				},
			})
			errs[i] = err
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		require.NoError(t, err)
	}
}

func TestActorRejectsUnknownOpKind(t *testing.T) {
	a, _ := newTestActor(t)

	_, err := a.Submit(context.Background(), Op{Kind: "nonsense"})
	require.Error(t, err)

	var wErr *Error
	require.ErrorAs(t, err, &wErr)
	require.Equal(t, ErrInternal, wErr.Kind)
}

func TestActorSubmitHonorsCancelledContext(t *testing.T) {
	a, _ := newTestActor(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := a.Submit(ctx, Op{
		Kind:       KindOpenScan,
		OpenScan:   &OpenScanParams{Path: "<continuous>"},
	})
	require.Error(t, err)

	var wErr *Error
	require.ErrorAs(t, err, &wErr)
	require.Equal(t, ErrCancelled, wErr.Kind)
}

func TestActorEvictsIdleConnection(t *testing.T) {
	mem := newMemOpener(t)
	a := New("idlekey", sqliteconn.Paths{}, nil)
	a.open = mem.open
	a.IdleTimeout = 20 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go a.Run(ctx)
	defer func() {
		a.Stop()
		a.Wait()
	}()

	_, err := a.Submit(context.Background(), Op{
		Kind:     KindOpenScan,
		OpenScan: &OpenScanParams{Path: "<continuous>"},
	})
	require.NoError(t, err)

	a.mu.Lock()
	require.NotNil(t, a.handle)
	a.mu.Unlock()

	require.Eventually(t, func() bool {
		a.mu.Lock()
		defer a.mu.Unlock()
		return a.handle == nil
	}, time.Second, 5*time.Millisecond, "idle connection should be evicted")
}

func TestActorStopDrainsQueuedRequests(t *testing.T) {
	a, _ := newTestActor(t)

	reply := make(chan result, 1)
	a.mailbox <- request{
		ctx: context.Background(),
		op: Op{
			Kind:     KindOpenScan,
			OpenScan: &OpenScanParams{Path: "<continuous>"},
		},
		reply: reply,
	}

	a.Stop()

	select {
	case r := <-reply:
		require.NoError(t, r.err)
	case <-time.After(time.Second):
		t.Fatal("queued request never replied after Stop")
	}
}
