// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package writer

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/panoptikon/gateway/pkg/stringutils"
)

// Kind tags which write variant an Op carries. Modeling operations as a
// tagged variant over a small fixed set, rather than an interface
// hierarchy, keeps the Writer Actor's dispatch a single lookup in the
// handlers table.
type Kind string

const (
	KindInsertFile Kind = "insert_file"
	KindDeleteFile Kind = "delete_file"
	KindRenameFile Kind = "rename_file"
	KindOpenScan   Kind = "open_scan"
	KindCloseScan  Kind = "close_scan"
	KindUpsertTag  Kind = "upsert_tag"

	KindAppendItemData Kind = "append_item_data"
)

// Op is one write message submitted to a Writer Actor. Exactly one of the
// typed payload fields is populated, matching Kind.
type Op struct {
	Kind Kind

	InsertFile *InsertFileParams
	DeleteFile *DeleteFileParams
	RenameFile *RenameFileParams
	OpenScan   *OpenScanParams
	CloseScan  *CloseScanParams
	UpsertTag  *UpsertTagParams

	AppendItemData *AppendItemDataParams
}

// RenameFileParams updates a File row's path in place, for the atomic
// rename case the Continuous-Scan Actor recognises by pairing a watcher
// rename event on the old path with a create event on the new path in the
// same coalesce window.
type RenameFileParams struct {
	FileID  int64
	NewPath string
}

// InsertFileParams describes inserting a newly scanned file. If no Item
// with ContentHash exists yet, one is created in the same transaction.
type InsertFileParams struct {
	ContentHash string
	Path        string
	Size        int64
	Mtime       time.Time
	ScanID      int64
}

// InsertFileOutput reports the row ids affected.
type InsertFileOutput struct {
	ItemID       int64
	FileID       int64
	ItemCreated  bool
}

// DeleteFileParams describes removing one File row. When the owning Item
// is left with zero Files, it is deleted in the same transaction
// (orphan-free items invariant).
type DeleteFileParams struct {
	FileID int64
}

// DeleteFileOutput reports whether the owning Item was also removed.
type DeleteFileOutput struct {
	ItemDeleted bool
}

// OpenScanParams starts a new file_scans row. Path is the sentinel
// "<continuous>" for continuous-scan rows, or a real root path for
// job-triggered scans.
type OpenScanParams struct {
	Path string
}

// OpenScanOutput carries the new row's id.
type OpenScanOutput struct {
	ScanID int64
}

// CloseScanParams closes an open file_scans row with final counters.
type CloseScanParams struct {
	ScanID   int64
	Inserted int64
	Deleted  int64
	Errors   int64
}

// UpsertTagParams inserts or refreshes one (item, setter, name) tag.
type UpsertTagParams struct {
	ItemID      int64
	SetterName  string
	Name        string
	Confidence  float64
}

// AppendItemDataParams appends one item_data row — the data-log entries a
// data-extraction job writes back after the inference backend responds.
// Rows are append-only; a re-extraction appends a newer row rather than
// rewriting the old one.
type AppendItemDataParams struct {
	ItemID     int64
	SetterName string
	DataType   string
	Value      []byte
}

// AppendItemDataOutput carries the new row's id.
type AppendItemDataOutput struct {
	DataID int64
}

// handler executes one Op's SQL against an open write transaction.
type handler func(ctx context.Context, tx *sql.Tx, op Op) (any, error)

var handlers = map[Kind]handler{
	KindInsertFile: execInsertFile,
	KindDeleteFile: execDeleteFile,
	KindRenameFile: execRenameFile,
	KindOpenScan:   execOpenScan,
	KindCloseScan:  execCloseScan,
	KindUpsertTag:  execUpsertTag,

	KindAppendItemData: execAppendItemData,
}

var errUnknownKind = errors.New("writer: unknown op kind")

func execInsertFile(ctx context.Context, tx *sql.Tx, op Op) (any, error) {
	p := op.InsertFile

	var itemID int64
	var created bool
	err := tx.QueryRowContext(ctx, `SELECT id FROM items WHERE content_hash = ?`, p.ContentHash).Scan(&itemID)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		res, err := tx.ExecContext(ctx, `INSERT INTO items (content_hash) VALUES (?)`, p.ContentHash)
		if err != nil {
			return nil, err
		}
		itemID, err = res.LastInsertId()
		if err != nil {
			return nil, err
		}
		created = true
	case err != nil:
		return nil, err
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO files (item_id, path, size, mtime, scan_id, created_in_scan_id)
		VALUES (?, ?, ?, ?, ?, ?)
	`, itemID, p.Path, p.Size, p.Mtime, p.ScanID, p.ScanID)
	if err != nil {
		return nil, err
	}
	fileID, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}

	return InsertFileOutput{ItemID: itemID, FileID: fileID, ItemCreated: created}, nil
}

// RenameFileOutput reports whether a row was actually updated.
type RenameFileOutput struct {
	Updated bool
}

func execRenameFile(ctx context.Context, tx *sql.Tx, op Op) (any, error) {
	p := op.RenameFile

	res, err := tx.ExecContext(ctx, `UPDATE files SET path = ? WHERE id = ?`, p.NewPath, p.FileID)
	if err != nil {
		return nil, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	return RenameFileOutput{Updated: n > 0}, nil
}

func execDeleteFile(ctx context.Context, tx *sql.Tx, op Op) (any, error) {
	p := op.DeleteFile

	var itemID int64
	if err := tx.QueryRowContext(ctx, `SELECT item_id FROM files WHERE id = ?`, p.FileID).Scan(&itemID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return DeleteFileOutput{}, nil
		}
		return nil, err
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM files WHERE id = ?`, p.FileID); err != nil {
		return nil, err
	}

	var remaining int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM files WHERE item_id = ?`, itemID).Scan(&remaining); err != nil {
		return nil, err
	}

	if remaining == 0 {
		if _, err := tx.ExecContext(ctx, `DELETE FROM items WHERE id = ?`, itemID); err != nil {
			return nil, err
		}
		return DeleteFileOutput{ItemDeleted: true}, nil
	}

	return DeleteFileOutput{}, nil
}

func execOpenScan(ctx context.Context, tx *sql.Tx, op Op) (any, error) {
	p := op.OpenScan

	res, err := tx.ExecContext(ctx, `INSERT INTO file_scans (path) VALUES (?)`, p.Path)
	if err != nil {
		return nil, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	return OpenScanOutput{ScanID: id}, nil
}

func execCloseScan(ctx context.Context, tx *sql.Tx, op Op) (any, error) {
	p := op.CloseScan

	_, err := tx.ExecContext(ctx, `
		UPDATE file_scans
		SET end_time = CURRENT_TIMESTAMP, inserted = ?, deleted = ?, errors = ?
		WHERE id = ? AND end_time IS NULL
	`, p.Inserted, p.Deleted, p.Errors, p.ScanID)
	if err != nil {
		return nil, err
	}
	return nil, nil
}

func execUpsertTag(ctx context.Context, tx *sql.Tx, op Op) (any, error) {
	p := op.UpsertTag
	// Interning setter and tag names: the same handful of setters (e.g.
	// "openai-vision", "manual") and a bounded tag vocabulary write
	// millions of rows, so deduplicating the Go-side string saves an
	// allocation per upsert instead of per unique value.
	setterName := stringutils.Intern(p.SetterName)
	tagName := stringutils.Intern(p.Name)

	var setterID int64
	err := tx.QueryRowContext(ctx, `SELECT id FROM setters WHERE name = ?`, setterName).Scan(&setterID)
	if errors.Is(err, sql.ErrNoRows) {
		res, err := tx.ExecContext(ctx, `INSERT INTO setters (name) VALUES (?)`, setterName)
		if err != nil {
			return nil, err
		}
		setterID, err = res.LastInsertId()
		if err != nil {
			return nil, err
		}
	} else if err != nil {
		return nil, err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO tags (item_id, setter_id, name, confidence) VALUES (?, ?, ?, ?)
		ON CONFLICT(item_id, setter_id, name) DO UPDATE SET confidence = excluded.confidence
	`, p.ItemID, setterID, tagName, p.Confidence)
	return nil, err
}

func execAppendItemData(ctx context.Context, tx *sql.Tx, op Op) (any, error) {
	p := op.AppendItemData
	setterName := stringutils.Intern(p.SetterName)

	var setterID int64
	err := tx.QueryRowContext(ctx, `SELECT id FROM setters WHERE name = ?`, setterName).Scan(&setterID)
	if errors.Is(err, sql.ErrNoRows) {
		res, err := tx.ExecContext(ctx, `INSERT INTO setters (name) VALUES (?)`, setterName)
		if err != nil {
			return nil, err
		}
		setterID, err = res.LastInsertId()
		if err != nil {
			return nil, err
		}
	} else if err != nil {
		return nil, err
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO item_data (item_id, setter_id, data_type, value) VALUES (?, ?, ?, ?)
	`, p.ItemID, setterID, stringutils.Intern(p.DataType), p.Value)
	if err != nil {
		return nil, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	return AppendItemDataOutput{DataID: id}, nil
}
