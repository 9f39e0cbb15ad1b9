// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package contscan

import (
	"context"
	"database/sql"
	"errors"

	"github.com/panoptikon/gateway/internal/dbinterface"
)

// FileRecord is the subset of a files row the actor needs to decide how to
// react to an on-disk deletion: whether the row was created during this
// continuous session, and which item it belongs to.
type FileRecord struct {
	FileID          int64
	ItemID          int64
	CreatedInScanID int64
}

// Reader answers the read-only questions the actor needs before deciding on
// a write, backed by a sqliteconn.RoleReadOnly handle. The actor never
// deletes a row on the strength of a filesystem event alone; it always
// re-checks the indexed state through Reader first.
type Reader interface {
	FileByPath(ctx context.Context, path string) (FileRecord, bool, error)
	SiblingFileCount(ctx context.Context, itemID int64) (int, error)
	OpenContinuousScanID(ctx context.Context) (int64, bool, error)
}

// SQLReader implements Reader directly against a Querier, which in
// production is the *sql.Conn behind a sqliteconn.RoleReadOnly handle.
type SQLReader struct {
	Q dbinterface.Querier
}

func (r SQLReader) FileByPath(ctx context.Context, path string) (FileRecord, bool, error) {
	var rec FileRecord
	err := r.Q.QueryRowContext(ctx, `
		SELECT id, item_id, COALESCE(created_in_scan_id, 0) FROM files WHERE path = ?
	`, path).Scan(&rec.FileID, &rec.ItemID, &rec.CreatedInScanID)
	if errors.Is(err, sql.ErrNoRows) {
		return FileRecord{}, false, nil
	}
	if err != nil {
		return FileRecord{}, false, err
	}
	return rec, true, nil
}

func (r SQLReader) SiblingFileCount(ctx context.Context, itemID int64) (int, error) {
	var n int
	err := r.Q.QueryRowContext(ctx, `SELECT COUNT(*) FROM files WHERE item_id = ?`, itemID).Scan(&n)
	return n, err
}

func (r SQLReader) OpenContinuousScanID(ctx context.Context) (int64, bool, error) {
	var id int64
	err := r.Q.QueryRowContext(ctx, `
		SELECT id FROM file_scans WHERE path = ? AND end_time IS NULL
	`, sentinelContinuous).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return id, true, nil
}
