// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package writer

import (
	"context"
	"errors"
	"strings"
)

// classify maps a raw error from a write transaction to an ErrorKind. It
// matches on SQLite's own error text rather than a driver-specific typed
// error code: the pack carried no source showing the exact error type the
// ncruces/go-sqlite3 driver surfaces for these conditions, only consumers
// that propagate err.Error() directly, so matching the message SQLite
// itself produces is the only grounded option available.
func classify(err error) ErrorKind {
	if err == nil {
		return ""
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return ErrCancelled
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "malformed"), strings.Contains(msg, "corrupt"), strings.Contains(msg, "not a database"):
		return ErrCorrupt
	case strings.Contains(msg, "disk i/o error"), strings.Contains(msg, "unable to open database file"):
		return ErrIOLost
	case strings.Contains(msg, "constraint failed"), strings.Contains(msg, "constraint violation"):
		return ErrConflict
	case strings.Contains(msg, "database is locked"), strings.Contains(msg, "busy"):
		return ErrBusy
	default:
		return ErrInternal
	}
}

// waitErrorKind distinguishes a caller-supplied deadline elapsing while
// waiting on a full mailbox (Busy) from an explicit cancellation
// (Cancelled).
func waitErrorKind(ctx context.Context) ErrorKind {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return ErrBusy
	}
	return ErrCancelled
}
