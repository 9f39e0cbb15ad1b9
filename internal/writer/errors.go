// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package writer

import "errors"

// ErrorKind classifies a write failure so callers and the supervisor can
// react appropriately: retry, surface to the user, or restart the actor.
type ErrorKind string

const (
	// ErrConflict means SQLite itself rejected the write on a constraint
	// (e.g. UNIQUE violation).
	ErrConflict ErrorKind = "write_conflict"
	// ErrBusy means the caller's deadline elapsed while waiting on the
	// actor (a full mailbox or a slow reply), or SQLite reported the
	// database locked or busy.
	ErrBusy ErrorKind = "busy"
	// ErrCorrupt means SQLite reported the database file itself is
	// damaged. The actor drops its cached connection and reports
	// unhealthy to the supervisor.
	ErrCorrupt ErrorKind = "database_corrupt"
	// ErrIOLost means a read or write against the underlying file failed
	// at the OS level (disk removed, permission revoked mid-session).
	// Like ErrCorrupt, this drops the cached connection.
	ErrIOLost ErrorKind = "io_lost"
	// ErrCancelled means the caller's context was cancelled before or
	// during execution.
	ErrCancelled ErrorKind = "cancelled"
	// ErrInternal is anything else: a driver error with no special
	// handling, rolled back and reported verbatim.
	ErrInternal ErrorKind = "internal"
)

// Error wraps a write failure with its classification. The actor, not the
// op handler, assigns the classification, since only the actor knows
// whether the failure came from SQLite itself or from the op's own logic.
type Error struct {
	Kind ErrorKind
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return string(e.Kind) + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// dropsConnection reports whether the actor must discard its cached handle
// after this failure rather than reuse it for the next op.
func (k ErrorKind) dropsConnection() bool {
	return k == ErrCorrupt || k == ErrIOLost
}

var errMailboxClosed = errors.New("writer: actor stopped")
