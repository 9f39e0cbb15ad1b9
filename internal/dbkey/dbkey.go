// Package dbkey derives and validates the on-disk database key used to name
// every file in a tenant's SQLite triple (index/<db_key>.db,
// storage/<db_key>.db, user_data/<db_key>.db).
package dbkey

import (
	"encoding/hex"
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/panoptikon/gateway/pkg/pathutil"
)

const maxRawLen = 200

// Derive turns an arbitrary tenant-supplied name into a filesystem-safe,
// deterministic database key. Names that are already a safe lowercase
// identifier pass through unchanged (after lowercasing); names containing
// path separators, reserved device names, or characters that would not
// round-trip through SanitizePathSegment are rewritten as an 8-hex-digit
// content hash prefix plus the best-effort sanitized remainder, mirroring
// the hash-prefix-plus-name shape used elsewhere in this codebase for
// deterministic, collision-resistant identifiers.
func Derive(raw string) string {
	raw = strings.TrimSpace(raw)
	if len(raw) > maxRawLen {
		raw = raw[:maxRawLen]
	}

	lower := strings.ToLower(raw)
	sanitized := pathutil.SanitizePathSegment(lower)

	if sanitized == lower && isSafeIdentifier(lower) {
		return lower
	}

	prefix := hashPrefix(raw)
	if sanitized == "" || sanitized == "_" {
		return prefix
	}
	return prefix + "-" + sanitized
}

// Valid reports whether key could have been produced by Derive and is safe
// to use directly as a path segment.
func Valid(key string) bool {
	if key == "" || key != strings.ToLower(key) {
		return false
	}
	return pathutil.SanitizePathSegment(key) == key
}

func hashPrefix(raw string) string {
	sum := xxhash.Sum64String(raw)
	var buf [8]byte
	for i := 0; i < 8; i++ {
		buf[i] = byte(sum >> (56 - 8*i))
	}
	return hex.EncodeToString(buf[:4])
}

func isSafeIdentifier(s string) bool {
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= '0' && r <= '9':
		case r == '-' || r == '_' || r == '.':
		default:
			return false
		}
	}
	return true
}
