// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package hashutil computes the content hashes the File-Scan Service uses
// to detect whether a file's bytes changed between scans.
package hashutil

import (
	"encoding/hex"
	"io"

	"github.com/cespare/xxhash/v2"
)

// HashReader streams r through xxhash and returns the digest as lowercase
// hex. It never buffers the whole file in memory, so it is safe to call on
// arbitrarily large candidates during a scan.
func HashReader(r io.Reader) (string, error) {
	h := xxhash.New()
	if _, err := io.Copy(h, r); err != nil {
		return "", err
	}
	return encode(h.Sum64()), nil
}

// HashBytes hashes an in-memory buffer, for small files already read for
// metadata probing.
func HashBytes(b []byte) string {
	return encode(xxhash.Sum64(b))
}

func encode(sum uint64) string {
	var buf [8]byte
	for i := 0; i < 8; i++ {
		buf[i] = byte(sum >> (56 - 8*i))
	}
	return hex.EncodeToString(buf[:])
}
