// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package pathutil sanitizes user-supplied strings for safe use as path
// segments on both POSIX and Windows filesystems.
package pathutil

import "strings"

const illegalChars = `<>:"/\|?*`

var reservedNames = map[string]struct{}{
	"CON": {}, "PRN": {}, "AUX": {}, "NUL": {},
	"COM1": {}, "COM2": {}, "COM3": {}, "COM4": {}, "COM5": {},
	"COM6": {}, "COM7": {}, "COM8": {}, "COM9": {},
	"LPT1": {}, "LPT2": {}, "LPT3": {}, "LPT4": {}, "LPT5": {},
	"LPT6": {}, "LPT7": {}, "LPT8": {}, "LPT9": {},
}

// SanitizePathSegment strips characters that are illegal in a Windows or
// POSIX path segment, trims trailing dots/spaces (Windows truncates these
// silently), and underscore-prefixes Windows reserved device names so the
// result is always safe to use as a single path component.
func SanitizePathSegment(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if strings.ContainsRune(illegalChars, r) {
			continue
		}
		b.WriteRune(r)
	}

	result := strings.TrimRight(b.String(), " .")
	if result == "" {
		return "_"
	}

	if isReservedName(result) {
		return "_" + result
	}

	return result
}

func isReservedName(s string) bool {
	_, ok := reservedNames[strings.ToUpper(s)]
	return ok
}
