// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package httphelpers

import "strings"

// NormalizeBasePath trims whitespace and surrounding slashes from a
// configured base path, returning "" for an empty or root path and a
// single leading-slash, no-trailing-slash form otherwise.
func NormalizeBasePath(basePath string) string {
	trimmed := strings.Trim(strings.TrimSpace(basePath), "/")
	if trimmed == "" {
		return ""
	}
	return "/" + trimmed
}

// JoinBasePath joins a normalized base path with a request suffix,
// guaranteeing exactly one slash between them and a leading slash on the
// result.
func JoinBasePath(basePath, suffix string) string {
	base := NormalizeBasePath(basePath)
	suffix = strings.TrimPrefix(strings.TrimSpace(suffix), "/")
	switch {
	case suffix == "":
		if base == "" {
			return "/"
		}
		return base
	case base == "":
		return "/" + suffix
	default:
		return base + "/" + suffix
	}
}
