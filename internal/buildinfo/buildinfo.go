// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package buildinfo exposes version metadata stamped in at link time via
// -ldflags, falling back to sane defaults for local/dev builds.
package buildinfo

import (
	"encoding/json"
	"fmt"
	"runtime"
)

var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

// UserAgent is sent on every outbound HTTP request this process makes.
var UserAgent string

func init() {
	UserAgent = fmt.Sprintf("gatewayd/%s (%s/%s)", Version, runtime.GOOS, runtime.GOARCH)
}

// String renders a human-readable multi-line build summary.
func String() string {
	return fmt.Sprintf("Version: %s\nCommit: %s\nBuild date: %s", Version, Commit, Date)
}

type info struct {
	Version string `json:"version"`
	Commit  string `json:"commit"`
	Date    string `json:"date"`
}

// JSON renders the same build summary as a JSON document, used by the
// unauthenticated /api/version endpoint.
func JSON() ([]byte, error) {
	return json.Marshal(info{Version: Version, Commit: Commit, Date: Date})
}
