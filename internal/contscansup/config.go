// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package contscansup

import (
	"os"

	"github.com/BurntSushi/toml"

	"github.com/panoptikon/gateway/internal/filterlang"
)

// DBConfig is one database key's per-DB TOML configuration, the
// Configuration Provider shape from spec §6 concretized for this process:
// BurntSushi/toml decoding of <data_root>/config/<db_key>.toml.
type DBConfig struct {
	ContinuousFilescan                  bool     `toml:"continuous_filescan"`
	ContinuousFilescanPollIntervalSecs  *uint32  `toml:"continuous_filescan_poll_interval_secs"`
	IncludeRoots                        []string `toml:"include_roots"`
	ExcludeRoots                        []string `toml:"exclude_roots"`
	FilescanFilter                      string   `toml:"filescan_filter"`
}

// LoadDBConfig decodes one per-DB TOML file. A missing FilescanFilter
// compiles to the match-all filter (filterlang.Compile("") never errors),
// so an invalid non-empty expression is the only way loading fails here,
// matching spec §7's ConfigInvalid contract. Exported so callers that
// enumerate ConfigDir directly (e.g. a cron-trigger handler) can decode a
// config file the same way the supervisor's own reconciliation does.
func LoadDBConfig(path string) (DBConfig, filterlang.CompiledFilter, error) {
	var cfg DBConfig
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return DBConfig{}, filterlang.CompiledFilter{}, err
	}
	filter, err := filterlang.Compile(cfg.FilescanFilter)
	if err != nil {
		return DBConfig{}, filterlang.CompiledFilter{}, err
	}
	return cfg, filter, nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
