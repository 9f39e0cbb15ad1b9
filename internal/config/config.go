// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package config loads process-wide configuration: a TOML file overlaid by
// environment variables, matching the teacher's struct-tag style
// (internal/domain/config.go) but read through spf13/viper (the teacher's
// direct dependency for exactly this) the way untoldecay-BeadsLog's
// internal/config/config.go does.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"
)

// AppConfig is the process-wide gateway configuration: listen addresses,
// the data root under which every database key's index/storage/user_data
// triple and per-DB TOML config live, and the ambient toggles spec.md §6
// lists.
type AppConfig struct {
	Host    string `toml:"host" mapstructure:"host"`
	BaseURL string `toml:"baseUrl" mapstructure:"baseUrl"`
	DataDir string `toml:"dataDir" mapstructure:"dataDir"`

	LogLevel string `toml:"logLevel" mapstructure:"logLevel"`
	LogPath  string `toml:"logPath" mapstructure:"logPath"`

	// InferenceURL is the base URL of the external inference backend
	// data-extraction jobs call. Empty disables the extract endpoint.
	InferenceURL string `toml:"inferenceUrl" mapstructure:"inferenceUrl"`

	MetricsHost           string `toml:"metricsHost" mapstructure:"metricsHost"`
	MetricsBasicAuthUsers string `toml:"metricsBasicAuthUsers" mapstructure:"metricsBasicAuthUsers"`

	Port        int `toml:"port" mapstructure:"port"`
	MetricsPort int `toml:"metricsPort" mapstructure:"metricsPort"`

	MetricsEnabled  bool `toml:"metricsEnabled" mapstructure:"metricsEnabled"`
	PprofEnabled    bool `toml:"pprofEnabled" mapstructure:"pprofEnabled"`
	WatcherDisabled bool `toml:"watcherDisabled" mapstructure:"watcherDisabled"`

	// Experimental carries the EXPERIMENTAL_RUST_* toggles collaborators
	// read directly by name (not through the QUI_INDEX_ env prefix), so it
	// is populated from os.Getenv after Unmarshal rather than via viper.
	Experimental ExperimentalToggles `toml:"-" mapstructure:"-"`
}

// ExperimentalToggles are the environment-gated feature switches spec.md
// §6 names verbatim: enabling the local DB-creation endpoint, running
// migrate_all at startup, and enabling the Job Queue endpoint surface.
// Each is read from its own literal environment variable rather than the
// app's TOML/viper namespace, matching how collaborators actually observe
// them.
type ExperimentalToggles struct {
	DBCreation       bool
	DBAutoMigrations bool
	Jobs             bool
}

func loadExperimentalToggles() ExperimentalToggles {
	return ExperimentalToggles{
		DBCreation:       parseBoolToggle(os.Getenv("EXPERIMENTAL_RUST_DB_CREATION")),
		DBAutoMigrations: parseBoolToggle(os.Getenv("EXPERIMENTAL_RUST_DB_AUTO_MIGRATIONS")),
		Jobs:             parseBoolToggle(os.Getenv("EXPERIMENTAL_RUST_JOBS")),
	}
}

// parseBoolToggle accepts the {1,true,yes,on} set, case-insensitive, per
// spec.md §6; anything else (including unset) is false.
func parseBoolToggle(val string) bool {
	switch strings.ToLower(strings.TrimSpace(val)) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

// AppConfigProvider holds the loaded config plus the viper instance it was
// decoded from, mirroring the teacher's config.AppConfig wrapper so
// handlers can read deps.Config.Config.Field directly.
type AppConfigProvider struct {
	Config AppConfig
	v      *viper.Viper
}

func defaults(v *viper.Viper) {
	v.SetDefault("host", "127.0.0.1")
	v.SetDefault("port", 7476)
	// logLevel has no default: the --log-level flag governs unless the
	// config file sets a level explicitly.
	v.SetDefault("metricsHost", "127.0.0.1")
	v.SetDefault("metricsPort", 7477)
	v.SetDefault("metricsEnabled", false)
	v.SetDefault("pprofEnabled", false)
	v.SetDefault("watcherDisabled", false)
}

// Load reads configPath (a TOML file; may not exist, in which case only
// defaults and environment variables apply) and overlays environment
// variables prefixed QUI_INDEX_, replacing dots with underscores the way
// BeadsLog's loader maps BD_NO_DAEMON onto "no-daemon".
func Load(configPath string) (*AppConfigProvider, error) {
	v := viper.New()
	v.SetConfigType("toml")
	defaults(v)

	v.SetEnvPrefix("QUI_INDEX")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// AutomaticEnv only surfaces keys viper already knows about; bind the
	// keys without a default so Unmarshal sees their environment values too.
	for _, key := range []string{"baseUrl", "dataDir", "logLevel", "logPath", "inferenceUrl", "metricsBasicAuthUsers"} {
		_ = v.BindEnv(key)
	}

	// viper.ReadInConfig only returns ConfigFileNotFoundError when it
	// searches for the config by name; an explicit SetConfigFile path that
	// doesn't exist surfaces as a plain *fs.PathError instead, so a missing
	// file is checked for up front rather than by inspecting the error type.
	if configPath != "" {
		v.SetConfigFile(configPath)
		if _, err := os.Stat(configPath); err == nil {
			if err := v.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("config: read %s: %w", configPath, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("config: stat %s: %w", configPath, err)
		}
	}

	var cfg AppConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}
	if cfg.DataDir == "" {
		return nil, fmt.Errorf("config: dataDir is required")
	}
	cfg.Experimental = loadExperimentalToggles()

	return &AppConfigProvider{Config: cfg, v: v}, nil
}

// MetricsBasicAuthCredentials parses the "user:pass,user2:pass2" form the
// teacher's MetricsBasicAuthUsers field implies into a lookup map.
func (p *AppConfigProvider) MetricsBasicAuthCredentials() map[string]string {
	out := map[string]string{}
	raw := p.Config.MetricsBasicAuthUsers
	if raw == "" {
		return out
	}
	for _, pair := range strings.Split(raw, ",") {
		user, pass, ok := strings.Cut(strings.TrimSpace(pair), ":")
		if !ok || user == "" {
			continue
		}
		out[user] = pass
	}
	return out
}
