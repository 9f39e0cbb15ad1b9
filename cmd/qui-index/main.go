// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Command qui-index is the gateway process entrypoint: a cobra root with
// serve and db subcommands, mirroring cmd/qui's RunE-based command
// construction and flag wiring (cmd/qui/db_command.go).
package main

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/panoptikon/gateway/internal/buildinfo"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var configPath string
	var logLevel string

	cmd := &cobra.Command{
		Use:   "qui-index",
		Short: "Multi-tenant file-indexing gateway",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			level, err := zerolog.ParseLevel(logLevel)
			if err != nil {
				level = zerolog.InfoLevel
			}
			zerolog.SetGlobalLevel(level)
			log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
		},
	}

	cmd.PersistentFlags().StringVar(&configPath, "config", "", "path to the gateway's TOML config file")
	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (trace, debug, info, warn, error)")

	cmd.AddCommand(newServeCommand(&configPath))
	cmd.AddCommand(newDBCommand(&configPath))
	cmd.AddCommand(newVersionCommand())

	return cmd
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print build version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(buildinfo.String())
		},
	}
}

// configureLogging re-points the global logger once config is loaded: the
// console writer stays, and when logPath is set a size-rotated file writer
// is added alongside it. An explicitly configured level overrides the
// --log-level flag; an empty one leaves the flag's level in place.
func configureLogging(level, logPath string) {
	if lvl, err := zerolog.ParseLevel(level); err == nil && level != "" {
		zerolog.SetGlobalLevel(lvl)
	}

	console := zerolog.ConsoleWriter{Out: os.Stderr}
	if logPath == "" {
		log.Logger = log.Output(console)
		return
	}

	rotated := &lumberjack.Logger{
		Filename:   logPath,
		MaxSize:    50, // megabytes
		MaxBackups: 3,
		MaxAge:     28, // days
		Compress:   true,
	}
	log.Logger = log.Output(zerolog.MultiLevelWriter(console, rotated))
}
