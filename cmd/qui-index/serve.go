// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"context"
	"net/http"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/panoptikon/gateway/internal/buildinfo"
	gatewayconfig "github.com/panoptikon/gateway/internal/config"
	"github.com/panoptikon/gateway/internal/contscansup"
	"github.com/panoptikon/gateway/internal/dbadmin"
	"github.com/panoptikon/gateway/internal/filescan"
	"github.com/panoptikon/gateway/internal/inference"
	"github.com/panoptikon/gateway/internal/jobqueue"
	"github.com/panoptikon/gateway/internal/jobsapi"
	"github.com/panoptikon/gateway/internal/metrics"
	"github.com/panoptikon/gateway/internal/migrate"
	"github.com/panoptikon/gateway/internal/proxy"
	"github.com/panoptikon/gateway/internal/sqliteconn"
	"github.com/panoptikon/gateway/internal/writersup"
)

func newServeCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway HTTP server and background actors",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), *configPath)
		},
	}
}

func pathsForKey(dataDir string) func(dbKey string) sqliteconn.Paths {
	return func(dbKey string) sqliteconn.Paths {
		return sqliteconn.Paths{
			Index:    filepath.Join(dataDir, "index", dbKey+".db"),
			Storage:  filepath.Join(dataDir, "storage", dbKey+".db"),
			UserData: filepath.Join(dataDir, "user_data", dbKey+".db"),
		}
	}
}

func runServe(ctx context.Context, configPath string) error {
	cfg, err := gatewayconfig.Load(configPath)
	if err != nil {
		return err
	}
	configureLogging(cfg.Config.LogLevel, cfg.Config.LogPath)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	migrationTracker := metrics.NewMigrationTracker()
	if cfg.Config.Experimental.DBAutoMigrations {
		results, err := migrate.MigrateAll(ctx, cfg.Config.DataDir)
		if err != nil {
			return err
		}
		for _, r := range results {
			migrationTracker.Record(r.DBKey, r.Err)
		}
	}

	paths := pathsForKey(cfg.Config.DataDir)

	writers := writersup.New(paths)
	writers.Start(ctx)
	defer writers.Stop()

	jobs := jobqueue.New()
	go jobs.Run(ctx)
	defer jobs.Stop()

	scanFactory := contscansup.NewWriterBackedActorFactory(writers, contscansup.PathsForKey(paths))
	scans := contscansup.New(filepath.Join(cfg.Config.DataDir, "config"), scanFactory)
	if !cfg.Config.WatcherDisabled {
		if err := scans.Start(ctx); err != nil {
			return err
		}
		defer scans.Stop()
	}

	metricsManager := metrics.NewManager(writers, scans, jobs, migrationTracker)

	localMux := chi.NewRouter()
	localMux.Get("/api/version", func(w http.ResponseWriter, r *http.Request) {
		body, err := buildinfo.JSON()
		if err != nil {
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(body)
	})
	if cfg.Config.Experimental.Jobs {
		jobsHandler := &jobsapi.Handler{
			Jobs:      jobs,
			Writers:   writers,
			ScanSup:   scans,
			Scanner:   filescan.New(),
			ConfigDir: filepath.Join(cfg.Config.DataDir, "config"),
		}
		if cfg.Config.InferenceURL != "" {
			jobsHandler.Inference = inference.NewHTTPClient(cfg.Config.InferenceURL)
		}
		jobsHandler.Routes(localMux)
	}
	if cfg.Config.Experimental.DBCreation {
		(&dbadmin.Handler{DataDir: cfg.Config.DataDir, Migrations: migrationTracker}).Routes(localMux)
	}

	var allowedOrigins []string
	if cfg.Config.BaseURL != "" {
		allowedOrigins = append(allowedOrigins, cfg.Config.BaseURL)
	}
	router := proxy.NewRouter(proxy.RouterConfig{
		Resolver:       proxy.StaticPolicies{},
		Local:          localMux,
		AllowedOrigins: allowedOrigins,
	})

	srv := &http.Server{
		Addr:    cfg.Config.Host + ":" + strconv.Itoa(cfg.Config.Port),
		Handler: router,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info().Str("addr", srv.Addr).Msg("qui-index: serving")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		_ = srv.Close()
		return nil
	})

	if cfg.Config.MetricsEnabled {
		metricsSrv := &http.Server{
			Addr:    cfg.Config.MetricsHost + ":" + strconv.Itoa(cfg.Config.MetricsPort),
			Handler: metrics.NewServer(metricsManager, cfg.MetricsBasicAuthCredentials()),
		}
		g.Go(func() error {
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			_ = metricsSrv.Close()
			return nil
		})
	}

	return g.Wait()
}
