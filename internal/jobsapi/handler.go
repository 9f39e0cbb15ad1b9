// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package jobsapi is the HTTP surface the gateway absorbs locally instead of
// forwarding upstream: job enqueue/cancel/list_status/trigger_cron, the
// "interfaces exposed by the core" spec.md §6 names. Handler shapes and the
// RespondJSON/RespondError helpers follow the teacher's
// internal/api/handlers package (handlers/backups.go, handlers/helpers.go);
// every enqueued folder-rescan job is wrapped through
// contscansup.Supervisor.WrapJobRun so it never races that database's
// Continuous-Scan Actor.
package jobsapi

import (
	"context"
	"encoding/json"
	"net/http"
	"path/filepath"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/panoptikon/gateway/internal/contscansup"
	"github.com/panoptikon/gateway/internal/dbkey"
	"github.com/panoptikon/gateway/internal/filescan"
	"github.com/panoptikon/gateway/internal/filterlang"
	"github.com/panoptikon/gateway/internal/inference"
	"github.com/panoptikon/gateway/internal/jobqueue"
	"github.com/panoptikon/gateway/internal/proxy"
	"github.com/panoptikon/gateway/internal/writer"
)

// WriterResolver is the subset of writersup.Supervisor a job handler needs:
// a Writer Actor for the tenant the current request resolved to.
type WriterResolver interface {
	GetOrCreate(ctx context.Context, dbKey string) (*writer.Actor, error)
}

// ScanCoordinator is the subset of contscansup.Supervisor a job handler
// needs to keep a foreground scan from racing a database's continuous
// scan.
type ScanCoordinator interface {
	WrapJobRun(dbKey string, run jobqueue.Run) jobqueue.Run
}

// Handler wires the Job Queue Actor to the File-Scan Service, the Writer
// Supervisor, and the Continuous-Scan Supervisor's pause/resume
// coordination.
type Handler struct {
	Jobs      *jobqueue.Actor
	Writers   WriterResolver
	ScanSup   ScanCoordinator
	Scanner   *filescan.Service
	ConfigDir string

	// Inference backs data-extraction jobs. Nil when no backend is
	// configured; the extract endpoint then reports 503 instead of
	// enqueueing work that can never run.
	Inference inference.Client
}

// ErrorResponse mirrors the teacher's handlers.ErrorResponse JSON shape.
type ErrorResponse struct {
	Error string `json:"error"`
}

func RespondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		if err := json.NewEncoder(w).Encode(data); err != nil {
			log.Error().Err(err).Msg("jobsapi: failed to encode response")
		}
	}
}

func RespondError(w http.ResponseWriter, status int, message string) {
	RespondJSON(w, status, ErrorResponse{Error: message})
}

// scanRequest is the enqueue_scan request body: a root path plus the
// stage-1/stage-2 filter and the optional pruning filter, mirroring
// filescan.Request's fields in their wire form.
type scanRequest struct {
	Root        string `json:"root"`
	Filter      string `json:"filter"`
	PruneFilter string `json:"pruneFilter"`
}

// EnqueueScan handles POST /api/jobs/scan: it compiles the request's
// filters, builds a Run closure around the File-Scan Service, wraps it
// through ScanSup so it pauses the tenant's continuous scan while it runs,
// and enqueues it on the Job Queue Actor.
func (h *Handler) EnqueueScan(w http.ResponseWriter, r *http.Request) {
	keys, ok := proxy.DBKeysFromContext(r.Context())
	if !ok {
		RespondError(w, http.StatusBadRequest, "no tenant resolved for this request")
		return
	}
	if !dbkey.Valid(keys.Index) {
		RespondError(w, http.StatusUnprocessableEntity, "invalid tenant database key")
		return
	}

	var req scanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Root == "" {
		RespondError(w, http.StatusBadRequest, "root is required")
		return
	}

	filter, err := filterlang.Compile(req.Filter)
	if err != nil {
		RespondError(w, http.StatusBadRequest, "invalid filter: "+err.Error())
		return
	}
	pruneFilter, err := filterlang.Compile(req.PruneFilter)
	if err != nil {
		RespondError(w, http.StatusBadRequest, "invalid pruneFilter: "+err.Error())
		return
	}

	dbKey := keys.Index
	run := h.scanRun(dbKey, filescan.Request{Root: req.Root, Filter: filter, PruneFilter: pruneFilter})
	id := h.Jobs.Enqueue("folder_rescan", dbKey, h.ScanSup.WrapJobRun(dbKey, run))

	RespondJSON(w, http.StatusAccepted, map[string]any{"jobId": id})
}

func (h *Handler) scanRun(dbKey string, req filescan.Request) jobqueue.Run {
	return func(ctx context.Context) error {
		w, err := h.Writers.GetOrCreate(ctx, dbKey)
		if err != nil {
			return err
		}
		_, err = h.Scanner.Scan(ctx, w, req)
		return err
	}
}

// extractRequest is the enqueue_extract request body: which item/file the
// extracted data attaches to, plus the on-disk path and mime the inference
// backend reads.
type extractRequest struct {
	FileID int64  `json:"fileId"`
	ItemID int64  `json:"itemId"`
	Path   string `json:"path"`
	Mime   string `json:"mime"`
}

// EnqueueExtract handles POST /api/jobs/extract: it enqueues a
// data-extraction job that calls the inference backend for one file and
// appends the result to the item's data log through the Writer Actor.
func (h *Handler) EnqueueExtract(w http.ResponseWriter, r *http.Request) {
	if h.Inference == nil {
		RespondError(w, http.StatusServiceUnavailable, "no inference backend configured")
		return
	}

	keys, ok := proxy.DBKeysFromContext(r.Context())
	if !ok {
		RespondError(w, http.StatusBadRequest, "no tenant resolved for this request")
		return
	}
	if !dbkey.Valid(keys.Index) {
		RespondError(w, http.StatusUnprocessableEntity, "invalid tenant database key")
		return
	}

	var req extractRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.ItemID == 0 || req.Path == "" {
		RespondError(w, http.StatusUnprocessableEntity, "itemId and path are required")
		return
	}

	dbKey := keys.Index
	id := h.Jobs.Enqueue("data_extraction", dbKey, h.extractRun(dbKey, req))
	RespondJSON(w, http.StatusAccepted, map[string]any{"jobId": id})
}

func (h *Handler) extractRun(dbKey string, req extractRequest) jobqueue.Run {
	return func(ctx context.Context) error {
		result, err := h.Inference.Extract(ctx, inference.Request{
			FileID: req.FileID,
			ItemID: req.ItemID,
			Path:   req.Path,
			Mime:   req.Mime,
		})
		if err != nil {
			return err
		}

		wr, err := h.Writers.GetOrCreate(ctx, dbKey)
		if err != nil {
			return err
		}
		_, err = wr.Submit(ctx, writer.Op{
			Kind: writer.KindAppendItemData,
			AppendItemData: &writer.AppendItemDataParams{
				ItemID:     req.ItemID,
				SetterName: result.Setter,
				DataType:   "json",
				Value:      result.Payload,
			},
		})
		return err
	}
}

// CancelJob handles DELETE /api/jobs/{jobID}.
func (h *Handler) CancelJob(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "jobID"), 10, 64)
	if err != nil {
		RespondError(w, http.StatusBadRequest, "invalid job id")
		return
	}
	if !h.Jobs.Cancel(id) {
		RespondError(w, http.StatusNotFound, "job not found")
		return
	}
	RespondJSON(w, http.StatusOK, map[string]any{"cancelled": true})
}

// ListStatus handles GET /api/jobs: the running job first, then queued jobs
// in FIFO order, per jobqueue.Actor.ListStatus.
func (h *Handler) ListStatus(w http.ResponseWriter, r *http.Request) {
	RespondJSON(w, http.StatusOK, h.Jobs.ListStatus())
}

// TriggerCron handles POST /api/cron/trigger: it enumerates every per-DB
// config under ConfigDir and enqueues one folder-rescan job per configured
// include root, the periodic counterpart to a database's continuous scan.
// A database with no config file, or an invalid one, contributes no cron
// jobs rather than failing the whole trigger.
func (h *Handler) TriggerCron(w http.ResponseWriter, r *http.Request) {
	entries, err := filepath.Glob(filepath.Join(h.ConfigDir, "*.toml"))
	if err != nil {
		RespondError(w, http.StatusInternalServerError, "failed to enumerate configs")
		return
	}

	var jobs []jobqueue.CronJob
	for _, path := range entries {
		dbKey := contscansup.DBKeyFromConfigPath(path)
		cfg, filter, err := contscansup.LoadDBConfig(path)
		if err != nil {
			log.Warn().Err(err).Str("db_key", dbKey).Msg("jobsapi: skipping invalid config for cron trigger")
			continue
		}
		for _, root := range cfg.IncludeRoots {
			jobs = append(jobs, jobqueue.CronJob{
				Kind:  "folder_rescan",
				DBKey: dbKey,
				Run:   h.ScanSup.WrapJobRun(dbKey, h.scanRun(dbKey, filescan.Request{Root: root, Filter: filter})),
			})
		}
	}

	ids := h.Jobs.TriggerCron(jobs)
	RespondJSON(w, http.StatusAccepted, map[string]any{"jobIds": ids})
}

// Routes mounts the job endpoints under /api, matching the
// proxy.Handler.ServeHTTP convention that any path under /api/ is served
// locally instead of proxied upstream.
func (h *Handler) Routes(r chi.Router) {
	r.Route("/api/jobs", func(r chi.Router) {
		r.Get("/", h.ListStatus)
		r.Post("/scan", h.EnqueueScan)
		r.Post("/extract", h.EnqueueExtract)
		r.Delete("/{jobID}", h.CancelJob)
	})
	r.Post("/api/cron/trigger", h.TriggerCron)
}
