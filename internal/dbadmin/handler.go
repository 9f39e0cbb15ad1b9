// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package dbadmin

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/panoptikon/gateway/internal/jobsapi"
)

// MigrationRecorder receives the outcome of each provisioning migration,
// narrowing metrics.MigrationTracker to the one method this handler needs.
type MigrationRecorder interface {
	Record(dbKey string, err error)
}

// Handler exposes the DB-creation endpoint gated behind
// EXPERIMENTAL_RUST_DB_CREATION; callers only construct and mount it when
// that toggle is on.
type Handler struct {
	DataDir    string
	Migrations MigrationRecorder
}

type createRequest struct {
	DBKey string `json:"dbKey"`
}

// Create handles POST /api/db/create: provisions and migrates a new
// database key's triple, reporting per-lineage baseline/applied counts.
func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jobsapi.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	safeKey, result, err := CreateDB(r.Context(), h.DataDir, req.DBKey)
	if h.Migrations != nil && safeKey != "" {
		h.Migrations.Record(safeKey, err)
	}
	if err != nil {
		jobsapi.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}

	jobsapi.RespondJSON(w, http.StatusCreated, map[string]any{"dbKey": safeKey, "migrations": result})
}

// Routes mounts the DB-creation endpoint.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/api/db/create", h.Create)
}
