// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package dbadmin

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"
)

func TestCreateHandlerProvisionsDB(t *testing.T) {
	dir := t.TempDir()
	h := &Handler{DataDir: dir}

	r := httptest.NewRequest(http.MethodPost, "/api/db/create", strings.NewReader(`{"dbKey":"tenant1"}`))
	w := httptest.NewRecorder()
	h.Create(w, r)

	require.Equal(t, http.StatusCreated, w.Code)
}

func TestCreateHandlerRejectsInvalidBody(t *testing.T) {
	h := &Handler{DataDir: t.TempDir()}

	r := httptest.NewRequest(http.MethodPost, "/api/db/create", strings.NewReader(`not json`))
	w := httptest.NewRecorder()
	h.Create(w, r)

	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCreateHandlerRejectsEmptyDBKey(t *testing.T) {
	h := &Handler{DataDir: t.TempDir()}

	r := httptest.NewRequest(http.MethodPost, "/api/db/create", strings.NewReader(`{"dbKey":""}`))
	w := httptest.NewRecorder()
	h.Create(w, r)

	require.Equal(t, http.StatusBadRequest, w.Code)
}

type recordingMigrations struct {
	keys []string
	errs []error
}

func (r *recordingMigrations) Record(dbKey string, err error) {
	r.keys = append(r.keys, dbKey)
	r.errs = append(r.errs, err)
}

func TestCreateHandlerRecordsMigrationOutcome(t *testing.T) {
	rec := &recordingMigrations{}
	h := &Handler{DataDir: t.TempDir(), Migrations: rec}

	r := httptest.NewRequest(http.MethodPost, "/api/db/create", strings.NewReader(`{"dbKey":"tracked"}`))
	w := httptest.NewRecorder()
	h.Create(w, r)

	require.Equal(t, http.StatusCreated, w.Code)
	require.Equal(t, []string{"tracked"}, rec.keys)
	require.NoError(t, rec.errs[0])
}

func TestRoutesMountsCreateEndpoint(t *testing.T) {
	h := &Handler{DataDir: t.TempDir()}
	mux := chi.NewRouter()
	h.Routes(mux)

	r := httptest.NewRequest(http.MethodPost, "/api/db/create", strings.NewReader(`{"dbKey":"routed"}`))
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, r)

	require.Equal(t, http.StatusCreated, w.Code)
}
