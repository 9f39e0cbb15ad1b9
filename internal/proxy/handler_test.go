// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package proxy

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"
)

func TestHandlerProxiesToUpstreamWithRewrittenQuery(t *testing.T) {
	var gotPath, gotQuery string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotQuery = r.URL.RawQuery
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	upstreamURL, err := url.Parse(upstream.URL)
	require.NoError(t, err)

	resolver := StaticPolicies{
		"tenant-a.example.com": {
			Host:       "tenant-a.example.com",
			Upstream:   upstreamURL,
			DBKeyIndex: "tenant-a",
			DBKeyUser:  "tenant-a",
			SetQuery:   map[string]string{"category": "tenant-a"},
			StripQuery: []string{"debug"},
		},
	}

	h := NewHandler(resolver, nil)

	req := httptest.NewRequest(http.MethodGet, "/web/index.html?debug=1", nil)
	req.Host = "tenant-a.example.com"
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "/web/index.html", gotPath)
	require.Equal(t, "category=tenant-a", gotQuery)
}

func TestHandlerReturns404ForUnknownHost(t *testing.T) {
	h := NewHandler(StaticPolicies{}, nil)

	req := httptest.NewRequest(http.MethodGet, "/anything", nil)
	req.Host = "unknown.example.com"
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandlerRoutesAPIPrefixToLocalMux(t *testing.T) {
	var gotKeys DBKeys
	local := chi.NewRouter()
	local.Get("/api/jobs", func(w http.ResponseWriter, r *http.Request) {
		keys, ok := DBKeysFromContext(r.Context())
		require.True(t, ok)
		gotKeys = keys
		w.WriteHeader(http.StatusOK)
	})

	resolver := StaticPolicies{
		"tenant-a.example.com": {Host: "tenant-a.example.com", DBKeyIndex: "idx-a", DBKeyUser: "user-a"},
	}
	h := NewHandler(resolver, local)

	req := httptest.NewRequest(http.MethodGet, "/api/jobs", nil)
	req.Host = "tenant-a.example.com"
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "idx-a", gotKeys.Index)
	require.Equal(t, "user-a", gotKeys.UserData)
}

func TestHostOnlyStripsPort(t *testing.T) {
	require.Equal(t, "example.com", hostOnly("example.com:8080"))
	require.Equal(t, "example.com", hostOnly("example.com"))
}
