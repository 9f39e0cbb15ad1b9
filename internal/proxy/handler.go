// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package proxy fronts the UI and API upstreams behind one host-routed
// reverse proxy, generalizing the teacher's qBittorrent-instance proxy
// (internal/proxy/handler.go: httputil.ReverseProxy with
// Rewrite/ModifyResponse/ErrorHandler, go-chi/chi route mounting, a buffer
// pool) from per-instance routing to per-tenant-host routing plus
// policy-driven query rewriting. Local handlers read the resolved
// (db_key_index, db_key_user_data) pair from the request context via
// DBKeysFromContext instead of the proxy forwarding every API call
// upstream — spec.md §2 calls this "progressively absorbing API endpoints
// locally".
package proxy

import (
	"net/http"
	"net/http/httputil"
	"strings"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/panoptikon/gateway/pkg/httphelpers"
	"github.com/panoptikon/gateway/pkg/redact"
)

// BufferPool is a sync.Pool-backed httputil.BufferPool, the same shape the
// teacher's internal/proxy.BufferPool uses to avoid an allocation per
// proxied body copy.
type BufferPool struct {
	pool sync.Pool
}

func NewBufferPool() *BufferPool {
	return &BufferPool{pool: sync.Pool{New: func() any { return make([]byte, 32*1024) }}}
}

func (b *BufferPool) Get() []byte    { return b.pool.Get().([]byte) }
func (b *BufferPool) Put(buf []byte) { b.pool.Put(buf) }

// LocalMux is a chi.Router that serves endpoints the gateway absorbs
// locally instead of forwarding upstream — e.g. the core's own job and
// migration endpoints. Every request whose path starts with /api/ is
// handed to LocalMux and never proxied, whether or not LocalMux has a
// route for it.
type LocalMux interface {
	http.Handler
}

// Handler is the top-level reverse proxy: it resolves a Policy for the
// inbound host, attaches the policy's database key pair to the request
// context, and either serves the request from Local (for any /api/ path)
// or forwards it upstream with the policy's query rewrite applied.
type Handler struct {
	resolver   PolicyResolver
	local      LocalMux
	bufferPool *BufferPool
	proxy      *httputil.ReverseProxy
}

func NewHandler(resolver PolicyResolver, local LocalMux) *Handler {
	bufferPool := NewBufferPool()
	h := &Handler{resolver: resolver, local: local, bufferPool: bufferPool}
	h.proxy = &httputil.ReverseProxy{
		Rewrite:      h.rewriteRequest,
		BufferPool:   bufferPool,
		ErrorHandler: h.errorHandler,
	}
	return h
}

// ServeHTTP implements http.Handler. It resolves the request's Policy
// first so a missing/unknown host can be rejected before any proxying
// work happens.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	host := hostOnly(r.Host)
	policy, ok := h.resolver.Resolve(host)
	if !ok {
		log.Warn().Str("host", host).Msg("proxy: no policy for host")
		h.writeProxyError(w, http.StatusNotFound)
		return
	}

	ctx := withDBKeys(r.Context(), DBKeys{Index: policy.DBKeyIndex, UserData: policy.DBKeyUser})
	r = r.WithContext(ctx)

	if h.local != nil && strings.HasPrefix(r.URL.Path, "/api/") {
		h.local.ServeHTTP(w, r)
		return
	}

	h.proxy.ServeHTTP(w, r)
}

func (h *Handler) rewriteRequest(pr *httputil.ProxyRequest) {
	host := hostOnly(pr.In.Host)
	policy, ok := h.resolver.Resolve(host)
	if !ok {
		log.Error().Str("host", host).Msg("proxy: policy vanished between ServeHTTP and Rewrite")
		return
	}

	pr.SetURL(policy.Upstream)
	pr.Out.Host = policy.Upstream.Host

	upstreamPath := httphelpers.JoinBasePath(policy.Upstream.Path, strings.TrimPrefix(pr.In.URL.Path, "/"))
	pr.Out.URL.Path = upstreamPath
	pr.Out.URL.RawPath = upstreamPath
	pr.Out.URL.RawQuery = policy.rewriteQuery(pr.In.URL.RawQuery)

	pr.SetXForwarded()
}

func (h *Handler) errorHandler(w http.ResponseWriter, r *http.Request, err error) {
	// Upstream URLs can carry credential query params injected by a
	// Policy's SetQuery; scrub them before the error reaches a log line.
	log.Error().Err(redact.URLError(err)).Str("path", r.URL.Path).Msg("proxy: upstream request failed")
	h.writeProxyError(w, http.StatusBadGateway)
}

func (h *Handler) writeProxyError(w http.ResponseWriter, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(`{"error":"upstream unavailable"}`))
}

// Routes mounts the proxy as the catch-all route on r, matching the
// teacher's Handler.Routes shape.
func (h *Handler) Routes(r chi.Router) {
	r.HandleFunc("/*", h.ServeHTTP)
}

func hostOnly(hostport string) string {
	host, _, ok := strings.Cut(hostport, ":")
	if !ok {
		return hostport
	}
	return host
}
