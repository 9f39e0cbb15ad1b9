// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package metrics

import (
	"crypto/subtle"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewServer builds the /metrics HTTP handler, guarded by HTTP basic auth
// when credentials are configured — the behavior the teacher's
// MetricsBasicAuthUsers config field implies but never wires into a
// concrete handler.
func NewServer(manager *Manager, basicAuthUsers map[string]string) http.Handler {
	handler := promhttp.HandlerFor(manager.GetRegistry(), promhttp.HandlerOpts{})
	if len(basicAuthUsers) == 0 {
		return handler
	}
	return basicAuthMiddleware(basicAuthUsers, handler)
}

func basicAuthMiddleware(users map[string]string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || !validCredentials(users, user, pass) {
			w.Header().Set("WWW-Authenticate", `Basic realm="metrics"`)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func validCredentials(users map[string]string, user, pass string) bool {
	want, ok := users[user]
	if !ok {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(want), []byte(pass)) == 1
}
