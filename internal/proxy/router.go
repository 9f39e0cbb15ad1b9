// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package proxy

import (
	"github.com/CAFxX/httpcompression"
	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/cors"
	"github.com/rs/zerolog/log"
)

// RouterConfig carries the host-facing settings NewRouter needs, matching
// the teacher's api.Dependencies wiring style.
type RouterConfig struct {
	Resolver       PolicyResolver
	Local          LocalMux
	AllowedOrigins []string
}

// NewRouter builds the gateway's top-level chi.Mux: request ID and
// recovery middleware, response compression, CORS, then the Handler as a
// catch-all route — the same middleware stack order as the teacher's
// internal/api.NewRouter, generalized from a single-process UI+API router
// to the gateway's proxy-plus-local-absorption router.
func NewRouter(cfg RouterConfig) *chi.Mux {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.RealIP)

	compressor, err := httpcompression.DefaultAdapter()
	if err != nil {
		log.Error().Err(err).Msg("proxy: failed to build compression adapter")
	} else {
		r.Use(compressor)
	}

	r.Use(cors.New(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowCredentials: true,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
	}).Handler)

	h := NewHandler(cfg.Resolver, cfg.Local)
	h.Routes(r)

	return r
}
