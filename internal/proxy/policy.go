// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package proxy

import (
	"context"
	"net/url"
)

// Policy is one host's routing and rewrite rule: which upstream an inbound
// request is proxied to, which database key pair local handlers should use
// once the request resolves to a tenant, and which query parameters get
// injected or stripped before the request reaches the upstream. The shape
// of the rule set deliberately mirrors spec.md's explicit Non-goal ("the
// shape of the policy DSL" is out of scope) — Policy is the minimal
// concrete type the core's external interface needs, not a DSL.
type Policy struct {
	Host       string
	Upstream   *url.URL
	DBKeyIndex string
	DBKeyUser  string

	// SetQuery is injected into the outbound request's query string,
	// overwriting any client-supplied value of the same name — the
	// per-host "enforced" parameters (e.g. pinning a tenant's category).
	SetQuery map[string]string
	// StripQuery is removed from the outbound request's query string
	// before SetQuery is applied.
	StripQuery []string
}

// dbKeyContextKey is the context key under which a resolved Policy's
// database key pair is attached, for local handlers downstream of the
// proxy to read without re-resolving the host.
type dbKeyContextKey struct{}

// DBKeys is the (index, user_data) key pair a Policy resolved for the
// current request, handed to the Connection Factory by local handlers.
type DBKeys struct {
	Index    string
	UserData string
}

func withDBKeys(ctx context.Context, keys DBKeys) context.Context {
	return context.WithValue(ctx, dbKeyContextKey{}, keys)
}

// ContextWithDBKeys attaches a DBKeys pair the same way a resolved Policy
// does, for callers that build a request context without going through
// Handler.ServeHTTP (tests, and any future middleware that resolves a
// tenant ahead of the proxy).
func ContextWithDBKeys(ctx context.Context, keys DBKeys) context.Context {
	return withDBKeys(ctx, keys)
}

// DBKeysFromContext retrieves the DBKeys a Policy attached to this
// request's context, if any.
func DBKeysFromContext(ctx context.Context) (DBKeys, bool) {
	keys, ok := ctx.Value(dbKeyContextKey{}).(DBKeys)
	return keys, ok
}

// rewriteQuery applies a Policy's StripQuery/SetQuery to a query string,
// returning the encoded result.
func (p Policy) rewriteQuery(raw string) string {
	q, err := url.ParseQuery(raw)
	if err != nil {
		q = url.Values{}
	}
	for _, key := range p.StripQuery {
		q.Del(key)
	}
	for key, val := range p.SetQuery {
		q.Set(key, val)
	}
	return q.Encode()
}

// PolicyResolver maps an inbound request host to its Policy. A missing
// host is reported via the bool return, not an error — the caller decides
// whether that is fatal (handler.go answers it with a 404).
type PolicyResolver interface {
	Resolve(host string) (Policy, bool)
}

// StaticPolicies is the simplest PolicyResolver: a fixed host -> Policy
// map, suitable for a single-process deployment where policies come from
// process configuration rather than a database.
type StaticPolicies map[string]Policy

func (s StaticPolicies) Resolve(host string) (Policy, bool) {
	p, ok := s[host]
	return p, ok
}
