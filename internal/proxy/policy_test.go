// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package proxy

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRewriteQueryStripsThenSets(t *testing.T) {
	p := Policy{
		SetQuery:   map[string]string{"category": "tenant-a"},
		StripQuery: []string{"debug"},
	}

	got := p.rewriteQuery("debug=1&q=foo")
	require.Equal(t, "category=tenant-a&q=foo", got)
}

func TestRewriteQuerySetOverwritesExisting(t *testing.T) {
	p := Policy{SetQuery: map[string]string{"category": "tenant-a"}}

	got := p.rewriteQuery("category=client-supplied")
	require.Equal(t, "category=tenant-a", got)
}

func TestRewriteQueryHandlesMalformedInput(t *testing.T) {
	p := Policy{SetQuery: map[string]string{"category": "tenant-a"}}

	got := p.rewriteQuery("%zz")
	require.Equal(t, "category=tenant-a", got)
}

func TestStaticPoliciesResolve(t *testing.T) {
	policies := StaticPolicies{
		"tenant-a.example.com": {Host: "tenant-a.example.com", DBKeyIndex: "tenant-a"},
	}

	p, ok := policies.Resolve("tenant-a.example.com")
	require.True(t, ok)
	require.Equal(t, "tenant-a", p.DBKeyIndex)

	_, ok = policies.Resolve("unknown.example.com")
	require.False(t, ok)
}

func TestDBKeysFromContextRoundTrip(t *testing.T) {
	ctx := withDBKeys(context.Background(), DBKeys{Index: "idx", UserData: "user"})

	keys, ok := DBKeysFromContext(ctx)
	require.True(t, ok)
	require.Equal(t, "idx", keys.Index)
	require.Equal(t, "user", keys.UserData)

	_, ok = DBKeysFromContext(context.Background())
	require.False(t, ok)
}
