// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package filterlang

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCompileEmptySourceMatchesEverything(t *testing.T) {
	f, err := Compile("")
	require.NoError(t, err)
	require.Empty(t, f.Source())

	matched, err := f.Matches(StageMetadata, Candidate{Path: "/anything"})
	require.NoError(t, err)
	require.True(t, matched)
}

func TestMatchesEvaluatesMetadataPredicate(t *testing.T) {
	f, err := Compile(`size > 1024 && mime == "video/x-matroska"`)
	require.NoError(t, err)

	matched, err := f.Matches(StageMetadata, Candidate{Size: 2048, Mime: "video/x-matroska"})
	require.NoError(t, err)
	require.True(t, matched)

	matched, err = f.Matches(StageMetadata, Candidate{Size: 100, Mime: "video/x-matroska"})
	require.NoError(t, err)
	require.False(t, matched)
}

func TestMatchesEvaluatesHashPredicateAtStageContent(t *testing.T) {
	f, err := Compile(`hash != ""`)
	require.NoError(t, err)

	matched, err := f.Matches(StageContent, Candidate{Hash: "deadbeef"})
	require.NoError(t, err)
	require.True(t, matched)

	matched, err = f.Matches(StageMetadata, Candidate{})
	require.NoError(t, err)
	require.False(t, matched)
}

func TestCompileRejectsInvalidSyntax(t *testing.T) {
	_, err := Compile("size >>> 5")
	require.Error(t, err)
}

func TestCompileRejectsNonBooleanExpression(t *testing.T) {
	_, err := Compile(`size + 1`)
	require.Error(t, err)
}
