// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package generation_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/siderolabs/gen/xslices"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/declos/sdboot-install/internal/pkg/generation"
)

func makeProfile(t *testing.T, dir, name string, specialisations ...string) {
	t.Helper()

	require.NoError(t, os.MkdirAll(filepath.Join(dir, name), 0o755))

	for _, spec := range specialisations {
		require.NoError(t, os.MkdirAll(filepath.Join(dir, name, "specialisation", spec), 0o755))
	}
}

func TestDiscover(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	makeProfile(t, dir, "system-5-link")
	makeProfile(t, dir, "system-7-link", "debug", "audio")
	makeProfile(t, dir, "system-6-link")
	makeProfile(t, dir, "system-bogus-link")

	logger := zaptest.NewLogger(t)

	generations, err := generation.Discover(logger, filepath.Join(dir, "system-*-link"))
	require.NoError(t, err)

	assert.Equal(t,
		[]string{
			"nixos-generation-7",
			"nixos-generation-7-specialisation-audio",
			"nixos-generation-7-specialisation-debug",
			"nixos-generation-6",
			"nixos-generation-5",
		},
		xslices.Map(generations, generation.Generation.ID),
	)

	assert.Equal(t, filepath.Join(dir, "system-7-link", "specialisation", "debug"), generations[2].ProfilePath)
	assert.Equal(t, 7, generations[2].Number)
	assert.Equal(t, "debug", generations[2].Specialisation)
}

func TestDiscoverNoMatches(t *testing.T) {
	t.Parallel()

	_, err := generation.Discover(zaptest.NewLogger(t), filepath.Join(t.TempDir(), "system-*-link"))
	assert.ErrorIs(t, err, generation.ErrNoGenerations)
}

func TestDiscoverOnlyMalformed(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	makeProfile(t, dir, "system-bogus-link")

	_, err := generation.Discover(zaptest.NewLogger(t), filepath.Join(dir, "system-*-link"))
	assert.ErrorIs(t, err, generation.ErrNoGenerations)
}
