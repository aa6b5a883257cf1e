// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package retention_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/siderolabs/gen/xslices"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/declos/sdboot-install/internal/pkg/bootentry"
	"github.com/declos/sdboot-install/internal/pkg/retention"
)

func entry(id string, number int, specialisation string) bootentry.InstalledEntry {
	return bootentry.InstalledEntry{
		ID:             id,
		Number:         number,
		Specialisation: specialisation,
	}
}

func TestReconcile(t *testing.T) {
	t.Parallel()

	// sorted by number descending, as Scan returns them
	installed := []bootentry.InstalledEntry{
		entry("nixos-generation-7", 7, ""),
		entry("nixos-generation-7-specialisation-debug", 7, "debug"),
		entry("nixos-generation-6", 6, ""),
		entry("nixos-generation-5", 5, ""),
	}

	for _, test := range []struct {
		name string

		limit int

		expectedKeep  []string
		expectedEvict []string
	}{
		{
			name:         "unlimited",
			limit:        0,
			expectedKeep: []string{"nixos-generation-7", "nixos-generation-7-specialisation-debug", "nixos-generation-6", "nixos-generation-5"},
		},
		{
			name:          "limit_two",
			limit:         2,
			expectedKeep:  []string{"nixos-generation-7", "nixos-generation-7-specialisation-debug", "nixos-generation-6"},
			expectedEvict: []string{"nixos-generation-5"},
		},
		{
			name:          "limit_one_keeps_specialisations",
			limit:         1,
			expectedKeep:  []string{"nixos-generation-7", "nixos-generation-7-specialisation-debug"},
			expectedEvict: []string{"nixos-generation-6", "nixos-generation-5"},
		},
		{
			name:         "limit_above_count",
			limit:        10,
			expectedKeep: []string{"nixos-generation-7", "nixos-generation-7-specialisation-debug", "nixos-generation-6", "nixos-generation-5"},
		},
		{
			// a negative limit never evicts: the installed set must not end
			// up empty
			name:         "negative_limit_keeps_all",
			limit:        -1,
			expectedKeep: []string{"nixos-generation-7", "nixos-generation-7-specialisation-debug", "nixos-generation-6", "nixos-generation-5"},
		},
	} {
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()

			keep, evict := retention.Reconcile(installed, test.limit)

			ids := func(entries []bootentry.InstalledEntry) []string {
				return xslices.Map(entries, func(e bootentry.InstalledEntry) string { return e.ID })
			}

			assert.Equal(t, test.expectedKeep, ids(keep))
			assert.Equal(t, test.expectedEvict, ids(evict))
		})
	}
}

func writeEntry(t *testing.T, espPath, id string, artifacts ...string) {
	t.Helper()

	require.NoError(t, os.MkdirAll(filepath.Join(espPath, "loader", "entries"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(espPath, "EFI", "nixos"), 0o755))

	descriptor := "title NixOS\n"

	for i, artifact := range artifacts {
		path := filepath.Join(espPath, "EFI", "nixos", artifact)

		if _, err := os.Stat(path); os.IsNotExist(err) {
			require.NoError(t, os.WriteFile(path, []byte(artifact), 0o644))
		}

		key := "linux"
		if i > 0 {
			key = "initrd"
		}

		descriptor += key + " /EFI/nixos/" + artifact + "\n"
	}

	require.NoError(t, os.WriteFile(filepath.Join(espPath, "loader", "entries", id+".conf"), []byte(descriptor), 0o644))
}

func TestPrune(t *testing.T) {
	t.Parallel()

	espPath := t.TempDir()

	writeEntry(t, espPath, "nixos-generation-5", "kernel-5.efi", "initrd-5.efi")
	writeEntry(t, espPath, "nixos-generation-6", "kernel-6.efi", "initrd-6.efi")
	writeEntry(t, espPath, "nixos-generation-7", "kernel-7.efi", "initrd-7.efi")

	installed, err := bootentry.Scan(zaptest.NewLogger(t), espPath)
	require.NoError(t, err)

	require.NoError(t, retention.NewManager(zaptest.NewLogger(t)).Prune(installed, 2))

	remaining, err := bootentry.Scan(zaptest.NewLogger(t), espPath)
	require.NoError(t, err)

	assert.Equal(t,
		[]string{"nixos-generation-7", "nixos-generation-6"},
		xslices.Map(remaining, func(e bootentry.InstalledEntry) string { return e.ID }),
	)

	assert.NoFileExists(t, filepath.Join(espPath, "loader", "entries", "nixos-generation-5.conf"))
	assert.NoFileExists(t, filepath.Join(espPath, "EFI", "nixos", "kernel-5.efi"))
	assert.NoFileExists(t, filepath.Join(espPath, "EFI", "nixos", "initrd-5.efi"))
	assert.FileExists(t, filepath.Join(espPath, "EFI", "nixos", "kernel-7.efi"))
}

func TestPruneSharedArtifacts(t *testing.T) {
	t.Parallel()

	espPath := t.TempDir()

	// generations 6 and 7 share a kernel artifact
	writeEntry(t, espPath, "nixos-generation-5", "kernel-shared.efi", "initrd-5.efi")
	writeEntry(t, espPath, "nixos-generation-6", "kernel-6.efi", "initrd-6.efi")
	writeEntry(t, espPath, "nixos-generation-7", "kernel-shared.efi", "initrd-7.efi")

	installed, err := bootentry.Scan(zaptest.NewLogger(t), espPath)
	require.NoError(t, err)

	require.NoError(t, retention.NewManager(zaptest.NewLogger(t)).Prune(installed, 2))

	// the shared kernel survives with generation 7, the orphaned initrd is gone
	assert.FileExists(t, filepath.Join(espPath, "EFI", "nixos", "kernel-shared.efi"))
	assert.NoFileExists(t, filepath.Join(espPath, "EFI", "nixos", "initrd-5.efi"))
	assert.NoFileExists(t, filepath.Join(espPath, "loader", "entries", "nixos-generation-5.conf"))
}

func TestPruneUnlimited(t *testing.T) {
	t.Parallel()

	espPath := t.TempDir()

	writeEntry(t, espPath, "nixos-generation-5", "kernel-5.efi")
	writeEntry(t, espPath, "nixos-generation-6", "kernel-6.efi")

	installed, err := bootentry.Scan(zaptest.NewLogger(t), espPath)
	require.NoError(t, err)

	require.NoError(t, retention.NewManager(zaptest.NewLogger(t)).Prune(installed, 0))

	remaining, err := bootentry.Scan(zaptest.NewLogger(t), espPath)
	require.NoError(t, err)
	assert.Len(t, remaining, 2)
}
