// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package bootentry builds, installs and enumerates systemd-boot entries on
// the EFI system partition.
package bootentry

import (
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/declos/sdboot-install/internal/pkg/generation"
	"github.com/declos/sdboot-install/internal/pkg/loaderconf"
)

// ESP layout used by sd-boot.
const (
	EntriesDir   = "loader/entries"
	ArtifactsDir = "EFI/nixos"
)

// Signer signs one boot artifact file.
//
// The production implementation is pesign.Signer; tests substitute a stub.
type Signer interface {
	Sign(input, output string) error
}

// Entry describes one boot entry to be installed for a generation.
type Entry struct {
	Generation generation.Generation

	Title   string
	Version string
	SortKey string

	// ESP-relative artifact paths, as referenced from the descriptor.
	Linux  string
	Initrd string

	Options string
}

// ID returns the deterministic entry identifier derived from the generation.
func (e Entry) ID() string {
	return e.Generation.ID()
}

// DescriptorPath returns the descriptor location under the ESP.
func (e Entry) DescriptorPath(espPath string) string {
	return filepath.Join(espPath, EntriesDir, e.ID()+".conf")
}

// Marshal serializes the entry descriptor in the sd-boot entry format.
func (e Entry) Marshal() []byte {
	settings := loaderconf.New()
	settings.Set("title", e.Title)
	settings.Set("version", e.Version)
	settings.Set("linux", "/"+filepath.ToSlash(e.Linux))

	if e.Initrd != "" {
		settings.Set("initrd", "/"+filepath.ToSlash(e.Initrd))
	}

	if e.Options != "" {
		settings.Set("options", e.Options)
	}

	settings.Set("sort-key", e.SortKey)

	return settings.Marshal()
}

// InstalledEntry describes an entry found on the ESP.
type InstalledEntry struct {
	ID             string
	Specialisation string
	DescriptorPath string
	// ArtifactPaths are the absolute paths of the artifacts the descriptor
	// references.
	ArtifactPaths []string
	Number        int
}

var entryIDRegexp = regexp.MustCompile(`^nixos-generation-(\d+)(?:-specialisation-(.+))?$`)

// Scan enumerates the installed entries, sorted by generation number
// descending.
//
// Descriptor files not matching the generation naming scheme are ignored:
// the entry set may be shared with manually managed entries. Descriptors
// that cannot be read or parsed are skipped with a warning, they stay out
// of both installation and retention.
func Scan(logger *zap.Logger, espPath string) ([]InstalledEntry, error) {
	descriptors, err := filepath.Glob(filepath.Join(espPath, EntriesDir, "nixos-generation-*.conf"))
	if err != nil {
		return nil, err
	}

	var entries []InstalledEntry

	for _, descriptor := range descriptors {
		id := strings.TrimSuffix(filepath.Base(descriptor), ".conf")

		m := entryIDRegexp.FindStringSubmatch(id)
		if m == nil {
			continue
		}

		number, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}

		artifacts, err := descriptorArtifacts(espPath, descriptor)
		if err != nil {
			logger.Warn("skipping unreadable entry descriptor", zap.String("path", descriptor), zap.Error(err))

			continue
		}

		entries = append(entries, InstalledEntry{
			ID:             id,
			Number:         number,
			Specialisation: m[2],
			DescriptorPath: descriptor,
			ArtifactPaths:  artifacts,
		})
	}

	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].Number != entries[j].Number {
			return entries[i].Number > entries[j].Number
		}

		return entries[i].Specialisation < entries[j].Specialisation
	})

	return entries, nil
}

func descriptorArtifacts(espPath, descriptor string) ([]string, error) {
	data, err := os.ReadFile(descriptor)
	if err != nil {
		return nil, err
	}

	settings, err := loaderconf.Unmarshal(data)
	if err != nil {
		return nil, err
	}

	var artifacts []string

	for _, key := range []string{"linux", "initrd"} {
		if value, ok := settings.Get(key); ok {
			artifacts = append(artifacts, filepath.Join(espPath, filepath.FromSlash(value)))
		}
	}

	return artifacts, nil
}
