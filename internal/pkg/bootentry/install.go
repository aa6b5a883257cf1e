// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package bootentry

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/declos/sdboot-install/internal/pkg/fileutil"
	"github.com/declos/sdboot-install/internal/pkg/generation"
)

// ErrPartialInstall indicates a failed per-generation install; the
// generation's temporary files have been cleaned up and previously installed
// entries are untouched.
var ErrPartialInstall = errors.New("partial install")

// Installer signs artifacts and writes boot entries for generations.
type Installer struct {
	logger  *zap.Logger
	signer  Signer
	espPath string
}

// NewInstaller creates an Installer writing to the given ESP.
func NewInstaller(logger *zap.Logger, signer Signer, espPath string) *Installer {
	return &Installer{
		logger:  logger,
		signer:  signer,
		espPath: espPath,
	}
}

// Install signs the generation's boot artifacts and writes its entry.
//
// All artifacts are first signed into temporary files on the ESP filesystem,
// then renamed into place, the entry descriptor last. A crash at any point
// leaves either no trace of the generation or a fully consistent entry;
// a descriptor never references a missing artifact.
func (i *Installer) Install(gen generation.Generation) (*Entry, error) {
	entry, plan, err := i.plan(gen)
	if err != nil {
		return nil, fmt.Errorf("%w: planning %s: %w", ErrPartialInstall, gen.ID(), err)
	}

	var temps []string

	cleanup := func() {
		for _, temp := range temps {
			if err := os.Remove(temp); err != nil && !errors.Is(err, os.ErrNotExist) {
				i.logger.Warn("failed to remove temporary file", zap.String("path", temp), zap.Error(err))
			}
		}
	}

	for _, dir := range []string{EntriesDir, ArtifactsDir} {
		if err = os.MkdirAll(filepath.Join(i.espPath, dir), 0o755); err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrPartialInstall, gen.ID(), err)
		}
	}

	// sign artifacts into temporary files; artifacts already installed by a
	// previous generation sharing the same sources are reused as-is
	var renames [][2]string

	for _, artifact := range plan {
		final := filepath.Join(i.espPath, artifact.destination)

		if _, err = os.Stat(final); err == nil {
			i.logger.Debug("artifact already installed", zap.String("path", artifact.destination))

			continue
		}

		temp := fileutil.TempName(final)

		if err = i.signer.Sign(artifact.source, temp); err != nil {
			cleanup()

			return nil, fmt.Errorf("%w: signing %s for %s: %w", ErrPartialInstall, artifact.source, gen.ID(), err)
		}

		temps = append(temps, temp)

		if err = fileutil.SyncPath(temp); err != nil {
			cleanup()

			return nil, fmt.Errorf("%w: %s: %w", ErrPartialInstall, gen.ID(), err)
		}

		renames = append(renames, [2]string{temp, final})
	}

	// write the descriptor to a temporary file as well; it is renamed last,
	// after every artifact is in its final place
	descriptor := entry.DescriptorPath(i.espPath)
	descriptorTemp := fileutil.TempName(descriptor)

	if err = fileutil.WriteFileSync(descriptorTemp, entry.Marshal(), 0o644); err != nil {
		cleanup()

		return nil, fmt.Errorf("%w: writing descriptor for %s: %w", ErrPartialInstall, gen.ID(), err)
	}

	temps = append(temps, descriptorTemp)

	for _, rename := range renames {
		if err = fileutil.CommitRename(rename[0], rename[1]); err != nil {
			cleanup()

			return nil, fmt.Errorf("%w: %s: %w", ErrPartialInstall, gen.ID(), err)
		}
	}

	if err = fileutil.CommitRename(descriptorTemp, descriptor); err != nil {
		cleanup()

		return nil, fmt.Errorf("%w: %s: %w", ErrPartialInstall, gen.ID(), err)
	}

	i.logger.Info("installed boot entry",
		zap.String("id", entry.ID()),
		zap.Int("generation", gen.Number),
		zap.String("specialisation", gen.Specialisation))

	return entry, nil
}

type plannedArtifact struct {
	source      string
	destination string // ESP-relative
}

// plan resolves the generation's artifacts and composes the entry.
func (i *Installer) plan(gen generation.Generation) (*Entry, []plannedArtifact, error) {
	kernelSource, err := filepath.EvalSymlinks(filepath.Join(gen.ProfilePath, "kernel"))
	if err != nil {
		return nil, nil, fmt.Errorf("resolving kernel: %w", err)
	}

	entry := &Entry{
		Generation: gen,
		Title:      title(gen),
		Version:    version(gen),
		SortKey:    "nixos",
		Linux:      filepath.Join(ArtifactsDir, artifactName(kernelSource)),
	}

	plan := []plannedArtifact{{source: kernelSource, destination: entry.Linux}}

	initrdSource, err := filepath.EvalSymlinks(filepath.Join(gen.ProfilePath, "initrd"))

	switch {
	case err == nil:
		entry.Initrd = filepath.Join(ArtifactsDir, artifactName(initrdSource))
		plan = append(plan, plannedArtifact{source: initrdSource, destination: entry.Initrd})
	case errors.Is(err, os.ErrNotExist):
		// generation without an initrd
	default:
		return nil, nil, fmt.Errorf("resolving initrd: %w", err)
	}

	entry.Options, err = kernelOptions(gen)
	if err != nil {
		return nil, nil, err
	}

	return entry, plan, nil
}

// artifactName derives the on-ESP artifact file name from the resolved
// source path. Sources live in a content-addressed store, so the parent
// directory name makes the artifact name unique per content and shared
// between generations built from the same sources.
func artifactName(source string) string {
	return filepath.Base(filepath.Dir(source)) + "-" + filepath.Base(source) + ".efi"
}

func title(gen generation.Generation) string {
	if gen.Specialisation == "" {
		return "NixOS"
	}

	return fmt.Sprintf("NixOS (%s)", gen.Specialisation)
}

func version(gen generation.Generation) string {
	version := fmt.Sprintf("Generation %d", gen.Number)

	if data, err := os.ReadFile(filepath.Join(gen.ProfilePath, "nixos-version")); err == nil {
		version += " " + strings.TrimSpace(string(data))
	}

	return version
}

// kernelOptions composes the kernel command line: the generation's stored
// kernel parameters plus the init= pointer into the resolved profile (the
// profile link itself may be renumbered by the build system, the store path
// behind it never changes).
func kernelOptions(gen generation.Generation) (string, error) {
	profile, err := filepath.EvalSymlinks(gen.ProfilePath)
	if err != nil {
		return "", fmt.Errorf("resolving profile: %w", err)
	}

	options := fmt.Sprintf("init=%s", filepath.Join(profile, "init"))

	data, err := os.ReadFile(filepath.Join(gen.ProfilePath, "kernel-params"))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return options, nil
		}

		return "", fmt.Errorf("reading kernel parameters: %w", err)
	}

	if params := strings.TrimSpace(string(data)); params != "" {
		options = params + " " + options
	}

	return options, nil
}
