// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package installer orchestrates a full install run: discovery, enrollment,
// signing, entry installation, retention and loader configuration, under
// mutual exclusion on the boot partition.
package installer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/alexflint/go-filemutex"
	"go.uber.org/zap"

	"github.com/declos/sdboot-install/internal/pkg/bootentry"
	"github.com/declos/sdboot-install/internal/pkg/enroll"
	"github.com/declos/sdboot-install/internal/pkg/fileutil"
	"github.com/declos/sdboot-install/internal/pkg/generation"
	"github.com/declos/sdboot-install/internal/pkg/loaderconf"
	"github.com/declos/sdboot-install/internal/pkg/retention"
)

// ErrLockHeld indicates that another install run holds the boot partition
// lock; the caller is expected to retry, this run aborts immediately.
var ErrLockHeld = errors.New("boot partition lock is held")

const (
	lockFile       = "loader/.sdboot-install.lock"
	loaderConfFile = "loader/loader.conf"

	bootloaderDest         = "EFI/systemd/systemd-bootx64.efi"
	bootloaderFallbackDest = "EFI/BOOT/BOOTX64.EFI"

	// bootloader binary location inside the boot-manager runtime tree
	bootloaderRuntimePath = "lib/systemd/boot/efi/systemd-bootx64.efi"
)

// Options configures a run.
type Options struct {
	// ESPPath is the mount point of the EFI system partition.
	ESPPath string
	// GenerationGlob matches the profile links to install.
	GenerationGlob string
	// DefaultProfile, if set, selects the default boot entry: the generation
	// whose profile resolves to the same system is marked default.
	DefaultProfile string
	// BootloaderPath points at the boot-manager runtime (directory) or the
	// sd-boot EFI binary directly; empty skips bootloader installation.
	BootloaderPath string
	// LoaderConfigPath is an optional loader configuration fragment merged
	// over the generated defaults, last writer wins per key.
	LoaderConfigPath string

	// ConsoleMode is the loader console-mode value; empty leaves it unset.
	ConsoleMode string

	// KeyMaterial holds optional pre-built PK/KEK/db blobs to stage.
	KeyMaterial enroll.KeyMaterial

	// ConfigurationLimit bounds the installed entry set; 0 means unlimited.
	ConfigurationLimit int
	// Timeout is the boot menu timeout in seconds.
	Timeout int
}

// Installer is the install orchestrator.
type Installer struct {
	logger *zap.Logger
	signer bootentry.Signer
	opts   Options

	state    State
	degraded []error
}

// New creates an Installer.
func New(logger *zap.Logger, signer bootentry.Signer, opts Options) *Installer {
	return &Installer{
		logger: logger,
		signer: signer,
		opts:   opts,
		state:  StateIdle,
	}
}

// Run executes one full install pass.
//
// A non-nil error is fatal (lock contention, settings validation, empty boot
// partition with nothing to install); per-generation and per-key failures
// are reported in the summary and do not fail the run. Safe to invoke
// repeatedly: a run with no new generations and unchanged configuration
// changes nothing on disk.
func (i *Installer) Run(ctx context.Context) error {
	// a negative limit would mark every installed entry for eviction
	if i.opts.ConfigurationLimit < 0 {
		return i.fail(fmt.Errorf("configuration limit must not be negative: %d", i.opts.ConfigurationLimit))
	}

	i.transition(StateLocking)

	unlock, err := i.lock()
	if err != nil {
		return i.fail(err)
	}

	defer unlock()

	// settings are validated before any mutation of the entry set: a broken
	// loader configuration aborts the whole run
	settings, err := i.loadSettings()
	if err != nil {
		return i.fail(err)
	}

	i.transition(StateEnrolling)

	if !i.opts.KeyMaterial.IsZero() {
		// enrollment is best-effort: failures never abort the run
		if err := enroll.NewManager(i.logger).Enroll(i.opts.KeyMaterial, filepath.Join(i.opts.ESPPath, enroll.KeysDir)); err != nil {
			i.report(err)
		}
	}

	i.transition(StateDiscovering)

	generations, err := generation.Discover(i.logger, i.opts.GenerationGlob)
	if err != nil {
		installed, scanErr := bootentry.Scan(i.logger, i.opts.ESPPath)
		if scanErr != nil || len(installed) == 0 {
			// nothing discovered and nothing installed: the boot partition
			// would end up with no bootable entry at all
			return i.fail(err)
		}

		i.report(err)
	}

	i.transition(StateInstalling)

	if err := i.installBootloader(); err != nil {
		i.report(err)
	}

	defaultEntry := i.installEntries(generations)

	i.transition(StatePruning)

	installed, err := bootentry.Scan(i.logger, i.opts.ESPPath)
	if err != nil {
		return i.fail(fmt.Errorf("scanning installed entries: %w", err))
	}

	surviving, _ := retention.Reconcile(installed, i.opts.ConfigurationLimit)

	if err := retention.NewManager(i.logger).Prune(installed, i.opts.ConfigurationLimit); err != nil {
		i.report(err)
	}

	// loader.conf only ever points at a descriptor that exists: a candidate
	// whose install failed this run falls back to the newest installed entry
	defaultEntry = resolveDefault(defaultEntry, surviving)

	if err := i.writeLoaderConf(settings, defaultEntry); err != nil {
		return i.fail(err)
	}

	i.transition(StateDone)
	i.summarize()

	return nil
}

func (i *Installer) transition(next State) {
	i.logger.Debug("state transition", zap.Stringer("from", i.state), zap.Stringer("to", next))
	i.state = next
}

func (i *Installer) fail(err error) error {
	i.transition(StateFailed)

	return err
}

// report collects a degraded error: the run continues, the failure shows up
// in the final summary.
func (i *Installer) report(err error) {
	i.logger.Warn("continuing degraded", zap.Error(err))
	i.degraded = append(i.degraded, err)
}

func (i *Installer) summarize() {
	if len(i.degraded) == 0 {
		i.logger.Info("install run complete")

		return
	}

	i.logger.Warn("install run complete with degraded steps",
		zap.Int("failures", len(i.degraded)),
		zap.Error(errors.Join(i.degraded...)))
}

// lock acquires the boot partition lock without blocking: overlapping runs
// fail fast and are retried by the caller, never queued.
func (i *Installer) lock() (func(), error) {
	path := filepath.Join(i.opts.ESPPath, lockFile)

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	mutex, err := filemutex.New(path)
	if err != nil {
		return nil, fmt.Errorf("creating lock %q: %w", path, err)
	}

	if err = mutex.TryLock(); err != nil {
		if errors.Is(err, filemutex.AlreadyLocked) {
			return nil, fmt.Errorf("%w: %s", ErrLockHeld, path)
		}

		return nil, fmt.Errorf("acquiring lock %q: %w", path, err)
	}

	return func() {
		if err := mutex.Close(); err != nil {
			i.logger.Warn("failed to release lock", zap.Error(err))
		}
	}, nil
}

// loadSettings builds the default loader settings and merges the optional
// user-supplied fragment over them.
func (i *Installer) loadSettings() (*loaderconf.Settings, error) {
	settings := loaderconf.New()
	settings.Set("timeout", strconv.Itoa(i.opts.Timeout))

	if i.opts.ConsoleMode != "" {
		settings.Set("console-mode", i.opts.ConsoleMode)
	}

	if i.opts.LoaderConfigPath != "" {
		data, err := os.ReadFile(i.opts.LoaderConfigPath)
		if err != nil {
			return nil, fmt.Errorf("reading loader configuration %q: %w", i.opts.LoaderConfigPath, err)
		}

		overrides, err := loaderconf.Unmarshal(data)
		if err != nil {
			return nil, fmt.Errorf("parsing loader configuration %q: %w", i.opts.LoaderConfigPath, err)
		}

		settings.Merge(overrides)
	}

	return settings, nil
}

// installEntries installs every discovered generation not yet present, and
// returns the descriptor name of the default entry.
func (i *Installer) installEntries(generations []generation.Generation) string {
	installed, err := bootentry.Scan(i.logger, i.opts.ESPPath)
	if err != nil {
		i.report(fmt.Errorf("scanning installed entries: %w", err))

		return ""
	}

	present := map[string]struct{}{}

	for _, entry := range installed {
		present[entry.ID] = struct{}{}
	}

	entryInstaller := bootentry.NewInstaller(i.logger, i.signer, i.opts.ESPPath)

	for _, gen := range generations {
		if _, ok := present[gen.ID()]; ok {
			i.logger.Debug("entry already installed", zap.String("id", gen.ID()))

			continue
		}

		if _, err := entryInstaller.Install(gen); err != nil {
			i.report(err)
		}
	}

	return i.defaultEntry(generations)
}

// defaultEntry picks the entry marked default in loader.conf: the generation
// matching the default profile, or the highest-numbered one.
func (i *Installer) defaultEntry(generations []generation.Generation) string {
	if len(generations) == 0 {
		return ""
	}

	if i.opts.DefaultProfile != "" {
		if system, err := filepath.EvalSymlinks(i.opts.DefaultProfile); err == nil {
			for _, gen := range generations {
				if gen.Specialisation != "" {
					continue
				}

				if profile, err := filepath.EvalSymlinks(gen.ProfilePath); err == nil && profile == system {
					return gen.ID() + ".conf"
				}
			}
		}

		i.logger.Warn("default profile does not match any generation, falling back to the newest",
			zap.String("profile", i.opts.DefaultProfile))
	}

	// generations are sorted by number descending, base generation first
	return generations[0].ID() + ".conf"
}

// resolveDefault keeps the candidate only if its entry survived install and
// retention, otherwise it picks the newest surviving entry.
func resolveDefault(candidate string, surviving []bootentry.InstalledEntry) string {
	for _, entry := range surviving {
		if candidate == entry.ID+".conf" {
			return candidate
		}
	}

	if len(surviving) > 0 {
		return surviving[0].ID + ".conf"
	}

	return ""
}

// installBootloader signs and installs the sd-boot binary into its vendor
// and fallback locations, skipping destinations already up to date.
func (i *Installer) installBootloader() error {
	if i.opts.BootloaderPath == "" {
		return nil
	}

	source := i.opts.BootloaderPath

	if info, err := os.Stat(source); err == nil && info.IsDir() {
		source = filepath.Join(source, bootloaderRuntimePath)
	}

	for _, destination := range []string{bootloaderDest, bootloaderFallbackDest} {
		final := filepath.Join(i.opts.ESPPath, destination)

		if err := os.MkdirAll(filepath.Dir(final), 0o755); err != nil {
			return fmt.Errorf("installing bootloader: %w", err)
		}

		temp := fileutil.TempName(final)

		if err := i.signer.Sign(source, temp); err != nil {
			return fmt.Errorf("signing bootloader %q: %w", source, err)
		}

		equal, err := fileutil.FilesEqual(temp, final)
		if err == nil && equal {
			// already up to date, keep the installed binary untouched
			os.Remove(temp) //nolint:errcheck

			continue
		}

		if err = fileutil.SyncPath(temp); err != nil {
			os.Remove(temp) //nolint:errcheck

			return fmt.Errorf("installing bootloader: %w", err)
		}

		if err = fileutil.CommitRename(temp, final); err != nil {
			os.Remove(temp) //nolint:errcheck

			return fmt.Errorf("installing bootloader: %w", err)
		}

		i.logger.Info("installed bootloader", zap.String("path", destination))
	}

	return nil
}

// writeLoaderConf writes the final loader configuration, atomically and only
// when its contents changed.
func (i *Installer) writeLoaderConf(settings *loaderconf.Settings, defaultEntry string) error {
	if defaultEntry != "" {
		// the default key is owned by the orchestrator: user fragments do
		// not override the selected generation
		settings.Set("default", defaultEntry)
	}

	final := filepath.Join(i.opts.ESPPath, loaderConfFile)
	data := settings.Marshal()

	if existing, err := os.ReadFile(final); err == nil && string(existing) == string(data) {
		return nil
	}

	temp := fileutil.TempName(final)

	if err := fileutil.WriteFileSync(temp, data, 0o644); err != nil {
		return fmt.Errorf("writing loader configuration: %w", err)
	}

	if err := fileutil.CommitRename(temp, final); err != nil {
		os.Remove(temp) //nolint:errcheck

		return fmt.Errorf("writing loader configuration: %w", err)
	}

	i.logger.Info("wrote loader configuration", zap.String("path", loaderConfFile))

	return nil
}
