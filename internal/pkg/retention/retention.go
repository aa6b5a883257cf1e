// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package retention bounds the set of installed boot entries.
package retention

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/declos/sdboot-install/internal/pkg/bootentry"
	"github.com/declos/sdboot-install/internal/pkg/fileutil"
)

// ErrRetention indicates a failed eviction; the entry stays installed and is
// retried on the next run.
var ErrRetention = errors.New("retention error")

// Reconcile splits the installed entries into survivors and evictions.
//
// A limit of zero or less means unlimited retention. Otherwise the limit
// highest generation numbers survive; specialisations count as part of their
// base generation, they are kept or evicted together.
func Reconcile(installed []bootentry.InstalledEntry, limit int) (keep, evict []bootentry.InstalledEntry) {
	if limit <= 0 {
		return installed, nil
	}

	kept := map[int]struct{}{}

	// installed is sorted by generation number descending
	for _, entry := range installed {
		if _, ok := kept[entry.Number]; ok || len(kept) < limit {
			kept[entry.Number] = struct{}{}

			keep = append(keep, entry)
		} else {
			evict = append(evict, entry)
		}
	}

	return keep, evict
}

// Manager deletes evicted entries from the ESP.
type Manager struct {
	logger *zap.Logger
}

// NewManager creates a Manager.
func NewManager(logger *zap.Logger) *Manager {
	return &Manager{logger: logger}
}

// Prune evicts all entries beyond the limit.
//
// Per-entry failures are collected, not fatal: a busy entry stays installed
// and is retried on the next run. The returned error is the joined set of
// per-entry failures, nil if every eviction succeeded.
func (m *Manager) Prune(installed []bootentry.InstalledEntry, limit int) error {
	_, evict := Reconcile(installed, limit)

	var errs error

	for i, entry := range evict {
		// artifacts referenced by any descriptor still on disk stay put:
		// survivors plus the evictions not yet processed
		live := liveArtifacts(installed, evict[:i+1])

		if err := m.delete(entry, live); err != nil {
			errs = errors.Join(errs, fmt.Errorf("%w: evicting %s: %w", ErrRetention, entry.ID, err))
		}
	}

	return errs
}

// delete removes the descriptor first, then the artifacts no other
// descriptor references. A crash in between leaves orphaned artifact files,
// never a descriptor pointing at missing artifacts.
func (m *Manager) delete(entry bootentry.InstalledEntry, live map[string]struct{}) error {
	if err := os.Remove(entry.DescriptorPath); err != nil {
		return err
	}

	if err := fileutil.SyncPath(filepath.Dir(entry.DescriptorPath)); err != nil {
		return err
	}

	m.logger.Info("evicted boot entry", zap.String("id", entry.ID), zap.Int("generation", entry.Number))

	for _, artifact := range entry.ArtifactPaths {
		if _, ok := live[artifact]; ok {
			continue
		}

		if err := os.Remove(artifact); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}

		m.logger.Debug("removed unreferenced artifact", zap.String("path", artifact))
	}

	return nil
}

// liveArtifacts collects artifact paths referenced by entries whose
// descriptors remain on disk once the given eviction prefix is processed.
func liveArtifacts(installed, processed []bootentry.InstalledEntry) map[string]struct{} {
	gone := map[string]struct{}{}

	for _, entry := range processed {
		gone[entry.ID] = struct{}{}
	}

	live := map[string]struct{}{}

	for _, entry := range installed {
		if _, ok := gone[entry.ID]; ok {
			continue
		}

		for _, artifact := range entry.ArtifactPaths {
			live[artifact] = struct{}{}
		}
	}

	return live
}
