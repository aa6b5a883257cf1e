// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package enroll stages SecureBoot authenticated key-update blobs for the
// firmware to consume at next boot.
//
// Enrollment never touches firmware state: it only copies pre-built
// `.auth` blobs into the loader's auto-enrollment directory.
package enroll

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/siderolabs/go-copy/copy"
	"go.uber.org/zap"

	"github.com/declos/sdboot-install/internal/pkg/database"
	"github.com/declos/sdboot-install/internal/pkg/fileutil"
)

// KeysDir is the sd-boot auto-enrollment directory, relative to the ESP.
const KeysDir = "loader/keys/auto"

// ErrEnrollment indicates a failed key staging; the remaining keys are still
// processed.
var ErrEnrollment = errors.New("enrollment error")

// KeyMaterial holds optional paths to pre-built authenticated-update blobs.
//
// Read-only input; unset fields are skipped silently.
type KeyMaterial struct {
	PK  string
	KEK string
	Db  string
}

// IsZero reports whether no key material is configured at all.
func (km KeyMaterial) IsZero() bool {
	return km == KeyMaterial{}
}

// Manager stages key material on the ESP.
type Manager struct {
	logger *zap.Logger
}

// NewManager creates a Manager.
func NewManager(logger *zap.Logger) *Manager {
	return &Manager{logger: logger}
}

// Enroll copies each configured blob into destinationDir under its
// conventional name, skipping blobs already staged with identical contents.
//
// Idempotent: a second run with the same inputs changes nothing. Per-key
// failures are collected; the returned error is their joined set.
func (m *Manager) Enroll(keyMaterial KeyMaterial, destinationDir string) error {
	var errs error

	for _, key := range []struct {
		source string
		name   string
	}{
		{keyMaterial.PK, database.PlatformKeyName},
		{keyMaterial.KEK, database.KeyExchangeKeyName},
		{keyMaterial.Db, database.SignatureKeyName},
	} {
		if key.source == "" {
			continue
		}

		if err := m.stage(key.source, filepath.Join(destinationDir, key.name)); err != nil {
			errs = errors.Join(errs, fmt.Errorf("%w: staging %s: %w", ErrEnrollment, key.name, err))
		}
	}

	return errs
}

func (m *Manager) stage(source, destination string) error {
	equal, err := fileutil.FilesEqual(source, destination)
	if err != nil {
		return err
	}

	if equal {
		m.logger.Debug("key already staged", zap.String("path", destination))

		return nil
	}

	if err = os.MkdirAll(filepath.Dir(destination), 0o755); err != nil {
		return err
	}

	temp := fileutil.TempName(destination)

	if err = copy.File(source, temp); err != nil {
		return err
	}

	if err = fileutil.SyncPath(temp); err != nil {
		os.Remove(temp) //nolint:errcheck

		return err
	}

	if err = fileutil.CommitRename(temp, destination); err != nil {
		os.Remove(temp) //nolint:errcheck

		return err
	}

	m.logger.Info("staged enrollment key", zap.String("source", source), zap.String("path", destination))

	return nil
}
