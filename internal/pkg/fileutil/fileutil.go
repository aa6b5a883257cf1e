// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package fileutil provides the durable write primitives the installer is
// built on: every mutation of the boot partition goes through a temporary
// file on the same filesystem, an fsync, and an atomic rename.
package fileutil

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// TempName returns the temporary sibling path used before the atomic rename.
func TempName(final string) string {
	return final + ".tmp"
}

// WriteFileSync writes data to path and fsyncs it before closing.
func WriteFileSync(path string, data []byte, perm os.FileMode) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return err
	}

	if _, err = f.Write(data); err != nil {
		f.Close() //nolint:errcheck

		return err
	}

	if err = f.Sync(); err != nil {
		f.Close() //nolint:errcheck

		return err
	}

	return f.Close()
}

// SyncPath fsyncs a file or directory.
func SyncPath(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}

	defer f.Close() //nolint:errcheck

	if err = unix.Fsync(int(f.Fd())); err != nil {
		return fmt.Errorf("fsync %s: %w", path, err)
	}

	return nil
}

// CommitRename renames src over dst and fsyncs the containing directory, so
// the rename itself is durable.
func CommitRename(src, dst string) error {
	if err := os.Rename(src, dst); err != nil {
		return err
	}

	return SyncPath(filepath.Dir(dst))
}

// FilesEqual returns true if both files exist and have identical contents.
func FilesEqual(a, b string) (bool, error) {
	dataA, err := os.ReadFile(a)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}

		return false, err
	}

	dataB, err := os.ReadFile(b)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}

		return false, err
	}

	return bytes.Equal(dataA, dataB), nil
}
