// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package enroll_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/declos/sdboot-install/internal/pkg/enroll"
)

func TestEnrollSubset(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	destinationDir := filepath.Join(dir, "keys", "auto")

	dbPath := filepath.Join(dir, "db.auth")
	require.NoError(t, os.WriteFile(dbPath, []byte("signed db payload"), 0o600))

	manager := enroll.NewManager(zaptest.NewLogger(t))

	// only db configured: only db.auth appears, absent keys raise no error
	require.NoError(t, manager.Enroll(enroll.KeyMaterial{Db: dbPath}, destinationDir))

	data, err := os.ReadFile(filepath.Join(destinationDir, "db.auth"))
	require.NoError(t, err)
	assert.Equal(t, "signed db payload", string(data))

	assert.NoFileExists(t, filepath.Join(destinationDir, "PK.auth"))
	assert.NoFileExists(t, filepath.Join(destinationDir, "KEK.auth"))
}

func TestEnrollIdempotent(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	destinationDir := filepath.Join(dir, "keys", "auto")

	km := enroll.KeyMaterial{
		PK:  filepath.Join(dir, "PK.auth"),
		KEK: filepath.Join(dir, "KEK.auth"),
		Db:  filepath.Join(dir, "db.auth"),
	}

	for name, path := range map[string]string{"PK": km.PK, "KEK": km.KEK, "db": km.Db} {
		require.NoError(t, os.WriteFile(path, []byte("payload "+name), 0o600))
	}

	manager := enroll.NewManager(zaptest.NewLogger(t))

	require.NoError(t, manager.Enroll(km, destinationDir))

	staged, err := os.ReadDir(destinationDir)
	require.NoError(t, err)
	assert.Len(t, staged, 3)

	// capture inode state, re-run, verify nothing was rewritten
	before := map[string]os.FileInfo{}

	for _, entry := range staged {
		info, err := os.Stat(filepath.Join(destinationDir, entry.Name()))
		require.NoError(t, err)

		before[entry.Name()] = info
	}

	require.NoError(t, manager.Enroll(km, destinationDir))

	for name, beforeInfo := range before {
		afterInfo, err := os.Stat(filepath.Join(destinationDir, name))
		require.NoError(t, err)

		assert.Equal(t, beforeInfo.ModTime(), afterInfo.ModTime(), "file %s was rewritten", name)
	}
}

func TestEnrollUpdatesChangedBlob(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	destinationDir := filepath.Join(dir, "keys", "auto")

	pkPath := filepath.Join(dir, "PK.auth")
	require.NoError(t, os.WriteFile(pkPath, []byte("old"), 0o600))

	manager := enroll.NewManager(zaptest.NewLogger(t))

	require.NoError(t, manager.Enroll(enroll.KeyMaterial{PK: pkPath}, destinationDir))
	require.NoError(t, os.WriteFile(pkPath, []byte("new"), 0o600))
	require.NoError(t, manager.Enroll(enroll.KeyMaterial{PK: pkPath}, destinationDir))

	data, err := os.ReadFile(filepath.Join(destinationDir, "PK.auth"))
	require.NoError(t, err)
	assert.Equal(t, "new", string(data))
}

func TestEnrollMissingSource(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	destinationDir := filepath.Join(dir, "keys", "auto")

	dbPath := filepath.Join(dir, "db.auth")
	require.NoError(t, os.WriteFile(dbPath, []byte("payload"), 0o600))

	manager := enroll.NewManager(zaptest.NewLogger(t))

	// a missing configured blob is a per-key error; the other keys are
	// still staged
	err := manager.Enroll(enroll.KeyMaterial{
		PK: filepath.Join(dir, "nonexistent.auth"),
		Db: dbPath,
	}, destinationDir)

	assert.ErrorIs(t, err, enroll.ErrEnrollment)
	assert.FileExists(t, filepath.Join(destinationDir, "db.auth"))
	assert.NoFileExists(t, filepath.Join(destinationDir, "PK.auth"))
}
