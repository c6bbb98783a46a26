package storage

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckLocalFilesystem(t *testing.T) {
	t.Parallel()

	dbPath := filepath.Join(t.TempDir(), "shunter.db")
	fixed := func(fs string) func(string) (string, error) {
		return func(string) (string, error) { return fs, nil }
	}

	assert.NoError(t, checkLocalFilesystem(dbPath, fixed("0xef53")))

	err := checkLocalFilesystem(dbPath, fixed("nfs"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "state.path")

	unknown := func(string) (string, error) { return "", errors.New("unsupported") }
	assert.NoError(t, checkLocalFilesystem(dbPath, unknown), "undetectable filesystems are allowed")
}

func TestCheckLocalFilesystem_InspectsNearestExistingParent(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	var inspected string
	err := checkLocalFilesystem(filepath.Join(root, "data", "deep", "shunter.db"), func(p string) (string, error) {
		inspected = p
		return "apfs", nil
	})
	require.NoError(t, err)
	assert.Equal(t, root, inspected)
}

func TestIsNetworkFilesystem(t *testing.T) {
	t.Parallel()

	cases := map[string]bool{
		"nfs":    true,
		"SMBFS":  true,
		" cifs ": true,
		"apfs":   false,
		"0x6969": false,
	}
	for fs, want := range cases {
		assert.Equal(t, want, isNetworkFilesystem(fs), fs)
	}
}
