package tftpd

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnsureNodeDir(t *testing.T) {
	root := t.TempDir()
	fw := filepath.Join(root, piFirmwareDir)
	require.NoError(t, os.MkdirAll(fw, 0755))
	for _, name := range []string{"start4.elf", "fixup4.dat", "config.txt"} {
		require.NoError(t, os.WriteFile(filepath.Join(fw, name), []byte(name), 0644))
	}

	m := NewPiDirManager(root)
	require.NoError(t, m.EnsureNodeDir("abcdef12"))
	assert.True(t, m.HasNodeDir("abcdef12"))

	for _, name := range []string{"start4.elf", "fixup4.dat", "config.txt"} {
		link := filepath.Join(root, "abcdef12", name)
		fi, err := os.Lstat(link)
		require.NoError(t, err, name)
		assert.NotZero(t, fi.Mode()&os.ModeSymlink, name)

		data, err := os.ReadFile(link)
		require.NoError(t, err, name)
		assert.Equal(t, []byte(name), data)
	}

	// Idempotent on repeat, including after new firmware appears.
	require.NoError(t, os.WriteFile(filepath.Join(fw, "bcm2711-rpi-4-b.dtb"), []byte("dtb"), 0644))
	require.NoError(t, m.EnsureNodeDir("abcdef12"))
	_, err := os.Lstat(filepath.Join(root, "abcdef12", "bcm2711-rpi-4-b.dtb"))
	assert.NoError(t, err)
}

func TestEnsureNodeDirWithoutFirmware(t *testing.T) {
	m := NewPiDirManager(t.TempDir())

	// Missing shared firmware is tolerated; the directory still exists.
	require.NoError(t, m.EnsureNodeDir("abcdef13"))
	assert.True(t, m.HasNodeDir("abcdef13"))
}

func TestRemoveNodeDir(t *testing.T) {
	root := t.TempDir()
	m := NewPiDirManager(root)

	require.NoError(t, m.EnsureNodeDir("abcdef14"))
	require.NoError(t, m.RemoveNodeDir("abcdef14"))
	assert.False(t, m.HasNodeDir("abcdef14"))

	// Removing a missing directory or an empty serial is a no-op.
	require.NoError(t, m.RemoveNodeDir("abcdef14"))
	require.NoError(t, m.RemoveNodeDir(""))
}
