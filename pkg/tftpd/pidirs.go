package tftpd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"

	"github.com/pureboot/pureboot/pkg/log"
)

// piFirmwareDir is the shared firmware directory under the TFTP root
// that per-node directories link into.
const piFirmwareDir = "pi-firmware"

// PiDirManager maintains the per-node TFTP directories for Raspberry Pi
// network boot. A Pi requests files under a directory named by its
// 8-hex board serial; the manager populates that directory with
// symlinks to the shared firmware, which the TFTP server follows
// transparently.
type PiDirManager struct {
	root   string
	logger zerolog.Logger
}

// NewPiDirManager creates a manager over the TFTP root.
func NewPiDirManager(root string) *PiDirManager {
	return &PiDirManager{
		root:   root,
		logger: log.WithComponent("tftp"),
	}
}

// EnsureNodeDir creates the per-serial directory with symlinks to every
// entry of the shared firmware directory. Idempotent.
func (m *PiDirManager) EnsureNodeDir(serial string) error {
	nodeDir := filepath.Join(m.root, serial)
	if err := os.MkdirAll(nodeDir, 0755); err != nil {
		return fmt.Errorf("failed to create node dir: %w", err)
	}

	fwDir := filepath.Join(m.root, piFirmwareDir)
	entries, err := os.ReadDir(fwDir)
	if err != nil {
		if os.IsNotExist(err) {
			m.logger.Warn().Str("serial", serial).Msg("shared pi firmware directory missing")
			return nil
		}
		return fmt.Errorf("failed to read firmware dir: %w", err)
	}

	for _, entry := range entries {
		linkPath := filepath.Join(nodeDir, entry.Name())
		// Relative target keeps the link valid if the root moves.
		target := filepath.Join("..", piFirmwareDir, entry.Name())
		if _, err := os.Lstat(linkPath); err == nil {
			continue
		}
		if err := os.Symlink(target, linkPath); err != nil {
			return fmt.Errorf("failed to link %s: %w", entry.Name(), err)
		}
	}

	m.logger.Info().Str("serial", serial).Msg("pi boot directory ready")
	return nil
}

// RemoveNodeDir deletes the per-serial directory. Called when a Pi node
// is retired.
func (m *PiDirManager) RemoveNodeDir(serial string) error {
	if serial == "" {
		return nil
	}
	nodeDir := filepath.Join(m.root, serial)
	if err := os.RemoveAll(nodeDir); err != nil {
		return fmt.Errorf("failed to remove node dir: %w", err)
	}
	m.logger.Info().Str("serial", serial).Msg("pi boot directory removed")
	return nil
}

// HasNodeDir reports whether the per-serial directory exists.
func (m *PiDirManager) HasNodeDir(serial string) bool {
	fi, err := os.Stat(filepath.Join(m.root, serial))
	return err == nil && fi.IsDir()
}
