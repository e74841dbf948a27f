package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

const (
	FilePermissions os.FileMode = 0600
	DirPermissions  os.FileMode = 0700
)

// ErrNotFound is returned when the vault file does not exist yet
var ErrNotFound = errors.New("vault document not found")

// LocalStorage handles local encrypted vault file operations
type LocalStorage struct {
	VaultPath string
}

// NewLocalStorage creates a new local storage instance
func NewLocalStorage(vaultPath string) *LocalStorage {
	return &LocalStorage{
		VaultPath: vaultPath,
	}
}

// EnsureDir ensures the vault directory exists
func (ls *LocalStorage) EnsureDir() error {
	dir := filepath.Dir(ls.VaultPath)
	return os.MkdirAll(dir, DirPermissions)
}

// SaveEncryptedVault atomically replaces the vault file
func (ls *LocalStorage) SaveEncryptedVault(ev *EncryptedVault) error {
	if err := ls.EnsureDir(); err != nil {
		return fmt.Errorf("failed to create vault directory: %w", err)
	}

	data, err := ev.ToJSON()
	if err != nil {
		return fmt.Errorf("failed to serialize encrypted vault: %w", err)
	}

	if err := WriteFileAtomic(ls.VaultPath, data, FilePermissions); err != nil {
		return fmt.Errorf("failed to write vault file: %w", err)
	}

	return nil
}

// LoadEncryptedVault loads an encrypted vault from disk. A missing file is
// ErrNotFound; an unparsable one wraps ErrMalformedDocument, alongside the
// partial document when the JSON itself was valid.
func (ls *LocalStorage) LoadEncryptedVault() (*EncryptedVault, error) {
	data, err := os.ReadFile(ls.VaultPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to read vault file: %w", err)
	}

	ev, err := EncryptedVaultFromJSON(data)
	if err != nil {
		return ev, fmt.Errorf("failed to parse vault file: %w", err)
	}

	return ev, nil
}

// Exists checks if the vault file exists
func (ls *LocalStorage) Exists() bool {
	_, err := os.Stat(ls.VaultPath)
	return err == nil
}

// Quarantine moves an unreadable vault file aside and returns its new path
func (ls *LocalStorage) Quarantine(now time.Time) (string, error) {
	dest := fmt.Sprintf("%s.corrupt-%d", ls.VaultPath, now.UnixMilli())
	if err := os.Rename(ls.VaultPath, dest); err != nil {
		return "", fmt.Errorf("failed to quarantine vault file: %w", err)
	}
	return dest, nil
}

// WriteFileAtomic writes data to a temp file in the target directory, syncs
// it, and renames it over path. Readers see either the old or the new file.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmpFile, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()

	if _, err = tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to write to temp file: %w", err)
	}

	if err = tmpFile.Sync(); err != nil {
		_ = tmpFile.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to sync temp file: %w", err)
	}

	if err = tmpFile.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to close temp file: %w", err)
	}

	if err = os.Chmod(tmpPath, perm); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to set permissions: %w", err)
	}

	if err = os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}

	syncDir(dir)
	return nil
}

// syncDir flushes a directory entry after a rename. Some platforms cannot
// open directories for sync; the rename is still atomic there.
func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	_ = d.Sync()
	_ = d.Close()
}
