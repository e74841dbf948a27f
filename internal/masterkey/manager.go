// Package masterkey owns the lifecycle of the single symmetric key that
// protects the secrets vault: generation, persistence (wrapped by OS secure
// storage when available), loading, and one-shot migration from the legacy
// raw key file.
//
// A Manager assumes it is the only writer of its key files. Two processes
// racing on first start may each generate a key; the last rename wins and
// the loser's vault writes become unreadable. Desktop installs run a single
// process, so this is documented rather than locked.
package masterkey

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/ledgerly/ledgerly/internal/crypto"
	"github.com/ledgerly/ledgerly/internal/keystore"
	"github.com/ledgerly/ledgerly/internal/storage"
)

// LegacySuffix is appended to the legacy key file once it has been migrated
const LegacySuffix = ".bak"

var (
	// ErrKeyUnrecoverable means an existing key file cannot be turned back
	// into the master key. Generating a replacement would orphan every
	// stored secret, so callers must stop and surface this.
	ErrKeyUnrecoverable = errors.New("master key is unrecoverable")
	// ErrInvalidKey is returned for key material of the wrong size
	ErrInvalidKey = errors.New("invalid master key material")
)

// Storage tags how the master key is persisted
type Storage string

const (
	// StorageWrapped keys are sealed by OS secure storage
	StorageWrapped Storage = "wrapped"
	// StorageUnwrapped keys are plain hex on disk, the weaker fallback
	StorageUnwrapped Storage = "unwrapped"
)

// MasterKey is the 32-byte vault key
type MasterKey []byte

// String never reveals key bytes
func (k MasterKey) String() string { return "MasterKey(redacted)" }

// keyFile is the on-disk envelope for the current key format
type keyFile struct {
	Storage Storage `json:"storage"`
	Blob    string  `json:"blob,omitempty"` // base64, wrapped variant
	Key     string  `json:"key,omitempty"`  // hex, unwrapped variant
}

// Options configures a Manager
type Options struct {
	KeyFilePath       string
	LegacyKeyFilePath string
	Protector         keystore.Protector
	Logger            logrus.FieldLogger
}

// Manager loads or creates the master key once and hands it out on request
type Manager struct {
	keyPath    string
	legacyPath string
	protector  keystore.Protector
	log        logrus.FieldLogger

	mu      sync.Mutex
	key     MasterKey
	storage Storage
}

// New creates a Manager. The protector's availability is captured here and
// decides the variant used for every key written by this Manager.
func New(opts Options) *Manager {
	protector := opts.Protector
	if protector == nil {
		protector = keystore.Unavailable()
	}
	log := opts.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}

	m := &Manager{
		keyPath:    opts.KeyFilePath,
		legacyPath: opts.LegacyKeyFilePath,
		protector:  protector,
		log:        log.WithField("component", "masterkey"),
		storage:    StorageUnwrapped,
	}
	if protector.Available() {
		m.storage = StorageWrapped
	}
	return m
}

// Storage reports the variant backing the active key, or the variant new
// keys will use when nothing has been loaded yet.
func (m *Manager) Storage() Storage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.storage
}

// EncryptionAvailable reports whether OS secure storage backs the key
func (m *Manager) EncryptionAvailable() bool {
	return m.Storage() == StorageWrapped
}

// Backend names the OS secure-storage backend, or "none"
func (m *Manager) Backend() string {
	return m.protector.Backend()
}

// GetOrCreateKey returns the master key, loading, migrating or generating it
// on the first call. Later calls return the memoized key. The returned slice
// is a copy the caller may zeroize.
func (m *Manager) GetOrCreateKey(ctx context.Context) (MasterKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.key == nil {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		key, kind, err := m.resolve()
		if err != nil {
			return nil, err
		}
		m.key = key
		m.storage = kind
	}

	return append(MasterKey(nil), m.key...), nil
}

func (m *Manager) resolve() (MasterKey, Storage, error) {
	if _, err := os.Stat(m.keyPath); err == nil {
		return m.loadCurrent()
	} else if !os.IsNotExist(err) {
		return nil, "", fmt.Errorf("failed to stat key file: %w", err)
	}

	if m.legacyPath != "" {
		if _, err := os.Stat(m.legacyPath); err == nil {
			return m.migrateLegacy()
		} else if !os.IsNotExist(err) {
			return nil, "", fmt.Errorf("failed to stat legacy key file: %w", err)
		}
	}

	return m.generate()
}

func (m *Manager) loadCurrent() (MasterKey, Storage, error) {
	data, err := os.ReadFile(m.keyPath)
	if err != nil {
		return nil, "", fmt.Errorf("failed to read key file: %w", err)
	}

	kf, err := parseKeyFile(data)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrKeyUnrecoverable, err)
	}

	switch kf.Storage {
	case StorageWrapped:
		if !m.protector.Available() {
			return nil, "", fmt.Errorf("%w: key file is wrapped but os secure storage is unavailable", ErrKeyUnrecoverable)
		}
		blob, err := crypto.DecodeBase64(kf.Blob)
		if err != nil {
			return nil, "", fmt.Errorf("%w: failed to decode wrapped key: %v", ErrKeyUnrecoverable, err)
		}
		key, err := m.protector.Unwrap(blob)
		if err != nil {
			m.log.WithError(err).Error("failed to unwrap master key")
			return nil, "", fmt.Errorf("%w: %v", ErrKeyUnrecoverable, err)
		}
		if len(key) != crypto.KeySize {
			crypto.Zeroize(key)
			return nil, "", fmt.Errorf("%w: %v", ErrKeyUnrecoverable, ErrInvalidKey)
		}
		m.log.Debug("loaded wrapped master key")
		return key, StorageWrapped, nil

	case StorageUnwrapped:
		key, err := crypto.DecodeHexKey(kf.Key)
		if err != nil {
			return nil, "", fmt.Errorf("%w: %v", ErrKeyUnrecoverable, err)
		}
		if !m.protector.Available() {
			m.log.Warn("master key is stored unwrapped; os secure storage is unavailable")
			return key, StorageUnwrapped, nil
		}
		// Facility appeared since the key was written: move forward to the
		// wrapped form. A failed upgrade leaves the readable hex file alone.
		if err := m.persist(key, StorageWrapped); err != nil {
			m.log.WithError(err).Warn("failed to upgrade unwrapped master key")
			return key, StorageUnwrapped, nil
		}
		m.log.Info("upgraded unwrapped master key to os secure storage")
		return key, StorageWrapped, nil

	default:
		return nil, "", fmt.Errorf("%w: unknown key storage %q", ErrKeyUnrecoverable, kf.Storage)
	}
}

// parseKeyFile accepts the JSON envelope or a bare hex key
func parseKeyFile(data []byte) (*keyFile, error) {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "" {
		return nil, errors.New("key file is empty")
	}
	if !strings.HasPrefix(trimmed, "{") {
		return &keyFile{Storage: StorageUnwrapped, Key: trimmed}, nil
	}

	var kf keyFile
	if err := json.Unmarshal([]byte(trimmed), &kf); err != nil {
		return nil, fmt.Errorf("failed to parse key file: %w", err)
	}
	return &kf, nil
}

func (m *Manager) migrateLegacy() (MasterKey, Storage, error) {
	raw, err := os.ReadFile(m.legacyPath)
	if err != nil {
		return nil, "", fmt.Errorf("failed to read legacy key file: %w", err)
	}
	if len(raw) != crypto.KeySize {
		crypto.Zeroize(raw)
		return nil, "", fmt.Errorf("%w: legacy key file holds %d bytes", ErrInvalidKey, len(raw))
	}

	kind := m.variant()
	if err := m.persist(raw, kind); err != nil {
		crypto.Zeroize(raw)
		return nil, "", err
	}

	// The new key file is durable, so the legacy file can be retired. If the
	// rename fails the next start still finds the current file first.
	consumed := m.legacyPath + LegacySuffix
	if err := os.Rename(m.legacyPath, consumed); err != nil {
		m.log.WithError(err).Warn("failed to mark legacy key file as migrated")
	}

	m.log.WithFields(logrus.Fields{
		"storage": kind,
		"legacy":  consumed,
	}).Info("migrated legacy master key")
	return raw, kind, nil
}

func (m *Manager) generate() (MasterKey, Storage, error) {
	key, err := crypto.GenerateKey()
	if err != nil {
		return nil, "", err
	}

	kind := m.variant()
	if err := m.persist(key, kind); err != nil {
		crypto.Zeroize(key)
		return nil, "", err
	}

	m.log.WithField("storage", kind).Info("generated new master key")
	return key, kind, nil
}

func (m *Manager) variant() Storage {
	if m.protector.Available() {
		return StorageWrapped
	}
	return StorageUnwrapped
}

func (m *Manager) persist(key []byte, kind Storage) error {
	kf := keyFile{Storage: kind}
	switch kind {
	case StorageWrapped:
		blob, err := m.protector.Wrap(key)
		if err != nil {
			return fmt.Errorf("failed to wrap master key: %w", err)
		}
		kf.Blob = crypto.EncodeBase64(blob)
	case StorageUnwrapped:
		kf.Key = crypto.EncodeHex(key)
	}

	data, err := json.Marshal(kf)
	if err != nil {
		return fmt.Errorf("failed to marshal key file: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(m.keyPath), storage.DirPermissions); err != nil {
		return fmt.Errorf("failed to create key directory: %w", err)
	}
	if err := storage.WriteFileAtomic(m.keyPath, data, storage.FilePermissions); err != nil {
		return fmt.Errorf("failed to write key file: %w", err)
	}
	return nil
}
