// Package vault stores application secrets as a flat map of JSON values inside
// one AES-256-GCM encrypted document.
//
// Every operation reads the whole document, decrypts it with the active
// master key, and (for mutations) re-encrypts it under a fresh nonce before
// atomically replacing the file. Operations on one Store are serialized by an
// internal lock. Nothing coordinates separate processes: the last writer wins.
package vault

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ledgerly/ledgerly/internal/crypto"
	"github.com/ledgerly/ledgerly/internal/masterkey"
	"github.com/ledgerly/ledgerly/internal/storage"
)

var (
	// ErrVaultCorrupted is returned under FailOnCorruption when the vault
	// document cannot be decrypted or parsed
	ErrVaultCorrupted = errors.New("vault document is corrupted or was sealed with a different key")
	// ErrEmptyKey is returned for an empty secret name
	ErrEmptyKey = errors.New("secret key must not be empty")
)

// CorruptionPolicy decides what happens when the vault cannot be opened
type CorruptionPolicy int

const (
	// ResetOnCorruption moves the unreadable document aside and continues
	// with an empty vault
	ResetOnCorruption CorruptionPolicy = iota
	// FailOnCorruption refuses every operation until the document is fixed
	FailOnCorruption
)

// ParseCorruptionPolicy maps the config value to a policy
func ParseCorruptionPolicy(s string) (CorruptionPolicy, error) {
	switch s {
	case "", "reset":
		return ResetOnCorruption, nil
	case "fail":
		return FailOnCorruption, nil
	default:
		return ResetOnCorruption, fmt.Errorf("unknown corruption policy %q", s)
	}
}

func (p CorruptionPolicy) String() string {
	if p == FailOnCorruption {
		return "fail"
	}
	return "reset"
}

// KeyProvider hands out the active master key
type KeyProvider interface {
	GetOrCreateKey(ctx context.Context) (masterkey.MasterKey, error)
	EncryptionAvailable() bool
}

// Option configures a Store
type Option func(*Store)

// WithCorruptionPolicy overrides the default ResetOnCorruption
func WithCorruptionPolicy(p CorruptionPolicy) Option {
	return func(s *Store) { s.policy = p }
}

// WithLogger sets the logger
func WithLogger(l logrus.FieldLogger) Option {
	return func(s *Store) { s.log = l }
}

// WithClock sets the time source used for modified_at and quarantine names
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// Store is the encrypted secrets vault
type Store struct {
	keys   KeyProvider
	file   *storage.LocalStorage
	policy CorruptionPolicy
	log    logrus.FieldLogger
	now    func() time.Time

	mu sync.Mutex
}

// New creates a Store over the vault document at file
func New(keys KeyProvider, file *storage.LocalStorage, opts ...Option) *Store {
	s := &Store{
		keys:   keys,
		file:   file,
		policy: ResetOnCorruption,
		log:    logrus.StandardLogger(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.WithField("component", "vault")
	return s
}

// IsEncryptionAvailable reports whether OS secure storage backs the master key
func (s *Store) IsEncryptionAvailable() bool {
	return s.keys.EncryptionAvailable()
}

// Set stores value under key. value is marshalled to JSON; a json.RawMessage
// is stored as-is after validation.
func (s *Store) Set(ctx context.Context, key string, value any) error {
	if key == "" {
		return ErrEmptyKey
	}
	encoded, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to encode value for %q: %w", key, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.update(ctx, func(secrets map[string]json.RawMessage) bool {
		secrets[key] = encoded
		return true
	})
}

// Get returns the raw JSON stored under key. A missing key returns
// (nil, false, nil).
func (s *Store) Get(ctx context.Context, key string) (json.RawMessage, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	secrets, _, err := s.load(ctx, false)
	if err != nil {
		return nil, false, err
	}
	value, ok := secrets[key]
	if !ok {
		return nil, false, nil
	}
	return value, true, nil
}

// GetInto decodes the value stored under key into dst
func (s *Store) GetInto(ctx context.Context, key string, dst any) (bool, error) {
	raw, ok, err := s.Get(ctx, key)
	if err != nil || !ok {
		return ok, err
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return true, fmt.Errorf("failed to decode value for %q: %w", key, err)
	}
	return true, nil
}

// Delete removes key. Deleting a missing key succeeds without rewriting the
// document.
func (s *Store) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.update(ctx, func(secrets map[string]json.RawMessage) bool {
		if _, ok := secrets[key]; !ok {
			return false
		}
		delete(secrets, key)
		return true
	})
}

// Keys returns the sorted names of all stored secrets
func (s *Store) Keys(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	secrets, _, err := s.load(ctx, false)
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(secrets))
	for k := range secrets {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

// Document returns the encrypted document as stored, or storage.ErrNotFound
// when the vault has never been written
func (s *Store) Document() (*storage.EncryptedVault, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.file.LoadEncryptedVault()
}

// ReplaceDocument installs an encrypted document obtained elsewhere, such as
// the remote mirror. The document must decrypt under the active key.
func (s *Store) ReplaceDocument(ctx context.Context, doc *storage.EncryptedVault) error {
	key, err := s.keys.GetOrCreateKey(ctx)
	if err != nil {
		return err
	}
	defer crypto.Zeroize(key)

	if _, err := decrypt(doc, key); err != nil {
		return fmt.Errorf("refusing to install document: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.file.SaveEncryptedVault(doc); err != nil {
		return err
	}
	s.log.WithField("version", doc.Version).Info("installed vault document")
	return nil
}

// update runs a read-modify-write cycle. mutate reports whether it changed
// the map; unchanged maps are not rewritten. Callers hold s.mu.
func (s *Store) update(ctx context.Context, mutate func(map[string]json.RawMessage) bool) error {
	secrets, version, err := s.load(ctx, true)
	if err != nil {
		return err
	}
	if !mutate(secrets) {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.save(ctx, secrets, version)
}

// load decrypts the current document. A missing document is an empty vault.
// forWrite allows the reset policy to quarantine an unreadable file; reads
// leave the file where it is.
func (s *Store) load(ctx context.Context, forWrite bool) (map[string]json.RawMessage, int64, error) {
	key, err := s.keys.GetOrCreateKey(ctx)
	if err != nil {
		return nil, 0, err
	}
	defer crypto.Zeroize(key)

	doc, err := s.file.LoadEncryptedVault()
	if errors.Is(err, storage.ErrNotFound) {
		return map[string]json.RawMessage{}, 0, nil
	}
	if err != nil && !errors.Is(err, storage.ErrMalformedDocument) {
		return nil, 0, err
	}

	var secrets map[string]json.RawMessage
	if err == nil {
		secrets, err = decrypt(doc, key)
	}
	if err != nil {
		if corruptErr := s.handleCorruption(err, forWrite); corruptErr != nil {
			return nil, 0, corruptErr
		}
		// The replacement continues the old version sequence so a mirror
		// never sees it as older than what it already holds.
		var version int64
		if doc != nil && doc.Version > 0 {
			version = doc.Version
		}
		return map[string]json.RawMessage{}, version, nil
	}
	return secrets, doc.Version, nil
}

func decrypt(doc *storage.EncryptedVault, key []byte) (map[string]json.RawMessage, error) {
	sealed, err := doc.Sealed()
	if err != nil {
		return nil, err
	}
	plaintext, err := crypto.OpenGCM(sealed, key)
	if err != nil {
		return nil, err
	}
	defer crypto.Zeroize(plaintext)

	var secrets map[string]json.RawMessage
	if err := json.Unmarshal(plaintext, &secrets); err != nil {
		return nil, fmt.Errorf("%w: plaintext is not a JSON object: %v", storage.ErrMalformedDocument, err)
	}
	if secrets == nil {
		secrets = map[string]json.RawMessage{}
	}
	return secrets, nil
}

func (s *Store) handleCorruption(cause error, forWrite bool) error {
	if s.policy == FailOnCorruption {
		s.log.WithError(cause).Error("vault document is unreadable")
		return fmt.Errorf("%w: %v", ErrVaultCorrupted, cause)
	}
	if !forWrite {
		s.log.WithError(cause).Warn("vault document is unreadable, treating as empty")
		return nil
	}

	dest, err := s.file.Quarantine(s.now())
	if err != nil {
		return fmt.Errorf("failed to set aside unreadable vault: %w", err)
	}
	s.log.WithError(cause).WithField("quarantine", dest).Warn("unreadable vault document moved aside, starting empty")
	return nil
}

func (s *Store) save(ctx context.Context, secrets map[string]json.RawMessage, version int64) error {
	key, err := s.keys.GetOrCreateKey(ctx)
	if err != nil {
		return err
	}
	defer crypto.Zeroize(key)

	plaintext, err := json.Marshal(secrets)
	if err != nil {
		return fmt.Errorf("failed to encode vault: %w", err)
	}
	defer crypto.Zeroize(plaintext)

	sealed, err := crypto.SealGCM(plaintext, key)
	if err != nil {
		return fmt.Errorf("failed to encrypt vault: %w", err)
	}

	doc := storage.NewEncryptedVault(sealed)
	doc.Version = version + 1
	doc.SetModifiedAt(s.now())

	if err := s.file.SaveEncryptedVault(doc); err != nil {
		return err
	}
	s.log.WithFields(logrus.Fields{
		"version": doc.Version,
		"entries": len(secrets),
	}).Debug("vault written")
	return nil
}
