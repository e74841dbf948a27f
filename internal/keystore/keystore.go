// Package keystore wraps key material with a secret held by the operating
// system's secure storage (macOS Keychain, Windows Credential Manager, the
// freedesktop Secret Service or KWallet).
//
// The wrapping secret never leaves the OS store except in process memory.
// Files produced by Wrap are opaque blobs that only the same OS user on the
// same machine can Unwrap.
package keystore

import (
	"errors"
	"fmt"
	"os"

	"github.com/99designs/keyring"
	"github.com/sirupsen/logrus"

	"github.com/ledgerly/ledgerly/internal/crypto"
)

const (
	// WrappingItemKey names the keyring item holding the wrapping secret
	WrappingItemKey = "master-key-wrapping-secret"

	// FilePasswordEnv supplies the password for the file keyring backend
	FilePasswordEnv = "LEDGERLY_KEYRING_PASSWORD"
)

var (
	// ErrUnavailable is returned by a Protector that has no OS backend
	ErrUnavailable = errors.New("os secure storage is not available")
	// ErrSecretMissing is returned when the wrapping secret is gone from the OS store
	ErrSecretMissing = errors.New("wrapping secret not found in os secure storage")
)

// Protector wraps and unwraps key material through OS secure storage
type Protector interface {
	// Available reports whether Wrap and Unwrap can succeed
	Available() bool
	// Backend names the storage backing the protector, for status output
	Backend() string
	Wrap(key []byte) ([]byte, error)
	Unwrap(blob []byte) ([]byte, error)
}

// Options controls which keyring backends the probe may select
type Options struct {
	ServiceName string
	// AllowFile admits the password-protected file backend. The password is
	// read from LEDGERLY_KEYRING_PASSWORD.
	AllowFile bool
	FileDir   string
	Logger    logrus.FieldLogger
}

// nativeBackends excludes keyctl: the kernel keyring does not survive a
// reboot, which would strand every wrapped key file.
var nativeBackends = []keyring.BackendType{
	keyring.KeychainBackend,
	keyring.WinCredBackend,
	keyring.SecretServiceBackend,
	keyring.KWalletBackend,
}

// Probe opens the best available OS keyring once. When none is usable it
// returns a Protector whose Available method reports false.
func Probe(opts Options) Protector {
	log := opts.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}

	allowed := append([]keyring.BackendType(nil), nativeBackends...)
	cfg := keyring.Config{
		ServiceName:                    opts.ServiceName,
		KeychainTrustApplication:       true,
		KeychainAccessibleWhenUnlocked: true,
		LibSecretCollectionName:        "login",
		KWalletAppID:                   opts.ServiceName,
		KWalletFolder:                  opts.ServiceName,
		WinCredPrefix:                  opts.ServiceName,
	}
	if opts.AllowFile {
		allowed = append(allowed, keyring.FileBackend)
		cfg.FileDir = opts.FileDir
		cfg.FilePasswordFunc = keyring.FixedStringPrompt(os.Getenv(FilePasswordEnv))
	}

	// Open backends one at a time so the selected one can be reported.
	var lastErr error = keyring.ErrNoAvailImpl
	for _, backend := range allowed {
		if !containsBackend(keyring.AvailableBackends(), backend) {
			continue
		}
		cfg.AllowedBackends = []keyring.BackendType{backend}
		ring, err := keyring.Open(cfg)
		if err != nil {
			log.WithError(err).WithField("backend", backend).Debug("keyring backend rejected")
			lastErr = err
			continue
		}
		log.WithField("backend", backend).Debug("os secure storage available")
		return NewKeyringProtector(ring, string(backend))
	}

	log.WithError(lastErr).Warn("os secure storage unavailable, master key will be stored unwrapped")
	return unavailable{}
}

func containsBackend(list []keyring.BackendType, b keyring.BackendType) bool {
	for _, x := range list {
		if x == b {
			return true
		}
	}
	return false
}

// KeyringProtector seals key material with XChaCha20-Poly1305 under a random
// secret stored as a single keyring item.
type KeyringProtector struct {
	ring    keyring.Keyring
	backend string
}

// NewKeyringProtector builds a Protector over an opened keyring
func NewKeyringProtector(ring keyring.Keyring, backend string) *KeyringProtector {
	return &KeyringProtector{ring: ring, backend: backend}
}

// Available always reports true; the keyring was opened successfully
func (p *KeyringProtector) Available() bool { return true }

// Backend returns the keyring backend name
func (p *KeyringProtector) Backend() string { return p.backend }

// Wrap seals key, creating the wrapping secret on first use
func (p *KeyringProtector) Wrap(key []byte) ([]byte, error) {
	secret, err := p.wrappingSecret(true)
	if err != nil {
		return nil, err
	}
	defer crypto.Zeroize(secret)

	return crypto.WrapKey(key, secret)
}

// Unwrap opens a blob produced by Wrap. It never creates a wrapping secret.
func (p *KeyringProtector) Unwrap(blob []byte) ([]byte, error) {
	secret, err := p.wrappingSecret(false)
	if err != nil {
		return nil, err
	}
	defer crypto.Zeroize(secret)

	key, err := crypto.UnwrapKey(blob, secret)
	if err != nil {
		return nil, fmt.Errorf("failed to unwrap key: %w", err)
	}
	return key, nil
}

func (p *KeyringProtector) wrappingSecret(create bool) ([]byte, error) {
	item, err := p.ring.Get(WrappingItemKey)
	if err == nil {
		if len(item.Data) != crypto.KeySize {
			return nil, fmt.Errorf("wrapping secret has invalid size %d", len(item.Data))
		}
		return append([]byte(nil), item.Data...), nil
	}
	if !errors.Is(err, keyring.ErrKeyNotFound) {
		return nil, fmt.Errorf("failed to read wrapping secret: %w", err)
	}
	if !create {
		return nil, ErrSecretMissing
	}

	secret, err := crypto.GenerateKey()
	if err != nil {
		return nil, err
	}
	err = p.ring.Set(keyring.Item{
		Key:         WrappingItemKey,
		Data:        secret,
		Label:       "ledgerly master key wrapping secret",
		Description: "Protects the ledgerly secrets vault key at rest",
	})
	if err != nil {
		crypto.Zeroize(secret)
		return nil, fmt.Errorf("failed to store wrapping secret: %w", err)
	}
	return append([]byte(nil), secret...), nil
}

type unavailable struct{}

func (unavailable) Available() bool { return false }

func (unavailable) Backend() string { return "none" }

func (unavailable) Wrap([]byte) ([]byte, error) { return nil, ErrUnavailable }

func (unavailable) Unwrap([]byte) ([]byte, error) { return nil, ErrUnavailable }

// Unavailable returns a Protector for environments without OS secure storage
func Unavailable() Protector { return unavailable{} }
