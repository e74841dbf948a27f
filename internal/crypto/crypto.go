package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
)

const (
	// KeySize is the size of master and wrapping keys
	KeySize = 32

	// GCM parameters for the vault document
	GCMNonceSize = 12
	GCMTagSize   = 16

	// Nonce size for XChaCha20-Poly1305 key wrapping
	WrapNonceSize = chacha20poly1305.NonceSizeX
)

var (
	// ErrInvalidKeySize is returned when a key is not KeySize bytes
	ErrInvalidKeySize = errors.New("invalid key size")
	// ErrAuthFailed is returned when an authentication tag does not verify
	ErrAuthFailed = errors.New("message authentication failed")
)

// Sealed is the output of SealGCM, kept as separate parts so the vault
// document can store nonce, ciphertext and tag individually.
type Sealed struct {
	Nonce      []byte
	Ciphertext []byte
	Tag        []byte
}

// GenerateKey generates a random 32-byte key
func GenerateKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	return key, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != KeySize {
		return nil, ErrInvalidKeySize
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	aead, err := cipher.NewGCMWithTagSize(block, GCMTagSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return aead, nil
}

// SealGCM encrypts plaintext with AES-256-GCM under a fresh random nonce
func SealGCM(plaintext, key []byte) (*Sealed, error) {
	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, GCMNonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	out := aead.Seal(nil, nonce, plaintext, nil)
	split := len(out) - GCMTagSize
	return &Sealed{
		Nonce:      nonce,
		Ciphertext: out[:split],
		Tag:        out[split:],
	}, nil
}

// OpenGCM authenticates and decrypts a Sealed value. It fails closed:
// any tampering with nonce, ciphertext or tag returns ErrAuthFailed.
func OpenGCM(s *Sealed, key []byte) ([]byte, error) {
	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	if len(s.Nonce) != GCMNonceSize {
		return nil, errors.New("invalid nonce size")
	}
	if len(s.Tag) != GCMTagSize {
		return nil, errors.New("invalid tag size")
	}

	combined := make([]byte, 0, len(s.Ciphertext)+len(s.Tag))
	combined = append(combined, s.Ciphertext...)
	combined = append(combined, s.Tag...)

	plaintext, err := aead.Open(nil, s.Nonce, combined, nil)
	if err != nil {
		return nil, ErrAuthFailed
	}
	return plaintext, nil
}

// WrapKey encrypts key material with a wrapping key using XChaCha20-Poly1305.
// The returned blob is nonce||ciphertext.
func WrapKey(key, wrappingKey []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(wrappingKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	nonce := make([]byte, WrapNonceSize, WrapNonceSize+len(key)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	return aead.Seal(nonce, nonce, key, nil), nil
}

// UnwrapKey reverses WrapKey
func UnwrapKey(blob, wrappingKey []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(wrappingKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	if len(blob) < WrapNonceSize+aead.Overhead() {
		return nil, errors.New("wrapped key too short")
	}

	key, err := aead.Open(nil, blob[:WrapNonceSize], blob[WrapNonceSize:], nil)
	if err != nil {
		return nil, ErrAuthFailed
	}
	return key, nil
}

// EncodeHex encodes bytes to a lowercase hex string
func EncodeHex(data []byte) string {
	return hex.EncodeToString(data)
}

// DecodeHexKey decodes a hex string into a KeySize key, ignoring surrounding whitespace
func DecodeHexKey(s string) ([]byte, error) {
	key, err := hex.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("failed to decode hex key: %w", err)
	}
	if len(key) != KeySize {
		Zeroize(key)
		return nil, ErrInvalidKeySize
	}
	return key, nil
}

// EncodeBase64 encodes bytes to base64 string
func EncodeBase64(data []byte) string {
	return base64.StdEncoding.EncodeToString(data)
}

// DecodeBase64 decodes base64 string to bytes
func DecodeBase64(s string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(s)
}

// Zeroize overwrites a byte slice with zeros to clear sensitive data from memory
func Zeroize(data []byte) {
	for i := range data {
		data[i] = 0
	}
}
