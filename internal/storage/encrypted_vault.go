package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ledgerly/ledgerly/internal/crypto"
)

// ErrMalformedDocument is returned when the vault file is not a valid container
var ErrMalformedDocument = errors.New("malformed vault document")

// EncryptedVault is the encrypted secrets document stored on disk and in the mirror
type EncryptedVault struct {
	Nonce      string `json:"nonce"`      // base64, 12 bytes
	Ciphertext string `json:"ciphertext"` // base64
	AuthTag    string `json:"authTag"`    // base64, 16 bytes
	Version    int64  `json:"version"`
	ModifiedAt string `json:"modified_at"` // RFC 3339
}

// NewEncryptedVault packs a sealed payload into a document
func NewEncryptedVault(s *crypto.Sealed) *EncryptedVault {
	return &EncryptedVault{
		Nonce:      crypto.EncodeBase64(s.Nonce),
		Ciphertext: crypto.EncodeBase64(s.Ciphertext),
		AuthTag:    crypto.EncodeBase64(s.Tag),
	}
}

// Sealed decodes the document back into its binary parts
func (ev *EncryptedVault) Sealed() (*crypto.Sealed, error) {
	nonce, err := crypto.DecodeBase64(ev.Nonce)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to decode nonce: %v", ErrMalformedDocument, err)
	}
	ciphertext, err := crypto.DecodeBase64(ev.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to decode ciphertext: %v", ErrMalformedDocument, err)
	}
	tag, err := crypto.DecodeBase64(ev.AuthTag)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to decode auth tag: %v", ErrMalformedDocument, err)
	}
	if len(nonce) != crypto.GCMNonceSize || len(tag) != crypto.GCMTagSize {
		return nil, fmt.Errorf("%w: nonce or tag has wrong length", ErrMalformedDocument)
	}
	return &crypto.Sealed{Nonce: nonce, Ciphertext: ciphertext, Tag: tag}, nil
}

// ToJSON serializes the encrypted vault to JSON
func (ev *EncryptedVault) ToJSON() ([]byte, error) {
	return json.Marshal(ev)
}

// EncryptedVaultFromJSON deserializes the encrypted vault from JSON. When
// the JSON parses but required fields are missing, the partial document is
// returned with the error so its version survives.
func EncryptedVaultFromJSON(data []byte) (*EncryptedVault, error) {
	var ev EncryptedVault
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedDocument, err)
	}
	if ev.Nonce == "" || ev.AuthTag == "" {
		return &ev, fmt.Errorf("%w: missing nonce or auth tag", ErrMalformedDocument)
	}
	return &ev, nil
}

// GetModifiedAtTime parses the ModifiedAt timestamp
func (ev *EncryptedVault) GetModifiedAtTime() (time.Time, error) {
	return time.Parse(time.RFC3339, ev.ModifiedAt)
}

// SetModifiedAt sets the ModifiedAt timestamp
func (ev *EncryptedVault) SetModifiedAt(t time.Time) {
	ev.ModifiedAt = t.UTC().Format(time.RFC3339)
}
