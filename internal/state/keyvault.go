package state

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/aiqa-platform/qacore/internal/domain"
)

// KeyVault encrypts provider API keys at rest with AES-256-GCM. Provider
// keys never flow through the shared TeamState document; implementations
// store the vault's ciphertext blob alongside, but separate from, the team
// document.
type KeyVault struct {
	aead cipher.AEAD
}

// NewKeyVault builds a vault from a 32-byte AES-256 key.
func NewKeyVault(key []byte) (*KeyVault, error) {
	if len(key) != 32 {
		return nil, errors.New("state: key vault requires a 32-byte key")
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("state: build cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("state: build aead: %w", err)
	}
	return &KeyVault{aead: aead}, nil
}

// Seal encrypts keys into a base64-encoded, storage-ready blob.
func (v *KeyVault) Seal(keys map[domain.ProviderKey]string) (string, error) {
	plaintext, err := json.Marshal(keys)
	if err != nil {
		return "", fmt.Errorf("state: marshal provider keys: %w", err)
	}
	nonce := make([]byte, v.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("state: generate nonce: %w", err)
	}
	sealed := v.aead.Seal(nonce, nonce, plaintext, nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Open decrypts a blob previously produced by Seal.
func (v *KeyVault) Open(blob string) (map[domain.ProviderKey]string, error) {
	if blob == "" {
		return nil, ErrNotFound
	}
	raw, err := base64.StdEncoding.DecodeString(blob)
	if err != nil {
		return nil, fmt.Errorf("state: decode blob: %w", err)
	}
	n := v.aead.NonceSize()
	if len(raw) < n {
		return nil, errors.New("state: ciphertext too short")
	}
	nonce, ciphertext := raw[:n], raw[n:]
	plaintext, err := v.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("state: decrypt: %w", err)
	}
	var keys map[domain.ProviderKey]string
	if err := json.Unmarshal(plaintext, &keys); err != nil {
		return nil, fmt.Errorf("state: unmarshal provider keys: %w", err)
	}
	return keys, nil
}
