// Package vault seals secret values before they are written to the
// store, so roster credentials never land on disk in the clear.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
)

// Vault is an AES-256-GCM sealer with a passphrase-derived key.
type Vault struct {
	aead cipher.AEAD
}

// New derives the key from the passphrase via Argon2id. The salt is
// deterministic (SHA-256 of the passphrase) so the same passphrase
// opens existing secrets across restarts.
func New(passphrase string) (*Vault, error) {
	if strings.TrimSpace(passphrase) == "" {
		return nil, fmt.Errorf("vault passphrase must not be empty")
	}

	salt := sha256.Sum256([]byte(passphrase))
	key := argon2.IDKey([]byte(passphrase), salt[:16], 1, 64*1024, 4, 32)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create gcm: %w", err)
	}
	return &Vault{aead: aead}, nil
}

// Seal encrypts plaintext under a fresh random nonce. Ciphertext and
// nonce are stored side by side.
func (v *Vault) Seal(plaintext []byte) (ciphertext, nonce []byte, err error) {
	nonce = make([]byte, v.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, fmt.Errorf("generate nonce: %w", err)
	}
	return v.aead.Seal(nil, nonce, plaintext, nil), nonce, nil
}

// Open decrypts a sealed value. Fails on any tampering with the
// ciphertext or nonce.
func (v *Vault) Open(ciphertext, nonce []byte) ([]byte, error) {
	plaintext, err := v.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("open secret: %w", err)
	}
	return plaintext, nil
}
