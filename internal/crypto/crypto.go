package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"io"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

// Sealer encrypts small values at rest with XChaCha20-Poly1305 under a key
// derived from a local secret.
type Sealer struct {
	key []byte
}

// NewSealer derives the key with Argon2id. The salt is the SHA-256 of the
// secret and a fixed label, so the same secret always opens the same values.
func NewSealer(secret string) *Sealer {
	return &Sealer{key: DeriveKey(secret)}
}

func DeriveKey(secret string) []byte {
	const label = "relaychat vault v1"
	salt := sha256.Sum256([]byte(secret + label))
	return argon2.IDKey([]byte(secret), salt[:], 1, 64*1024, 4, chacha20poly1305.KeySize)
}

func (s *Sealer) Seal(plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(s.key)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return aead.Seal(nonce, nonce, plaintext, nil), nil
}

func (s *Sealer) Open(ciphertext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(s.key)
	if err != nil {
		return nil, err
	}

	if len(ciphertext) < aead.NonceSize() {
		return nil, errors.New("ciphertext too short")
	}
	nonce, msg := ciphertext[:aead.NonceSize()], ciphertext[aead.NonceSize():]
	return aead.Open(nil, nonce, msg, nil)
}
