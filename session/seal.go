package session

import (
	"crypto/rand"
	"encoding/base64"

	"github.com/pkg/errors"
	"golang.org/x/crypto/chacha20poly1305"
)

// sealer encrypts the serialized session before it reaches the backing
// store, so tokens are not readable at rest. Format:
// base64url(nonce || ciphertext), XChaCha20-Poly1305 with a 32-byte key.
type sealer struct {
	key []byte
}

func newSealer(key []byte) (*sealer, error) {
	if len(key) != chacha20poly1305.KeySize {
		return nil, errors.Errorf("[newSealer] seal secret must be %d bytes, got %d", chacha20poly1305.KeySize, len(key))
	}
	return &sealer{key: key}, nil
}

func (s *sealer) Seal(plaintext []byte) (string, error) {
	aead, err := chacha20poly1305.NewX(s.key)
	if err != nil {
		return "", errors.Wrap(err, "[sealer.Seal] chacha20poly1305.NewX")
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", errors.Wrap(err, "[sealer.Seal] rand.Read")
	}

	sealed := aead.Seal(nonce, nonce, plaintext, nil)
	return base64.RawURLEncoding.EncodeToString(sealed), nil
}

func (s *sealer) Unseal(token string) ([]byte, error) {
	sealed, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return nil, errors.Wrap(err, "[sealer.Unseal] decode")
	}

	aead, err := chacha20poly1305.NewX(s.key)
	if err != nil {
		return nil, errors.Wrap(err, "[sealer.Unseal] chacha20poly1305.NewX")
	}

	if len(sealed) < aead.NonceSize() {
		return nil, errors.New("[sealer.Unseal] sealed value too short")
	}
	nonce, ciphertext := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]

	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, errors.Wrap(err, "[sealer.Unseal] open")
	}
	return plaintext, nil
}
