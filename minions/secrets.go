package minions

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
)

// keySealer encrypts provider API keys at rest. The key is derived from
// MINION_SECRET_KEY; without one, sealing is disabled and keys are stored
// with a plaintext marker so mixed rows stay readable.
type keySealer struct {
	aead interface {
		Seal(dst, nonce, plaintext, additionalData []byte) []byte
		Open(dst, nonce, ciphertext, additionalData []byte) ([]byte, error)
	}
}

const plainPrefix = "plain:"
const sealedPrefix = "sealed:"

func newKeySealerFromEnv() (*keySealer, error) {
	secret := strings.TrimSpace(os.Getenv("MINION_SECRET_KEY"))
	if secret == "" {
		return &keySealer{}, nil
	}
	derived := sha256.Sum256([]byte(secret))
	aead, err := chacha20poly1305.NewX(derived[:])
	if err != nil {
		return nil, fmt.Errorf("minions: init key sealer: %w", err)
	}
	return &keySealer{aead: aead}, nil
}

// Seal returns an opaque string safe to persist.
func (s *keySealer) Seal(apiKey string) (string, error) {
	if apiKey == "" {
		return "", nil
	}
	if s == nil || s.aead == nil {
		return plainPrefix + apiKey, nil
	}

	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("minions: generate nonce: %w", err)
	}
	sealed := s.aead.Seal(nonce, nonce, []byte(apiKey), nil)
	return sealedPrefix + base64.StdEncoding.EncodeToString(sealed), nil
}

// Open reverses Seal. Values sealed under a different secret fail.
func (s *keySealer) Open(stored string) (string, error) {
	switch {
	case stored == "":
		return "", nil
	case strings.HasPrefix(stored, plainPrefix):
		return strings.TrimPrefix(stored, plainPrefix), nil
	case strings.HasPrefix(stored, sealedPrefix):
		if s == nil || s.aead == nil {
			return "", errors.New("minions: MINION_SECRET_KEY is required to read sealed API keys")
		}
		raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(stored, sealedPrefix))
		if err != nil {
			return "", fmt.Errorf("minions: decode sealed key: %w", err)
		}
		if len(raw) < chacha20poly1305.NonceSizeX {
			return "", errors.New("minions: sealed key is truncated")
		}
		nonce, ciphertext := raw[:chacha20poly1305.NonceSizeX], raw[chacha20poly1305.NonceSizeX:]
		plain, err := s.aead.Open(nil, nonce, ciphertext, nil)
		if err != nil {
			return "", fmt.Errorf("minions: unseal key: %w", err)
		}
		return string(plain), nil
	default:
		// Legacy rows stored before sealing existed.
		return stored, nil
	}
}
