package auth

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"golang.org/x/crypto/hkdf"
)

const (
	signingKeySalt = "fastmcp-jwt-signing-key"
	storageKeySalt = "fastmcp-storage-encryption-key"

	derivedKeySize      = 32
	minSigningKeyLength = 12
)

// ErrNoSigningKey is returned when neither a JWT signing key nor a client
// secret is configured.
var ErrNoSigningKey = errors.New("no JWT signing key or client secret configured")

// DeriveKey expands secret into a 32-byte key with HKDF-SHA256.
func DeriveKey(secret, salt string) ([]byte, error) {
	if secret == "" {
		return nil, ErrNoSigningKey
	}
	key := make([]byte, derivedKeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, []byte(secret), []byte(salt), nil), key); err != nil {
		return nil, fmt.Errorf("failed to derive key: %w", err)
	}
	return key, nil
}

// KeyMaterial holds the keys derived from the configured signing secret.
type KeyMaterial struct {
	SigningKey    []byte
	EncryptionKey []byte
}

// DeriveKeyMaterial derives the token signing key and the storage encryption
// key. The JWT signing key is preferred; the client secret is the fallback.
func DeriveKeyMaterial(cfg ProviderConfig, logger *slog.Logger) (*KeyMaterial, error) {
	if logger == nil {
		logger = slog.Default()
	}

	secret := cfg.JWTSigningKey
	if secret == "" {
		secret = cfg.ClientSecret
	}
	if secret == "" {
		return nil, ErrNoSigningKey
	}
	if len(secret) < minSigningKeyLength {
		logger.Warn("JWT signing key is short, use at least 12 characters",
			"length", len(secret))
	}

	signing, err := DeriveKey(secret, signingKeySalt)
	if err != nil {
		return nil, err
	}
	encryption, err := DeriveKey(secret, storageKeySalt)
	if err != nil {
		return nil, err
	}
	return &KeyMaterial{SigningKey: signing, EncryptionKey: encryption}, nil
}
