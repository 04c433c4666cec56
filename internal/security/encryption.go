// Package security provides at-rest encryption for secrets that land in
// plcnode's engine config file (the archive password, the InfluxDB token,
// the operator API's JWT signing secret). A value stored as "enc:<b64>"
// is decrypted by engineconfig at load time using the master key from
// PLCNET_CONFIG_KEY; anything else passes through unchanged so a fresh
// install can still run with plaintext config until it's sealed.
package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

// EncPrefix marks a config value as ciphertext rather than plaintext.
const EncPrefix = "enc:"

// EncryptionService derives an AES-256-GCM key from a master password
// and seals/opens individual config values with it.
type EncryptionService struct {
	masterKey []byte
}

// NewEncryptionService derives masterKey from password via PBKDF2.
func NewEncryptionService(password string) *EncryptionService {
	salt := []byte("plcnode-config-salt-change-in-production")
	key := pbkdf2.Key([]byte(password), salt, 100000, 32, sha256.New)

	return &EncryptionService{masterKey: key}
}

// Encrypt seals plaintext, returning it already EncPrefix-tagged so the
// result can be written straight into a config file.
func (s *EncryptionService) Encrypt(plaintext string) (string, error) {
	block, err := aes.NewCipher(s.masterKey)
	if err != nil {
		return "", err
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}

	ciphertext := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return EncPrefix + base64.StdEncoding.EncodeToString(ciphertext), nil
}

// Decrypt opens a value previously returned by Encrypt. The EncPrefix
// tag, if present, is stripped before decoding.
func (s *EncryptionService) Decrypt(ciphertext string) (string, error) {
	ciphertext = strings.TrimPrefix(ciphertext, EncPrefix)

	data, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", err
	}

	block, err := aes.NewCipher(s.masterKey)
	if err != nil {
		return "", err
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}

	nonceSize := gcm.NonceSize()
	if len(data) < nonceSize {
		return "", fmt.Errorf("security: ciphertext too short")
	}

	nonce, ciphertextBytes := data[:nonceSize], data[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, ciphertextBytes, nil)
	if err != nil {
		return "", err
	}

	return string(plaintext), nil
}

// ResolveSecret decrypts value if it carries the EncPrefix tag, using
// masterKey from the PLCNET_CONFIG_KEY environment variable, or returns
// it unchanged otherwise. masterKey == "" with a tagged value is an
// error: a sealed config file with no key to open it is a config bug,
// not a silent pass-through.
func ResolveSecret(value, masterKey string) (string, error) {
	if !strings.HasPrefix(value, EncPrefix) {
		return value, nil
	}
	if masterKey == "" {
		return "", fmt.Errorf("security: config value is encrypted but PLCNET_CONFIG_KEY is not set")
	}
	return NewEncryptionService(masterKey).Decrypt(value)
}

// HashPassword derives a storable hash for comparing passwords without
// keeping the plaintext.
func HashPassword(password string) string {
	salt := []byte("plcnode-password-salt")
	hash := pbkdf2.Key([]byte(password), salt, 100000, 32, sha256.New)
	return base64.StdEncoding.EncodeToString(hash)
}

// VerifyPassword reports whether password hashes to hash.
func VerifyPassword(password, hash string) bool {
	return HashPassword(password) == hash
}
