package config

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/manthysbr/aulerun/internal/core/domain"
)

const encPrefix = "enc:"

// SecretKey manages the master encryption key for stored secrets.
// Uses AES-256-GCM for authenticated encryption.
type SecretKey struct {
	key []byte
}

// NewSecretKey derives the key from AULE_SECRET_KEY, or loads (creating on
// first run) a persistent key file at keyPath. An empty keyPath means
// ~/.aule/secret.key.
func NewSecretKey(keyPath string) (*SecretKey, error) {
	if rawKey := os.Getenv("AULE_SECRET_KEY"); rawKey != "" {
		return NewSecretKeyFromPassphrase(rawKey), nil
	}

	if keyPath == "" {
		keyPath = filepath.Join(homeDir(), ".aule", "secret.key")
	}
	if data, err := os.ReadFile(keyPath); err == nil && len(data) >= 32 {
		return &SecretKey{key: data[:32]}, nil
	}

	key := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("failed to generate secret key: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(keyPath), 0700); err != nil {
		return nil, fmt.Errorf("failed to create key directory: %w", err)
	}
	if err := os.WriteFile(keyPath, key, 0600); err != nil {
		return nil, fmt.Errorf("failed to write secret key: %w", err)
	}
	return &SecretKey{key: key}, nil
}

// NewSecretKeyFromPassphrase hashes a passphrase into a key.
func NewSecretKeyFromPassphrase(passphrase string) *SecretKey {
	h := sha256.Sum256([]byte(passphrase))
	return &SecretKey{key: h[:]}
}

func (s *SecretKey) gcm() (cipher.AEAD, error) {
	block, err := aes.NewCipher(s.key)
	if err != nil {
		return nil, fmt.Errorf("aes cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("gcm: %w", err)
	}
	return gcm, nil
}

// Encrypt returns base64 AES-GCM ciphertext with the "enc:" prefix.
func (s *SecretKey) Encrypt(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}
	gcm, err := s.gcm()
	if err != nil {
		return "", err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("nonce: %w", err)
	}
	ciphertext := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return encPrefix + base64.StdEncoding.EncodeToString(ciphertext), nil
}

// Decrypt reverses Encrypt. Values without the prefix are returned as-is.
func (s *SecretKey) Decrypt(encrypted string) (string, error) {
	if encrypted == "" || !strings.HasPrefix(encrypted, encPrefix) {
		return encrypted, nil
	}
	data, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(encrypted, encPrefix))
	if err != nil {
		return "", fmt.Errorf("base64 decode: %w", err)
	}
	gcm, err := s.gcm()
	if err != nil {
		return "", err
	}
	nonceSize := gcm.NonceSize()
	if len(data) < nonceSize {
		return "", fmt.Errorf("ciphertext too short")
	}
	nonce, ciphertext := data[:nonceSize], data[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("decryption failed: %w", err)
	}
	return string(plaintext), nil
}

// MaskSecret returns a masked version safe for display: "****abcd"
func MaskSecret(secret string) string {
	if secret == "" {
		return ""
	}
	if len(secret) <= 8 {
		return "****"
	}
	return "****" + secret[len(secret)-4:]
}

var ErrInvalidGrant = errors.New("invalid capability grant")

// GrantSigner turns capability grants into tokens that sandboxes can carry
// but not forge. The key is random per process and never persisted.
type GrantSigner struct {
	key []byte
	now func() time.Time
}

func NewGrantSigner() (*GrantSigner, error) {
	key := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("grant key: %w", err)
	}
	return &GrantSigner{key: key, now: time.Now}, nil
}

// Sign serializes the grant as base64(json) "." base64(hmac).
func (g *GrantSigner) Sign(grant domain.CapabilityGrant) (string, error) {
	body, err := json.Marshal(grant)
	if err != nil {
		return "", fmt.Errorf("marshal grant: %w", err)
	}
	payload := base64.RawURLEncoding.EncodeToString(body)
	return payload + "." + base64.RawURLEncoding.EncodeToString(g.mac(payload)), nil
}

// Verify checks the signature and expiry and returns the grant.
func (g *GrantSigner) Verify(token string) (domain.CapabilityGrant, error) {
	payload, sig, ok := strings.Cut(token, ".")
	if !ok {
		return domain.CapabilityGrant{}, ErrInvalidGrant
	}
	want, err := base64.RawURLEncoding.DecodeString(sig)
	if err != nil || !hmac.Equal(want, g.mac(payload)) {
		return domain.CapabilityGrant{}, ErrInvalidGrant
	}
	body, err := base64.RawURLEncoding.DecodeString(payload)
	if err != nil {
		return domain.CapabilityGrant{}, ErrInvalidGrant
	}
	var grant domain.CapabilityGrant
	if err := json.Unmarshal(body, &grant); err != nil {
		return domain.CapabilityGrant{}, ErrInvalidGrant
	}
	if !grant.ExpiresAt.IsZero() && g.now().After(grant.ExpiresAt) {
		return domain.CapabilityGrant{}, fmt.Errorf("%w: expired", ErrInvalidGrant)
	}
	return grant, nil
}

func (g *GrantSigner) mac(payload string) []byte {
	h := hmac.New(sha256.New, g.key)
	h.Write([]byte(payload))
	return h.Sum(nil)
}

func homeDir() string {
	if h := os.Getenv("HOME"); h != "" {
		return h
	}
	return "/tmp"
}
