package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync"
)

// SecretRepository is the minimal DB interface for secret persistence.
type SecretRepository interface {
	ListSecrets(ctx context.Context) (map[string]string, error)
	SaveSecret(ctx context.Context, name, encrypted string) error
	DeleteSecret(ctx context.Context, name string) error
}

// OnChangeFunc is called when a secret is added, rotated or removed. value
// is empty on removal.
type OnChangeFunc func(name, value string)

var ErrSecretNotFound = errors.New("secret not found")

// SecretStore keeps deployment secrets encrypted at rest and decrypted in
// memory. Tools never read it directly: the pipeline hands them handles and
// the egress proxy resolves those at send time.
type SecretStore struct {
	mu       sync.RWMutex
	logger   *slog.Logger
	key      *SecretKey
	repo     SecretRepository
	values   map[string]string
	onChange []OnChangeFunc
}

// NewSecretStore loads and decrypts every stored secret. repo may be nil
// for an in-memory store.
func NewSecretStore(ctx context.Context, logger *slog.Logger, repo SecretRepository, key *SecretKey) (*SecretStore, error) {
	s := &SecretStore{
		logger: logger,
		key:    key,
		repo:   repo,
		values: make(map[string]string),
	}
	if repo == nil {
		return s, nil
	}

	stored, err := repo.ListSecrets(ctx)
	if err != nil {
		return nil, fmt.Errorf("load secrets: %w", err)
	}
	for name, enc := range stored {
		plain, err := key.Decrypt(enc)
		if err != nil {
			logger.Warn("failed to decrypt secret", "name", name, "error", err)
			continue
		}
		s.values[name] = plain
	}
	return s, nil
}

// ImportEnv copies NAME=value for every NAME set in the environment and
// every AULE_SECRET_<NAME>. Imported values are not persisted.
func (s *SecretStore) ImportEnv(names ...string) int {
	s.mu.Lock()
	imported := map[string]string{}
	for _, name := range names {
		if v := os.Getenv(name); v != "" {
			imported[name] = v
		}
	}
	for _, kv := range os.Environ() {
		k, v, _ := strings.Cut(kv, "=")
		if name, ok := strings.CutPrefix(k, "AULE_SECRET_"); ok && name != "KEY" && v != "" {
			imported[name] = v
		}
	}
	for k, v := range imported {
		s.values[k] = v
	}
	callbacks := append([]OnChangeFunc(nil), s.onChange...)
	s.mu.Unlock()

	for k, v := range imported {
		for _, fn := range callbacks {
			fn(k, v)
		}
	}
	return len(imported)
}

// OnChange registers a callback for secret changes.
func (s *SecretStore) OnChange(fn OnChangeFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onChange = append(s.onChange, fn)
}

// Resolve returns the plaintext value of a secret.
func (s *SecretStore) Resolve(_ context.Context, name string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[name]
	return v, ok
}

// Values returns a copy of every secret, for the leak detector.
func (s *SecretStore) Values() map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]string, len(s.values))
	for k, v := range s.values {
		out[k] = v
	}
	return out
}

// Masked returns names with masked values, safe for API responses.
func (s *SecretStore) Masked() map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]string, len(s.values))
	for k, v := range s.values {
		out[k] = MaskSecret(v)
	}
	return out
}

// Names returns the sorted secret names.
func (s *SecretStore) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.values))
	for k := range s.values {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// Put encrypts, persists and publishes a secret.
func (s *SecretStore) Put(ctx context.Context, name, value string) error {
	if name == "" || value == "" {
		return fmt.Errorf("secret name and value are required")
	}
	if s.repo != nil {
		enc, err := s.key.Encrypt(value)
		if err != nil {
			return fmt.Errorf("encrypt secret %s: %w", name, err)
		}
		if err := s.repo.SaveSecret(ctx, name, enc); err != nil {
			return fmt.Errorf("save secret %s: %w", name, err)
		}
	}

	s.mu.Lock()
	s.values[name] = value
	callbacks := append([]OnChangeFunc(nil), s.onChange...)
	s.mu.Unlock()

	s.logger.Info("secret updated", "name", name, "value", MaskSecret(value))
	for _, fn := range callbacks {
		fn(name, value)
	}
	return nil
}

// Delete removes a secret.
func (s *SecretStore) Delete(ctx context.Context, name string) error {
	s.mu.Lock()
	if _, ok := s.values[name]; !ok {
		s.mu.Unlock()
		return ErrSecretNotFound
	}
	delete(s.values, name)
	callbacks := append([]OnChangeFunc(nil), s.onChange...)
	s.mu.Unlock()

	if s.repo != nil {
		if err := s.repo.DeleteSecret(ctx, name); err != nil {
			return fmt.Errorf("delete secret %s: %w", name, err)
		}
	}
	for _, fn := range callbacks {
		fn(name, "")
	}
	return nil
}
