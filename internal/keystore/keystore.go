// Package keystore persists user-supplied provider API keys encrypted at
// rest. Keys are sealed with AES-256-GCM under a key derived from the
// caller's service credential, so each credential sees only its own keys.
package keystore

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/bytedance/sonic"

	"github.com/botchat/botchat-backend/internal/provider/contracts"
)

// ErrNotFound is returned when no key is stored for a provider.
var ErrNotFound = errors.New("keystore: no key stored for provider")

// Store encrypts provider keys into per-credential files under dir.
type Store struct {
	mu  sync.Mutex
	dir string
}

// New creates the storage directory if needed.
func New(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create keystore dir: %w", err)
	}
	return &Store{dir: dir}, nil
}

// Save stores one provider key for the credential.
func (s *Store) Save(credential string, kind contracts.Kind, providerKey string) error {
	if err := kind.Validate(); err != nil {
		return err
	}
	if providerKey == "" {
		return fmt.Errorf("keystore: provider key is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	keys, err := s.load(credential)
	if err != nil {
		return err
	}
	keys[string(kind)] = providerKey
	return s.persist(credential, keys)
}

// Get returns the stored key for a provider.
func (s *Store) Get(credential string, kind contracts.Kind) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	keys, err := s.load(credential)
	if err != nil {
		return "", err
	}
	key, ok := keys[string(kind)]
	if !ok {
		return "", ErrNotFound
	}
	return key, nil
}

// Delete removes the stored key for a provider. Deleting an absent key
// returns ErrNotFound.
func (s *Store) Delete(credential string, kind contracts.Kind) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	keys, err := s.load(credential)
	if err != nil {
		return err
	}
	if _, ok := keys[string(kind)]; !ok {
		return ErrNotFound
	}
	delete(keys, string(kind))
	return s.persist(credential, keys)
}

// Providers lists the provider kinds with a stored key, with a masked
// preview of each key for display.
func (s *Store) Providers(credential string) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	keys, err := s.load(credential)
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(keys))
	for provider, key := range keys {
		out[provider] = mask(key)
	}
	return out, nil
}

func mask(key string) string {
	if len(key) <= 8 {
		return "****"
	}
	return key[:4] + "..." + key[len(key)-4:]
}

func (s *Store) path(credential string) string {
	sum := sha256.Sum256([]byte("keystore-file:" + credential))
	return filepath.Join(s.dir, hex.EncodeToString(sum[:16])+".bin")
}

func deriveKey(credential string) []byte {
	sum := sha256.Sum256([]byte("keystore-seal:" + credential))
	return sum[:]
}

func (s *Store) load(credential string) (map[string]string, error) {
	raw, err := os.ReadFile(s.path(credential))
	if errors.Is(err, os.ErrNotExist) {
		return map[string]string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read keystore: %w", err)
	}

	aead, err := newAEAD(credential)
	if err != nil {
		return nil, err
	}
	nonceSize := aead.NonceSize()
	if len(raw) < nonceSize {
		return map[string]string{}, nil
	}
	plain, err := aead.Open(nil, raw[:nonceSize], raw[nonceSize:], nil)
	if err != nil {
		// Wrong credential or corrupted file; treat as empty rather than
		// leaking whether the file existed.
		return map[string]string{}, nil
	}
	var keys map[string]string
	if err := sonic.Unmarshal(plain, &keys); err != nil {
		return map[string]string{}, nil
	}
	return keys, nil
}

func (s *Store) persist(credential string, keys map[string]string) error {
	if len(keys) == 0 {
		err := os.Remove(s.path(credential))
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("remove keystore: %w", err)
		}
		return nil
	}

	plain, err := sonic.Marshal(keys)
	if err != nil {
		return fmt.Errorf("encode keystore: %w", err)
	}
	aead, err := newAEAD(credential)
	if err != nil {
		return err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return fmt.Errorf("keystore nonce: %w", err)
	}
	sealed := aead.Seal(nonce, nonce, plain, nil)
	if err := os.WriteFile(s.path(credential), sealed, 0o600); err != nil {
		return fmt.Errorf("write keystore: %w", err)
	}
	return nil
}

func newAEAD(credential string) (cipher.AEAD, error) {
	block, err := aes.NewCipher(deriveKey(credential))
	if err != nil {
		return nil, fmt.Errorf("keystore cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("keystore gcm: %w", err)
	}
	return aead, nil
}
