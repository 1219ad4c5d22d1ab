package crypto

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// FileKeyStore keeps Ed25519 seeds on disk, one file per label. It backs the
// CLI's local issuance commands; the event log itself never sees private keys.
type FileKeyStore struct {
	keyDir string
	mu     sync.Mutex
	keys   map[string]*Ed25519Signer
}

func NewFileKeyStore(keyDir string) (*FileKeyStore, error) {
	if err := os.MkdirAll(keyDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create key dir: %w", err)
	}
	return &FileKeyStore{
		keyDir: keyDir,
		keys:   make(map[string]*Ed25519Signer),
	}, nil
}

func (s *FileKeyStore) path(label string) string {
	return filepath.Join(s.keyDir, label+".key")
}

// Signer loads the key stored under label, generating and persisting a new one
// when create is set and no key exists yet.
func (s *FileKeyStore) Signer(label string, create bool) (*Ed25519Signer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if signer, ok := s.keys[label]; ok {
		return signer, nil
	}

	raw, err := os.ReadFile(s.path(label))
	switch {
	case errors.Is(err, os.ErrNotExist) && create:
		signer, err := NewEd25519Signer(label)
		if err != nil {
			return nil, err
		}
		if err := os.WriteFile(s.path(label), signer.Seed(), 0600); err != nil {
			return nil, fmt.Errorf("failed to save ed25519 key: %w", err)
		}
		s.keys[label] = signer
		return signer, nil
	case err != nil:
		return nil, fmt.Errorf("failed to read ed25519 key %q: %w", label, err)
	}

	// Accept both the seed and the expanded private key.
	if len(raw) == ed25519.PrivateKeySize {
		raw = ed25519.PrivateKey(raw).Seed()
	}
	signer, err := NewEd25519SignerFromSeed(raw, label)
	if err != nil {
		return nil, fmt.Errorf("key %q: %w", label, err)
	}
	s.keys[label] = signer
	return signer, nil
}
