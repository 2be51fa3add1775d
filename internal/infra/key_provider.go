package infra

import (
	"bytes"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/eliteGoblin/focusd/hc_launch/internal/domain"
)

const (
	keyFileName = ".key"
	keySize     = 32
)

var errKeySize = errors.New("ledger key must be 32 bytes")

// FileKeyProvider implements domain.KeyProvider. The key is kept hex encoded in a 0600
// file beside the ledger database and dies with the workspace, so each run has its own.
type FileKeyProvider struct {
	keyPath string
}

// NewFileKeyProvider creates a provider for the ledger in ledgerDir.
func NewFileKeyProvider(ledgerDir string) *FileKeyProvider {
	return &FileKeyProvider{keyPath: filepath.Join(ledgerDir, keyFileName)}
}

// GetKey loads the key.
func (p *FileKeyProvider) GetKey() ([]byte, error) {
	data, err := os.ReadFile(p.keyPath)
	if err != nil {
		return nil, fmt.Errorf("read ledger key: %w", err)
	}
	key, err := hex.DecodeString(string(bytes.TrimSpace(data)))
	if err != nil {
		return nil, fmt.Errorf("decode ledger key: %w", err)
	}
	if len(key) != keySize {
		return nil, fmt.Errorf("%w, found %d", errKeySize, len(key))
	}
	return key, nil
}

// StoreKey saves key, replacing any previous one.
func (p *FileKeyProvider) StoreKey(key []byte) error {
	if len(key) != keySize {
		return fmt.Errorf("%w, got %d", errKeySize, len(key))
	}
	if err := os.MkdirAll(filepath.Dir(p.keyPath), 0o700); err != nil {
		return fmt.Errorf("create ledger dir: %w", err)
	}
	return AtomicWriteFile(p.keyPath, []byte(hex.EncodeToString(key)+"\n"), 0o600)
}

// KeyExists reports whether a key file is present.
func (p *FileKeyProvider) KeyExists() bool {
	_, err := os.Stat(p.keyPath)
	return err == nil
}

// GenerateKey returns 32 random bytes.
func GenerateKey() ([]byte, error) {
	key := make([]byte, keySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generate ledger key: %w", err)
	}
	return key, nil
}

// EnsureKey returns the provider's key, creating one on first use.
func EnsureKey(provider domain.KeyProvider) ([]byte, error) {
	if provider.KeyExists() {
		return provider.GetKey()
	}
	key, err := GenerateKey()
	if err != nil {
		return nil, err
	}
	if err := provider.StoreKey(key); err != nil {
		return nil, err
	}
	return key, nil
}

// Ensure FileKeyProvider implements domain.KeyProvider
var _ domain.KeyProvider = (*FileKeyProvider)(nil)
