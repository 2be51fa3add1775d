package infra

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
)

const shortLinkPrefix = "hcl-"

// ShortLinker creates short symlinks in a base directory (normally os.TempDir()).
// The keystore socket path is derived from its data directory; when that path is
// longer than the platform allows for a unix socket, the keystore is pointed at a
// short link instead.
type ShortLinker struct {
	baseDir string
}

// NewShortLinker creates a linker rooted at baseDir.
func NewShortLinker(baseDir string) *ShortLinker {
	return &ShortLinker{baseDir: baseDir}
}

// Link creates <baseDir>/hcl-<hex> pointing at target and returns its path.
func (s *ShortLinker) Link(target string) (string, error) {
	for attempt := 0; attempt < 8; attempt++ {
		link := filepath.Join(s.baseDir, shortLinkPrefix+generateRandomHex(8))
		err := os.Symlink(target, link)
		if err == nil {
			return link, nil
		}
		if !os.IsExist(err) {
			return "", fmt.Errorf("failed to create symlink %s: %w", link, err)
		}
	}
	return "", fmt.Errorf("could not find a free symlink name in %s", s.baseDir)
}

// generateRandomHex generates a random hex string of specified length.
func generateRandomHex(length int) string {
	bytes := make([]byte, length/2+1)
	if _, err := rand.Read(bytes); err != nil {
		return "00000000"[:length]
	}
	return hex.EncodeToString(bytes)[:length]
}
