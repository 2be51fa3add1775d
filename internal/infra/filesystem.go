package infra

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/eliteGoblin/focusd/hc_launch/internal/domain"
)

// FileSystemManagerImpl implements domain.FileSystemManager.
type FileSystemManagerImpl struct {
	homeDir string
}

// NewFileSystemManager creates a new filesystem manager.
func NewFileSystemManager() domain.FileSystemManager {
	home, _ := os.UserHomeDir()
	return &FileSystemManagerImpl{homeDir: home}
}

// NewFileSystemManagerWithHome creates a filesystem manager with a custom home (for testing).
func NewFileSystemManagerWithHome(home string) domain.FileSystemManager {
	return &FileSystemManagerImpl{homeDir: home}
}

// Exists checks if a path exists.
func (fm *FileSystemManagerImpl) Exists(path string) bool {
	_, err := os.Lstat(fm.ExpandHome(path))
	return err == nil
}

// Delete removes a file or directory recursively.
// Handles glob patterns in the path.
func (fm *FileSystemManagerImpl) Delete(path string) error {
	expanded := fm.ExpandHome(path)

	if strings.ContainsAny(expanded, "*?[") {
		matches, err := filepath.Glob(expanded)
		if err != nil {
			return err
		}
		var lastErr error
		for _, match := range matches {
			if err := os.RemoveAll(match); err != nil {
				lastErr = err
			}
		}
		return lastErr
	}

	return os.RemoveAll(expanded)
}

// Glob returns the paths matching pattern after ~ expansion.
func (fm *FileSystemManagerImpl) Glob(pattern string) ([]string, error) {
	return filepath.Glob(fm.ExpandHome(pattern))
}

// ExpandHome expands ~ to the user's home directory.
func (fm *FileSystemManagerImpl) ExpandHome(path string) string {
	if strings.HasPrefix(path, "~/") {
		return filepath.Join(fm.homeDir, path[2:])
	}
	if path == "~" {
		return fm.homeDir
	}
	return path
}

// AtomicWriteFile writes data next to path and renames it into place, so readers
// never observe a partially written file.
func AtomicWriteFile(path string, data []byte, perm os.FileMode) error {
	// Unique per process to avoid clashing with a concurrent writer
	tmpPath := fmt.Sprintf("%s.%d.tmp", path, os.Getpid())

	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath) // Clean up on failure
		return err
	}
	return nil
}

// Ensure FileSystemManagerImpl implements domain.FileSystemManager.
var _ domain.FileSystemManager = (*FileSystemManagerImpl)(nil)
