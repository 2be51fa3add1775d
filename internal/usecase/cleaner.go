// Package usecase contains the launcher's application logic: bringing agents up,
// brokering signatures and tearing everything down again.
package usecase

import (
	"path/filepath"

	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/hc_launch/internal/domain"
)

// AgentDirGlob matches agent dirs generated by any run.
const AgentDirGlob = "*_Agent-*"

// StaleCleaner removes agent dirs left behind by earlier runs, killing processes still
// running inside them first.
type StaleCleaner struct {
	processManager domain.ProcessManager
	fsManager      domain.FileSystemManager
	logger         *zap.Logger
}

// NewStaleCleaner creates a stale cleaner.
func NewStaleCleaner(pm domain.ProcessManager, fs domain.FileSystemManager, logger *zap.Logger) *StaleCleaner {
	return &StaleCleaner{
		processManager: pm,
		fsManager:      fs,
		logger:         logger,
	}
}

// Clean removes every stale agent dir under root and returns the removed paths.
// Running it twice is harmless. Failures on one dir do not stop the others.
func (c *StaleCleaner) Clean(root string) ([]string, error) {
	dirs, err := c.fsManager.Glob(filepath.Join(root, AgentDirGlob))
	if err != nil {
		return nil, domain.NewError(domain.KindWorkspace, "find stale agent dirs", err)
	}

	self := c.processManager.GetCurrentPID()
	removed := make([]string, 0, len(dirs))
	for _, dir := range dirs {
		pids, err := c.processManager.FindByCwd(dir)
		if err != nil {
			c.logger.Warn("failed to find processes in stale dir",
				zap.String("dir", dir),
				zap.Error(err))
		}
		for _, pid := range pids {
			if pid == self {
				continue
			}
			if err := c.processManager.Kill(pid); err != nil {
				c.logger.Warn("failed to kill stale process",
					zap.Int("pid", pid),
					zap.Error(err))
				continue
			}
			c.logger.Info("killed stale process",
				zap.Int("pid", pid),
				zap.String("dir", dir))
		}

		if err := c.fsManager.Delete(dir); err != nil {
			c.logger.Warn("failed to remove stale dir",
				zap.String("dir", dir),
				zap.Error(err))
			continue
		}
		removed = append(removed, dir)
	}

	if len(removed) > 0 {
		c.logger.Info("removed stale agent dirs", zap.Int("count", len(removed)))
	}
	return removed, nil
}
