// Package workspace owns the per-run temporary directory and the files that hand
// agent state from the setup phase to the window phase.
package workspace

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/hc_launch/internal/domain"
	"github.com/eliteGoblin/focusd/hc_launch/internal/infra"
)

const (
	agentsFileName = "agents_list"
	liveFilePrefix = "live_"
	uiDirName      = "ui"
	ledgerDirName  = ".ledger"
	tempPattern    = "hc-launch-*"
)

// Workspace is the temporary root of one run. It exclusively owns everything below it,
// plus any extra paths handed to it with AddOwnedPath.
type Workspace struct {
	root   string
	logger *zap.Logger

	mu    sync.Mutex
	locks []domain.PortLease
	owned []string

	closeOnce sync.Once
	closeErr  error
}

// New creates a fresh temporary directory below parent ("" means os.TempDir()).
func New(parent string, logger *zap.Logger) (*Workspace, error) {
	root, err := os.MkdirTemp(parent, tempPattern)
	if err != nil {
		return nil, domain.NewError(domain.KindWorkspace, "create temp dir", err)
	}
	// Children resolve paths through symlinks; keep ours canonical so they compare equal
	if resolved, err := filepath.EvalSymlinks(root); err == nil {
		root = resolved
	}
	logger.Debug("workspace created", zap.String("root", root))
	return &Workspace{root: root, logger: logger}, nil
}

// Root returns the workspace directory.
func (w *Workspace) Root() string {
	return w.root
}

// UIDir returns where extracted UI assets go.
func (w *Workspace) UIDir() string {
	return filepath.Join(w.root, uiDirName)
}

// LedgerDir returns the directory of the child ledger.
func (w *Workspace) LedgerDir() string {
	return filepath.Join(w.root, ledgerDirName)
}

// AgentsFile returns the path of the agents list.
func (w *Workspace) AgentsFile() string {
	return filepath.Join(w.root, agentsFileName)
}

// LiveFile returns the path of the live file of agent id.
func (w *Workspace) LiveFile(id domain.AgentID) string {
	return filepath.Join(w.root, liveFilePrefix+strconv.Itoa(int(id)))
}

// WriteLiveFile records the admin port of an agent as ASCII decimal.
func (w *Workspace) WriteLiveFile(id domain.AgentID, adminPort uint16) error {
	data := []byte(strconv.Itoa(int(adminPort)))
	if err := infra.AtomicWriteFile(w.LiveFile(id), data, 0o644); err != nil {
		return domain.NewAgentError(domain.KindWorkspace, id, "write live file", err)
	}
	return nil
}

// ReadLiveFile returns the admin port recorded for an agent.
func (w *Workspace) ReadLiveFile(id domain.AgentID) (uint16, error) {
	data, err := os.ReadFile(w.LiveFile(id))
	if err != nil {
		return 0, domain.NewAgentError(domain.KindWorkspace, id, "read live file", err)
	}
	port, err := strconv.ParseUint(strings.TrimSpace(string(data)), 10, 16)
	if err != nil || port == 0 {
		return 0, domain.NewAgentError(domain.KindWorkspace, id, "parse live file",
			fmt.Errorf("invalid port %q", data))
	}
	return uint16(port), nil
}

// WriteAgentsFile writes one agent directory per line.
func (w *Workspace) WriteAgentsFile(paths []string) error {
	var buf bytes.Buffer
	for _, p := range paths {
		buf.WriteString(p)
		buf.WriteByte('\n')
	}
	if err := infra.AtomicWriteFile(w.AgentsFile(), buf.Bytes(), 0o644); err != nil {
		return domain.NewError(domain.KindWorkspace, "write agents file", err)
	}
	return nil
}

// ReadAgentsFile returns the agent directories in order.
func (w *Workspace) ReadAgentsFile() ([]string, error) {
	f, err := os.Open(w.AgentsFile())
	if err != nil {
		return nil, domain.NewError(domain.KindWorkspace, "read agents file", err)
	}
	defer f.Close()

	var paths []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			paths = append(paths, line)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, domain.NewError(domain.KindWorkspace, "read agents file", err)
	}
	return paths, nil
}

// HoldPortLock keeps a port lease until Close.
func (w *Workspace) HoldPortLock(lease domain.PortLease) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.locks = append(w.locks, lease)
}

// AddOwnedPath registers a path outside the root that Close must remove too
// (agent directories under a custom root, socket symlinks).
func (w *Workspace) AddOwnedPath(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.owned = append(w.owned, path)
}

// Close releases port locks and removes owned paths and the root.
// It is idempotent and safe to call from a signal goroutine; every call returns
// the result of the first.
func (w *Workspace) Close() error {
	w.closeOnce.Do(func() {
		w.mu.Lock()
		locks := w.locks
		owned := w.owned
		w.locks, w.owned = nil, nil
		w.mu.Unlock()

		var err error
		for _, l := range locks {
			err = multierr.Append(err, l.Release())
		}
		// Owned paths first: symlinks may point into the root
		for i := len(owned) - 1; i >= 0; i-- {
			err = multierr.Append(err, os.RemoveAll(owned[i]))
		}
		err = multierr.Append(err, os.RemoveAll(w.root))

		if err != nil {
			w.closeErr = domain.NewError(domain.KindWorkspace, "remove workspace", err)
			w.logger.Warn("workspace cleanup incomplete", zap.Error(err))
			return
		}
		w.logger.Debug("workspace removed", zap.String("root", w.root))
	})
	return w.closeErr
}
