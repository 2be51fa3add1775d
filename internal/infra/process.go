// Package infra implements infrastructure concerns (processes, filesystem, ports, ledger, secrets).
package infra

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/eliteGoblin/focusd/hc_launch/internal/domain"
)

// ProcessManagerImpl implements domain.ProcessManager using gopsutil.
type ProcessManagerImpl struct{}

// NewProcessManager creates a new process manager.
func NewProcessManager() domain.ProcessManager {
	return &ProcessManagerImpl{}
}

// Terminate sends SIGTERM to pid and its descendants, children first.
func (pm *ProcessManagerImpl) Terminate(pid int) error {
	return pm.signalTree(pid, func(p *process.Process) error { return p.Terminate() })
}

// Kill sends SIGKILL to pid and its descendants, children first.
func (pm *ProcessManagerImpl) Kill(pid int) error {
	return pm.signalTree(pid, func(p *process.Process) error { return p.Kill() })
}

func (pm *ProcessManagerImpl) signalTree(pid int, send func(*process.Process) error) error {
	p, err := process.NewProcess(int32(pid))
	if err != nil {
		if errors.Is(err, process.ErrorProcessNotRunning) {
			return nil
		}
		return err
	}

	var firstErr error
	for _, child := range descendants(p) {
		if err := send(child); err != nil && firstErr == nil && !isGone(err) {
			firstErr = err
		}
	}
	if err := send(p); err != nil && !isGone(err) {
		return err
	}
	return firstErr
}

// descendants returns the process tree below p, deepest first.
func descendants(p *process.Process) []*process.Process {
	children, err := p.Children()
	if err != nil {
		return nil
	}
	var out []*process.Process
	for _, c := range children {
		out = append(out, descendants(c)...)
		out = append(out, c)
	}
	return out
}

func isGone(err error) bool {
	return errors.Is(err, os.ErrProcessDone) || errors.Is(err, syscall.ESRCH) ||
		errors.Is(err, process.ErrorProcessNotRunning)
}

// IsRunning checks if a PID exists and is running.
func (pm *ProcessManagerImpl) IsRunning(pid int) bool {
	if pid <= 0 {
		return false
	}
	// On Unix, FindProcess always succeeds
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}

	// Send signal 0 to check if process exists
	err = proc.Signal(syscall.Signal(0))
	return err == nil
}

// FindByCwd returns PIDs of processes whose working directory is dir or below it.
// Processes we may not inspect are skipped.
func (pm *ProcessManagerImpl) FindByCwd(dir string) ([]int, error) {
	dir = filepath.Clean(dir)
	resolved, err := filepath.EvalSymlinks(dir)
	if err != nil {
		resolved = dir
	}

	procs, err := process.Processes()
	if err != nil {
		return nil, err
	}

	self := os.Getpid()
	var found []int
	for _, p := range procs {
		if int(p.Pid) == self {
			continue
		}
		cwd, err := p.Cwd()
		if err != nil {
			continue // Process may have exited or belong to another user
		}
		if within(cwd, dir) || within(cwd, resolved) {
			found = append(found, int(p.Pid))
		}
	}
	return found, nil
}

func within(path, dir string) bool {
	path = filepath.Clean(path)
	return path == dir || strings.HasPrefix(path, dir+string(filepath.Separator))
}

// GetCurrentPID returns the current process PID.
func (pm *ProcessManagerImpl) GetCurrentPID() int {
	return os.Getpid()
}

// Ensure ProcessManagerImpl implements domain.ProcessManager.
var _ domain.ProcessManager = (*ProcessManagerImpl)(nil)
