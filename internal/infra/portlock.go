package infra

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/eliteGoblin/focusd/hc_launch/internal/domain"
)

// DefaultPortLockDir is shared by every launcher on the machine so two concurrent runs
// never hand the same port to their conductors.
var DefaultPortLockDir = filepath.Join(os.TempDir(), "hc-launch-ports")

const maxAllocateAttempts = 64

// PortAllocatorImpl implements domain.PortAllocator.
// A port is picked by binding 127.0.0.1:0, then reserved with an exclusive flock on
// <lockDir>/<port>.lock. Ports already handed out in this run are never returned again.
type PortAllocatorImpl struct {
	lockDir string
	listen  func() (uint16, error)

	mu     sync.Mutex
	issued map[uint16]bool
}

// NewPortAllocator creates an allocator that keeps its lock files in lockDir.
func NewPortAllocator(lockDir string) *PortAllocatorImpl {
	return &PortAllocatorImpl{
		lockDir: lockDir,
		listen:  freeLoopbackPort,
		issued:  make(map[uint16]bool),
	}
}

// NewPortAllocatorWithSource creates an allocator with a custom port source (for testing).
func NewPortAllocatorWithSource(lockDir string, source func() (uint16, error)) *PortAllocatorImpl {
	a := NewPortAllocator(lockDir)
	a.listen = source
	return a
}

// Allocate reserves a free port.
func (a *PortAllocatorImpl) Allocate() (domain.PortLease, error) {
	if err := os.MkdirAll(a.lockDir, 0o755); err != nil {
		return nil, domain.NewError(domain.KindPortAllocation, "create lock dir", err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	var lastErr error
	for attempt := 0; attempt < maxAllocateAttempts; attempt++ {
		port, err := a.listen()
		if err != nil {
			lastErr = err
			continue
		}
		if a.issued[port] {
			continue
		}

		lease, err := lockPort(a.lockDir, port)
		if err != nil {
			lastErr = err
			continue // Held by another launcher
		}
		a.issued[port] = true
		return lease, nil
	}

	if lastErr == nil {
		lastErr = fmt.Errorf("gave up after %d attempts", maxAllocateAttempts)
	}
	return nil, domain.NewError(domain.KindPortAllocation, "allocate port", lastErr)
}

func freeLoopbackPort() (uint16, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	defer l.Close()
	return uint16(l.Addr().(*net.TCPAddr).Port), nil
}

// portLock is an flock-held reservation of one port.
type portLock struct {
	port uint16
	path string

	once sync.Once
	file *os.File
	err  error
}

func lockPort(dir string, port uint16) (*portLock, error) {
	path := filepath.Join(dir, strconv.Itoa(int(port))+".lock")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("failed to open lock file: %w", err)
	}

	// Non-blocking: a held lock means another launcher owns the port
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		return nil, fmt.Errorf("port %d is locked: %w", port, err)
	}

	_ = f.Truncate(0)
	_, _ = f.WriteString(strconv.Itoa(os.Getpid()))
	return &portLock{port: port, path: path, file: f}, nil
}

func (l *portLock) Port() uint16 {
	return l.port
}

// Release unlocks and removes the lock file. Safe to call more than once.
func (l *portLock) Release() error {
	l.once.Do(func() {
		os.Remove(l.path)
		_ = unix.Flock(int(l.file.Fd()), unix.LOCK_UN)
		l.err = l.file.Close()
	})
	return l.err
}

// Ensure implementations satisfy interfaces
var _ domain.PortAllocator = (*PortAllocatorImpl)(nil)
var _ domain.PortLease = (*portLock)(nil)
