package usecase

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/hc_launch/internal/domain"
)

// ShutdownConfig holds shutdown coordinator configuration.
type ShutdownConfig struct {
	// KillGrace is how long children get between SIGTERM and SIGKILL.
	KillGrace time.Duration
	// PollInterval is how often liveness is checked during the grace period.
	PollInterval time.Duration
}

// DefaultShutdownConfig returns default shutdown configuration.
func DefaultShutdownConfig() ShutdownConfig {
	return ShutdownConfig{
		KillGrace:    2 * time.Second,
		PollInterval: 50 * time.Millisecond,
	}
}

// ShutdownCoordinator tears a run down exactly once, from whichever path asks first:
// a signal, the last window closing, or a failed startup.
type ShutdownCoordinator struct {
	config         ShutdownConfig
	processManager domain.ProcessManager
	ledger         domain.ChildLedger
	workspace      io.Closer
	logger         *zap.Logger

	mu      sync.Mutex
	windows []io.Closer
	clients []io.Closer

	once   sync.Once
	done   chan struct{}
	err    error
	reason string
}

// NewShutdownCoordinator creates a coordinator. ledger and workspace may be nil.
func NewShutdownCoordinator(
	config ShutdownConfig,
	pm domain.ProcessManager,
	ledger domain.ChildLedger,
	workspace io.Closer,
	logger *zap.Logger,
) *ShutdownCoordinator {
	return &ShutdownCoordinator{
		config:         config,
		processManager: pm,
		ledger:         ledger,
		workspace:      workspace,
		logger:         logger,
		done:           make(chan struct{}),
	}
}

// AddWindows registers something that closes windows. Closed first.
func (s *ShutdownCoordinator) AddWindows(c io.Closer) {
	s.mu.Lock()
	s.windows = append(s.windows, c)
	s.mu.Unlock()
}

// AddClients registers something that closes keystore or admin clients.
// Closed after the children are gone.
func (s *ShutdownCoordinator) AddClients(c io.Closer) {
	s.mu.Lock()
	s.clients = append(s.clients, c)
	s.mu.Unlock()
}

// Shutdown runs the teardown once. Concurrent and later callers block until it is
// complete and get the same error.
func (s *ShutdownCoordinator) Shutdown(reason string) error {
	s.once.Do(func() {
		s.reason = reason
		s.err = s.teardown(reason)
		close(s.done)
	})
	<-s.done
	return s.err
}

// Done is closed once Shutdown has completed.
func (s *ShutdownCoordinator) Done() <-chan struct{} {
	return s.done
}

// Reason returns what triggered the shutdown, empty before it ran.
func (s *ShutdownCoordinator) Reason() string {
	select {
	case <-s.done:
		return s.reason
	default:
		return ""
	}
}

func (s *ShutdownCoordinator) teardown(reason string) error {
	s.logger.Info("shutting down", zap.String("reason", reason))

	s.mu.Lock()
	windows := append([]io.Closer(nil), s.windows...)
	clients := append([]io.Closer(nil), s.clients...)
	s.mu.Unlock()

	var errs error
	for _, w := range windows {
		errs = multierr.Append(errs, w.Close())
	}

	if s.ledger != nil {
		children, err := s.ledger.List()
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("list children: %w", err))
		}
		errs = multierr.Append(errs, s.stopRole(children, domain.RoleConductor))
		errs = multierr.Append(errs, s.stopRole(children, domain.RoleKeystore))
	}

	for _, c := range clients {
		errs = multierr.Append(errs, c.Close())
	}

	if s.ledger != nil {
		errs = multierr.Append(errs, s.ledger.Close())
	}
	if s.workspace != nil {
		errs = multierr.Append(errs, s.workspace.Close())
	}

	if errs != nil {
		s.logger.Warn("shutdown finished with errors", zap.Error(errs))
	} else {
		s.logger.Info("shutdown complete")
	}
	return errs
}

// stopRole sends SIGTERM to every child of role, waits up to KillGrace, then SIGKILLs
// whatever is left.
func (s *ShutdownCoordinator) stopRole(children []domain.ChildRecord, role domain.ChildRole) error {
	var pids []int
	for _, c := range children {
		if c.Role == role {
			pids = append(pids, c.PID)
		}
	}
	if len(pids) == 0 {
		return nil
	}

	var errs error
	for _, pid := range pids {
		if err := s.processManager.Terminate(pid); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("terminate %s %d: %w", role, pid, err))
		}
	}

	deadline := time.Now().Add(s.config.KillGrace)
	for {
		pids = s.running(pids)
		if len(pids) == 0 || !time.Now().Before(deadline) {
			break
		}
		time.Sleep(s.config.PollInterval)
	}

	for _, pid := range pids {
		s.logger.Warn("child ignored SIGTERM, killing",
			zap.String("role", string(role)),
			zap.Int("pid", pid))
		if err := s.processManager.Kill(pid); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("kill %s %d: %w", role, pid, err))
		}
	}
	return errs
}

func (s *ShutdownCoordinator) running(pids []int) []int {
	var out []int
	for _, pid := range pids {
		if s.processManager.IsRunning(pid) {
			out = append(out, pid)
		}
	}
	return out
}

// signalSlot holds the coordinator signals are routed to. It is the only
// process-wide state of the launcher.
var signalSlot atomic.Pointer[ShutdownCoordinator]

// Install routes SIGINT and SIGTERM to s. The returned function undoes it.
func Install(s *ShutdownCoordinator) (stop func()) {
	signalSlot.Store(s)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	quit := make(chan struct{})

	go func() {
		select {
		case sig := <-sigCh:
			if c := signalSlot.Load(); c != nil {
				c.Shutdown("received " + sig.String())
			}
		case <-quit:
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			signal.Stop(sigCh)
			close(quit)
			signalSlot.CompareAndSwap(s, nil)
		})
	}
}
