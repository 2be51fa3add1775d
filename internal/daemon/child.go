// Package daemon supervises the keystore and conductor child processes of each agent.
package daemon

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/hc_launch/internal/domain"
)

// EventKind identifies what a child reported.
type EventKind int

const (
	EventStdout EventKind = iota
	EventStderr
	EventExited
)

func (k EventKind) String() string {
	switch k {
	case EventStdout:
		return "stdout"
	case EventStderr:
		return "stderr"
	default:
		return "exited"
	}
}

// Event is one line of child output, or its exit.
type Event struct {
	Kind EventKind
	Line string
	// Err is the wait error of an EventExited, nil on a clean exit.
	Err error
}

// ChildSpec describes a child to spawn.
type ChildSpec struct {
	AgentID domain.AgentID
	Role    domain.ChildRole
	Binary  string
	Args    []string
	Dir     string
	// Env is appended to the launcher's environment.
	Env []string
	// Stdin is written once after StdinDelay, then stdin is closed.
	Stdin      []byte
	StdinDelay time.Duration
	// ZeroStdin clears Stdin once written. Set it only when Stdin is a private copy.
	ZeroStdin bool
}

// Child is a running child process.
// Its output arrives as Events until Drain hands the rest to the logger.
type Child struct {
	spec   ChildSpec
	cmd    *exec.Cmd
	logger *zap.Logger

	events chan Event
	exited chan struct{}

	mu      sync.Mutex
	exitErr error
	drained bool
}

// Spawn starts a child in its own process group and records it in the ledger.
// ctx only bounds the start; the child outlives it.
func Spawn(ctx context.Context, spec ChildSpec, ledger domain.ChildLedger, logger *zap.Logger) (*Child, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	cmd := exec.Command(spec.Binary, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.Env = append(cmd.Environ(), spec.Env...)

	// Own process group: a terminal Ctrl-C reaches the launcher only, which then tears children down
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: true,
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, err
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", spec.Binary, err)
	}

	c := &Child{
		spec:   spec,
		cmd:    cmd,
		logger: logger,
		events: make(chan Event, 64),
		exited: make(chan struct{}),
	}

	pid := cmd.Process.Pid
	if err := ledger.Record(domain.ChildRecord{
		AgentID:   spec.AgentID,
		Role:      spec.Role,
		PID:       pid,
		StartedAt: time.Now(),
	}); err != nil {
		logger.Warn("failed to record child", zap.Int("pid", pid), zap.Error(err))
	}

	logger.Debug("child started",
		zap.String("role", string(spec.Role)),
		zap.Int("agent", int(spec.AgentID)),
		zap.Int("pid", pid))

	go c.feedStdin(stdin)

	var readers sync.WaitGroup
	readers.Add(2)
	go c.readLines(stdout, EventStdout, &readers)
	go c.readLines(stderr, EventStderr, &readers)

	go func() {
		// Wait must not run before the pipes are fully read
		readers.Wait()
		err := cmd.Wait()
		c.mu.Lock()
		c.exitErr = err
		c.mu.Unlock()
		if ferr := ledger.Forget(pid); ferr != nil {
			logger.Debug("failed to forget child", zap.Int("pid", pid), zap.Error(ferr))
		}
		c.events <- Event{Kind: EventExited, Err: err}
		close(c.events)
		close(c.exited)
	}()

	return c, nil
}

func (c *Child) feedStdin(stdin io.WriteCloser) {
	defer stdin.Close()
	if c.spec.ZeroStdin {
		defer clear(c.spec.Stdin)
	}
	if len(c.spec.Stdin) == 0 {
		return
	}
	if c.spec.StdinDelay > 0 {
		select {
		case <-time.After(c.spec.StdinDelay):
		case <-c.exited:
			return
		}
	}
	if _, err := stdin.Write(c.spec.Stdin); err != nil {
		c.logger.Debug("failed to write child stdin", zap.Int("pid", c.PID()), zap.Error(err))
	}
}

func (c *Child) readLines(r io.Reader, kind EventKind, wg *sync.WaitGroup) {
	defer wg.Done()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		c.events <- Event{Kind: kind, Line: scanner.Text()}
	}
	// Unread output would block the child
	_, _ = io.Copy(io.Discard, r)
}

// PID returns the child's process id.
func (c *Child) PID() int {
	return c.cmd.Process.Pid
}

// Role returns the child's role.
func (c *Child) Role() domain.ChildRole {
	return c.spec.Role
}

// Exited is closed once the child has been reaped.
func (c *Child) Exited() <-chan struct{} {
	return c.exited
}

// ExitErr returns the wait error after Exited is closed.
func (c *Child) ExitErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.exitErr
}

// Await feeds events to step until it reports done or an error.
// It returns domain.ErrImpossiblePending if the event stream ends first.
func (c *Child) Await(ctx context.Context, step func(Event) (bool, error)) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-c.events:
			if !ok {
				return domain.ErrImpossiblePending
			}
			done, err := step(ev)
			if err != nil {
				return err
			}
			if done {
				return nil
			}
		}
	}
}

// Drain logs all remaining output to logger. Only the first call has an effect.
func (c *Child) Drain(logger *zap.Logger) {
	c.mu.Lock()
	if c.drained {
		c.mu.Unlock()
		return
	}
	c.drained = true
	c.mu.Unlock()

	go func() {
		for ev := range c.events {
			switch ev.Kind {
			case EventStdout:
				logger.Info(ev.Line)
			case EventStderr:
				logger.Warn(ev.Line)
			case EventExited:
				if ev.Err != nil {
					logger.Warn("process exited", zap.Int("pid", c.PID()), zap.Error(ev.Err))
				} else {
					logger.Info("process exited", zap.Int("pid", c.PID()))
				}
			}
		}
	}()
}
