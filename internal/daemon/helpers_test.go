package daemon

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/eliteGoblin/focusd/hc_launch/internal/domain"
)

// mockLedger implements domain.ChildLedger in memory.
type mockLedger struct {
	mu        sync.Mutex
	records   []domain.ChildRecord
	forgotten []int
}

func (m *mockLedger) Record(child domain.ChildRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, child)
	return nil
}

func (m *mockLedger) Forget(pid int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.forgotten = append(m.forgotten, pid)
	return nil
}

func (m *mockLedger) List() ([]domain.ChildRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.ChildRecord(nil), m.records...), nil
}

func (m *mockLedger) Path() string { return "" }
func (m *mockLedger) Close() error { return nil }

func (m *mockLedger) roles() []domain.ChildRole {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.ChildRole
	for _, r := range m.records {
		out = append(out, r.Role)
	}
	return out
}

func (m *mockLedger) wasForgotten(pid int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.forgotten {
		if p == pid {
			return true
		}
	}
	return false
}

// mockLease implements domain.PortLease.
type mockLease struct {
	port     uint16
	released bool
}

func (l *mockLease) Port() uint16 { return l.port }
func (l *mockLease) Release() error {
	l.released = true
	return nil
}

// mockPortAllocator hands out leases from a fixed list.
type mockPortAllocator struct {
	ports  []uint16
	leases []*mockLease
	err    error
}

func (m *mockPortAllocator) Allocate() (domain.PortLease, error) {
	if m.err != nil {
		return nil, m.err
	}
	l := &mockLease{port: m.ports[len(m.leases)]}
	m.leases = append(m.leases, l)
	return l, nil
}

// mockAdminClient implements domain.AdminClient.
type mockAdminClient struct {
	interfaces []domain.AppInterface
	listErr    error
	attachPort uint16
	attachErr  error
	attached   []uint16
}

func (m *mockAdminClient) ListAppInterfaces(ctx context.Context) ([]domain.AppInterface, error) {
	return m.interfaces, m.listErr
}

func (m *mockAdminClient) AttachAppInterface(ctx context.Context, port uint16) (uint16, error) {
	m.attached = append(m.attached, port)
	return m.attachPort, m.attachErr
}

func (m *mockAdminClient) GenerateAgentPubKey(ctx context.Context) (domain.AgentPubKey, error) {
	return nil, nil
}

func (m *mockAdminClient) InstallAppBundle(ctx context.Context, req domain.InstallAppRequest) error {
	return nil
}

func (m *mockAdminClient) EnableApp(ctx context.Context, installedAppID string) error { return nil }
func (m *mockAdminClient) Close() error                                               { return nil }

// writeScript writes an executable shell script and returns its path.
func writeScript(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755))
	return path
}

// reap kills the process group of child when the test ends.
func reap(t *testing.T, child *Child) {
	t.Helper()
	t.Cleanup(func() {
		_ = syscall.Kill(-child.PID(), syscall.SIGKILL)
		select {
		case <-child.Exited():
		case <-time.After(5 * time.Second):
			t.Errorf("child %d not reaped", child.PID())
		}
	})
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}
