package window

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/hc_launch/internal/domain"
	"github.com/eliteGoblin/focusd/hc_launch/internal/infra"
	"github.com/eliteGoblin/focusd/hc_launch/internal/workspace"
)

type mockWindow struct {
	label    string
	evalErr  error
	closeErr error

	mu     sync.Mutex
	evals  []string
	once   sync.Once
	closed chan struct{}
}

func newMockWindow(label string) *mockWindow {
	return &mockWindow{label: label, closed: make(chan struct{})}
}

func (w *mockWindow) Label() string { return w.label }
func (w *mockWindow) URL() string   { return "http://127.0.0.1/" + w.label }

func (w *mockWindow) Eval(script string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.evals = append(w.evals, script)
	return w.evalErr
}

func (w *mockWindow) Close() error {
	w.once.Do(func() { close(w.closed) })
	return w.closeErr
}

func (w *mockWindow) Closed() <-chan struct{} { return w.closed }

func (w *mockWindow) evaluated() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]string(nil), w.evals...)
}

type mockToolkit struct {
	mu      sync.Mutex
	specs   []domain.WindowSpec
	windows map[string]*mockWindow
	failOn  string
	// closeOn names a window that is closed by the user as soon as it is created.
	closeOn string
}

func newMockToolkit() *mockToolkit {
	return &mockToolkit{windows: make(map[string]*mockWindow)}
}

func (m *mockToolkit) Verify() error { return nil }

func (m *mockToolkit) CreateWindow(ctx context.Context, spec domain.WindowSpec) (domain.Window, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if spec.Label == m.failOn {
		return nil, errors.New("toolkit failed")
	}
	m.specs = append(m.specs, spec)
	w := newMockWindow(spec.Label)
	m.windows[spec.Label] = w
	if spec.Label == m.closeOn {
		w.Close()
	}
	return w, nil
}

type mockLiveFiles struct {
	agents    []string
	ports     map[domain.AgentID]uint16
	agentsErr error
}

// liveFor returns live files matching eps.
func liveFor(eps []domain.AgentEndpoint) *mockLiveFiles {
	live := &mockLiveFiles{ports: make(map[domain.AgentID]uint16)}
	for _, ep := range eps {
		live.agents = append(live.agents, "/ws/run_"+ep.Label())
		live.ports[ep.AgentID] = ep.AdminPort
	}
	return live
}

func (l *mockLiveFiles) ReadAgentsFile() ([]string, error) {
	return l.agents, l.agentsErr
}

func (l *mockLiveFiles) ReadLiveFile(id domain.AgentID) (uint16, error) {
	port, ok := l.ports[id]
	if !ok {
		return 0, domain.NewAgentError(domain.KindWorkspace, id, "read live file", errors.New("no such file"))
	}
	return port, nil
}

func endpoints(n int) []domain.AgentEndpoint {
	out := make([]domain.AgentEndpoint, n)
	for i := range out {
		out[i] = domain.AgentEndpoint{
			AgentID:   domain.AgentID(i),
			AdminPort: uint16(8800 + i),
			AppPort:   uint16(30000 + i),
		}
	}
	return out
}

func waitClosed(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for close")
	}
}

func TestManager_Open(t *testing.T) {
	toolkit := newMockToolkit()
	m := NewManager(ManagerConfig{AppID: "forum", Show404: true}, toolkit, liveFor(nil), zap.NewNop())

	w, err := m.Open(context.Background(), endpoints(1)[0], "/tmp/ui")
	require.NoError(t, err)
	assert.Equal(t, "Agent-0", w.Label())

	require.Len(t, toolkit.specs, 1)
	spec := toolkit.specs[0]
	assert.Equal(t, "Agent-0", spec.Label)
	assert.Equal(t, "forum (Agent-0)", spec.Title)
	assert.Equal(t, "/tmp/ui", spec.AssetRoot)
	assert.True(t, spec.Show404)
	assert.Contains(t, spec.BootstrapScript, `{"APP_INTERFACE_PORT":30000,"ADMIN_INTERFACE_PORT":8800,"INSTALLED_APP_ID":"forum"}`)
	assert.NotContains(t, spec.BootstrapScript, "Downloading data: URLs")
}

func TestManager_OpenBlocksDataDownloads(t *testing.T) {
	toolkit := newMockToolkit()
	m := NewManager(ManagerConfig{AppID: "forum", Platform: infra.Platform{BlockDataDownloads: true}}, toolkit, liveFor(nil), zap.NewNop())

	_, err := m.Open(context.Background(), endpoints(1)[0], "/tmp/ui")
	require.NoError(t, err)
	assert.Contains(t, toolkit.specs[0].BootstrapScript, "Downloading data: URLs")
}

func TestManager_OpenAll(t *testing.T) {
	toolkit := newMockToolkit()
	m := NewManager(DefaultManagerConfig(), toolkit, liveFor(endpoints(3)), zap.NewNop())

	require.NoError(t, m.OpenAll(context.Background(), endpoints(3), "/tmp/ui"))

	var labels []string
	for _, w := range m.Windows() {
		labels = append(labels, w.Label())
	}
	assert.Equal(t, []string{"Agent-0", "Agent-1", "Agent-2"}, labels)
	assert.Contains(t, toolkit.specs[2].BootstrapScript, `"APP_INTERFACE_PORT":30002`)
}

func TestManager_OpenAllStopsAtFailure(t *testing.T) {
	toolkit := newMockToolkit()
	toolkit.failOn = "Agent-1"
	m := NewManager(DefaultManagerConfig(), toolkit, liveFor(endpoints(3)), zap.NewNop())

	err := m.OpenAll(context.Background(), endpoints(3), "/tmp/ui")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "toolkit failed")
	assert.Len(t, toolkit.specs, 1)
	assert.Len(t, m.Windows(), 1)
}

func TestManager_OpenAllReadsLiveFiles(t *testing.T) {
	eps := endpoints(2)
	live := liveFor(eps)
	live.ports[1] = 9100
	toolkit := newMockToolkit()
	m := NewManager(DefaultManagerConfig(), toolkit, live, zap.NewNop())

	require.NoError(t, m.OpenAll(context.Background(), eps, "/tmp/ui"))

	require.Len(t, toolkit.specs, 2)
	assert.Contains(t, toolkit.specs[0].BootstrapScript, `"ADMIN_INTERFACE_PORT":8800`)
	assert.Contains(t, toolkit.specs[1].BootstrapScript, `"ADMIN_INTERFACE_PORT":9100`)
}

func TestManager_OpenAllNeedsLiveFiles(t *testing.T) {
	tests := []struct {
		name  string
		setup func(live *mockLiveFiles)
		want  string
	}{
		{
			name:  "agents file unreadable",
			setup: func(live *mockLiveFiles) { live.agentsErr = domain.NewError(domain.KindWorkspace, "read agents file", errors.New("missing")) },
			want:  "read agents file",
		},
		{
			name:  "agent missing from list",
			setup: func(live *mockLiveFiles) { live.agents = live.agents[:1] },
			want:  "1 agents listed, 2 launched",
		},
		{
			name:  "live file missing",
			setup: func(live *mockLiveFiles) { delete(live.ports, 1) },
			want:  "read live file",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			eps := endpoints(2)
			live := liveFor(eps)
			tt.setup(live)
			toolkit := newMockToolkit()
			m := NewManager(DefaultManagerConfig(), toolkit, live, zap.NewNop())

			err := m.OpenAll(context.Background(), eps, "/tmp/ui")
			require.Error(t, err)
			assert.ErrorIs(t, err, domain.ErrWorkspace)
			assert.Contains(t, err.Error(), tt.want)
			assert.Empty(t, toolkit.specs)
			assert.Empty(t, m.Windows())
		})
	}
}

func TestManager_AllClosed(t *testing.T) {
	toolkit := newMockToolkit()
	m := NewManager(DefaultManagerConfig(), toolkit, liveFor(endpoints(2)), zap.NewNop())
	require.NoError(t, m.OpenAll(context.Background(), endpoints(2), "/tmp/ui"))

	toolkit.windows["Agent-0"].Close()
	require.Eventually(t, func() bool { return len(m.Windows()) == 1 }, 2*time.Second, 10*time.Millisecond)
	select {
	case <-m.AllClosed():
		t.Fatal("one window is still open")
	default:
	}

	toolkit.windows["Agent-1"].Close()
	waitClosed(t, m.AllClosed())
	assert.Empty(t, m.Windows())
}

func TestManager_OpenAllFromWorkspace(t *testing.T) {
	ws, err := workspace.New(t.TempDir(), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })

	eps := endpoints(2)
	require.NoError(t, ws.WriteAgentsFile([]string{"/ws/a_Agent-0", "/ws/a_Agent-1"}))
	require.NoError(t, ws.WriteLiveFile(0, eps[0].AdminPort))

	toolkit := newMockToolkit()
	m := NewManager(DefaultManagerConfig(), toolkit, ws, zap.NewNop())

	err = m.OpenAll(context.Background(), eps, "/tmp/ui")
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrWorkspace)
	assert.Empty(t, toolkit.specs)

	require.NoError(t, ws.WriteLiveFile(1, eps[1].AdminPort))
	require.NoError(t, m.OpenAll(context.Background(), eps, "/tmp/ui"))
	assert.Len(t, toolkit.specs, 2)
}

func TestManager_EarlyCloseWaitsForAllWindows(t *testing.T) {
	for i := 0; i < 20; i++ {
		toolkit := newMockToolkit()
		toolkit.closeOn = "Agent-0"
		m := NewManager(DefaultManagerConfig(), toolkit, liveFor(endpoints(3)), zap.NewNop())

		require.NoError(t, m.OpenAll(context.Background(), endpoints(3), "/tmp/ui"))
		require.Eventually(t, func() bool { return len(m.Windows()) == 2 }, 2*time.Second, time.Millisecond)
		select {
		case <-m.AllClosed():
			t.Fatal("all closed reported while two windows are open")
		default:
		}
	}
}

func TestManager_ReloadAll(t *testing.T) {
	toolkit := newMockToolkit()
	m := NewManager(DefaultManagerConfig(), toolkit, liveFor(endpoints(2)), zap.NewNop())
	require.NoError(t, m.OpenAll(context.Background(), endpoints(2), "/tmp/ui"))
	toolkit.windows["Agent-0"].evalErr = errors.New("page gone")

	m.ReloadAll()

	assert.Equal(t, []string{ReloadScript}, toolkit.windows["Agent-0"].evaluated())
	assert.Equal(t, []string{ReloadScript}, toolkit.windows["Agent-1"].evaluated())
}

func TestManager_Close(t *testing.T) {
	toolkit := newMockToolkit()
	m := NewManager(DefaultManagerConfig(), toolkit, liveFor(endpoints(2)), zap.NewNop())
	require.NoError(t, m.OpenAll(context.Background(), endpoints(2), "/tmp/ui"))
	toolkit.windows["Agent-1"].closeErr = errors.New("stuck")

	err := m.Close()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "stuck")

	waitClosed(t, toolkit.windows["Agent-0"].Closed())
	waitClosed(t, m.AllClosed())
}
