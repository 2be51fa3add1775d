package window

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/hc_launch/internal/domain"
	"github.com/eliteGoblin/focusd/hc_launch/internal/infra"
)

// ManagerConfig holds window manager configuration.
type ManagerConfig struct {
	AppID    string
	Show404  bool
	Platform infra.Platform
}

// DefaultManagerConfig returns default window manager configuration.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		AppID:    domain.DefaultAppID,
		Platform: infra.DetectPlatform(),
	}
}

// LiveFiles is the handoff written by the setup phase: the agent directories and
// the admin port of every agent.
type LiveFiles interface {
	ReadAgentsFile() ([]string, error)
	ReadLiveFile(id domain.AgentID) (uint16, error)
}

// Manager opens one window per agent and tracks them until they close.
type Manager struct {
	config  ManagerConfig
	toolkit domain.WindowToolkit
	live    LiveFiles
	logger  *zap.Logger

	mu        sync.Mutex
	windows   map[string]domain.Window
	allClosed chan struct{}
	closeOnce sync.Once
}

// NewManager creates a window manager.
func NewManager(config ManagerConfig, toolkit domain.WindowToolkit, live LiveFiles, logger *zap.Logger) *Manager {
	return &Manager{
		config:    config,
		toolkit:   toolkit,
		live:      live,
		logger:    logger,
		windows:   make(map[string]domain.Window),
		allClosed: make(chan struct{}),
	}
}

// Open creates the window of one agent, serving uiRoot with the agent's ports injected.
func (m *Manager) Open(ctx context.Context, ep domain.AgentEndpoint, uiRoot string) (domain.Window, error) {
	w, err := m.open(ctx, ep, uiRoot)
	if err != nil {
		return nil, err
	}
	go m.track(w)
	return w, nil
}

func (m *Manager) open(ctx context.Context, ep domain.AgentEndpoint, uiRoot string) (domain.Window, error) {
	script, err := BootstrapScript(domain.LauncherEnv{
		AppInterfacePort:   ep.AppPort,
		AdminInterfacePort: ep.AdminPort,
		InstalledAppID:     m.config.AppID,
	}, ScriptOptions{BlockDataDownloads: m.config.Platform.BlockDataDownloads})
	if err != nil {
		return nil, err
	}

	label := ep.Label()
	w, err := m.toolkit.CreateWindow(ctx, domain.WindowSpec{
		Label:           label,
		Title:           fmt.Sprintf("%s (%s)", m.config.AppID, label),
		AssetRoot:       uiRoot,
		BootstrapScript: script,
		Show404:         m.config.Show404,
	})
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.windows[label] = w
	m.mu.Unlock()
	return w, nil
}

// OpenAll opens a window for every endpoint. The admin port of each window comes from
// the agent's live file; a missing agent list or live file fails before any window
// opens. Close tracking starts only once every window is open.
func (m *Manager) OpenAll(ctx context.Context, endpoints []domain.AgentEndpoint, uiRoot string) error {
	agents, err := m.live.ReadAgentsFile()
	if err != nil {
		return err
	}
	if len(agents) != len(endpoints) {
		return domain.NewError(domain.KindWorkspace, "read agents file",
			fmt.Errorf("%d agents listed, %d launched", len(agents), len(endpoints)))
	}

	resolved := make([]domain.AgentEndpoint, len(endpoints))
	for i, ep := range endpoints {
		port, err := m.live.ReadLiveFile(ep.AgentID)
		if err != nil {
			return err
		}
		if port != ep.AdminPort {
			m.logger.Warn("live file disagrees with launched agent",
				zap.String("window", ep.Label()),
				zap.Uint16("live", port),
				zap.Uint16("launched", ep.AdminPort))
		}
		ep.AdminPort = port
		resolved[i] = ep
	}

	opened := make([]domain.Window, 0, len(resolved))
	for _, ep := range resolved {
		w, err := m.open(ctx, ep, uiRoot)
		if err != nil {
			return err
		}
		opened = append(opened, w)
	}
	for _, w := range opened {
		go m.track(w)
	}
	return nil
}

func (m *Manager) track(w domain.Window) {
	<-w.Closed()
	m.mu.Lock()
	delete(m.windows, w.Label())
	remaining := len(m.windows)
	m.mu.Unlock()

	m.logger.Info("window closed", zap.String("window", w.Label()), zap.Int("remaining", remaining))
	if remaining == 0 {
		m.closeOnce.Do(func() { close(m.allClosed) })
	}
}

// AllClosed is closed once every opened window has closed.
func (m *Manager) AllClosed() <-chan struct{} {
	return m.allClosed
}

// Windows returns the open windows ordered by label.
func (m *Manager) Windows() []domain.Window {
	m.mu.Lock()
	out := make([]domain.Window, 0, len(m.windows))
	for _, w := range m.windows {
		out = append(out, w)
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Label() < out[j].Label() })
	return out
}

// ReloadAll evaluates the reload script once in every open window.
func (m *Manager) ReloadAll() {
	for _, w := range m.Windows() {
		if err := w.Eval(ReloadScript); err != nil {
			m.logger.Debug("reload failed", zap.String("window", w.Label()), zap.Error(err))
		}
	}
}

// Close closes every open window.
func (m *Manager) Close() error {
	var errs error
	for _, w := range m.Windows() {
		errs = multierr.Append(errs, w.Close())
	}
	return errs
}
