package usecase

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/eliteGoblin/focusd/hc_launch/internal/domain"
)

// eventLog records the order in which mocks are called.
type eventLog struct {
	mu     sync.Mutex
	events []string
}

func (l *eventLog) add(format string, args ...interface{}) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, fmt.Sprintf(format, args...))
}

func (l *eventLog) all() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.events...)
}

// mockProcessManager implements domain.ProcessManager.
type mockProcessManager struct {
	mu         sync.Mutex
	running    map[int]bool
	stubborn   map[int]bool
	byCwd      map[string][]int
	findErr    error
	killErr    map[int]error
	terminated []int
	killed     []int
	log        *eventLog
}

func newMockProcessManager() *mockProcessManager {
	return &mockProcessManager{
		running:  make(map[int]bool),
		stubborn: make(map[int]bool),
		byCwd:    make(map[string][]int),
		killErr:  make(map[int]error),
	}
}

func (m *mockProcessManager) Terminate(pid int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.terminated = append(m.terminated, pid)
	m.log.add("terminate %d", pid)
	if !m.stubborn[pid] {
		delete(m.running, pid)
	}
	return nil
}

func (m *mockProcessManager) Kill(pid int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.killed = append(m.killed, pid)
	m.log.add("kill %d", pid)
	if err := m.killErr[pid]; err != nil {
		return err
	}
	delete(m.running, pid)
	return nil
}

func (m *mockProcessManager) IsRunning(pid int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running[pid]
}

func (m *mockProcessManager) FindByCwd(dir string) ([]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.byCwd[dir], m.findErr
}

func (m *mockProcessManager) GetCurrentPID() int { return 1 }

// mockFileSystem implements domain.FileSystemManager.
type mockFileSystem struct {
	mu        sync.Mutex
	globs     map[string][]string
	globErr   error
	deleteErr map[string]error
	deleted   []string
	patterns  []string
}

func newMockFileSystem() *mockFileSystem {
	return &mockFileSystem{
		globs:     make(map[string][]string),
		deleteErr: make(map[string]error),
	}
}

func (m *mockFileSystem) Exists(path string) bool { return false }

func (m *mockFileSystem) Delete(path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.deleteErr[path]; err != nil {
		return err
	}
	m.deleted = append(m.deleted, path)
	return nil
}

func (m *mockFileSystem) Glob(pattern string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.patterns = append(m.patterns, pattern)
	return m.globs[pattern], m.globErr
}

func (m *mockFileSystem) ExpandHome(path string) string { return path }

// mockLedger implements domain.ChildLedger.
type mockLedger struct {
	children []domain.ChildRecord
	listErr  error
	closed   bool
	log      *eventLog
}

func (m *mockLedger) Record(child domain.ChildRecord) error {
	m.children = append(m.children, child)
	return nil
}

func (m *mockLedger) Forget(pid int) error { return nil }

func (m *mockLedger) List() ([]domain.ChildRecord, error) {
	return m.children, m.listErr
}

func (m *mockLedger) Path() string { return "" }

func (m *mockLedger) Close() error {
	m.closed = true
	m.log.add("close ledger")
	return nil
}

// mockCloser records Close calls.
type mockCloser struct {
	name   string
	err    error
	closes int
	log    *eventLog
}

func (m *mockCloser) Close() error {
	m.closes++
	m.log.add("close %s", m.name)
	return m.err
}

// mockWorkspace implements RunWorkspace.
type mockWorkspace struct {
	mu         sync.Mutex
	root       string
	leases     []domain.PortLease
	owned      []string
	live       map[domain.AgentID]uint16
	agents     []string
	liveErr    error
	agentsErr  error
	agentsSeen bool
}

func newMockWorkspace(root string) *mockWorkspace {
	return &mockWorkspace{root: root, live: make(map[domain.AgentID]uint16)}
}

func (m *mockWorkspace) Root() string { return m.root }

func (m *mockWorkspace) HoldPortLock(lease domain.PortLease) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.leases = append(m.leases, lease)
}

func (m *mockWorkspace) AddOwnedPath(path string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.owned = append(m.owned, path)
}

func (m *mockWorkspace) WriteLiveFile(id domain.AgentID, adminPort uint16) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.liveErr != nil {
		return m.liveErr
	}
	m.live[id] = adminPort
	return nil
}

func (m *mockWorkspace) WriteAgentsFile(paths []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.agentsSeen = true
	if m.agentsErr != nil {
		return m.agentsErr
	}
	m.agents = paths
	return nil
}

func (m *mockWorkspace) ownedPaths() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := append([]string(nil), m.owned...)
	sort.Strings(out)
	return out
}

// mockLease implements domain.PortLease.
type mockLease struct{ port uint16 }

func (l *mockLease) Port() uint16   { return l.port }
func (l *mockLease) Release() error { return nil }

// mockPortAllocator hands out sequential ports.
type mockPortAllocator struct {
	mu   sync.Mutex
	next uint16
	err  error
}

func (m *mockPortAllocator) Allocate() (domain.PortLease, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	m.next++
	return &mockLease{port: m.next}, nil
}

// mockKeystores implements domain.KeystoreLauncher.
type mockKeystores struct {
	mu          sync.Mutex
	started     map[domain.AgentID]string
	passphrases map[domain.AgentID]string
	errs        map[domain.AgentID]error
	links       map[domain.AgentID]string
}

func newMockKeystores() *mockKeystores {
	return &mockKeystores{
		started:     make(map[domain.AgentID]string),
		passphrases: make(map[domain.AgentID]string),
		errs:        make(map[domain.AgentID]error),
		links:       make(map[domain.AgentID]string),
	}
}

func (m *mockKeystores) StartKeystore(ctx context.Context, agent domain.AgentID, dir string, passphrase []byte) (domain.RunningKeystore, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.started[agent] = dir
	m.passphrases[agent] = string(passphrase)
	out := domain.RunningKeystore{URL: fmt.Sprintf("unix://%s/socket", dir), Link: m.links[agent]}
	return out, m.errs[agent]
}

func (m *mockKeystores) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.started)
}

// mockConductors implements domain.ConductorLauncher.
type mockConductors struct {
	mu          sync.Mutex
	started     map[domain.AgentID]string
	keystoreURL map[domain.AgentID]string
	adminPorts  map[domain.AgentID]uint16
	errs        map[domain.AgentID]error
	appPortErr  error
}

func newMockConductors() *mockConductors {
	return &mockConductors{
		started:     make(map[domain.AgentID]string),
		keystoreURL: make(map[domain.AgentID]string),
		adminPorts:  make(map[domain.AgentID]uint16),
		errs:        make(map[domain.AgentID]error),
	}
}

func (m *mockConductors) StartConductor(ctx context.Context, agent domain.AgentID, dir string, adminPort uint16, keystoreURL string, passphrase []byte) (domain.RunningConductor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.errs[agent]; err != nil {
		return domain.RunningConductor{}, err
	}
	m.started[agent] = dir
	m.keystoreURL[agent] = keystoreURL
	m.adminPorts[agent] = adminPort
	return domain.RunningConductor{AdminPort: adminPort, PID: 1000 + int(agent)}, nil
}

func (m *mockConductors) AppPort(ctx context.Context, agent domain.AgentID, admin domain.AdminClient) (uint16, error) {
	if m.appPortErr != nil {
		return 0, m.appPortErr
	}
	return 20000 + uint16(agent), nil
}

// mockAdminClient implements domain.AdminClient.
type mockAdminClient struct {
	mu         sync.Mutex
	port       uint16
	installs   []domain.InstallAppRequest
	enabled    []string
	installErr error
	closed     bool
}

func (m *mockAdminClient) ListAppInterfaces(ctx context.Context) ([]domain.AppInterface, error) {
	return nil, nil
}

func (m *mockAdminClient) AttachAppInterface(ctx context.Context, port uint16) (uint16, error) {
	return port, nil
}

func (m *mockAdminClient) GenerateAgentPubKey(ctx context.Context) (domain.AgentPubKey, error) {
	key := make(domain.AgentPubKey, domain.AgentPubKeyLen)
	key[3] = byte(m.port)
	return key, nil
}

func (m *mockAdminClient) InstallAppBundle(ctx context.Context, req domain.InstallAppRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.installs = append(m.installs, req)
	return m.installErr
}

func (m *mockAdminClient) EnableApp(ctx context.Context, installedAppID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.enabled = append(m.enabled, installedAppID)
	return nil
}

func (m *mockAdminClient) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// mockDialer implements domain.AdminDialer.
type mockDialer struct {
	mu         sync.Mutex
	clients    map[uint16]*mockAdminClient
	dialErr    error
	installErr error
}

func newMockDialer() *mockDialer {
	return &mockDialer{clients: make(map[uint16]*mockAdminClient)}
}

func (m *mockDialer) DialAdmin(ctx context.Context, port uint16) (domain.AdminClient, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.dialErr != nil {
		return nil, m.dialErr
	}
	c := &mockAdminClient{port: port, installErr: m.installErr}
	m.clients[port] = c
	return c, nil
}

// mockKeystoreClient implements domain.KeystoreClient.
type mockKeystoreClient struct {
	mu       sync.Mutex
	signed   [][]byte
	pubKeys  [][32]byte
	signErr  error
	closeErr error
	closed   bool
}

func (m *mockKeystoreClient) SignByPubKey(ctx context.Context, pubKey [32]byte, tag []byte, data []byte) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.signErr != nil {
		return nil, m.signErr
	}
	m.signed = append(m.signed, data)
	m.pubKeys = append(m.pubKeys, pubKey)
	sig := make([]byte, domain.SignatureLen)
	copy(sig, data)
	return sig, nil
}

func (m *mockKeystoreClient) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return m.closeErr
}

func (m *mockKeystoreClient) signCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.signed)
}

// mockConnector implements domain.KeystoreConnector.
type mockConnector struct {
	clients map[string]*mockKeystoreClient
	errs    map[string]error
}

func (m *mockConnector) ConnectKeystore(ctx context.Context, connectionURL string, passphrase []byte) (domain.KeystoreClient, error) {
	if err := m.errs[connectionURL]; err != nil {
		return nil, err
	}
	c := &mockKeystoreClient{}
	m.clients[connectionURL] = c
	return c, nil
}

// mockOpener implements domain.URLOpener.
type mockOpener struct {
	opened []string
	err    error
}

func (m *mockOpener) Open(url string) error {
	if m.err != nil {
		return m.err
	}
	m.opened = append(m.opened, url)
	return nil
}

var errMock = errors.New("mock failure")
