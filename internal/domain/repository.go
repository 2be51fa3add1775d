package domain

import "context"

// ProcessManager handles OS process operations.
// Implementation: uses gopsutil for cross-platform support.
type ProcessManager interface {
	// Terminate sends SIGTERM to a process and all of its descendants.
	Terminate(pid int) error

	// Kill sends SIGKILL to a process and all of its descendants.
	Kill(pid int) error

	// IsRunning checks if a PID exists and is running.
	IsRunning(pid int) bool

	// FindByCwd returns PIDs of processes whose working directory is dir or lies below it.
	FindByCwd(dir string) ([]int, error)

	// GetCurrentPID returns the current process PID.
	GetCurrentPID() int
}

// FileSystemManager handles filesystem operations.
type FileSystemManager interface {
	// Exists checks if a path exists.
	Exists(path string) bool

	// Delete removes a file or directory recursively.
	// Glob patterns are expanded.
	Delete(path string) error

	// Glob returns the paths matching pattern after ~ expansion.
	Glob(pattern string) ([]string, error)

	// ExpandHome expands ~ to the user's home directory.
	ExpandHome(path string) string
}

// ChildLedger records every child spawned by a run so teardown can find them.
// Implementation: SQLCipher database inside the workspace.
type ChildLedger interface {
	// Record adds a child.
	Record(child ChildRecord) error

	// Forget removes a child that has already been reaped.
	Forget(pid int) error

	// List returns all recorded children in spawn order.
	List() ([]ChildRecord, error)

	// Path returns the ledger location (for tests and stale cleanup).
	Path() string

	// Close releases the underlying database.
	Close() error
}

// KeyProvider abstracts ledger key storage.
type KeyProvider interface {
	// GetKey returns the 32-byte encryption key.
	GetKey() ([]byte, error)

	// StoreKey persists the encryption key.
	StoreKey(key []byte) error

	// KeyExists checks if a key has been stored.
	KeyExists() bool
}

// PortLease is a port reserved for this run until Release.
type PortLease interface {
	Port() uint16
	Release() error
}

// PortAllocator hands out free loopback ports, never the same one twice in a run.
type PortAllocator interface {
	Allocate() (PortLease, error)
}

// BundleDecoder splits a web bundle into its runtime bundle and UI archive.
type BundleDecoder interface {
	Decode(data []byte) (appBundle []byte, uiZip []byte, err error)
}

// AdminClient speaks to a conductor's admin interface.
type AdminClient interface {
	ListAppInterfaces(ctx context.Context) ([]AppInterface, error)
	AttachAppInterface(ctx context.Context, port uint16) (uint16, error)
	GenerateAgentPubKey(ctx context.Context) (AgentPubKey, error)
	InstallAppBundle(ctx context.Context, req InstallAppRequest) error
	EnableApp(ctx context.Context, installedAppID string) error
	Close() error
}

// AdminDialer opens an AdminClient for a conductor admin port.
type AdminDialer interface {
	DialAdmin(ctx context.Context, port uint16) (AdminClient, error)
}

// KeystoreClient is a connection to one agent's keystore.
type KeystoreClient interface {
	// SignByPubKey signs data with the private key matching pubKey.
	SignByPubKey(ctx context.Context, pubKey [32]byte, tag []byte, data []byte) ([]byte, error)
	Close() error
}

// KeystoreConnector opens a KeystoreClient for a connection URL.
type KeystoreConnector interface {
	ConnectKeystore(ctx context.Context, connectionURL string, passphrase []byte) (KeystoreClient, error)
}

// ConductorConfigParams are the inputs of a freshly generated conductor config.
type ConductorConfigParams struct {
	AdminPort       uint16
	EnvironmentPath string
	KeystoreURL     string
	BootstrapURL    string
	SignalURL       string
	ProxyURL        string
}

// ConductorVersion is the capability set of one conductor version line.
type ConductorVersion interface {
	// Tag returns the version line this adapter serves (e.g. "0.2").
	Tag() string

	// HDKVersion returns the HDK version bundled with the conductor.
	HDKVersion() string

	// InitialConfig renders a complete conductor config.
	InitialConfig(params ConductorConfigParams) ([]byte, error)

	// OverwriteConfig replaces the admin port and keystore URL of an existing config,
	// leaving every other field intact.
	OverwriteConfig(existing []byte, adminPort uint16, keystoreURL string) ([]byte, error)
}

// WindowSpec describes a window to create.
type WindowSpec struct {
	Label           string
	Title           string
	AssetRoot       string
	BootstrapScript string
	Show404         bool
}

// Window is a handle on an open window.
type Window interface {
	Label() string
	URL() string
	// Eval runs a script in the window.
	Eval(script string) error
	Close() error
	// Closed is closed once the window is gone.
	Closed() <-chan struct{}
}

// WindowToolkit creates windows.
type WindowToolkit interface {
	// Verify checks that the environment can host windows.
	Verify() error
	CreateWindow(ctx context.Context, spec WindowSpec) (Window, error)
}

// WindowCommands are the privileged operations a window may invoke.
type WindowCommands interface {
	SignZomeCall(ctx context.Context, label string, call ZomeCallUnsigned) (*ZomeCall, error)
	OpenURL(ctx context.Context, label string, url string) error
}

// URLOpener opens a URL in the system browser.
type URLOpener interface {
	Open(url string) error
}

// RunningKeystore describes a keystore that reported ready.
type RunningKeystore struct {
	URL string
	PID int
	// Link is the short symlink created for the keystore dir, empty if none.
	Link string
}

// KeystoreLauncher brings up one agent's keystore.
type KeystoreLauncher interface {
	// StartKeystore returns once the keystore is ready. On error the returned value
	// still names any symlink that was created.
	StartKeystore(ctx context.Context, agent AgentID, dir string, passphrase []byte) (RunningKeystore, error)
}

// RunningConductor describes a conductor that reported ready.
type RunningConductor struct {
	ConfigPath string
	AdminPort  uint16
	PID        int
}

// ConductorLauncher brings up one agent's conductor.
type ConductorLauncher interface {
	StartConductor(ctx context.Context, agent AgentID, dir string, adminPort uint16, keystoreURL string, passphrase []byte) (RunningConductor, error)

	// AppPort returns the conductor's app interface port, attaching one if needed.
	AppPort(ctx context.Context, agent AgentID, admin AdminClient) (uint16, error)
}
