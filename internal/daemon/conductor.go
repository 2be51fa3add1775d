package daemon

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/hc_launch/internal/domain"
	"github.com/eliteGoblin/focusd/hc_launch/internal/infra"
	"github.com/eliteGoblin/focusd/hc_launch/internal/version"
)

// ConductorConfigFile is the conductor config inside an agent's conductor dir.
const ConductorConfigFile = "conductor-config.yaml"

const (
	markerConductorReady = "Conductor ready."
	markerFatalPanic     = "FATAL PANIC"
	markerAddrInUse      = "AddrInUse"
	markerNotADatabase   = "file is not a database"
)

// ConductorConfig holds conductor supervisor configuration.
type ConductorConfig struct {
	Binary string
	// RustLog and WasmLog are exported to the child as RUST_LOG and WASM_LOG.
	RustLog      string
	WasmLog      string
	BootstrapURL string
	SignalURL    string
	ProxyURL     string
}

// DefaultConductorConfig returns default conductor configuration.
func DefaultConductorConfig() ConductorConfig {
	return ConductorConfig{
		Binary:       "holochain",
		RustLog:      "warn",
		WasmLog:      "warn",
		BootstrapURL: version.DefaultBootstrapURL,
		SignalURL:    version.DefaultSignalURL,
		ProxyURL:     version.DefaultProxyURL,
	}
}

// Conductor is a running, ready conductor.
type Conductor struct {
	Child      *Child
	ConfigPath string
	AdminPort  uint16
}

// ConductorSupervisor writes conductor configs and launches conductors.
type ConductorSupervisor struct {
	config  ConductorConfig
	version domain.ConductorVersion
	ledger  domain.ChildLedger
	ports   domain.PortAllocator
	logger  *zap.Logger
}

// NewConductorSupervisor creates a conductor supervisor for one conductor version line.
func NewConductorSupervisor(
	config ConductorConfig,
	v domain.ConductorVersion,
	ledger domain.ChildLedger,
	ports domain.PortAllocator,
	logger *zap.Logger,
) *ConductorSupervisor {
	return &ConductorSupervisor{
		config:  config,
		version: v,
		ledger:  ledger,
		ports:   ports,
		logger:  logger,
	}
}

// WriteConfig creates the conductor config in dir, or rewrites the admin port and
// keystore URL of an existing one.
func (s *ConductorSupervisor) WriteConfig(dir string, adminPort uint16, keystoreURL string) (string, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", err
	}
	configPath := filepath.Join(dir, ConductorConfigFile)

	var data []byte
	existing, err := os.ReadFile(configPath)
	switch {
	case err == nil:
		data, err = s.version.OverwriteConfig(existing, adminPort, keystoreURL)
	case os.IsNotExist(err):
		data, err = s.version.InitialConfig(domain.ConductorConfigParams{
			AdminPort:       adminPort,
			EnvironmentPath: dir,
			KeystoreURL:     keystoreURL,
			BootstrapURL:    s.config.BootstrapURL,
			SignalURL:       s.config.SignalURL,
			ProxyURL:        s.config.ProxyURL,
		})
	}
	if err != nil {
		return "", err
	}
	if err := infra.AtomicWriteFile(configPath, data, 0o600); err != nil {
		return "", err
	}
	return configPath, nil
}

// Start writes the config and launches the conductor, returning once it reports ready.
func (s *ConductorSupervisor) Start(
	ctx context.Context,
	agent domain.AgentID,
	dir string,
	adminPort uint16,
	keystoreURL string,
	passphrase []byte,
) (*Conductor, error) {
	configPath, err := s.WriteConfig(dir, adminPort, keystoreURL)
	if err != nil {
		return nil, domain.NewAgentError(domain.KindWorkspace, agent, "write conductor config", err)
	}

	stdin := make([]byte, 0, len(passphrase)+1)
	stdin = append(stdin, passphrase...)
	stdin = append(stdin, '\n')

	child, err := Spawn(ctx, ChildSpec{
		AgentID:   agent,
		Role:      domain.RoleConductor,
		Binary:    s.config.Binary,
		Args:      []string{"-c", configPath, "-p"},
		Dir:       dir,
		Env:       []string{"RUST_LOG=" + s.config.RustLog, "WASM_LOG=" + s.config.WasmLog},
		Stdin:     stdin,
		ZeroStdin: true,
	}, s.ledger, s.logger)
	if err != nil {
		return nil, domain.NewAgentError(domain.KindLaunchChild, agent, "launch conductor", err)
	}
	defer child.Drain(s.logger.Named("holochain").With(zap.Int("agent", int(agent))))

	err = child.Await(ctx, func(ev Event) (bool, error) {
		ready, kind := classifyConductorEvent(ev)
		switch {
		case ready:
			return true, nil
		case kind == domain.KindLaunchChild:
			return false, domain.NewAgentError(kind, agent, "launch conductor", domain.ErrImpossiblePending)
		case kind != "":
			return false, domain.NewAgentError(kind, agent, "launch conductor", nil)
		}
		return false, nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("conductor ready",
		zap.Int("agent", int(agent)),
		zap.Int("pid", child.PID()),
		zap.Uint16("admin_port", adminPort))
	return &Conductor{Child: child, ConfigPath: configPath, AdminPort: adminPort}, nil
}

// classifyConductorEvent is the conductor's startup state machine. It reports ready on
// the ready line, a failure kind on a known fatal line or exit, and neither while pending.
func classifyConductorEvent(ev Event) (ready bool, kind domain.ErrorKind) {
	switch ev.Kind {
	case EventStdout:
		if strings.Contains(ev.Line, markerConductorReady) {
			return true, ""
		}
	case EventStderr:
		switch {
		case strings.Contains(ev.Line, markerFatalPanic):
			return false, domain.KindUnknownFatalPanic
		case strings.Contains(ev.Line, markerAddrInUse):
			return false, domain.KindAddressAlreadyInUse
		case strings.Contains(ev.Line, markerNotADatabase):
			return false, domain.KindSqliteCorrupt
		}
	case EventExited:
		return false, domain.KindLaunchChild
	}
	return false, ""
}

// AppPort returns the conductor's app interface port, attaching one on a free port
// if none exists yet.
func (s *ConductorSupervisor) AppPort(ctx context.Context, agent domain.AgentID, admin domain.AdminClient) (uint16, error) {
	ifaces, err := admin.ListAppInterfaces(ctx)
	if err != nil {
		return 0, domain.NewAgentError(domain.KindLaunchChild, agent, "list app interfaces", err)
	}
	if len(ifaces) > 0 {
		return ifaces[0].Port, nil
	}

	lease, err := s.ports.Allocate()
	if err != nil {
		return 0, err
	}
	// Once attached the conductor holds the port itself
	defer lease.Release()

	port, err := admin.AttachAppInterface(ctx, lease.Port())
	if err != nil {
		return 0, domain.NewAgentError(domain.KindLaunchChild, agent, "attach app interface", err)
	}
	if port == 0 {
		port = lease.Port()
	}
	s.logger.Debug("app interface attached", zap.Int("agent", int(agent)), zap.Uint16("port", port))
	return port, nil
}

// StartConductor implements domain.ConductorLauncher.
func (s *ConductorSupervisor) StartConductor(
	ctx context.Context,
	agent domain.AgentID,
	dir string,
	adminPort uint16,
	keystoreURL string,
	passphrase []byte,
) (domain.RunningConductor, error) {
	c, err := s.Start(ctx, agent, dir, adminPort, keystoreURL, passphrase)
	if err != nil {
		return domain.RunningConductor{}, err
	}
	return domain.RunningConductor{ConfigPath: c.ConfigPath, AdminPort: c.AdminPort, PID: c.Child.PID()}, nil
}

// Ensure ConductorSupervisor implements domain.ConductorLauncher.
var _ domain.ConductorLauncher = (*ConductorSupervisor)(nil)
