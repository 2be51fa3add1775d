package usecase

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/eliteGoblin/focusd/hc_launch/internal/domain"
)

const (
	keystoreSubdir  = "keystore"
	conductorSubdir = "conductor"
)

// RunWorkspace is the part of the workspace the orchestrator writes to.
type RunWorkspace interface {
	Root() string
	HoldPortLock(lease domain.PortLease)
	AddOwnedPath(path string)
	WriteLiveFile(id domain.AgentID, adminPort uint16) error
	WriteAgentsFile(paths []string) error
}

// ShutdownFunc tears the run down. It must be safe to call more than once.
type ShutdownFunc func(reason string) error

// OrchestratorConfig holds the per-run parameters of the orchestrator.
type OrchestratorConfig struct {
	NumAgents int
	// Directories names the agent dirs; when empty they are generated.
	Directories []string
	// Root is the parent of the agent dirs; empty means the workspace root.
	Root string
	// RunID prefixes generated dir names; empty means a fresh one.
	RunID       string
	AppID       string
	NetworkSeed string
	// RuntimeBundlePath is the bundle installed into every conductor.
	RuntimeBundlePath string
}

// DefaultOrchestratorConfig returns default orchestrator configuration.
func DefaultOrchestratorConfig() OrchestratorConfig {
	return OrchestratorConfig{
		NumAgents: 1,
		AppID:     domain.DefaultAppID,
	}
}

// Orchestrator brings up N agents, each a keystore and conductor pair with the app installed.
type Orchestrator struct {
	config     OrchestratorConfig
	workspace  RunWorkspace
	ports      domain.PortAllocator
	keystores  domain.KeystoreLauncher
	conductors domain.ConductorLauncher
	dialer     domain.AdminDialer
	cleaner    *StaleCleaner
	shutdown   ShutdownFunc
	logger     *zap.Logger
}

// NewOrchestrator creates an orchestrator.
func NewOrchestrator(
	config OrchestratorConfig,
	ws RunWorkspace,
	ports domain.PortAllocator,
	keystores domain.KeystoreLauncher,
	conductors domain.ConductorLauncher,
	dialer domain.AdminDialer,
	cleaner *StaleCleaner,
	shutdown ShutdownFunc,
	logger *zap.Logger,
) *Orchestrator {
	return &Orchestrator{
		config:     config,
		workspace:  ws,
		ports:      ports,
		keystores:  keystores,
		conductors: conductors,
		dialer:     dialer,
		cleaner:    cleaner,
		shutdown:   shutdown,
		logger:     logger,
	}
}

// NewRunID returns a fresh 8 hex character run id.
func NewRunID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

// agentPlan is the per-agent input of the launch phase.
type agentPlan struct {
	id        domain.AgentID
	dir       string
	adminPort uint16
}

// Run brings every agent up and returns their endpoints ordered by agent id.
// On failure the run is shut down and the first error is returned.
func (o *Orchestrator) Run(ctx context.Context, passphrase []byte) ([]domain.AgentEndpoint, error) {
	endpoints, err := o.run(ctx, passphrase)
	if err != nil {
		o.logger.Error("startup failed", zap.Error(err))
		if o.shutdown != nil {
			if serr := o.shutdown("startup failed"); serr != nil {
				o.logger.Warn("shutdown after failed startup", zap.Error(serr))
			}
		}
		return nil, err
	}
	return endpoints, nil
}

func (o *Orchestrator) run(ctx context.Context, passphrase []byte) ([]domain.AgentEndpoint, error) {
	n := o.config.NumAgents
	if n < 1 {
		return nil, domain.NewError(domain.KindUsage, "number of agents", fmt.Errorf("must be at least 1, got %d", n))
	}
	if len(o.config.Directories) > 0 && len(o.config.Directories) != n {
		return nil, domain.NewError(domain.KindUsage, "directories",
			fmt.Errorf("%d directories given for %d agents", len(o.config.Directories), n))
	}

	root := o.config.Root
	userRoot := root != ""
	if !userRoot {
		root = o.workspace.Root()
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, domain.NewError(domain.KindWorkspace, "create root", err)
	}

	if o.cleaner != nil {
		if _, err := o.cleaner.Clean(root); err != nil {
			o.logger.Warn("stale cleanup failed", zap.Error(err))
		}
	}

	runID := o.config.RunID
	if runID == "" {
		runID = NewRunID()
	}

	plans := make([]agentPlan, n)
	for i := range plans {
		id := domain.AgentID(i)
		name := fmt.Sprintf("%s_%s", runID, id.Label())
		explicit := len(o.config.Directories) > 0
		if explicit {
			name = o.config.Directories[i]
		}
		dir := filepath.Join(root, name)
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, domain.NewAgentError(domain.KindWorkspace, id, "create agent dir", err)
		}
		// Dirs the user named under a root they chose survive the run
		if !(explicit && userRoot) {
			o.workspace.AddOwnedPath(dir)
		}
		plans[i] = agentPlan{id: id, dir: dir}
	}

	// Sequential so that every admin port is distinct before any child starts
	for i := range plans {
		lease, err := o.ports.Allocate()
		if err != nil {
			return nil, err
		}
		o.workspace.HoldPortLock(lease)
		plans[i].adminPort = lease.Port()
	}

	o.logger.Info("launching agents",
		zap.String("run_id", runID),
		zap.Int("agents", n),
		zap.String("root", root))

	endpoints := make([]domain.AgentEndpoint, n)
	g, gctx := errgroup.WithContext(ctx)
	for i := range plans {
		plan := plans[i]
		g.Go(func() error {
			ep, err := o.launchAgent(gctx, plan, passphrase)
			if err != nil {
				return err
			}
			endpoints[plan.id] = ep
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	dirs := make([]string, n)
	for i, ep := range endpoints {
		dirs[i] = ep.Dir
	}
	if err := o.workspace.WriteAgentsFile(dirs); err != nil {
		return nil, domain.NewError(domain.KindWorkspace, "write agents list", err)
	}
	for _, ep := range endpoints {
		if err := o.workspace.WriteLiveFile(ep.AgentID, ep.AdminPort); err != nil {
			return nil, domain.NewAgentError(domain.KindWorkspace, ep.AgentID, "write live file", err)
		}
	}

	o.logger.Info("all agents ready", zap.Int("agents", n))
	return endpoints, nil
}

func (o *Orchestrator) launchAgent(ctx context.Context, plan agentPlan, passphrase []byte) (domain.AgentEndpoint, error) {
	id := plan.id
	ep := domain.AgentEndpoint{AgentID: id, Dir: plan.dir, AdminPort: plan.adminPort}

	ks, err := o.keystores.StartKeystore(ctx, id, filepath.Join(plan.dir, keystoreSubdir), passphrase)
	if ks.Link != "" {
		o.workspace.AddOwnedPath(ks.Link)
	}
	if err != nil {
		return ep, err
	}
	ep.KeystoreURL = ks.URL

	if _, err := o.conductors.StartConductor(ctx, id, filepath.Join(plan.dir, conductorSubdir), plan.adminPort, ks.URL, passphrase); err != nil {
		return ep, err
	}

	admin, err := o.dialer.DialAdmin(ctx, plan.adminPort)
	if err != nil {
		return ep, agentError(domain.KindLaunchChild, id, "connect admin interface", err)
	}
	defer admin.Close()

	key, err := admin.GenerateAgentPubKey(ctx)
	if err != nil {
		return ep, agentError(domain.KindLaunchChild, id, "generate agent key", err)
	}
	ep.PubKey = key

	if err := admin.InstallAppBundle(ctx, domain.InstallAppRequest{
		InstalledAppID: o.config.AppID,
		AgentKey:       key,
		BundlePath:     o.config.RuntimeBundlePath,
		NetworkSeed:    o.config.NetworkSeed,
	}); err != nil {
		return ep, agentError(domain.KindLaunchChild, id, "install app", err)
	}
	if err := admin.EnableApp(ctx, o.config.AppID); err != nil {
		return ep, agentError(domain.KindLaunchChild, id, "enable app", err)
	}

	ep.AppPort, err = o.conductors.AppPort(ctx, id, admin)
	if err != nil {
		return ep, err
	}

	o.logger.Info("agent ready",
		zap.Int("agent", int(id)),
		zap.Uint16("admin_port", ep.AdminPort),
		zap.Uint16("app_port", ep.AppPort),
		zap.String("agent_key", key.String()))
	return ep, nil
}

// agentError keeps an existing kind and classifies everything else as kind.
func agentError(kind domain.ErrorKind, id domain.AgentID, op string, err error) error {
	var de *domain.Error
	if errors.As(err, &de) {
		return err
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	return domain.NewAgentError(kind, id, op, err)
}
