// Package main is the CLI entry point for hc-launch.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/eliteGoblin/focusd/hc_launch/internal/bundle"
	"github.com/eliteGoblin/focusd/hc_launch/internal/config"
	"github.com/eliteGoblin/focusd/hc_launch/internal/daemon"
	"github.com/eliteGoblin/focusd/hc_launch/internal/domain"
	"github.com/eliteGoblin/focusd/hc_launch/internal/infra"
	"github.com/eliteGoblin/focusd/hc_launch/internal/usecase"
	"github.com/eliteGoblin/focusd/hc_launch/internal/version"
	"github.com/eliteGoblin/focusd/hc_launch/internal/window"
	"github.com/eliteGoblin/focusd/hc_launch/internal/wire"
	"github.com/eliteGoblin/focusd/hc_launch/internal/workspace"
)

var (
	// Version info (set via ldflags)
	Version   = "0.1.0"
	Commit    = "dev"
	BuildTime = "unknown"
)

// Set by ShutdownCoordinator.Install when a signal triggers the teardown.
const signalReasonPrefix = "received "

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(domain.ExitCode(err))
	}
}

var rootCmd = &cobra.Command{
	Use:   "hc-launch <path>",
	Short: "Run a Holochain app with one or more local agents",
	Long: `hc-launch starts a keystore and conductor per agent, installs the given
.webhapp (or .happ with --ui-path) into each, and opens one window per agent.

Everything it creates lives in a temporary workspace that is removed when the
last window closes or on Ctrl+C.`,
	Version:       Version,
	Args:          exactArgs(1),
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runLaunch,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Long:  `Prints version, commit, and build time. Use --json for machine-readable output.`,
	Args:  exactArgs(0),
	Run:   runVersion,
}

var cleanCmd = &cobra.Command{
	Use:   "clean",
	Short: "Remove agent directories left behind by earlier runs",
	Long: `Kills any process still running inside a <run>_Agent-<i> directory below --root
and removes the directory. This is what every launch does before creating its own agents.`,
	Args: exactArgs(0),
	RunE: runClean,
}

var (
	flagConfigPath    string
	flagUIPath        string
	flagHolochainPath string
	flagLairPath      string
	flagPiped         bool
	flagWatch         bool
	flagNumSandboxes  int
	flagAgents        int
	flagDirectories   []string
	flagRoot          string
	flagAppID         string
	flagNetworkSeed   string
	flagBootstrapURL  string
	flagSignalURL     string
	flagShow404       bool
	flagHeadless      bool

	cleanRoot  string
	jsonOutput bool
)

func init() {
	addLaunchFlags(rootCmd)

	versionCmd.Flags().BoolVar(&jsonOutput, "json", false, "Output version info as JSON")
	cleanCmd.Flags().StringVar(&cleanRoot, "root", "", "Directory holding the agent directories")
	_ = cleanCmd.MarkFlagRequired("root")

	rootCmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return domain.NewError(domain.KindUsage, "parse flags", err)
	})

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(cleanCmd)
}

// addLaunchFlags binds the launch flags of cmd to the flag variables.
func addLaunchFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.StringVar(&flagConfigPath, "config", config.DefaultFileName, "TOML project file")
	f.StringVar(&flagUIPath, "ui-path", "", "UI directory (required for .happ bundles)")
	f.StringVar(&flagHolochainPath, "holochain-path", "", "Conductor binary (env "+config.EnvRuntimePath+")")
	f.StringVar(&flagLairPath, "lair-path", "", "Keystore binary")
	f.BoolVar(&flagPiped, "piped", false, "Read the passphrase from stdin instead of prompting")
	f.BoolVarP(&flagWatch, "watch", "w", false, "Reload the windows when the UI changes (requires --ui-path)")
	f.IntVarP(&flagNumSandboxes, "num-sandboxes", "n", 1, "Number of agents")
	f.IntVar(&flagAgents, "agents", 0, "")
	f.StringSliceVarP(&flagDirectories, "directories", "d", nil, "Agent directory names, one per agent")
	f.StringVar(&flagRoot, "root", "", "Parent directory of the agent directories (default: the workspace)")
	f.StringVar(&flagAppID, "app-id", "", "Installed app id")
	f.StringVar(&flagNetworkSeed, "network-seed", "", "Network seed passed to the install")
	f.StringVar(&flagBootstrapURL, "bootstrap-url", "", "Bootstrap service URL")
	f.StringVar(&flagSignalURL, "signal-url", "", "Signal server URL")
	f.BoolVar(&flagShow404, "show-404", false, "Serve a 404 page instead of falling back to index.html")
	f.BoolVar(&flagHeadless, "headless", false, "Print window URLs instead of opening a browser")
	_ = f.MarkHidden("agents")
}

// exactArgs is cobra.ExactArgs with a usage-classified error.
func exactArgs(n int) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if err := cobra.ExactArgs(n)(cmd, args); err != nil {
			return domain.NewError(domain.KindUsage, "parse arguments", err)
		}
		return nil
	}
}

// loadConfig merges defaults, the project file, the environment and the flags the
// user actually set, in that order.
func loadConfig(cmd *cobra.Command, args []string) (*config.Config, error) {
	flags := cmd.Flags()
	if flags.Changed("agents") {
		return nil, domain.NewError(domain.KindUsage, "parse flags",
			errors.New("--agents is not supported, use -n/--num-sandboxes"))
	}

	cfg := config.DefaultConfig()
	if err := cfg.LoadFile(flagConfigPath, !flags.Changed("config")); err != nil {
		return nil, err
	}
	cfg.ApplyEnv(nil)

	cfg.BundlePath = args[0]
	cfg.Piped = flagPiped
	if flags.Changed("ui-path") {
		cfg.UIPath = flagUIPath
	}
	if flags.Changed("holochain-path") {
		cfg.HolochainPath = flagHolochainPath
	}
	if flags.Changed("lair-path") {
		cfg.LairPath = flagLairPath
	}
	if flags.Changed("watch") {
		cfg.Watch = flagWatch
	}
	if flags.Changed("num-sandboxes") {
		cfg.NumSandboxes = flagNumSandboxes
	}
	if flags.Changed("directories") {
		cfg.Directories = flagDirectories
	}
	if flags.Changed("root") {
		cfg.Root = flagRoot
	}
	if flags.Changed("app-id") {
		cfg.AppID = flagAppID
	}
	if flags.Changed("network-seed") {
		cfg.NetworkSeed = flagNetworkSeed
	}
	if flags.Changed("bootstrap-url") {
		cfg.Network.BootstrapURL = flagBootstrapURL
	}
	if flags.Changed("signal-url") {
		cfg.Network.SignalURL = flagSignalURL
	}
	if flags.Changed("show-404") {
		cfg.Show404 = flagShow404
	}
	if flags.Changed("headless") {
		cfg.Headless = flagHeadless
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func runLaunch(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd, args)
	if err != nil {
		return err
	}
	if err := bundle.CheckInputs(cfg.BundlePath, cfg.UIPath); err != nil {
		return err
	}
	level, _ := cfg.Level()
	logger := createLogger(level)
	defer func() { _ = logger.Sync() }()

	pm := infra.NewProcessManager()
	opener := infra.NewBrowserOpener()
	broker := usecase.NewSigningBroker(opener, logger.Named("signer"))

	toolkitConfig := window.DefaultBrowserToolkitConfig()
	toolkitConfig.Headless = cfg.Headless
	toolkitConfig.Out = cmd.OutOrStdout()
	toolkit := window.NewBrowserToolkit(toolkitConfig, opener, broker, logger.Named("window"))
	if err := toolkit.Verify(); err != nil {
		return err
	}

	raw, err := readPassphrase(cfg.Piped, os.Stdin, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	secret, err := infra.NewPassphrase(raw)
	if err != nil {
		return domain.NewError(domain.KindWorkspace, "protect passphrase", err)
	}
	defer secret.Close()
	if !secret.Locked() {
		logger.Debug("passphrase memory could not be locked")
	}

	ws, err := workspace.New("", logger.Named("workspace"))
	if err != nil {
		return err
	}
	ledger, err := infra.OpenLedger(ws.LedgerDir())
	if err != nil {
		_ = ws.Close()
		return domain.NewError(domain.KindWorkspace, "open child ledger", err)
	}

	coord := usecase.NewShutdownCoordinator(usecase.DefaultShutdownConfig(), pm, ledger, ws, logger.Named("shutdown"))
	stop := usecase.Install(coord)
	defer stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-coord.Done():
			cancel()
		case <-ctx.Done():
		}
	}()

	fail := func(err error) error {
		if serr := coord.Shutdown("startup failed"); serr != nil {
			logger.Warn("teardown after failed startup", zap.Error(serr))
		}
		if strings.HasPrefix(coord.Reason(), signalReasonPrefix) {
			logger.Info("startup interrupted", zap.String("reason", coord.Reason()))
			return nil
		}
		logger.Error("startup failed", zap.Error(err))
		return err
	}

	conductorVersion, err := selectConductorVersion(ctx, cfg.HolochainPath, logger)
	if err != nil {
		return fail(err)
	}

	prepared, err := bundle.NewExtractor(bundle.NewDecoder(), logger.Named("bundle")).
		Prepare(ctx, cfg.BundlePath, cfg.UIPath, ws.Root())
	if err != nil {
		return fail(err)
	}

	ports := infra.NewPortAllocator(infra.DefaultPortLockDir)

	keystoreConfig := daemon.DefaultKeystoreConfig()
	keystoreConfig.Binary = cfg.LairPath
	conductorConfig := daemon.DefaultConductorConfig()
	conductorConfig.Binary = cfg.HolochainPath
	if cfg.Network.BootstrapURL != "" {
		conductorConfig.BootstrapURL = cfg.Network.BootstrapURL
	}
	if cfg.Network.SignalURL != "" {
		conductorConfig.SignalURL = cfg.Network.SignalURL
	}
	if cfg.Network.ProxyURL != "" {
		conductorConfig.ProxyURL = cfg.Network.ProxyURL
	}
	if v, ok := os.LookupEnv("RUST_LOG"); ok && v != "" {
		keystoreConfig.RustLog = v
		conductorConfig.RustLog = v
	}
	if v, ok := os.LookupEnv("WASM_LOG"); ok && v != "" {
		conductorConfig.WasmLog = v
	}

	orchestratorConfig := usecase.DefaultOrchestratorConfig()
	orchestratorConfig.NumAgents = cfg.NumSandboxes
	orchestratorConfig.Directories = cfg.Directories
	orchestratorConfig.Root = cfg.Root
	orchestratorConfig.AppID = cfg.AppID
	orchestratorConfig.NetworkSeed = cfg.NetworkSeed
	orchestratorConfig.RuntimeBundlePath = prepared.RuntimeBundlePath

	orchestrator := usecase.NewOrchestrator(
		orchestratorConfig,
		ws,
		ports,
		daemon.NewKeystoreSupervisor(keystoreConfig, ledger, logger.Named("lair")),
		daemon.NewConductorSupervisor(conductorConfig, conductorVersion, ledger, ports, logger.Named("holochain")),
		wire.NewWebsocketDialer(wire.DefaultAdminDialerConfig(), logger.Named("admin")),
		usecase.NewStaleCleaner(pm, infra.NewFileSystemManager(), logger.Named("cleaner")),
		coord.Shutdown,
		logger,
	)
	endpoints, err := orchestrator.Run(ctx, secret.Bytes())
	if err != nil {
		return fail(err)
	}

	connector := wire.NewUnixKeystoreConnector(5*time.Second, logger.Named("keystore"))
	if err := broker.Connect(ctx, connector, endpoints, secret.Bytes()); err != nil {
		return fail(err)
	}
	coord.AddClients(broker)
	broker.Seal()

	managerConfig := window.DefaultManagerConfig()
	managerConfig.AppID = cfg.AppID
	managerConfig.Show404 = cfg.Show404
	manager := window.NewManager(managerConfig, toolkit, ws, logger.Named("window"))
	coord.AddWindows(manager)
	if err := manager.OpenAll(ctx, endpoints, prepared.UIRoot); err != nil {
		return fail(err)
	}

	if cfg.Watch {
		watcher := window.NewWatcher(window.DefaultWatcherConfig(), prepared.UIRoot, manager, logger.Named("watcher"))
		go func() {
			if err := watcher.Run(ctx); err != nil {
				logger.Error("UI watcher stopped", zap.Error(err))
			}
		}()
	}

	logger.Info("launcher ready", zap.Int("agents", len(endpoints)), zap.String("workspace", ws.Root()))

	reason := ""
	select {
	case <-manager.AllClosed():
		reason = "all windows closed"
	case <-coord.Done():
	}
	if err := coord.Shutdown(reason); err != nil {
		logger.Warn("teardown finished with errors", zap.Error(err))
	}
	logger.Info("launcher stopped", zap.String("reason", coord.Reason()))
	return nil
}

// selectConductorVersion asks the conductor binary for its version and picks the
// matching config layout.
func selectConductorVersion(ctx context.Context, binary string, logger *zap.Logger) (domain.ConductorVersion, error) {
	raw, err := version.Detect(ctx, binary)
	if err != nil {
		return nil, domain.NewError(domain.KindLaunchChild, "detect conductor version", err)
	}
	adapter, ok := version.NewRegistry().Select(raw)
	if !ok {
		logger.Warn("unknown conductor version, using newest config layout",
			zap.String("reported", raw),
			zap.String("layout", adapter.Tag()))
	} else {
		logger.Info("conductor version detected",
			zap.String("reported", raw),
			zap.String("layout", adapter.Tag()))
	}
	return adapter, nil
}

func runClean(cmd *cobra.Command, args []string) error {
	logger := createLogger(zapcore.InfoLevel)
	defer func() { _ = logger.Sync() }()

	cleaner := usecase.NewStaleCleaner(infra.NewProcessManager(), infra.NewFileSystemManager(), logger)
	removed, err := cleaner.Clean(cleanRoot)
	if err != nil {
		return domain.NewError(domain.KindWorkspace, "clean "+cleanRoot, err)
	}

	out := cmd.OutOrStdout()
	if len(removed) == 0 {
		fmt.Fprintln(out, "No stale agent directories found.")
		return nil
	}
	for _, dir := range removed {
		fmt.Fprintf(out, "removed %s\n", dir)
	}
	return nil
}

func createLogger(level zapcore.Level) *zap.Logger {
	config := zap.NewProductionConfig()
	config.Level = zap.NewAtomicLevelAt(level)
	config.Encoding = "console"
	config.Sampling = nil
	config.OutputPaths = []string{"stderr"}
	config.ErrorOutputPaths = []string{"stderr"}
	config.EncoderConfig.TimeKey = "time"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := config.Build()
	if err != nil {
		logger, _ = zap.NewProduction()
	}
	return logger
}

func runVersion(cmd *cobra.Command, args []string) {
	out := cmd.OutOrStdout()
	if jsonOutput {
		fmt.Fprintf(out, `{"version":"%s","commit":"%s","build_time":"%s"}`+"\n",
			Version, Commit, BuildTime)
	} else {
		fmt.Fprintf(out, "hc-launch %s (commit: %s, built: %s)\n",
			Version, Commit, BuildTime)
	}
}
