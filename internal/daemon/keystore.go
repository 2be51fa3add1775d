package daemon

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"net/url"
	"os"
	"os/exec"
	"path"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/hc_launch/internal/domain"
	"github.com/eliteGoblin/focusd/hc_launch/internal/infra"
)

const (
	// KeystoreConfigFile is written by `lair-keystore init`.
	KeystoreConfigFile = "lair-keystore-config.yaml"

	connectionURLKey = "connectionUrl:"

	markerBadPassphrase  = "bad passphrase"
	markerInitDone       = "connection_url"
	markerKeystoreReady  = "lair-keystore running"
	keystoreSocketSuffix = "/socket"
)

// KeystoreConfig holds keystore supervisor configuration.
type KeystoreConfig struct {
	Binary string
	// InitPassphraseDelay is how long init gets before the passphrase is piped in.
	InitPassphraseDelay time.Duration
	// RustLog is exported to the child as RUST_LOG.
	RustLog  string
	Platform infra.Platform
	// LinkDir receives the short symlinks used when socket paths are too long.
	LinkDir string
}

// DefaultKeystoreConfig returns default keystore configuration.
func DefaultKeystoreConfig() KeystoreConfig {
	return KeystoreConfig{
		Binary:              "lair-keystore",
		InitPassphraseDelay: 100 * time.Millisecond,
		RustLog:             "warn",
		Platform:            infra.DetectPlatform(),
		LinkDir:             os.TempDir(),
	}
}

// Keystore is a running, ready keystore.
type Keystore struct {
	URL   string
	Child *Child
	// Dir is the directory the keystore runs in, possibly a short symlink.
	Dir string
	// Link is the symlink created for it, empty if none.
	Link string
}

// KeystoreSupervisor initializes and launches lair keystores.
type KeystoreSupervisor struct {
	config KeystoreConfig
	ledger domain.ChildLedger
	linker *infra.ShortLinker
	logger *zap.Logger
}

// NewKeystoreSupervisor creates a keystore supervisor.
func NewKeystoreSupervisor(config KeystoreConfig, ledger domain.ChildLedger, logger *zap.Logger) *KeystoreSupervisor {
	return &KeystoreSupervisor{
		config: config,
		ledger: ledger,
		linker: infra.NewShortLinker(config.LinkDir),
		logger: logger,
	}
}

// Start brings up the keystore of one agent in keystoreDir and returns its connection URL.
func (s *KeystoreSupervisor) Start(ctx context.Context, agent domain.AgentID, keystoreDir string, passphrase []byte) (*Keystore, error) {
	if err := os.MkdirAll(keystoreDir, 0o700); err != nil {
		return nil, domain.NewAgentError(domain.KindWorkspace, agent, "create keystore dir", err)
	}

	configPath := filepath.Join(keystoreDir, KeystoreConfigFile)
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		if err := s.initialize(ctx, agent, keystoreDir, passphrase); err != nil {
			return nil, err
		}
	}

	ks := &Keystore{Dir: keystoreDir}
	if s.config.Platform.SocketPathTooLong(keystoreDir + keystoreSocketSuffix) {
		link, err := s.linker.Link(keystoreDir)
		if err != nil {
			return nil, domain.NewAgentError(domain.KindWorkspace, agent, "link keystore dir", err)
		}
		if err := RewriteConnectionURL(configPath, link); err != nil {
			os.Remove(link)
			return nil, domain.NewAgentError(domain.KindWorkspace, agent, "rewrite keystore config", err)
		}
		s.logger.Debug("keystore socket path shortened",
			zap.Int("agent", int(agent)),
			zap.String("link", link))
		ks.Dir = link
		ks.Link = link
	}

	child, err := s.launch(ctx, agent, ks.Dir, passphrase)
	if err != nil {
		return ks, err
	}
	ks.Child = child

	ks.URL, err = s.connectionURL(ctx, agent, ks.Dir)
	if err != nil {
		return ks, err
	}
	s.logger.Info("keystore ready",
		zap.Int("agent", int(agent)),
		zap.Int("pid", child.PID()))
	return ks, nil
}

func (s *KeystoreSupervisor) env() []string {
	return []string{"RUST_LOG=" + s.config.RustLog}
}

func (s *KeystoreSupervisor) initialize(ctx context.Context, agent domain.AgentID, dir string, passphrase []byte) error {
	child, err := Spawn(ctx, ChildSpec{
		AgentID:    agent,
		Role:       domain.RoleKeystore,
		Binary:     s.config.Binary,
		Args:       []string{"init", "-p"},
		Dir:        dir,
		Env:        s.env(),
		Stdin:      passphrase,
		StdinDelay: s.config.InitPassphraseDelay,
	}, s.ledger, s.logger)
	if err != nil {
		return domain.NewAgentError(domain.KindLaunchChild, agent, "init keystore", err)
	}
	logger := s.logger.Named("lair").With(zap.Int("agent", int(agent)))
	defer child.Drain(logger)

	configPath := filepath.Join(dir, KeystoreConfigFile)
	err = child.Await(ctx, func(ev Event) (bool, error) {
		switch ev.Kind {
		case EventExited:
			if _, err := os.Stat(configPath); err == nil {
				return true, nil
			}
			return false, domain.NewAgentError(domain.KindLaunchChild, agent, "init keystore", domain.ErrImpossiblePending)
		default:
			if strings.Contains(ev.Line, markerBadPassphrase) {
				return false, domain.NewAgentError(domain.KindIncorrectPassword, agent, "init keystore", nil)
			}
			return strings.Contains(ev.Line, markerInitDone), nil
		}
	})
	if err != nil {
		return err
	}

	select {
	case <-child.Exited():
	case <-ctx.Done():
		return ctx.Err()
	}
	s.logger.Debug("keystore initialized", zap.Int("agent", int(agent)))
	return nil
}

func (s *KeystoreSupervisor) launch(ctx context.Context, agent domain.AgentID, dir string, passphrase []byte) (*Child, error) {
	child, err := Spawn(ctx, ChildSpec{
		AgentID: agent,
		Role:    domain.RoleKeystore,
		Binary:  s.config.Binary,
		Args:    []string{"server", "-p"},
		Dir:     dir,
		Env:     s.env(),
		Stdin:   passphrase,
	}, s.ledger, s.logger)
	if err != nil {
		return nil, domain.NewAgentError(domain.KindLaunchChild, agent, "launch keystore", err)
	}
	defer child.Drain(s.logger.Named("lair").With(zap.Int("agent", int(agent))))

	err = child.Await(ctx, func(ev Event) (bool, error) {
		switch ev.Kind {
		case EventExited:
			return false, domain.NewAgentError(domain.KindLaunchChild, agent, "launch keystore", domain.ErrImpossiblePending)
		default:
			if strings.Contains(ev.Line, markerBadPassphrase) {
				return false, domain.NewAgentError(domain.KindIncorrectPassword, agent, "launch keystore", nil)
			}
			return strings.Contains(ev.Line, markerKeystoreReady), nil
		}
	})
	return child, err
}

func (s *KeystoreSupervisor) connectionURL(ctx context.Context, agent domain.AgentID, dir string) (string, error) {
	cmd := exec.CommandContext(ctx, s.config.Binary, "url")
	cmd.Dir = dir
	cmd.Env = append(cmd.Environ(), s.env()...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return "", domain.NewAgentError(domain.KindLaunchChild, agent, "read keystore url", err)
	}
	if msg := strings.TrimSpace(stderr.String()); msg != "" {
		return "", domain.NewAgentError(domain.KindLaunchChild, agent, "read keystore url", fmt.Errorf("%s", msg))
	}

	scanner := bufio.NewScanner(&stdout)
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			return line, nil
		}
	}
	return "", domain.NewAgentError(domain.KindLaunchChild, agent, "read keystore url", fmt.Errorf("empty output"))
}

// RewriteConnectionURL points the connectionUrl line of a keystore config at linkDir.
// The socket name and query are kept; every other byte of the file is preserved.
func RewriteConnectionURL(configPath, linkDir string) error {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return err
	}
	out, err := rewriteConnectionURL(data, linkDir)
	if err != nil {
		return fmt.Errorf("%s: %w", configPath, err)
	}
	info, err := os.Stat(configPath)
	if err != nil {
		return err
	}
	return infra.AtomicWriteFile(configPath, out, info.Mode().Perm())
}

func rewriteConnectionURL(data []byte, linkDir string) ([]byte, error) {
	lines := bytes.SplitAfter(data, []byte("\n"))
	found := false
	for i, line := range lines {
		if !bytes.HasPrefix(line, []byte(connectionURLKey)) {
			continue
		}
		body := bytes.TrimRight(line, "\r\n")
		ending := line[len(body):]

		raw := strings.TrimSpace(string(body[len(connectionURLKey):]))
		u, err := url.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid connectionUrl %q: %w", raw, err)
		}
		rewritten := "unix://" + strings.TrimRight(linkDir, "/") + "/" + path.Base(u.Path)
		if u.RawQuery != "" {
			rewritten += "?" + u.RawQuery
		}

		lines[i] = append([]byte(connectionURLKey+" "+rewritten), ending...)
		found = true
		break
	}
	if !found {
		return nil, fmt.Errorf("no connectionUrl line")
	}
	return bytes.Join(lines, nil), nil
}

// ReadConnectionURL returns the connectionUrl of a keystore config.
func ReadConnectionURL(configPath string) (string, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return "", err
	}
	for _, line := range strings.Split(string(data), "\n") {
		if strings.HasPrefix(line, connectionURLKey) {
			return strings.TrimSpace(line[len(connectionURLKey):]), nil
		}
	}
	return "", fmt.Errorf("no connectionUrl in %s", configPath)
}

// StartKeystore implements domain.KeystoreLauncher.
func (s *KeystoreSupervisor) StartKeystore(ctx context.Context, agent domain.AgentID, dir string, passphrase []byte) (domain.RunningKeystore, error) {
	ks, err := s.Start(ctx, agent, dir, passphrase)
	var out domain.RunningKeystore
	if ks != nil {
		out.URL = ks.URL
		out.Link = ks.Link
		if ks.Child != nil {
			out.PID = ks.Child.PID()
		}
	}
	return out, err
}

// Ensure KeystoreSupervisor implements domain.KeystoreLauncher.
var _ domain.KeystoreLauncher = (*KeystoreSupervisor)(nil)
