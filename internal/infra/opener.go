package infra

import (
	"fmt"
	"os/exec"
	"runtime"
	"strings"

	"github.com/eliteGoblin/focusd/hc_launch/internal/domain"
)

// OpenStrategy opens URLs with one platform tool.
type OpenStrategy interface {
	Name() string
	IsAvailable() bool
	Open(url string) error
}

// CommandStrategy runs `<binary> [args...] <url>`.
type CommandStrategy struct {
	name   string
	goos   []string
	binary string
	args   []string
	path   string
}

// NewCommandStrategy resolves binary on PATH. goos limits the platforms it applies to.
func NewCommandStrategy(name, binary string, goos []string, args ...string) *CommandStrategy {
	path, _ := exec.LookPath(binary)
	return &CommandStrategy{name: name, goos: goos, binary: binary, args: args, path: path}
}

func (c *CommandStrategy) Name() string {
	return c.name
}

func (c *CommandStrategy) IsAvailable() bool {
	if c.path == "" {
		return false
	}
	for _, g := range c.goos {
		if g == runtime.GOOS {
			return true
		}
	}
	return false
}

func (c *CommandStrategy) Open(url string) error {
	args := append(append([]string{}, c.args...), url)
	cmd := exec.Command(c.path, args...)
	cmd.Stdin = nil // Prevent any interactive prompts

	// Openers hand off to the browser and exit; do not wait for the browser itself
	if err := cmd.Start(); err != nil {
		return err
	}
	go func() { _ = cmd.Wait() }()
	return nil
}

// BrowserOpener implements domain.URLOpener by trying every available strategy in order.
type BrowserOpener struct {
	strategies []OpenStrategy
}

// NewBrowserOpener creates an opener with the strategies for this platform.
func NewBrowserOpener() *BrowserOpener {
	candidates := []OpenStrategy{
		NewCommandStrategy("open", "open", []string{"darwin"}),
		NewCommandStrategy("xdg-open", "xdg-open", []string{"linux", "freebsd", "openbsd", "netbsd"}),
		NewCommandStrategy("wslview", "wslview", []string{"linux"}),
		NewCommandStrategy("rundll32", "rundll32", []string{"windows"}, "url.dll,FileProtocolHandler"),
	}
	o := &BrowserOpener{}
	for _, s := range candidates {
		if s.IsAvailable() {
			o.strategies = append(o.strategies, s)
		}
	}
	return o
}

// NewBrowserOpenerWithStrategies creates an opener with explicit strategies (for testing).
func NewBrowserOpenerWithStrategies(strategies ...OpenStrategy) *BrowserOpener {
	return &BrowserOpener{strategies: strategies}
}

// Open tries each strategy until one succeeds.
func (o *BrowserOpener) Open(url string) error {
	if len(o.strategies) == 0 {
		return fmt.Errorf("no way to open a browser on %s", runtime.GOOS)
	}
	var failures []string
	for _, s := range o.strategies {
		if err := s.Open(url); err != nil {
			failures = append(failures, fmt.Sprintf("%s: %v", s.Name(), err))
			continue // Try next strategy
		}
		return nil
	}
	return fmt.Errorf("could not open %s (%s)", url, strings.Join(failures, "; "))
}

// Ensure implementations satisfy interfaces
var _ OpenStrategy = (*CommandStrategy)(nil)
var _ domain.URLOpener = (*BrowserOpener)(nil)
