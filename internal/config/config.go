// Package config holds the launcher options and their defaults.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"go.uber.org/zap/zapcore"

	"github.com/eliteGoblin/focusd/hc_launch/internal/domain"
)

// DefaultFileName is the project file picked up from the working directory.
const DefaultFileName = ".hc-launch.toml"

// Environment variables consumed by the launcher.
const (
	EnvLogLevel    = "LAUNCHER_LOG"
	EnvRuntimePath = "HC_RUNTIME_PATH"
)

// Config holds everything one run needs to know.
type Config struct {
	BundlePath    string        `toml:"-"`
	UIPath        string        `toml:"ui_path"`
	HolochainPath string        `toml:"holochain_path"`
	LairPath      string        `toml:"lair_path"`
	Piped         bool          `toml:"-"`
	Watch         bool          `toml:"watch"`
	NumSandboxes  int           `toml:"num_sandboxes"`
	Directories   []string      `toml:"directories"`
	Root          string        `toml:"root"`
	AppID         string        `toml:"app_id"`
	NetworkSeed   string        `toml:"network_seed"`
	Network       NetworkConfig `toml:"network"`
	Show404       bool          `toml:"show_404"`
	Headless      bool          `toml:"headless"`
	LogLevel      string        `toml:"log_level"`
}

// NetworkConfig is handed to the conductor config unchanged.
type NetworkConfig struct {
	BootstrapURL string `toml:"bootstrap_url"`
	SignalURL    string `toml:"signal_url"`
	ProxyURL     string `toml:"proxy_url"`
}

// DefaultConfig returns a configuration with the defaults of a one-agent run.
func DefaultConfig() *Config {
	return &Config{
		HolochainPath: "holochain",
		LairPath:      "lair-keystore",
		NumSandboxes:  1,
		AppID:         domain.DefaultAppID,
		LogLevel:      "info",
	}
}

// LoadFile merges the TOML file at path into c. Keys absent from the file keep their
// current value. A missing file is not an error when optional is set.
func (c *Config) LoadFile(path string, optional bool) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if optional && errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return usageErr("read config file", err)
	}
	if err := toml.Unmarshal(data, c); err != nil {
		return usageErr("parse config file "+path, err)
	}
	return nil
}

// ApplyEnv overrides fields from the environment. lookup defaults to os.LookupEnv.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	if v, ok := lookup(EnvRuntimePath); ok && v != "" {
		c.HolochainPath = v
	}
	if v, ok := lookup(EnvLogLevel); ok && v != "" {
		c.LogLevel = v
	}
}

// Level parses LogLevel.
func (c *Config) Level() (zapcore.Level, error) {
	lvl, err := zapcore.ParseLevel(strings.ToLower(c.LogLevel))
	if err != nil {
		return zapcore.InfoLevel, usageErr("invalid log level "+c.LogLevel, err)
	}
	return lvl, nil
}

// Validate reports option combinations that can never work.
func (c *Config) Validate() error {
	if c.BundlePath == "" {
		return usageErr("missing bundle path", nil)
	}
	if c.NumSandboxes < 1 {
		return usageErr(fmt.Sprintf("number of sandboxes must be at least 1, got %d", c.NumSandboxes), nil)
	}
	if len(c.Directories) > 0 && len(c.Directories) != c.NumSandboxes {
		return usageErr(fmt.Sprintf("%d directories given for %d sandboxes", len(c.Directories), c.NumSandboxes), nil)
	}
	seen := make(map[string]bool, len(c.Directories))
	for _, d := range c.Directories {
		if d == "" || d == "." || d == ".." || strings.ContainsRune(d, filepath.Separator) {
			return usageErr(fmt.Sprintf("directory %q must be a plain name", d), nil)
		}
		if seen[d] {
			return usageErr(fmt.Sprintf("directory %q given twice", d), nil)
		}
		seen[d] = true
	}
	if c.Watch && c.UIPath == "" {
		return usageErr("--watch requires --ui-path", nil)
	}
	if c.AppID == "" {
		return usageErr("app id must not be empty", nil)
	}
	if _, err := c.Level(); err != nil {
		return err
	}
	return nil
}

func usageErr(op string, err error) error {
	return domain.NewError(domain.KindUsage, op, err)
}
