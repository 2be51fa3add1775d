package infra

import (
	"os"
	"runtime"
)

// Platform holds OS facts the launcher depends on.
type Platform struct {
	OS string
	// SocketPathLimit is sizeof(sockaddr_un.sun_path), including the trailing NUL.
	SocketPathLimit int
	// WindowEnv lists environment variables of which at least one must be set
	// for windows to be shown. Empty means no requirement.
	WindowEnv []string
	// BlockDataDownloads is set where the browser bridge cannot save data: URLs.
	BlockDataDownloads bool
}

// DetectPlatform returns the facts for the running OS.
func DetectPlatform() Platform {
	return PlatformFor(runtime.GOOS)
}

// PlatformFor returns the facts for goos.
func PlatformFor(goos string) Platform {
	switch goos {
	case "linux":
		return Platform{
			OS:              goos,
			SocketPathLimit: 108,
			WindowEnv:       []string{"DISPLAY", "WAYLAND_DISPLAY"},
		}
	case "darwin":
		return Platform{
			OS:                 goos,
			SocketPathLimit:    104,
			BlockDataDownloads: true,
		}
	default:
		return Platform{
			OS:              goos,
			SocketPathLimit: 104,
		}
	}
}

// SocketPathTooLong reports whether a unix socket at path cannot be bound.
func (p Platform) SocketPathTooLong(path string) bool {
	return len(path) >= p.SocketPathLimit
}

// MissingWindowEnv returns the variables checked when none of WindowEnv is set.
func (p Platform) MissingWindowEnv(lookup func(string) (string, bool)) []string {
	if len(p.WindowEnv) == 0 {
		return nil
	}
	if lookup == nil {
		lookup = os.LookupEnv
	}
	for _, name := range p.WindowEnv {
		if v, ok := lookup(name); ok && v != "" {
			return nil
		}
	}
	return p.WindowEnv
}

// String returns a human-readable description of the platform.
func (p Platform) String() string {
	return p.OS
}
