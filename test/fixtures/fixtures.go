// Package fixtures builds the on-disk inputs of the integration suite and holds the
// settings shared with the fake keystore and conductor binaries.
package fixtures

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/klauspost/compress/zip"

	"github.com/eliteGoblin/focusd/hc_launch/internal/bundle"
)

// Environment read by the fake binaries.
const (
	// EnvPassphrase is the passphrase the fakes accept. Unset accepts anything.
	EnvPassphrase = "FAKE_PASSPHRASE"
	// EnvPIDDir receives one file per fake process, named <role>-<pid>.
	EnvPIDDir = "FAKE_PID_DIR"
	// EnvConductorFail makes the fake conductor fail at startup: addr_in_use, panic
	// or corrupt.
	EnvConductorFail = "FAKE_CONDUCTOR_FAIL"
)

// ConductorVersion is what the fake conductor reports for --version.
const ConductorVersion = "holochain 0.2.3"

// IndexHTML is the UI page packed into every fixture bundle.
const IndexHTML = `<!DOCTYPE html>
<html>
<head><title>fixture</title></head>
<body><h1>fixture app</h1></body>
</html>
`

// WriteWebApp writes a web bundle named name.webhapp into dir and returns its path.
func WriteWebApp(dir, name string) (string, error) {
	var ui bytes.Buffer
	zw := zip.NewWriter(&ui)
	for file, content := range map[string]string{
		"index.html": IndexHTML,
		"main.js":    "console.log('fixture');\n",
	} {
		w, err := zw.Create(file)
		if err != nil {
			return "", err
		}
		if _, err := w.Write([]byte(content)); err != nil {
			return "", err
		}
	}
	if err := zw.Close(); err != nil {
		return "", err
	}

	data, err := bundle.EncodeWebApp(name, []byte("fixture happ "+name), ui.Bytes())
	if err != nil {
		return "", err
	}
	path := filepath.Join(dir, name+".webhapp")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", err
	}
	return path, nil
}

// RecordPID notes the calling process in the directory named by EnvPIDDir, if set.
func RecordPID(role string) {
	dir := os.Getenv(EnvPIDDir)
	if dir == "" {
		return
	}
	name := fmt.Sprintf("%s-%d", role, os.Getpid())
	_ = os.WriteFile(filepath.Join(dir, name), nil, 0o644)
}

// RecordedPIDs returns the pids recorded for role in dir.
func RecordedPIDs(dir, role string) ([]int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var pids []int
	for _, e := range entries {
		rest, ok := strings.CutPrefix(e.Name(), role+"-")
		if !ok {
			continue
		}
		pid, err := strconv.Atoi(rest)
		if err != nil {
			continue
		}
		pids = append(pids, pid)
	}
	return pids, nil
}

// CheckPassphrase compares got with EnvPassphrase.
func CheckPassphrase(got []byte) bool {
	want, ok := os.LookupEnv(EnvPassphrase)
	return !ok || want == string(got)
}
