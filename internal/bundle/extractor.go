// Package bundle turns a packaged app into a runtime bundle file and a UI tree.
package bundle

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zip"
	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/hc_launch/internal/domain"
)

// Recognized bundle extensions.
const (
	WebAppExt  = ".webhapp"
	RuntimeExt = ".happ"
)

// MissingUIMessage is shown when a runtime bundle comes without UI assets.
const MissingUIMessage = "If you provide a path to a .happ file you also need to specify a path to the UI assets via the --ui-path option."

// Prepared is the result of Prepare.
type Prepared struct {
	RuntimeBundlePath string
	UIRoot            string
}

// Extractor decodes bundles into a workspace.
type Extractor struct {
	decoder domain.BundleDecoder
	logger  *zap.Logger
}

// NewExtractor creates an extractor using decoder for web bundles.
func NewExtractor(decoder domain.BundleDecoder, logger *zap.Logger) *Extractor {
	return &Extractor{decoder: decoder, logger: logger}
}

// CheckInputs validates the bundle extension and the UI path without reading the bundle.
func CheckInputs(bundlePath, uiPath string) error {
	switch ext := strings.ToLower(filepath.Ext(bundlePath)); ext {
	case WebAppExt:
	case RuntimeExt:
		if uiPath == "" {
			return domain.NewError(domain.KindUiMissing, "", errors.New(MissingUIMessage))
		}
	default:
		return domain.NewError(domain.KindBundleRead, bundlePath,
			fmt.Errorf("unsupported extension %q, expected %s or %s", ext, WebAppExt, RuntimeExt))
	}
	if uiPath != "" {
		return checkUIDir(uiPath)
	}
	return nil
}

// Prepare writes <outDir>/<stem>.happ and resolves the UI root. For a web bundle the UI
// archive is extracted into <outDir>/ui; for a runtime bundle uiPath must name an
// existing directory. On failure partial state may remain under outDir.
func (e *Extractor) Prepare(ctx context.Context, bundlePath, uiPath, outDir string) (*Prepared, error) {
	if err := CheckInputs(bundlePath, uiPath); err != nil {
		return nil, err
	}
	stem := strings.TrimSuffix(filepath.Base(bundlePath), filepath.Ext(bundlePath))
	runtimePath := filepath.Join(outDir, stem+RuntimeExt)

	if strings.EqualFold(filepath.Ext(bundlePath), WebAppExt) {
		return e.prepareWebApp(ctx, bundlePath, uiPath, outDir, runtimePath)
	}
	return e.prepareRuntime(bundlePath, uiPath, runtimePath)
}

func (e *Extractor) prepareWebApp(ctx context.Context, bundlePath, uiPath, outDir, runtimePath string) (*Prepared, error) {
	data, err := os.ReadFile(bundlePath)
	if err != nil {
		return nil, domain.NewError(domain.KindBundleRead, bundlePath, err)
	}

	happ, uiZip, err := e.decoder.Decode(data)
	if err != nil {
		return nil, domain.NewError(domain.KindBundleDecode, bundlePath, err)
	}

	if err := os.WriteFile(runtimePath, happ, 0o644); err != nil {
		return nil, domain.NewError(domain.KindWorkspace, "write runtime bundle", err)
	}

	// An explicit UI path wins over the bundled UI (used with --watch during development)
	if uiPath != "" {
		return &Prepared{RuntimeBundlePath: runtimePath, UIRoot: uiPath}, nil
	}

	uiRoot := filepath.Join(outDir, "ui")
	n, err := ExtractZip(ctx, uiZip, uiRoot)
	if err != nil {
		return nil, err
	}
	e.logger.Info("web bundle prepared",
		zap.String("bundle", runtimePath),
		zap.String("ui", uiRoot),
		zap.Int("files", n))

	return &Prepared{RuntimeBundlePath: runtimePath, UIRoot: uiRoot}, nil
}

func (e *Extractor) prepareRuntime(bundlePath, uiPath, runtimePath string) (*Prepared, error) {
	data, err := os.ReadFile(bundlePath)
	if err != nil {
		return nil, domain.NewError(domain.KindBundleRead, bundlePath, err)
	}
	if err := os.WriteFile(runtimePath, data, 0o644); err != nil {
		return nil, domain.NewError(domain.KindWorkspace, "write runtime bundle", err)
	}

	e.logger.Info("runtime bundle prepared",
		zap.String("bundle", runtimePath),
		zap.String("ui", uiPath))
	return &Prepared{RuntimeBundlePath: runtimePath, UIRoot: uiPath}, nil
}

func checkUIDir(uiPath string) error {
	info, err := os.Stat(uiPath)
	if err != nil {
		return domain.NewError(domain.KindUiMissing, "--ui-path "+uiPath, err)
	}
	if !info.IsDir() {
		return domain.NewError(domain.KindUiMissing, "--ui-path "+uiPath, errors.New("not a directory"))
	}
	return nil
}

// ExtractZip unpacks archive into dir, removing dir first if it exists.
// Entries ending in "/" are directories; entries that would land outside dir are
// skipped; parent directories are created on demand. Returns the number of files written.
func ExtractZip(ctx context.Context, archive []byte, dir string) (int, error) {
	zr, err := zip.NewReader(bytes.NewReader(archive), int64(len(archive)))
	if err != nil {
		return 0, domain.NewError(domain.KindBundleDecode, "open UI archive", err)
	}

	if err := os.RemoveAll(dir); err != nil {
		return 0, domain.NewError(domain.KindWorkspace, "clear UI dir", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return 0, domain.NewError(domain.KindWorkspace, "create UI dir", err)
	}

	written := 0
	for _, f := range zr.File {
		if err := ctx.Err(); err != nil {
			return written, err
		}

		rel, ok := enclosedName(f.Name)
		if !ok {
			continue
		}
		target := filepath.Join(dir, rel)

		if strings.HasSuffix(f.Name, "/") {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return written, domain.NewError(domain.KindWorkspace, "create "+rel, err)
			}
			continue
		}

		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return written, domain.NewError(domain.KindWorkspace, "create parent of "+rel, err)
		}
		if err := writeEntry(f, target); err != nil {
			return written, domain.NewError(domain.KindBundleDecode, "extract "+rel, err)
		}
		written++
	}
	return written, nil
}

// enclosedName returns the entry name as a relative OS path, or false when the entry
// would escape the extraction root.
func enclosedName(name string) (string, bool) {
	trimmed := strings.TrimSuffix(name, "/")
	if trimmed == "" || strings.Contains(trimmed, "\x00") {
		return "", false
	}
	rel := filepath.FromSlash(trimmed)
	if !filepath.IsLocal(rel) {
		return "", false
	}
	return filepath.Clean(rel), true
}

func writeEntry(f *zip.File, target string) error {
	rc, err := f.Open()
	if err != nil {
		return err
	}
	defer rc.Close()

	mode := f.Mode().Perm()
	if mode == 0 {
		mode = 0o644
	}
	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, rc); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
