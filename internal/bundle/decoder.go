package bundle

import (
	"bytes"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"

	"github.com/eliteGoblin/focusd/hc_launch/internal/domain"
	"github.com/eliteGoblin/focusd/hc_launch/internal/wire"
)

// maxBundleSize bounds decompression of a single bundle.
const maxBundleSize = 1 << 30

// webAppBundle is the container of a .webhapp: a gzip'd msgpack map of a manifest
// and the resources it references by path.
type webAppBundle struct {
	Manifest  webAppManifest    `codec:"manifest"`
	Resources map[string][]byte `codec:"resources"`
}

type webAppManifest struct {
	ManifestVersion string   `codec:"manifest_version"`
	Name            string   `codec:"name"`
	UI              location `codec:"ui"`
	HappManifest    location `codec:"happ_manifest"`
}

type location struct {
	Bundled string `codec:"bundled"`
}

// GzipMsgpackDecoder implements domain.BundleDecoder for the web bundle container.
type GzipMsgpackDecoder struct{}

// NewDecoder returns the default web bundle decoder.
func NewDecoder() domain.BundleDecoder {
	return &GzipMsgpackDecoder{}
}

// Decode returns the embedded runtime bundle and UI archive.
func (d *GzipMsgpackDecoder) Decode(data []byte) ([]byte, []byte, error) {
	zr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, nil, fmt.Errorf("not a gzip stream: %w", err)
	}
	defer zr.Close()

	raw, err := io.ReadAll(io.LimitReader(zr, maxBundleSize+1))
	if err != nil {
		return nil, nil, fmt.Errorf("decompress: %w", err)
	}
	if len(raw) > maxBundleSize {
		return nil, nil, fmt.Errorf("bundle larger than %d bytes", maxBundleSize)
	}

	var b webAppBundle
	if err := wire.Unmarshal(raw, &b); err != nil {
		return nil, nil, fmt.Errorf("decode container: %w", err)
	}

	happ, ok := b.Resources[b.Manifest.HappManifest.Bundled]
	if b.Manifest.HappManifest.Bundled == "" || !ok {
		return nil, nil, fmt.Errorf("app bundle %q not found in resources", b.Manifest.HappManifest.Bundled)
	}
	ui, ok := b.Resources[b.Manifest.UI.Bundled]
	if b.Manifest.UI.Bundled == "" || !ok {
		return nil, nil, fmt.Errorf("UI archive %q not found in resources", b.Manifest.UI.Bundled)
	}
	return happ, ui, nil
}

// EncodeWebApp builds a web bundle from its parts. The launcher itself never writes
// bundles; fixtures and tests use this to produce valid input.
func EncodeWebApp(name string, happ, uiZip []byte) ([]byte, error) {
	b := webAppBundle{
		Manifest: webAppManifest{
			ManifestVersion: "1",
			Name:            name,
			UI:              location{Bundled: "ui.zip"},
			HappManifest:    location{Bundled: name + ".happ"},
		},
		Resources: map[string][]byte{
			"ui.zip":       uiZip,
			name + ".happ": happ,
		},
	}
	raw, err := wire.Marshal(b)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(raw); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Ensure GzipMsgpackDecoder implements domain.BundleDecoder.
var _ domain.BundleDecoder = (*GzipMsgpackDecoder)(nil)
