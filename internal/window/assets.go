package window

import (
	"bytes"
	"mime"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/gin-gonic/gin"
)

const indexFile = "index.html"

// NotFoundPage is served for missing assets when show_404 is set.
const NotFoundPage = `<!DOCTYPE html>
<html>
<head><meta charset="utf-8"><title>404 Not Found</title></head>
<body>
<h1>404 Not Found.</h1>
<p>Looks like this UI has no index.html</p>
</body>
</html>
`

// AssetPolicy resolves request paths against a UI root.
type AssetPolicy struct {
	root      string
	bootstrap string
	show404   bool
}

// NewAssetPolicy creates a policy serving root. bootstrap is injected into every HTML
// document served as index.
func NewAssetPolicy(root, bootstrap string, show404 bool) *AssetPolicy {
	return &AssetPolicy{root: root, bootstrap: bootstrap, show404: show404}
}

// Asset is a resolved response body.
type Asset struct {
	Status      int
	ContentType string
	Body        []byte
}

// Resolve maps a request path to an asset. The root serves index.html; other paths
// serve the file they name, falling back to index.html (or the 404 page with show_404).
func (p *AssetPolicy) Resolve(requestPath string) Asset {
	if rel, ok := p.localPath(requestPath); ok {
		name := rel
		if name == "" {
			name = indexFile
		}
		if data, err := p.read(name); err == nil {
			if name == indexFile {
				return p.index(data)
			}
			return Asset{Status: http.StatusOK, ContentType: contentType(name, data), Body: data}
		}
	}

	if !p.show404 {
		if data, err := p.read(indexFile); err == nil {
			return p.index(data)
		}
	}
	return Asset{Status: http.StatusNotFound, ContentType: "text/html; charset=utf-8", Body: []byte(NotFoundPage)}
}

// localPath cleans a request path into a slash-separated path inside the root.
// "" means the root itself.
func (p *AssetPolicy) localPath(requestPath string) (string, bool) {
	cleaned := strings.TrimPrefix(path.Clean("/"+requestPath), "/")
	if cleaned == "" {
		return "", true
	}
	if !filepath.IsLocal(filepath.FromSlash(cleaned)) {
		return "", false
	}
	return cleaned, true
}

func (p *AssetPolicy) read(rel string) ([]byte, error) {
	full := filepath.Join(p.root, filepath.FromSlash(rel))
	info, err := os.Stat(full)
	if err != nil {
		return nil, err
	}
	if info.IsDir() {
		return nil, os.ErrNotExist
	}
	return os.ReadFile(full)
}

func (p *AssetPolicy) index(data []byte) Asset {
	return Asset{
		Status:      http.StatusOK,
		ContentType: "text/html; charset=utf-8",
		Body:        InjectScript(data, p.bootstrap),
	}
}

// InjectScript places script as the first element of the document head, so it runs
// before any script of the page.
func InjectScript(html []byte, script string) []byte {
	if script == "" {
		return html
	}
	tag := []byte("<script>" + script + "</script>")

	// ASCII folding keeps offsets in lower valid for html
	lower := make([]byte, len(html))
	for i, c := range html {
		if 'A' <= c && c <= 'Z' {
			c += 'a' - 'A'
		}
		lower[i] = c
	}
	for _, name := range []string{"head", "html"} {
		if at := afterOpenTag(lower, name); at >= 0 {
			return concat(html[:at], tag, html[at:])
		}
	}
	return concat(tag, html)
}

// afterOpenTag returns the offset just past the first <name ...> tag in lower, or -1.
// "<header" does not match "head".
func afterOpenTag(lower []byte, name string) int {
	open := []byte("<" + name)
	for from := 0; ; {
		i := bytes.Index(lower[from:], open)
		if i < 0 {
			return -1
		}
		i += from + len(open)
		if i < len(lower) {
			switch lower[i] {
			case '>', ' ', '\t', '\n', '\r', '\f', '/':
				if end := bytes.IndexByte(lower[i:], '>'); end >= 0 {
					return i + end + 1
				}
				return -1
			}
		}
		from = i
	}
}

func concat(parts ...[]byte) []byte {
	var n int
	for _, p := range parts {
		n += len(p)
	}
	out := make([]byte, 0, n)
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

// contentType guesses by extension first, then by content.
func contentType(name string, data []byte) string {
	if ct := mime.TypeByExtension(path.Ext(name)); ct != "" {
		return ct
	}
	return mimetype.Detect(data).String()
}

// Handler serves assets for every GET and HEAD not matched by another route.
func (p *AssetPolicy) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.Method != http.MethodGet && c.Request.Method != http.MethodHead {
			c.Status(http.StatusMethodNotAllowed)
			return
		}
		asset := p.Resolve(c.Request.URL.Path)
		c.Header("Cache-Control", "no-store")
		c.Data(asset.Status, asset.ContentType, asset.Body)
	}
}
