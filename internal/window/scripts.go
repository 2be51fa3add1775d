// Package window opens one window per agent, serves the UI assets into it and bridges
// the UI to the signing broker.
package window

import (
	"bytes"
	"encoding/json"
	"fmt"
	"text/template"

	"github.com/eliteGoblin/focusd/hc_launch/internal/domain"
)

// Bridge endpoints served next to the UI assets.
const (
	LivePath    = "/__launcher/live"
	SignPath    = "/__launcher/sign"
	OpenURLPath = "/__launcher/open-url"

	// BridgeHeader is set by the bootstrap script on every bridge request.
	BridgeHeader = "X-Launcher-Bridge"
)

// Zoom bounds for Ctrl+scroll.
const (
	MinZoom  = 0.3
	MaxZoom  = 3.0
	ZoomStep = 0.1
)

// ReloadScript is evaluated in every window when the UI changes on disk.
const ReloadScript = "location.reload()"

// ScriptOptions tune the bootstrap script per platform.
type ScriptOptions struct {
	BlockDataDownloads bool
}

var bootstrapTemplate = template.Must(template.New("bootstrap").Parse(`(function () {
  var env = {{.Env}};
  window.__LAUNCHER_ENV__ = env;
  window.__HC_LAUNCHER_ENV__ = env;

  function post(path, body) {
    return fetch(path, {
      method: "POST",
      headers: { "Content-Type": "application/json", "{{.Header}}": "1" },
      body: JSON.stringify(body)
    }).then(function (res) {
      return res.json().then(function (data) {
        if (!res.ok) { throw new Error(data.error || res.statusText); }
        return data;
      });
    });
  }

  function toArray(v) {
    if (v === null || v === undefined) { return v; }
    return Array.from(v);
  }

  function toBytes(v) {
    if (v === null || v === undefined) { return v; }
    return Uint8Array.from(v);
  }

  window.__LAUNCHER__ = {
    signZomeCall: function (call) {
      return post("{{.SignPath}}", {
        provenance: toArray(call.provenance),
        cell_id: [toArray(call.cell_id[0]), toArray(call.cell_id[1])],
        zome_name: call.zome_name,
        fn_name: call.fn_name,
        cap_secret: toArray(call.cap_secret),
        payload: toArray(call.payload),
        nonce: toArray(call.nonce),
        expires_at: call.expires_at
      }).then(function (signed) {
        return {
          provenance: toBytes(signed.provenance),
          cell_id: [toBytes(signed.cell_id[0]), toBytes(signed.cell_id[1])],
          zome_name: signed.zome_name,
          fn_name: signed.fn_name,
          cap_secret: toBytes(signed.cap_secret),
          payload: toBytes(signed.payload),
          nonce: toBytes(signed.nonce),
          expires_at: signed.expires_at,
          signature: toBytes(signed.signature)
        };
      });
    },
    openUrl: function (url) {
      return post("{{.OpenURLPath}}", { url: url });
    }
  };

  document.addEventListener("click", function (e) {
    var a = e.target && e.target.closest ? e.target.closest("a[href]") : null;
    if (!a) { return; }
    var href = a.getAttribute("href") || "";
    {{if .BlockDataDownloads}}if (href.indexOf("data:") === 0 && a.hasAttribute("download")) {
      e.preventDefault();
      console.warn("Downloading data: URLs is not supported on this platform.");
      return;
    }
    {{end}}var url;
    try { url = new URL(href, location.href); } catch (_) { return; }
    if ((url.protocol === "http:" || url.protocol === "https:") && url.origin !== location.origin) {
      e.preventDefault();
      window.__LAUNCHER__.openUrl(url.href).catch(function (err) { console.error(err); });
    }
  }, true);

  var zoom = 1.0;
  window.addEventListener("wheel", function (e) {
    if (!e.ctrlKey) { return; }
    e.preventDefault();
    var next = zoom + (e.deltaY < 0 ? {{.ZoomStep}} : -{{.ZoomStep}});
    next = Math.round(next * 10) / 10;
    zoom = Math.min({{.MaxZoom}}, Math.max({{.MinZoom}}, next));
    document.documentElement.style.zoom = String(zoom);
  }, { passive: false });

  function connect() {
    var ws = new WebSocket((location.protocol === "https:" ? "wss://" : "ws://") + location.host + "{{.LivePath}}");
    ws.onmessage = function (msg) {
      var data;
      try { data = JSON.parse(msg.data); } catch (_) { return; }
      if (data.type === "eval") { (0, eval)(data.script); }
    };
  }
  connect();
})();
`))

// BootstrapScript renders the script every window evaluates before any page script.
func BootstrapScript(env domain.LauncherEnv, opts ScriptOptions) (string, error) {
	envJSON, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("encode launcher env: %w", err)
	}

	var buf bytes.Buffer
	err = bootstrapTemplate.Execute(&buf, map[string]interface{}{
		"Env":                string(envJSON),
		"Header":             BridgeHeader,
		"SignPath":           SignPath,
		"OpenURLPath":        OpenURLPath,
		"LivePath":           LivePath,
		"BlockDataDownloads": opts.BlockDataDownloads,
		"MinZoom":            MinZoom,
		"MaxZoom":            MaxZoom,
		"ZoomStep":           ZoomStep,
	})
	if err != nil {
		return "", err
	}
	return buf.String(), nil
}
