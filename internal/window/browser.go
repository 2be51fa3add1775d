package window

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/hc_launch/internal/domain"
	"github.com/eliteGoblin/focusd/hc_launch/internal/infra"
)

var errWindowClosed = errors.New("window is closed")

// BrowserToolkitConfig holds browser toolkit configuration.
type BrowserToolkitConfig struct {
	// Headless prints window URLs instead of opening a browser.
	Headless bool
	// CloseGrace is how long a window survives with no page connected
	// (a reload briefly disconnects it).
	CloseGrace time.Duration
	Platform   infra.Platform
	// Out receives window URLs in headless mode.
	Out io.Writer
}

// DefaultBrowserToolkitConfig returns default browser toolkit configuration.
func DefaultBrowserToolkitConfig() BrowserToolkitConfig {
	return BrowserToolkitConfig{
		CloseGrace: 3 * time.Second,
		Platform:   infra.DetectPlatform(),
	}
}

// BrowserToolkit implements domain.WindowToolkit. Each window is a loopback HTTP
// server opened in the system browser.
type BrowserToolkit struct {
	config   BrowserToolkitConfig
	opener   domain.URLOpener
	commands domain.WindowCommands
	logger   *zap.Logger
}

// NewBrowserToolkit creates a toolkit that routes window commands to commands.
func NewBrowserToolkit(config BrowserToolkitConfig, opener domain.URLOpener, commands domain.WindowCommands, logger *zap.Logger) *BrowserToolkit {
	gin.SetMode(gin.ReleaseMode)
	return &BrowserToolkit{
		config:   config,
		opener:   opener,
		commands: commands,
		logger:   logger,
	}
}

// Verify fails when no display is available and windows are not headless.
func (t *BrowserToolkit) Verify() error {
	if t.config.Headless {
		return nil
	}
	if missing := t.config.Platform.MissingWindowEnv(nil); len(missing) > 0 {
		return domain.NewError(domain.KindUsage, "verify window environment",
			fmt.Errorf("none of %v is set; run inside a desktop session or pass --headless", missing))
	}
	return nil
}

// CreateWindow starts the window's server and shows it.
func (t *BrowserToolkit) CreateWindow(ctx context.Context, spec domain.WindowSpec) (domain.Window, error) {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", "127.0.0.1:0")
	if err != nil {
		return nil, fmt.Errorf("failed to listen for window %s: %w", spec.Label, err)
	}

	w := &browserWindow{
		label:      spec.Label,
		url:        fmt.Sprintf("http://%s/", ln.Addr().String()),
		commands:   t.commands,
		closeGrace: t.config.CloseGrace,
		conns:      make(map[*liveConn]bool),
		closed:     make(chan struct{}),
		logger:     t.logger.With(zap.String("window", spec.Label)),
	}
	w.upgrader = websocket.Upgrader{CheckOrigin: sameOrigin}

	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.GET(LivePath, w.handleLive)
	bridge := engine.Group("/__launcher", requireBridge)
	{
		bridge.POST("/sign", w.handleSign)
		bridge.POST("/open-url", w.handleOpenURL)
	}
	engine.NoRoute(NewAssetPolicy(spec.AssetRoot, spec.BootstrapScript, spec.Show404).Handler())

	w.server = &http.Server{
		Handler:           engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := w.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			w.logger.Error("window server stopped", zap.Error(err))
			w.markClosed()
		}
	}()

	if t.config.Headless {
		if t.config.Out != nil {
			fmt.Fprintf(t.config.Out, "%s: %s\n", spec.Label, w.url)
		}
	} else if err := t.opener.Open(w.url); err != nil {
		w.Close()
		return nil, fmt.Errorf("failed to open window %s: %w", spec.Label, err)
	}

	w.logger.Info("window opened", zap.String("url", w.url), zap.String("title", spec.Title))
	return w, nil
}

// sameOrigin accepts requests without an Origin and those from the window itself.
func sameOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	return origin == "" || origin == "http://"+r.Host
}

// requireBridge rejects bridge calls that did not come from the bootstrap script.
// The custom header forces a CORS preflight, which this server never answers.
func requireBridge(c *gin.Context) {
	if c.GetHeader(BridgeHeader) == "" || !sameOrigin(c.Request) {
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
			"kind":  string(domain.KindUnauthorizedCaller),
			"error": "request did not come from the launcher bridge",
		})
		return
	}
	c.Next()
}

type liveConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (l *liveConn) send(v interface{}) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	_ = l.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return l.conn.WriteJSON(v)
}

type liveMessage struct {
	Type   string `json:"type"`
	Script string `json:"script,omitempty"`
}

// browserWindow implements domain.Window.
type browserWindow struct {
	label      string
	url        string
	commands   domain.WindowCommands
	closeGrace time.Duration
	upgrader   websocket.Upgrader
	server     *http.Server
	logger     *zap.Logger

	mu        sync.Mutex
	conns     map[*liveConn]bool
	seen      bool
	idleTimer *time.Timer

	closeOnce sync.Once
	closed    chan struct{}
}

func (w *browserWindow) Label() string {
	return w.label
}

func (w *browserWindow) URL() string {
	return w.url
}

func (w *browserWindow) Closed() <-chan struct{} {
	return w.closed
}

// Eval sends script to every page connected to the window.
func (w *browserWindow) Eval(script string) error {
	select {
	case <-w.closed:
		return errWindowClosed
	default:
	}

	w.mu.Lock()
	conns := make([]*liveConn, 0, len(w.conns))
	for c := range w.conns {
		conns = append(conns, c)
	}
	w.mu.Unlock()

	var firstErr error
	for _, c := range conns {
		if err := c.send(liveMessage{Type: "eval", Script: script}); err != nil {
			c.conn.Close()
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// Close stops the server and disconnects every page. Safe to call more than once.
func (w *browserWindow) Close() error {
	w.markClosed()

	w.mu.Lock()
	for c := range w.conns {
		c.conn.Close()
	}
	if w.idleTimer != nil {
		w.idleTimer.Stop()
	}
	w.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := w.server.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (w *browserWindow) markClosed() {
	w.closeOnce.Do(func() {
		close(w.closed)
	})
}

func (w *browserWindow) handleLive(c *gin.Context) {
	conn, err := w.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	lc := &liveConn{conn: conn}

	w.mu.Lock()
	w.conns[lc] = true
	w.seen = true
	if w.idleTimer != nil {
		w.idleTimer.Stop()
		w.idleTimer = nil
	}
	w.mu.Unlock()

	defer func() {
		conn.Close()
		w.mu.Lock()
		delete(w.conns, lc)
		if len(w.conns) == 0 && w.seen {
			w.idleTimer = time.AfterFunc(w.closeGrace, w.idle)
		}
		w.mu.Unlock()
	}()

	// The page never sends anything; reading only detects the disconnect
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

// idle closes the window once the grace period passed with no page connected.
func (w *browserWindow) idle() {
	w.mu.Lock()
	stillIdle := len(w.conns) == 0
	w.mu.Unlock()
	if stillIdle {
		w.logger.Info("window closed by user")
		w.markClosed()
	}
}

func (w *browserWindow) handleSign(c *gin.Context) {
	var call domain.ZomeCallUnsigned
	if err := c.ShouldBindJSON(&call); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"kind": string(domain.KindUsage), "error": err.Error()})
		return
	}

	signed, err := w.commands.SignZomeCall(c.Request.Context(), w.label, call)
	if err != nil {
		w.logger.Warn("sign request failed", zap.Error(err))
		c.JSON(statusFor(err), gin.H{"kind": string(domain.KindOf(err)), "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, signed)
}

type openURLRequest struct {
	URL string `json:"url" binding:"required"`
}

func (w *browserWindow) handleOpenURL(c *gin.Context) {
	var req openURLRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"kind": string(domain.KindUsage), "error": err.Error()})
		return
	}

	if err := w.commands.OpenURL(c.Request.Context(), w.label, req.URL); err != nil {
		w.logger.Warn("open url refused", zap.String("url", req.URL), zap.Error(err))
		c.JSON(statusFor(err), gin.H{"kind": string(domain.KindOf(err)), "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// statusFor maps a command error to an HTTP status.
func statusFor(err error) int {
	switch domain.KindOf(err) {
	case domain.KindNoAuthority:
		return http.StatusNotFound
	case domain.KindUnauthorizedCaller:
		return http.StatusForbidden
	case domain.KindUsage:
		return http.StatusBadRequest
	default:
		return http.StatusBadGateway
	}
}

// Ensure implementations satisfy interfaces
var _ domain.WindowToolkit = (*BrowserToolkit)(nil)
var _ domain.Window = (*browserWindow)(nil)
