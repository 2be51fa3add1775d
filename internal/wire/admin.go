package wire

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/hc_launch/internal/domain"
)

// Wire message types on the admin websocket.
const (
	MessageRequest  = "request"
	MessageResponse = "response"
	MessageSignal   = "signal"
)

// Admin request and response names.
const (
	RequestListAppInterfaces   = "list_app_interfaces"
	RequestAttachAppInterface  = "attach_app_interface"
	RequestGenerateAgentPubKey = "generate_agent_pub_key"
	RequestInstallAppBundle    = "install_app_bundle"
	RequestEnableApp           = "enable_app"

	ResponseAppInterfacesListed  = "app_interfaces_listed"
	ResponseAppInterfaceAttached = "app_interface_attached"
	ResponseAgentPubKeyGenerated = "agent_pub_key_generated"
	ResponseAppBundleInstalled   = "app_bundle_installed"
	ResponseAppEnabled           = "app_enabled"
	ResponseError                = "error"
)

// WireMessage is the envelope of every admin websocket frame.
type WireMessage struct {
	ID   uint64 `codec:"id"`
	Type string `codec:"type"`
	Data []byte `codec:"data"`
}

// AdminRequest is the msgpack body of a request envelope.
type AdminRequest struct {
	Type string      `codec:"type"`
	Data interface{} `codec:"data"`
}

// AdminResponse is the msgpack body of a response envelope.
type AdminResponse struct {
	Type string      `codec:"type"`
	Data interface{} `codec:"data"`
}

// AttachAppInterfacePayload is the data of attach_app_interface and app_interface_attached.
type AttachAppInterfacePayload struct {
	Port uint16 `codec:"port"`
}

// InstallAppBundlePayload is the data of install_app_bundle.
type InstallAppBundlePayload struct {
	AgentKey       []byte            `codec:"agent_key"`
	InstalledAppID string            `codec:"installed_app_id"`
	MembraneProofs map[string][]byte `codec:"membrane_proofs"`
	NetworkSeed    *string           `codec:"network_seed"`
	Path           string            `codec:"path"`
}

// EnableAppPayload is the data of enable_app.
type EnableAppPayload struct {
	InstalledAppID string `codec:"installed_app_id"`
}

// ExternalError is the data of an error response.
type ExternalError struct {
	Type string      `codec:"type"`
	Data interface{} `codec:"data"`
}

func (e ExternalError) Error() string {
	if e.Data == nil {
		return e.Type
	}
	return fmt.Sprintf("%s: %v", e.Type, e.Data)
}

var errAdminClosed = errors.New("admin connection closed")

// AdminDialerConfig holds configuration for dialing conductor admin interfaces.
type AdminDialerConfig struct {
	// HandshakeTimeout bounds one websocket handshake.
	HandshakeTimeout time.Duration

	// RequestTimeout applies to requests whose context has no deadline.
	RequestTimeout time.Duration

	// DialAttempts is how often a refused connection is retried.
	DialAttempts int

	// DialBackoff is the pause between attempts.
	DialBackoff time.Duration
}

// DefaultAdminDialerConfig returns the default configuration.
func DefaultAdminDialerConfig() AdminDialerConfig {
	return AdminDialerConfig{
		HandshakeTimeout: 10 * time.Second,
		RequestTimeout:   60 * time.Second,
		DialAttempts:     20,
		DialBackoff:      250 * time.Millisecond,
	}
}

// WebsocketDialer implements domain.AdminDialer over gorilla/websocket.
type WebsocketDialer struct {
	config AdminDialerConfig
	logger *zap.Logger
}

// NewWebsocketDialer creates a dialer.
func NewWebsocketDialer(config AdminDialerConfig, logger *zap.Logger) *WebsocketDialer {
	return &WebsocketDialer{config: config, logger: logger}
}

// DialAdmin connects to ws://127.0.0.1:<port>, retrying while the port refuses connections.
func (d *WebsocketDialer) DialAdmin(ctx context.Context, port uint16) (domain.AdminClient, error) {
	return d.DialURL(ctx, fmt.Sprintf("ws://127.0.0.1:%d", port))
}

// DialURL connects to an admin websocket at an explicit URL.
func (d *WebsocketDialer) DialURL(ctx context.Context, url string) (*AdminConn, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: d.config.HandshakeTimeout,
	}

	attempts := d.config.DialAttempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		conn, _, err := dialer.DialContext(ctx, url, nil)
		if err == nil {
			return newAdminConn(conn, d.config.RequestTimeout, d.logger), nil
		}
		lastErr = err
		if !errors.Is(err, syscall.ECONNREFUSED) {
			break
		}
		d.logger.Debug("admin interface not accepting yet",
			zap.String("url", url),
			zap.Int("attempt", attempt))
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(d.config.DialBackoff):
		}
	}
	return nil, fmt.Errorf("failed to connect to admin interface %s: %w", url, lastErr)
}

type adminReply struct {
	data []byte
	err  error
}

// AdminConn implements domain.AdminClient on one websocket connection.
// Requests may be issued concurrently; responses are matched by envelope id.
type AdminConn struct {
	conn           *websocket.Conn
	logger         *zap.Logger
	requestTimeout time.Duration

	writeMu sync.Mutex

	mu      sync.Mutex
	nextID  uint64
	pending map[uint64]chan adminReply
	readErr error

	done      chan struct{}
	closeOnce sync.Once
}

func newAdminConn(conn *websocket.Conn, requestTimeout time.Duration, logger *zap.Logger) *AdminConn {
	c := &AdminConn{
		conn:           conn,
		logger:         logger,
		requestTimeout: requestTimeout,
		pending:        make(map[uint64]chan adminReply),
		done:           make(chan struct{}),
	}
	go c.readLoop()
	return c
}

func (c *AdminConn) readLoop() {
	var err error
	for {
		var kind int
		var frame []byte
		kind, frame, err = c.conn.ReadMessage()
		if err != nil {
			break
		}
		if kind != websocket.BinaryMessage {
			continue
		}
		var msg WireMessage
		if decodeErr := Unmarshal(frame, &msg); decodeErr != nil {
			c.logger.Warn("dropping undecodable admin frame", zap.Error(decodeErr))
			continue
		}
		if msg.Type != MessageResponse {
			continue
		}
		c.mu.Lock()
		ch, ok := c.pending[msg.ID]
		delete(c.pending, msg.ID)
		c.mu.Unlock()
		if ok {
			ch <- adminReply{data: msg.Data}
		}
	}

	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		err = errAdminClosed
	}
	c.mu.Lock()
	c.readErr = err
	for id, ch := range c.pending {
		ch <- adminReply{err: err}
		delete(c.pending, id)
	}
	c.mu.Unlock()
	c.closeOnce.Do(func() { close(c.done) })
}

func (c *AdminConn) request(ctx context.Context, reqType string, payload interface{}, want string, out interface{}) error {
	if _, ok := ctx.Deadline(); !ok && c.requestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.requestTimeout)
		defer cancel()
	}

	body, err := Marshal(AdminRequest{Type: reqType, Data: payload})
	if err != nil {
		return fmt.Errorf("encode %s: %w", reqType, err)
	}

	ch := make(chan adminReply, 1)
	c.mu.Lock()
	if c.readErr != nil {
		err := c.readErr
		c.mu.Unlock()
		return err
	}
	c.nextID++
	id := c.nextID
	c.pending[id] = ch
	c.mu.Unlock()

	frame, err := Marshal(WireMessage{ID: id, Type: MessageRequest, Data: body})
	if err != nil {
		c.forget(id)
		return fmt.Errorf("encode envelope: %w", err)
	}

	c.writeMu.Lock()
	err = c.conn.WriteMessage(websocket.BinaryMessage, frame)
	c.writeMu.Unlock()
	if err != nil {
		c.forget(id)
		return fmt.Errorf("send %s: %w", reqType, err)
	}

	var reply adminReply
	select {
	case <-ctx.Done():
		c.forget(id)
		return fmt.Errorf("%s: %w", reqType, ctx.Err())
	case reply = <-ch:
	}
	if reply.err != nil {
		return fmt.Errorf("%s: %w", reqType, reply.err)
	}

	var resp AdminResponse
	if err := Unmarshal(reply.data, &resp); err != nil {
		return fmt.Errorf("decode %s response: %w", reqType, err)
	}
	if resp.Type == ResponseError {
		var apiErr ExternalError
		if err := convert(resp.Data, &apiErr); err != nil {
			return fmt.Errorf("%s failed: %v", reqType, resp.Data)
		}
		return fmt.Errorf("%s failed: %w", reqType, apiErr)
	}
	if resp.Type != want {
		return fmt.Errorf("%s: unexpected response %q", reqType, resp.Type)
	}
	if out == nil {
		return nil
	}
	if err := convert(resp.Data, out); err != nil {
		return fmt.Errorf("decode %s data: %w", want, err)
	}
	return nil
}

func (c *AdminConn) forget(id uint64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// convert re-encodes a generically decoded value into a typed one.
func convert(in interface{}, out interface{}) error {
	raw, err := Marshal(in)
	if err != nil {
		return err
	}
	return Unmarshal(raw, out)
}

// ListAppInterfaces returns the app interfaces already attached.
func (c *AdminConn) ListAppInterfaces(ctx context.Context) ([]domain.AppInterface, error) {
	var ports []uint16
	if err := c.request(ctx, RequestListAppInterfaces, nil, ResponseAppInterfacesListed, &ports); err != nil {
		return nil, err
	}
	out := make([]domain.AppInterface, 0, len(ports))
	for _, p := range ports {
		out = append(out, domain.AppInterface{Port: p})
	}
	return out, nil
}

// AttachAppInterface attaches an app interface on port and returns the bound port.
func (c *AdminConn) AttachAppInterface(ctx context.Context, port uint16) (uint16, error) {
	var attached AttachAppInterfacePayload
	if err := c.request(ctx, RequestAttachAppInterface, AttachAppInterfacePayload{Port: port}, ResponseAppInterfaceAttached, &attached); err != nil {
		return 0, err
	}
	return attached.Port, nil
}

// GenerateAgentPubKey asks the conductor's keystore for a new agent key.
func (c *AdminConn) GenerateAgentPubKey(ctx context.Context) (domain.AgentPubKey, error) {
	var key []byte
	if err := c.request(ctx, RequestGenerateAgentPubKey, nil, ResponseAgentPubKeyGenerated, &key); err != nil {
		return nil, err
	}
	if len(key) != domain.AgentPubKeyLen {
		return nil, fmt.Errorf("agent key has %d bytes, want %d", len(key), domain.AgentPubKeyLen)
	}
	return domain.AgentPubKey(key), nil
}

// InstallAppBundle installs the runtime bundle at req.BundlePath for req.AgentKey.
func (c *AdminConn) InstallAppBundle(ctx context.Context, req domain.InstallAppRequest) error {
	payload := InstallAppBundlePayload{
		AgentKey:       req.AgentKey,
		InstalledAppID: req.InstalledAppID,
		MembraneProofs: map[string][]byte{},
		Path:           req.BundlePath,
	}
	if req.NetworkSeed != "" {
		seed := req.NetworkSeed
		payload.NetworkSeed = &seed
	}
	return c.request(ctx, RequestInstallAppBundle, payload, ResponseAppBundleInstalled, nil)
}

// EnableApp enables an installed app.
func (c *AdminConn) EnableApp(ctx context.Context, installedAppID string) error {
	return c.request(ctx, RequestEnableApp, EnableAppPayload{InstalledAppID: installedAppID}, ResponseAppEnabled, nil)
}

// Done is closed once the connection has stopped reading.
func (c *AdminConn) Done() <-chan struct{} {
	return c.done
}

// Close sends a close frame and tears the connection down.
func (c *AdminConn) Close() error {
	c.writeMu.Lock()
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.writeMu.Unlock()
	err := c.conn.Close()
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

// Ensure implementations satisfy interfaces
var _ domain.AdminDialer = (*WebsocketDialer)(nil)
var _ domain.AdminClient = (*AdminConn)(nil)
