package wire

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/hc_launch/internal/domain"
)

// Keystore frame types.
const (
	KeystoreUnlockReq = "unlock_passphrase_req"
	KeystoreUnlockRes = "unlock_passphrase_res"
	KeystoreSignReq   = "sign_by_pub_key_req"
	KeystoreSignRes   = "sign_by_pub_key_res"
	KeystoreErrorRes  = "error_res"
)

// MaxKeystoreFrame bounds a single keystore frame.
const MaxKeystoreFrame = 16 << 20

// KeystoreFrame is one request or response on the keystore socket.
// Frames are msgpack maps prefixed by their length as a 4-byte big-endian integer.
type KeystoreFrame struct {
	Type       string `codec:"type"`
	MsgID      string `codec:"msg_id"`
	Passphrase []byte `codec:"passphrase,omitempty"`
	PubKey     []byte `codec:"pub_key,omitempty"`
	Tag        []byte `codec:"tag,omitempty"`
	Data       []byte `codec:"data,omitempty"`
	Signature  []byte `codec:"signature,omitempty"`
	Error      string `codec:"error,omitempty"`
}

// WriteKeystoreFrame writes one length-prefixed frame.
func WriteKeystoreFrame(w io.Writer, frame KeystoreFrame) error {
	body, err := Marshal(frame)
	if err != nil {
		return err
	}
	if len(body) > MaxKeystoreFrame {
		return fmt.Errorf("keystore frame too large: %d bytes", len(body))
	}
	buf := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(buf, uint32(len(body)))
	copy(buf[4:], body)
	_, err = w.Write(buf)
	return err
}

// ReadKeystoreFrame reads one length-prefixed frame.
func ReadKeystoreFrame(r io.Reader) (KeystoreFrame, error) {
	var frame KeystoreFrame
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return frame, err
	}
	size := binary.BigEndian.Uint32(header[:])
	if size > MaxKeystoreFrame {
		return frame, fmt.Errorf("keystore frame too large: %d bytes", size)
	}
	body := make([]byte, size)
	if _, err := io.ReadFull(r, body); err != nil {
		return frame, err
	}
	err := Unmarshal(body, &frame)
	return frame, err
}

// ErrKeystoreRejected is returned when the keystore answers a request with an error.
var ErrKeystoreRejected = errors.New("keystore rejected request")

// SocketPath extracts the socket path from a unix:// connection URL.
func SocketPath(connectionURL string) (string, error) {
	u, err := url.Parse(connectionURL)
	if err != nil {
		return "", fmt.Errorf("invalid keystore url %q: %w", connectionURL, err)
	}
	if u.Scheme != "unix" {
		return "", fmt.Errorf("unsupported keystore url scheme %q", u.Scheme)
	}
	if u.Path == "" {
		return "", fmt.Errorf("keystore url %q has no socket path", connectionURL)
	}
	return u.Path, nil
}

// UnixKeystoreConnector implements domain.KeystoreConnector over the keystore's unix socket.
type UnixKeystoreConnector struct {
	dialTimeout time.Duration
	logger      *zap.Logger
}

// NewUnixKeystoreConnector creates a connector.
func NewUnixKeystoreConnector(dialTimeout time.Duration, logger *zap.Logger) *UnixKeystoreConnector {
	return &UnixKeystoreConnector{dialTimeout: dialTimeout, logger: logger}
}

// ConnectKeystore dials the socket named by connectionURL and unlocks it with passphrase.
// The passphrase is not retained.
func (k *UnixKeystoreConnector) ConnectKeystore(ctx context.Context, connectionURL string, passphrase []byte) (domain.KeystoreClient, error) {
	path, err := SocketPath(connectionURL)
	if err != nil {
		return nil, err
	}

	dialer := net.Dialer{Timeout: k.dialTimeout}
	conn, err := dialer.DialContext(ctx, "unix", path)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to keystore: %w", err)
	}

	client := &UnixKeystoreClient{conn: conn, reader: bufio.NewReader(conn), logger: k.logger}
	if _, err := client.roundTrip(ctx, KeystoreFrame{Type: KeystoreUnlockReq, Passphrase: passphrase}, KeystoreUnlockRes); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to unlock keystore: %w", err)
	}
	k.logger.Debug("keystore client connected", zap.String("socket", path))
	return client, nil
}

// UnixKeystoreClient implements domain.KeystoreClient. One request is in flight at a time.
type UnixKeystoreClient struct {
	mu     sync.Mutex
	conn   net.Conn
	reader *bufio.Reader
	logger *zap.Logger
	closed bool
}

func (c *UnixKeystoreClient) roundTrip(ctx context.Context, req KeystoreFrame, want string) (KeystoreFrame, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return KeystoreFrame{}, net.ErrClosed
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = c.conn.SetDeadline(deadline)
		defer c.conn.SetDeadline(time.Time{})
	}

	req.MsgID = uuid.NewString()
	if err := WriteKeystoreFrame(c.conn, req); err != nil {
		return KeystoreFrame{}, fmt.Errorf("send %s: %w", req.Type, err)
	}
	res, err := ReadKeystoreFrame(c.reader)
	if err != nil {
		return KeystoreFrame{}, fmt.Errorf("read %s: %w", want, err)
	}
	if res.MsgID != req.MsgID {
		return KeystoreFrame{}, fmt.Errorf("keystore answered %q, expected %q", res.MsgID, req.MsgID)
	}
	if res.Type == KeystoreErrorRes {
		return KeystoreFrame{}, fmt.Errorf("%w: %s", ErrKeystoreRejected, res.Error)
	}
	if res.Type != want {
		return KeystoreFrame{}, fmt.Errorf("unexpected keystore response %q", res.Type)
	}
	return res, nil
}

// SignByPubKey signs data with the key whose public half is pubKey.
func (c *UnixKeystoreClient) SignByPubKey(ctx context.Context, pubKey [32]byte, tag []byte, data []byte) ([]byte, error) {
	res, err := c.roundTrip(ctx, KeystoreFrame{
		Type:   KeystoreSignReq,
		PubKey: pubKey[:],
		Tag:    tag,
		Data:   data,
	}, KeystoreSignRes)
	if err != nil {
		return nil, err
	}
	if len(res.Signature) != domain.SignatureLen {
		return nil, fmt.Errorf("signature has %d bytes, want %d", len(res.Signature), domain.SignatureLen)
	}
	return res.Signature, nil
}

// Close closes the connection. It is safe to call more than once.
func (c *UnixKeystoreClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return c.conn.Close()
}

// Ensure implementations satisfy interfaces
var _ domain.KeystoreConnector = (*UnixKeystoreConnector)(nil)
var _ domain.KeystoreClient = (*UnixKeystoreClient)(nil)
