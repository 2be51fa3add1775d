// Package wiretest provides in-process conductor admin and keystore servers for tests
// and for the fake child binaries used by the integration suite.
package wiretest

import (
	"bufio"
	"bytes"
	"crypto/rand"
	"errors"
	"net"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"golang.org/x/crypto/blake2b"

	"github.com/eliteGoblin/focusd/hc_launch/internal/domain"
	"github.com/eliteGoblin/focusd/hc_launch/internal/wire"
)

// AdminHandlerFunc answers one admin request with a response type and its data.
type AdminHandlerFunc func(req wire.AdminRequest) (respType string, data interface{})

// AdminServer is an http.Handler speaking the conductor admin websocket protocol.
// By default it behaves like a fresh conductor: no app interfaces, random agent keys,
// and successful installs.
type AdminServer struct {
	upgrader websocket.Upgrader

	mu         sync.Mutex
	handlers   map[string]AdminHandlerFunc
	requests   []wire.AdminRequest
	interfaces []uint16
	conns      map[*websocket.Conn]struct{}
}

// NewAdminServer creates an admin server with default handlers.
func NewAdminServer() *AdminServer {
	s := &AdminServer{
		handlers: make(map[string]AdminHandlerFunc),
		conns:    make(map[*websocket.Conn]struct{}),
	}
	s.handlers[wire.RequestListAppInterfaces] = s.listAppInterfaces
	s.handlers[wire.RequestAttachAppInterface] = s.attachAppInterface
	s.handlers[wire.RequestGenerateAgentPubKey] = func(wire.AdminRequest) (string, interface{}) {
		return wire.ResponseAgentPubKeyGenerated, []byte(NewAgentPubKey())
	}
	s.handlers[wire.RequestInstallAppBundle] = func(wire.AdminRequest) (string, interface{}) {
		return wire.ResponseAppBundleInstalled, nil
	}
	s.handlers[wire.RequestEnableApp] = func(wire.AdminRequest) (string, interface{}) {
		return wire.ResponseAppEnabled, nil
	}
	return s
}

// Handle replaces the handler of one request type.
func (s *AdminServer) Handle(reqType string, fn AdminHandlerFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[reqType] = fn
}

// Requests returns every request received so far.
func (s *AdminServer) Requests() []wire.AdminRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]wire.AdminRequest, len(s.requests))
	copy(out, s.requests)
	return out
}

// DropConnections closes every open websocket without a close frame.
func (s *AdminServer) DropConnections() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.conns {
		c.Close()
	}
}

func (s *AdminServer) listAppInterfaces(wire.AdminRequest) (string, interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ports := make([]uint16, len(s.interfaces))
	copy(ports, s.interfaces)
	return wire.ResponseAppInterfacesListed, ports
}

func (s *AdminServer) attachAppInterface(req wire.AdminRequest) (string, interface{}) {
	var payload wire.AttachAppInterfacePayload
	if err := Convert(req.Data, &payload); err != nil {
		return wire.ResponseError, wire.ExternalError{Type: "deserialization", Data: err.Error()}
	}
	s.mu.Lock()
	s.interfaces = append(s.interfaces, payload.Port)
	s.mu.Unlock()
	return wire.ResponseAppInterfaceAttached, payload
}

// ServeHTTP upgrades the connection and answers requests until the peer goes away.
func (s *AdminServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	s.mu.Lock()
	s.conns[conn] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		conn.Close()
	}()

	for {
		kind, frame, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if kind != websocket.BinaryMessage {
			continue
		}
		var msg wire.WireMessage
		if err := wire.Unmarshal(frame, &msg); err != nil || msg.Type != wire.MessageRequest {
			continue
		}
		var req wire.AdminRequest
		if err := wire.Unmarshal(msg.Data, &req); err != nil {
			continue
		}

		s.mu.Lock()
		s.requests = append(s.requests, req)
		handler, ok := s.handlers[req.Type]
		s.mu.Unlock()

		respType, data := wire.ResponseError, interface{}(wire.ExternalError{Type: "unknown_request", Data: req.Type})
		if ok {
			respType, data = handler(req)
		}

		body, err := wire.Marshal(wire.AdminResponse{Type: respType, Data: data})
		if err != nil {
			return
		}
		out, err := wire.Marshal(wire.WireMessage{ID: msg.ID, Type: wire.MessageResponse, Data: body})
		if err != nil {
			return
		}
		if err := conn.WriteMessage(websocket.BinaryMessage, out); err != nil {
			return
		}
	}
}

// Convert re-encodes a generically decoded request payload into a typed value.
func Convert(in interface{}, out interface{}) error {
	raw, err := wire.Marshal(in)
	if err != nil {
		return err
	}
	return wire.Unmarshal(raw, out)
}

// NewAgentPubKey returns a random agent key with the agent hash prefix.
func NewAgentPubKey() domain.AgentPubKey {
	key := make([]byte, domain.AgentPubKeyLen)
	_, _ = rand.Read(key)
	copy(key, []byte{0x84, 0x20, 0x24})
	return key
}

// AgentPubKeyFor returns an agent key derived from seed, so a test can predict the key
// a fake conductor hands out.
func AgentPubKeyFor(seed uint16) domain.AgentPubKey {
	sum := blake2b.Sum256([]byte{byte(seed >> 8), byte(seed)})
	key := make([]byte, 0, domain.AgentPubKeyLen)
	key = append(key, 0x84, 0x20, 0x24)
	key = append(key, sum[:]...)
	return append(key, 0, 0, 0, 0)
}

// Signature is the deterministic signature the KeystoreServer produces:
// blake2b-512 over the public key followed by the data.
func Signature(pubKey [32]byte, data []byte) []byte {
	h, _ := blake2b.New512(nil)
	h.Write(pubKey[:])
	h.Write(data)
	return h.Sum(nil)
}

// KeystoreServer answers keystore frames on a listener. Signing requests are only
// honored on connections unlocked with the right passphrase.
type KeystoreServer struct {
	passphrase []byte

	mu       sync.Mutex
	signs    int
	listener net.Listener
	conns    map[net.Conn]struct{}
	wg       sync.WaitGroup
}

// NewKeystoreServer creates a keystore server expecting passphrase.
func NewKeystoreServer(passphrase []byte) *KeystoreServer {
	return &KeystoreServer{
		passphrase: bytes.Clone(passphrase),
		conns:      make(map[net.Conn]struct{}),
	}
}

// Serve accepts connections until the listener is closed.
func (s *KeystoreServer) Serve(l net.Listener) error {
	s.mu.Lock()
	s.listener = l
	s.mu.Unlock()
	for {
		conn, err := l.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		s.mu.Lock()
		s.conns[conn] = struct{}{}
		s.mu.Unlock()
		s.wg.Add(1)
		go s.serveConn(conn)
	}
}

// SignCount returns how many signatures were produced.
func (s *KeystoreServer) SignCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.signs
}

// Close stops the listener and every connection.
func (s *KeystoreServer) Close() {
	s.mu.Lock()
	if s.listener != nil {
		s.listener.Close()
	}
	for c := range s.conns {
		c.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *KeystoreServer) serveConn(conn net.Conn) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		conn.Close()
	}()

	r := bufio.NewReader(conn)
	unlocked := false
	for {
		req, err := wire.ReadKeystoreFrame(r)
		if err != nil {
			return
		}
		res := wire.KeystoreFrame{MsgID: req.MsgID}
		switch req.Type {
		case wire.KeystoreUnlockReq:
			if bytes.Equal(req.Passphrase, s.passphrase) {
				unlocked = true
				res.Type = wire.KeystoreUnlockRes
			} else {
				res.Type, res.Error = wire.KeystoreErrorRes, "bad passphrase"
			}
		case wire.KeystoreSignReq:
			var pub [32]byte
			switch {
			case !unlocked:
				res.Type, res.Error = wire.KeystoreErrorRes, "keystore locked"
			case len(req.PubKey) != len(pub):
				res.Type, res.Error = wire.KeystoreErrorRes, "invalid pub key"
			default:
				copy(pub[:], req.PubKey)
				res.Type, res.Signature = wire.KeystoreSignRes, Signature(pub, req.Data)
				s.mu.Lock()
				s.signs++
				s.mu.Unlock()
			}
		default:
			res.Type, res.Error = wire.KeystoreErrorRes, "unknown request "+req.Type
		}
		if err := wire.WriteKeystoreFrame(conn, res); err != nil {
			return
		}
	}
}
