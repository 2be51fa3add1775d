// Package domain contains core entities and interfaces of the launcher.
// This is the innermost layer - no dependencies outside the standard library.
package domain

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"
)

// DefaultAppID is the installed app id used when none is given.
const DefaultAppID = "test-app"

// AgentID identifies one agent within a run (0..N-1).
type AgentID int

// Label returns the window label bound to this agent.
func (id AgentID) Label() string {
	return fmt.Sprintf("Agent-%d", int(id))
}

// ChildRole identifies the kind of child process.
type ChildRole string

const (
	RoleKeystore  ChildRole = "keystore"
	RoleConductor ChildRole = "conductor"
)

// ChildRecord is a weak handle to a spawned child: enough to signal it, nothing more.
type ChildRecord struct {
	AgentID   AgentID
	Role      ChildRole
	PID       int
	StartedAt time.Time
}

// AgentPubKey is a 39-byte agent hash: 3-byte prefix, 32-byte ed25519 key, 4-byte location.
type AgentPubKey []byte

// AgentPubKeyLen is the length of a serialized agent key.
const AgentPubKeyLen = 39

// Raw32 returns the ed25519 public key bytes.
func (k AgentPubKey) Raw32() ([32]byte, error) {
	var raw [32]byte
	if len(k) != AgentPubKeyLen {
		return raw, fmt.Errorf("agent key has %d bytes, want %d", len(k), AgentPubKeyLen)
	}
	copy(raw[:], k[3:35])
	return raw, nil
}

// Equal reports whether two keys are byte-identical.
func (k AgentPubKey) Equal(other AgentPubKey) bool {
	return bytes.Equal(k, other)
}

// String returns a short base64 form for logs.
func (k AgentPubKey) String() string {
	return "u" + base64.RawURLEncoding.EncodeToString(k)
}

// AgentEndpoint is everything the window phase needs about one running agent.
type AgentEndpoint struct {
	AgentID     AgentID
	Dir         string
	AdminPort   uint16
	AppPort     uint16
	KeystoreURL string
	PubKey      AgentPubKey
}

// Label returns the window label of this endpoint.
func (e AgentEndpoint) Label() string {
	return e.AgentID.Label()
}

// LauncherEnv is injected into every window before any page script runs.
type LauncherEnv struct {
	AppInterfacePort   uint16 `json:"APP_INTERFACE_PORT"`
	AdminInterfacePort uint16 `json:"ADMIN_INTERFACE_PORT"`
	InstalledAppID     string `json:"INSTALLED_APP_ID"`
}

// AppInterface describes an app interface attached to a conductor.
type AppInterface struct {
	Port uint16
}

// InstallAppRequest is the input of install_app_bundle.
type InstallAppRequest struct {
	InstalledAppID string
	AgentKey       AgentPubKey
	BundlePath     string
	NetworkSeed    string
}

// Bytes is a byte slice that decodes from JSON either as base64 or as an array of numbers
// (what a browser produces for a Uint8Array).
type Bytes []byte

// UnmarshalJSON accepts `null`, a base64 string or a number array.
func (b *Bytes) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*b = nil
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		decoded, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return fmt.Errorf("invalid base64 bytes: %w", err)
		}
		*b = decoded
		return nil
	}
	var nums []int
	if err := json.Unmarshal(data, &nums); err != nil {
		return fmt.Errorf("bytes must be base64 or a number array: %w", err)
	}
	out := make([]byte, len(nums))
	for i, n := range nums {
		if n < 0 || n > 255 {
			return fmt.Errorf("byte %d out of range: %d", i, n)
		}
		out[i] = byte(n)
	}
	*b = out
	return nil
}

// MarshalJSON encodes as a number array so page scripts can build a Uint8Array from it.
func (b Bytes) MarshalJSON() ([]byte, error) {
	if b == nil {
		return []byte("null"), nil
	}
	nums := make([]int, len(b))
	for i, v := range b {
		nums[i] = int(v)
	}
	return json.Marshal(nums)
}

// CellID is (dna hash, agent key).
type CellID [2]Bytes

// ZomeCallUnsigned is a zome call as the UI builds it, before signing.
type ZomeCallUnsigned struct {
	Provenance Bytes  `json:"provenance"`
	CellID     CellID `json:"cell_id"`
	ZomeName   string `json:"zome_name"`
	FnName     string `json:"fn_name"`
	CapSecret  Bytes  `json:"cap_secret"`
	Payload    Bytes  `json:"payload"`
	Nonce      Bytes  `json:"nonce"`
	ExpiresAt  int64  `json:"expires_at"`
}

// ZomeCall is a signed zome call.
type ZomeCall struct {
	ZomeCallUnsigned
	Signature Bytes `json:"signature"`
}

// NonceLen and SignatureLen are fixed by the wire format.
const (
	NonceLen     = 32
	SignatureLen = 64
)

// Validate checks the fixed-size fields.
func (c ZomeCallUnsigned) Validate() error {
	if len(c.Provenance) != AgentPubKeyLen {
		return fmt.Errorf("provenance has %d bytes, want %d", len(c.Provenance), AgentPubKeyLen)
	}
	if len(c.Nonce) != NonceLen {
		return fmt.Errorf("nonce has %d bytes, want %d", len(c.Nonce), NonceLen)
	}
	if c.ZomeName == "" || c.FnName == "" {
		return fmt.Errorf("zome_name and fn_name are required")
	}
	return nil
}
