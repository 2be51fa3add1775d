package version

import (
	"gopkg.in/yaml.v3"

	"github.com/eliteGoblin/focusd/hc_launch/internal/domain"
)

// V02 serves conductors 0.2 and later: WebRTC transport with a signal server.
type V02 struct{}

// NewV02 creates the 0.2 adapter.
func NewV02() domain.ConductorVersion {
	return &V02{}
}

func (v *V02) Tag() string        { return "0.2" }
func (v *V02) HDKVersion() string { return "0.2.2" }

func (v *V02) InitialConfig(p domain.ConductorConfigParams) ([]byte, error) {
	cfg := conductorConfig{
		EnvironmentPath: p.EnvironmentPath,
		Keystore:        lairServer(p.KeystoreURL),
		AdminInterfaces: websocketAdmin(p.AdminPort),
		Network: networkConfig{
			NetworkType:      "quic_bootstrap",
			BootstrapService: orDefault(p.BootstrapURL, DefaultBootstrapURL),
			TransportPool: []interface{}{
				map[string]interface{}{
					"type":       "webrtc",
					"signal_url": orDefault(p.SignalURL, DefaultSignalURL),
				},
			},
		},
	}
	return yaml.Marshal(cfg)
}

func (v *V02) OverwriteConfig(existing []byte, adminPort uint16, keystoreURL string) ([]byte, error) {
	return overwriteConfig(existing, adminPort, keystoreURL)
}

// Ensure V02 implements domain.ConductorVersion.
var _ domain.ConductorVersion = (*V02)(nil)
