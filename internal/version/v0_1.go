package version

import (
	"gopkg.in/yaml.v3"

	"github.com/eliteGoblin/focusd/hc_launch/internal/domain"
)

// V01 serves conductors 0.1.x: QUIC transport behind a remote proxy.
type V01 struct{}

// NewV01 creates the 0.1 adapter.
func NewV01() domain.ConductorVersion {
	return &V01{}
}

func (v *V01) Tag() string        { return "0.1" }
func (v *V01) HDKVersion() string { return "0.1.3" }

func (v *V01) InitialConfig(p domain.ConductorConfigParams) ([]byte, error) {
	cfg := conductorConfig{
		EnvironmentPath: p.EnvironmentPath,
		Keystore:        lairServer(p.KeystoreURL),
		AdminInterfaces: websocketAdmin(p.AdminPort),
		Network: networkConfig{
			NetworkType:      "quic_bootstrap",
			BootstrapService: orDefault(p.BootstrapURL, DefaultBootstrapURL),
			TransportPool: []interface{}{
				map[string]interface{}{
					"type":          "proxy",
					"sub_transport": map[string]interface{}{"type": "quic"},
					"proxy_config": map[string]interface{}{
						"type":      "remote_proxy_client",
						"proxy_url": orDefault(p.ProxyURL, DefaultProxyURL),
					},
				},
			},
		},
		DBSyncStrategy: "Fast",
	}
	return yaml.Marshal(cfg)
}

func (v *V01) OverwriteConfig(existing []byte, adminPort uint16, keystoreURL string) ([]byte, error) {
	return overwriteConfig(existing, adminPort, keystoreURL)
}

// Ensure V01 implements domain.ConductorVersion.
var _ domain.ConductorVersion = (*V01)(nil)
