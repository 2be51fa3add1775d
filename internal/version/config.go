package version

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// conductorConfig is the subset of the conductor config the launcher writes.
type conductorConfig struct {
	EnvironmentPath string           `yaml:"environment_path"`
	Keystore        keystoreConfig   `yaml:"keystore"`
	AdminInterfaces []adminInterface `yaml:"admin_interfaces"`
	Network         networkConfig    `yaml:"network"`
	DBSyncStrategy  string           `yaml:"db_sync_strategy,omitempty"`
}

type keystoreConfig struct {
	Type          string `yaml:"type"`
	ConnectionURL string `yaml:"connection_url"`
}

type adminInterface struct {
	Driver interfaceDriver `yaml:"driver"`
}

type interfaceDriver struct {
	Type string `yaml:"type"`
	Port uint16 `yaml:"port"`
}

type networkConfig struct {
	NetworkType      string        `yaml:"network_type"`
	BootstrapService string        `yaml:"bootstrap_service"`
	TransportPool    []interface{} `yaml:"transport_pool"`
}

func lairServer(url string) keystoreConfig {
	return keystoreConfig{Type: "lair_server", ConnectionURL: url}
}

func websocketAdmin(port uint16) []adminInterface {
	return []adminInterface{{Driver: interfaceDriver{Type: "websocket", Port: port}}}
}

// overwriteConfig replaces admin_interfaces and keystore in an existing config and
// keeps every other node, including key order and comments.
func overwriteConfig(existing []byte, adminPort uint16, keystoreURL string) ([]byte, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(existing, &doc); err != nil {
		return nil, fmt.Errorf("parse conductor config: %w", err)
	}
	if doc.Kind != yaml.DocumentNode || len(doc.Content) != 1 || doc.Content[0].Kind != yaml.MappingNode {
		return nil, fmt.Errorf("conductor config is not a mapping")
	}
	root := doc.Content[0]

	if err := setKey(root, "admin_interfaces", websocketAdmin(adminPort)); err != nil {
		return nil, err
	}
	if err := setKey(root, "keystore", lairServer(keystoreURL)); err != nil {
		return nil, err
	}

	return yaml.Marshal(&doc)
}

// setKey sets key in a mapping node to the encoding of value, appending it if absent.
func setKey(mapping *yaml.Node, key string, value interface{}) error {
	var v yaml.Node
	if err := v.Encode(value); err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	for i := 0; i+1 < len(mapping.Content); i += 2 {
		if mapping.Content[i].Value == key {
			mapping.Content[i+1] = &v
			return nil
		}
	}
	mapping.Content = append(mapping.Content,
		&yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: key}, &v)
	return nil
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
