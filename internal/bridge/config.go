// Package bridge implements the comms bridge (component H): an external
// process, one per tenant configuration, that relays between the hub's SSE
// event stream and an external agent runtime's own chat/command protocol.
// It is not part of the hub's own process group; it talks to the hub only
// through the same REST/SSE surface any other bearer-credentialed caller
// would use. Grounded on original_source/packages/bridge/mc_bridge.
package bridge

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the bridge's per-tenant configuration file.
type Config struct {
	OrgSlug string `yaml:"org_slug"`

	Hub struct {
		BaseURL  string `yaml:"base_url"`
		APIToken string `yaml:"api_token"`
	} `yaml:"hub"`

	Runtime struct {
		BaseURL string `yaml:"base_url"`
		APIKey  string `yaml:"api_key"`
	} `yaml:"runtime"`

	AgentIdentity string `yaml:"agent_identity"`

	StateDBPath string `yaml:"state_db_path"`

	HeartbeatTimeout time.Duration `yaml:"heartbeat_timeout"`
	MetricsAddr      string        `yaml:"metrics_addr"`
}

func (c *Config) applyDefaults() {
	if c.StateDBPath == "" {
		c.StateDBPath = "bridge_state.db"
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = 90 * time.Second
	}
	if c.MetricsAddr == "" {
		c.MetricsAddr = ":9400"
	}
}

// LoadConfig reads and validates a bridge configuration file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("bridge: read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("bridge: parse config: %w", err)
	}
	cfg.applyDefaults()

	if cfg.OrgSlug == "" {
		return nil, fmt.Errorf("bridge: config missing org_slug")
	}
	if cfg.Hub.BaseURL == "" || cfg.Hub.APIToken == "" {
		return nil, fmt.Errorf("bridge: config missing hub.base_url or hub.api_token")
	}
	if cfg.Runtime.BaseURL == "" {
		return nil, fmt.Errorf("bridge: config missing runtime.base_url")
	}
	if cfg.AgentIdentity == "" {
		return nil, fmt.Errorf("bridge: config missing agent_identity")
	}
	return &cfg, nil
}
