package core

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// ProfileConfig is the YAML form of the static bypass profile.
// It is converted to an immutable engine profile at startup.
type ProfileConfig struct {
	DropTcpRst bool `yaml:"drop_tcp_rst"`
	// TtlTrick sends an IPv4 decoy with a low TTL ahead of the real ClientHello.
	TtlTrick      bool `yaml:"ttl_trick,omitempty"`
	TtlTrickValue int  `yaml:"ttl_trick_value,omitempty"`
	// TlsStrategy is one of none, fake, fragment, disorder, fake_fragment, fake_disorder.
	TlsStrategy          string `yaml:"tls_strategy,omitempty"`
	TlsFragmentThreshold int    `yaml:"tls_fragment_threshold,omitempty"`
	TlsFragmentSizes     []int  `yaml:"tls_fragment_sizes,omitempty"`
	TlsFirstFragmentSize int    `yaml:"tls_first_fragment_size,omitempty"`
	AllowNoSni           bool   `yaml:"allow_no_sni,omitempty"`
	HttpHostTricks       bool   `yaml:"http_host_tricks,omitempty"`
	BadChecksum          bool   `yaml:"bad_checksum,omitempty"`
	DropUdp443           bool   `yaml:"drop_udp443,omitempty"`
	DropUdp443Global     bool   `yaml:"drop_udp443_global,omitempty"`
}

// GateSource selects where policy-driven feature gates are read from.
type GateSource string

const (
	GateSourceStatic GateSource = "static" // values below, togglable at runtime
	GateSourceEnv    GateSource = "env"    // DESYNC_POLICY_DRIVEN_* read on every decision
)

// GateConfig holds the initial policy-driven feature gate values.
type GateConfig struct {
	Source         GateSource `yaml:"source,omitempty"`
	HTTPHostTricks bool       `yaml:"tcp80_host_tricks,omitempty"`
	TLSStrategy    bool       `yaml:"tcp443_tls_strategy,omitempty"`
	UDP443         bool       `yaml:"udp443,omitempty"`
	EndpointBlock  bool       `yaml:"ttl_endpoint_block,omitempty"`
}

// PolicyConfig points at the externally supplied flow policy set.
type PolicyConfig struct {
	// File is a YAML or JSON document list loaded at startup.
	File string `yaml:"file,omitempty"`
	// StorePath is where the runtime policy set is persisted. Empty disables persistence.
	StorePath string `yaml:"store_path,omitempty"`
}

// StateConfig bounds the per-connection state tables.
type StateConfig struct {
	// ConnStateTTL is the idle age after which connection state is swept, e.g. "10m".
	ConnStateTTL string `yaml:"conn_state_ttl,omitempty"`
	// ConnStateMax caps the number of tracked connections (default 65536).
	ConnStateMax int `yaml:"conn_state_max,omitempty"`
	// SweepInterval is how often the sweeper runs, e.g. "30s".
	SweepInterval string `yaml:"sweep_interval,omitempty"`
}

// EndpointBlockConfig describes a temporary endpoint block installed at startup.
type EndpointBlockConfig struct {
	Name    string   `yaml:"name,omitempty"`
	Targets []string `yaml:"targets"`
	Port    uint16   `yaml:"port,omitempty"`
	TTL     string   `yaml:"ttl"`
	TCP     *bool    `yaml:"tcp,omitempty"`
	UDP     *bool    `yaml:"udp,omitempty"`
}

// Config is the top-level engine configuration.
type Config struct {
	Profile ProfileConfig `yaml:"profile"`
	// ProfileArgs, when set, is parsed as zapret-style arguments and replaces Profile.
	ProfileArgs    string                `yaml:"profile_args,omitempty"`
	Gates          GateConfig            `yaml:"gates,omitempty"`
	Policies       PolicyConfig          `yaml:"policies,omitempty"`
	State          StateConfig           `yaml:"state,omitempty"`
	EndpointBlocks []EndpointBlockConfig `yaml:"endpoint_blocks,omitempty"`
	// UDP443Targets seeds the selective QUIC drop allowlist (IPv4 literals).
	UDP443Targets []string  `yaml:"udp443_targets,omitempty"`
	Logging       LogConfig `yaml:"logging,omitempty"`
}

// ConfigManager handles loading and saving configuration.
type ConfigManager struct {
	mu       sync.RWMutex
	config   Config
	filePath string
	bus      *EventBus
}

// NewConfigManager creates a config manager that reads from the given file.
func NewConfigManager(filePath string, bus *EventBus) *ConfigManager {
	return &ConfigManager{
		filePath: filePath,
		bus:      bus,
	}
}

// DefaultConfig returns the built-in profile: RST drop and a 64-byte first fragment.
func DefaultConfig() Config {
	return Config{
		Profile: ProfileConfig{
			DropTcpRst:           true,
			TlsStrategy:          "fragment",
			TlsFragmentThreshold: 128,
			TlsFirstFragmentSize: 64,
			TtlTrickValue:        3,
		},
		Gates: GateConfig{Source: GateSourceStatic},
	}
}

// Load reads and parses the configuration from disk.
// A missing file yields DefaultConfig without writing anything.
func (cm *ConfigManager) Load() error {
	data, err := os.ReadFile(cm.filePath)
	if err != nil {
		if os.IsNotExist(err) {
			Log.Infof("Core", "Config %s not found, using defaults", cm.filePath)
			cm.mu.Lock()
			cm.config = DefaultConfig()
			cm.mu.Unlock()
			return nil
		}
		return fmt.Errorf("[Core] failed to read config %s: %w", cm.filePath, err)
	}

	cfg, err := ParseConfig(data)
	if err != nil {
		return err
	}

	cm.mu.Lock()
	cm.config = cfg
	cm.mu.Unlock()

	if cm.bus != nil {
		cm.bus.Publish(Event{Type: EventConfigReloaded})
	}
	return nil
}

// ParseConfig decodes YAML on top of DefaultConfig.
func ParseConfig(data []byte) (Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("[Core] failed to parse config: %w", err)
	}
	switch cfg.Gates.Source {
	case "", GateSourceStatic, GateSourceEnv:
	default:
		return Config{}, fmt.Errorf("[Core] unknown gate source: %q", cfg.Gates.Source)
	}
	return cfg, nil
}

// Save writes the current configuration to disk.
func (cm *ConfigManager) Save() error {
	cm.mu.RLock()
	data, err := yaml.Marshal(&cm.config)
	cm.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("[Core] failed to marshal config: %w", err)
	}

	if err := os.WriteFile(cm.filePath, data, 0644); err != nil {
		return fmt.Errorf("[Core] failed to write config %s: %w", cm.filePath, err)
	}
	return nil
}

// Get returns a copy of the current configuration.
func (cm *ConfigManager) Get() Config {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.config
}

// Set replaces the configuration and publishes EventConfigReloaded.
func (cm *ConfigManager) Set(cfg Config) {
	cm.mu.Lock()
	cm.config = cfg
	cm.mu.Unlock()

	if cm.bus != nil {
		cm.bus.Publish(Event{Type: EventConfigReloaded})
	}
}

// ParseDurationOr parses a Go duration string, returning def for empty or invalid input.
func ParseDurationOr(s string, def time.Duration) time.Duration {
	s = strings.TrimSpace(s)
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		Log.Warnf("Core", "Invalid duration %q, using %v", s, def)
		return def
	}
	return d
}
