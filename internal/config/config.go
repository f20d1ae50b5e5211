// Package config provides configuration management for the SetupShare daemon.
package config

import (
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the SetupShare daemon configuration.
type Config struct {
	Mode string `yaml:"mode"` // "pull" or "swarm"

	// AutoReplicate makes the daemon periodically fetch every item its
	// peers list but it lacks, turning the node into a full mirror.
	AutoReplicate bool `yaml:"auto_replicate"`

	Share    ShareConfig    `yaml:"share"`
	HTTP     HTTPConfig     `yaml:"http"`
	Registry RegistryConfig `yaml:"registry"`
	P2P      P2PConfig      `yaml:"p2p"`
	Swarm    SwarmConfig    `yaml:"swarm"`
	Scan     ScanConfig     `yaml:"scan"`
	Firewall FirewallConfig `yaml:"firewall"`
}

// ShareConfig describes the shared content tree.
type ShareConfig struct {
	Root      string `yaml:"root"`
	Extension string `yaml:"extension"`
}

// HTTPConfig contains settings for the transfer HTTP server.
type HTTPConfig struct {
	Listen        string `yaml:"listen"`
	AdvertiseHost string `yaml:"advertise_host"` // empty means autodetect
}

// RegistryConfig selects and tunes the peer registry backend.
type RegistryConfig struct {
	Backend          string   `yaml:"backend"` // "dht" or "etcd"
	EtcdEndpoints    []string `yaml:"etcd_endpoints"`
	AnnounceInterval string   `yaml:"announce_interval"`
}

// P2PConfig contains overlay network settings.
type P2PConfig struct {
	Listen     []string `yaml:"listen"`
	Bootstrap  []string `yaml:"bootstrap"`
	MaxConns   int      `yaml:"max_connections"`
	EnableMDNS bool     `yaml:"enable_mdns"`
	KeyFile    string   `yaml:"key_file"`
}

// SwarmConfig tunes swarm distribution.
type SwarmConfig struct {
	PieceSize    int64 `yaml:"piece_size"`
	Workers      int   `yaml:"workers"`
	PieceRetries int   `yaml:"piece_retries"`
}

// ScanConfig configures the malware scan gate.
type ScanConfig struct {
	Command    string   `yaml:"command"`
	Args       []string `yaml:"args"`
	FailClosed bool     `yaml:"fail_closed"`
}

// FirewallConfig controls best-effort firewall rule management.
type FirewallConfig struct {
	Manage bool `yaml:"manage"`
}

// AnnounceEvery returns the parsed announce interval, falling back to
// five minutes when the value is missing or malformed.
func (r RegistryConfig) AnnounceEvery() time.Duration {
	d, err := time.ParseDuration(r.AnnounceInterval)
	if err != nil || d <= 0 {
		return 5 * time.Minute
	}
	return d
}

// Default returns a default configuration.
func Default() *Config {
	homeDir, _ := os.UserHomeDir()

	return &Config{
		Mode:          "pull",
		AutoReplicate: false,
		Share: ShareConfig{
			Root:      filepath.Join(homeDir, "setups"),
			Extension: ".sto",
		},
		HTTP: HTTPConfig{
			Listen: "0.0.0.0:9000",
		},
		Registry: RegistryConfig{
			Backend:          "dht",
			EtcdEndpoints:    []string{},
			AnnounceInterval: "5m",
		},
		P2P: P2PConfig{
			Listen: []string{
				"/ip4/0.0.0.0/tcp/8468",
				"/ip4/0.0.0.0/tcp/8469/ws",
			},
			Bootstrap:  []string{},
			MaxConns:   256,
			EnableMDNS: true,
			KeyFile:    filepath.Join(homeDir, ".setupshare", "keys", "node.key"),
		},
		Swarm: SwarmConfig{
			PieceSize:    256 * 1024,
			Workers:      4,
			PieceRetries: 5,
		},
		Scan: ScanConfig{
			Command:    "clamscan",
			Args:       []string{"-r"},
			FailClosed: false,
		},
		Firewall: FirewallConfig{
			Manage: true,
		},
	}
}

// DefaultPath returns the default configuration file path.
func DefaultPath() string {
	homeDir, _ := os.UserHomeDir()
	return filepath.Join(homeDir, ".setupshare", "config.yaml")
}

// Load loads the configuration from a file.
func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultPath()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// Return default config if file doesn't exist
			return Default(), nil
		}
		return nil, err
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Save saves the configuration to a file.
func Save(path string, cfg *Config) error {
	if path == "" {
		path = DefaultPath()
	}

	// Ensure directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0644)
}
