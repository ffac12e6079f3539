package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/fleetmon/fleetd/pkg/security"
)

// Defaults applied by Load for any omitted option.
const (
	DefaultPort              = 8768
	DefaultHistorySize       = 1000
	DefaultSessionTTL        = time.Hour
	DefaultOnlineWindow      = 60 * time.Second
	DefaultStaleWindow       = 300 * time.Second
	DefaultHeartbeatInterval = 10 * time.Second
	DefaultNodeTimeout       = 30 * time.Second
	DefaultRateRPS           = 10
	DefaultRateBurst         = 20
)

// Config is the root of the fleetd configuration file.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Cluster ClusterConfig `yaml:"cluster"`
	Log     LogConfig     `yaml:"log"`
}

type ServerConfig struct {
	Port int       `yaml:"port"`
	TLS  TLSConfig `yaml:"tls"`

	// SecureCookies forces the Secure attribute on session cookies when
	// TLS terminates at a load balancer instead of this node. Implied when
	// the node serves TLS itself.
	SecureCookies bool `yaml:"secure_cookies"`

	// APIKey authenticates agents; required.
	APIKey string `yaml:"api_key"`

	// EncryptionKey is the base64 wire AEAD key; optional, plaintext agents
	// are accepted without it.
	EncryptionKey string `yaml:"encryption_key"`

	// DBEncryptionKey seals sensitive snapshot fields at rest; optional and
	// must differ from the wire key.
	DBEncryptionKey string `yaml:"db_encryption_key"`

	HistorySize         int `yaml:"history_size"`
	SessionTTLSeconds   int `yaml:"session_ttl_seconds"`
	OnlineWindowSeconds int `yaml:"online_window_seconds"`
	StaleWindowSeconds  int `yaml:"stale_window_seconds"`

	// DataDir holds the state snapshot and the file coordination backend.
	DataDir                 string `yaml:"data_dir"`
	SnapshotIntervalSeconds int    `yaml:"snapshot_interval_seconds"`

	Rate RateConfig `yaml:"rate"`
}

type TLSConfig struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

type RateConfig struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
}

type ClusterConfig struct {
	Enabled bool   `yaml:"enabled"`
	Backend string `yaml:"backend"`

	// Secret is the base64 cluster HMAC secret; required when enabled.
	Secret string `yaml:"secret"`

	AdvertiseHost string `yaml:"advertise_host"`

	HeartbeatIntervalSeconds int `yaml:"heartbeat_interval_seconds"`
	NodeTimeoutSeconds       int `yaml:"node_timeout_seconds"`

	KV KVConfig `yaml:"kv"`
}

// KVConfig points at the remote coordination store for the kv backend.
// Auth is "user:password".
type KVConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	Auth string `yaml:"auth"`
}

type LogConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// Load reads, defaults and validates a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = DefaultPort
	}
	if c.Server.HistorySize == 0 {
		c.Server.HistorySize = DefaultHistorySize
	}
	if c.Server.SessionTTLSeconds == 0 {
		c.Server.SessionTTLSeconds = int(DefaultSessionTTL.Seconds())
	}
	if c.Server.OnlineWindowSeconds == 0 {
		c.Server.OnlineWindowSeconds = int(DefaultOnlineWindow.Seconds())
	}
	if c.Server.StaleWindowSeconds == 0 {
		c.Server.StaleWindowSeconds = int(DefaultStaleWindow.Seconds())
	}
	if c.Server.DataDir != "" && c.Server.SnapshotIntervalSeconds == 0 {
		c.Server.SnapshotIntervalSeconds = 300
	}
	if c.Server.Rate.RPS == 0 {
		c.Server.Rate.RPS = DefaultRateRPS
	}
	if c.Server.Rate.Burst == 0 {
		c.Server.Rate.Burst = DefaultRateBurst
	}
	if c.Cluster.Backend == "" {
		c.Cluster.Backend = "memory"
	}
	if c.Cluster.HeartbeatIntervalSeconds == 0 {
		c.Cluster.HeartbeatIntervalSeconds = int(DefaultHeartbeatInterval.Seconds())
	}
	if c.Cluster.NodeTimeoutSeconds == 0 {
		c.Cluster.NodeTimeoutSeconds = int(DefaultNodeTimeout.Seconds())
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
}

// Validate rejects configurations that cannot serve.
func (c *Config) Validate() error {
	if c.Server.APIKey == "" {
		return fmt.Errorf("server.api_key is required")
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if (c.Server.TLS.CertFile == "") != (c.Server.TLS.KeyFile == "") {
		return fmt.Errorf("server.tls.cert_file and key_file must be set together")
	}

	if c.Server.EncryptionKey != "" {
		if _, err := security.ParseKey(c.Server.EncryptionKey); err != nil {
			return fmt.Errorf("server.encryption_key: %w", err)
		}
	}
	if c.Server.DBEncryptionKey != "" {
		if _, err := security.ParseKey(c.Server.DBEncryptionKey); err != nil {
			return fmt.Errorf("server.db_encryption_key: %w", err)
		}
		if c.Server.DBEncryptionKey == c.Server.EncryptionKey {
			return fmt.Errorf("server.db_encryption_key must differ from server.encryption_key")
		}
	}

	if c.Server.OnlineWindowSeconds >= c.Server.StaleWindowSeconds {
		return fmt.Errorf("server.online_window_seconds must be below stale_window_seconds")
	}

	switch c.Cluster.Backend {
	case "memory", "file", "kv":
	default:
		return fmt.Errorf("cluster.backend must be one of memory, file, kv; got %q", c.Cluster.Backend)
	}
	if c.Cluster.Backend == "file" && c.Server.DataDir == "" {
		return fmt.Errorf("cluster.backend file requires server.data_dir")
	}
	if c.Cluster.Backend == "kv" && c.Cluster.KV.Host == "" {
		return fmt.Errorf("cluster.backend kv requires cluster.kv.host")
	}

	if c.Cluster.Enabled && c.Cluster.Secret == "" {
		return fmt.Errorf("cluster.secret is required when cluster.enabled")
	}
	return nil
}

// WireKey decodes the configured wire AEAD key, or nil when unset.
func (c *Config) WireKey() []byte {
	if c.Server.EncryptionKey == "" {
		return nil
	}
	key, _ := security.ParseKey(c.Server.EncryptionKey)
	return key
}

// AtRestKey decodes the configured at-rest key, or nil when unset.
func (c *Config) AtRestKey() []byte {
	if c.Server.DBEncryptionKey == "" {
		return nil
	}
	key, _ := security.ParseKey(c.Server.DBEncryptionKey)
	return key
}

// ClusterSecret decodes the cluster HMAC secret.
func (c *Config) ClusterSecret() ([]byte, error) {
	return security.ParseSecret(c.Cluster.Secret)
}

func (c *Config) SessionTTL() time.Duration {
	return time.Duration(c.Server.SessionTTLSeconds) * time.Second
}

func (c *Config) OnlineWindow() time.Duration {
	return time.Duration(c.Server.OnlineWindowSeconds) * time.Second
}

func (c *Config) StaleWindow() time.Duration {
	return time.Duration(c.Server.StaleWindowSeconds) * time.Second
}

func (c *Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.Cluster.HeartbeatIntervalSeconds) * time.Second
}

func (c *Config) NodeTimeout() time.Duration {
	return time.Duration(c.Cluster.NodeTimeoutSeconds) * time.Second
}

func (c *Config) SnapshotInterval() time.Duration {
	return time.Duration(c.Server.SnapshotIntervalSeconds) * time.Second
}
