// Package config handles configuration loading, validation, and persistence
// for the capture proxy and its tools.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/PhantasyServer/pso2-protocol-lib/internal/util"
)

const (
	DefaultConfigDir  = "config"
	DefaultConfigFile = "config.json"
	DefaultAPIPort    = 5080
	DefaultProxyPort  = 12200
)

// Config is the root configuration structure.
type Config struct {
	mu   sync.RWMutex
	path string

	Proxy            ProxyConfig     `json:"proxy"`
	API              APIConfig       `json:"api"`
	MQTT             MQTTConfig      `json:"mqtt"`
	Database         DatabaseConfig  `json:"database"`
	CaptureRetention RetentionConfig `json:"capture_retention"`
	Logging          util.LogConfig  `json:"logging"`
}

// ProxyConfig describes the relay between game clients and the ship.
type ProxyConfig struct {
	ListenAddr string `json:"listen_addr"`
	// UpstreamAddr is the ship the proxy dials for every client.
	UpstreamAddr string `json:"upstream_addr"`
	PacketType   string `json:"packet_type"`

	// Key the client encrypts its handshake with, held by the proxy.
	PrivateKeyPath string `json:"private_key_path"`
	// Public key of the real server, used to re-seal the handshake.
	UpstreamKeyPath string `json:"upstream_key_path"`

	CaptureDir      string `json:"capture_dir"`
	CompressCapture bool   `json:"compress_capture"`

	MaxSessions    int `json:"max_sessions"`
	MaxConnPerSec  int `json:"max_conn_per_sec"`
	IdleTimeoutSec int `json:"idle_timeout_sec"`
}

// APIConfig holds the inspection API settings.
type APIConfig struct {
	Enabled        bool     `json:"enabled"`
	Port           int      `json:"port"`
	AllowedOrigins []string `json:"allowed_origins"`
	TLSEnabled     bool     `json:"tls_enabled"`
	TLSCertFile    string   `json:"tls_cert_file"`
	TLSKeyFile     string   `json:"tls_key_file"`
	// AuthToken guards every non-public route when set.
	AuthToken    string `json:"auth_token"`
	RateLimitRPS int    `json:"rate_limit_rps"`
}

// MQTTConfig holds MQTT telemetry settings.
type MQTTConfig struct {
	Enabled     bool   `json:"enabled"`
	BrokerURL   string `json:"broker_url"`
	Port        int    `json:"port"`
	UseTLS      bool   `json:"use_tls"`
	ClientID    string `json:"client_id"`
	TopicPrefix string `json:"topic_prefix"`
	// PublishPackets also sends one message per relayed packet.
	PublishPackets bool `json:"publish_packets"`
}

// DatabaseConfig points at the capture index.
type DatabaseConfig struct {
	Path string `json:"path"`
}

// RetentionConfig controls removal of old capture files.
type RetentionConfig struct {
	Enabled       bool   `json:"enabled"`
	CleanupTime   string `json:"cleanup_time"`
	RetentionDays int    `json:"retention_days"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Proxy: ProxyConfig{
			ListenAddr:      fmt.Sprintf("0.0.0.0:%d", DefaultProxyPort),
			UpstreamAddr:    "40.91.76.146:12200",
			PacketType:      "ngs",
			PrivateKeyPath:  "keys/private.pem",
			UpstreamKeyPath: "keys/upstream_public.pem",
			CaptureDir:      "captures",
			CompressCapture: true,
			MaxSessions:     16,
			MaxConnPerSec:   10,
			IdleTimeoutSec:  300,
		},
		API: APIConfig{
			Enabled:        true,
			Port:           DefaultAPIPort,
			AllowedOrigins: []string{"*"},
			RateLimitRPS:   20,
		},
		MQTT: MQTTConfig{
			Port:        1883,
			ClientID:    "pso2proxy",
			TopicPrefix: "pso2proxy",
		},
		Database: DatabaseConfig{
			Path: "captures/index.db",
		},
		CaptureRetention: RetentionConfig{
			Enabled:       true,
			CleanupTime:   "04:00",
			RetentionDays: 14,
		},
		Logging: util.DefaultLogConfig(),
	}
}

// Load reads configuration from a JSON file, creating it with defaults when
// it does not exist.
func Load(configDir string) (*Config, error) {
	configPath := filepath.Join(configDir, DefaultConfigFile)

	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			log.Info().Str("path", configPath).Msg("config file not found, creating default")
			cfg := DefaultConfig()
			cfg.path = configPath
			if saveErr := cfg.Save(); saveErr != nil {
				return nil, fmt.Errorf("failed to save default config: %w", saveErr)
			}
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	}

	cfg := DefaultConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", configPath, err)
	}

	cfg.path = configPath
	log.Info().Str("path", configPath).Msg("configuration loaded")

	// persist fields added since the file was written
	if saveErr := cfg.Save(); saveErr != nil {
		log.Warn().Err(saveErr).Msg("failed to re-save config with updated defaults")
	}

	return cfg, nil
}

// Save writes the current configuration to disk.
func (c *Config) Save() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	dir := filepath.Dir(c.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(c.path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	log.Debug().Str("path", c.path).Msg("configuration saved")
	return nil
}

// GetProxy returns a copy of the proxy configuration.
func (c *Config) GetProxy() ProxyConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Proxy
}

// SetProxy updates the proxy configuration.
func (c *Config) SetProxy(p ProxyConfig) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Proxy = p
}

// GetAPI returns a copy of the API configuration.
func (c *Config) GetAPI() APIConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.API
}

// GetMQTT returns a copy of the MQTT configuration.
func (c *Config) GetMQTT() MQTTConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.MQTT
}

// GetDatabase returns a copy of the database configuration.
func (c *Config) GetDatabase() DatabaseConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Database
}

// GetRetention returns a copy of the capture retention configuration.
func (c *Config) GetRetention() RetentionConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.CaptureRetention
}

// GetLogging returns a copy of the logging configuration.
func (c *Config) GetLogging() util.LogConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Logging
}

// UpdateProxyField sets one proxy field by its JSON key.
func (c *Config) UpdateProxyField(key string, value interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	data, _ := json.Marshal(c.Proxy)
	m := make(map[string]interface{})
	json.Unmarshal(data, &m)

	if _, ok := m[key]; !ok {
		return fmt.Errorf("unknown proxy field %q", key)
	}
	m[key] = value

	updated, _ := json.Marshal(m)
	if err := json.Unmarshal(updated, &c.Proxy); err != nil {
		return fmt.Errorf("failed to update field %s: %w", key, err)
	}
	return nil
}

// Path returns the config file path.
func (c *Config) Path() string {
	return c.path
}
