package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/PhantasyServer/pso2-protocol-lib/internal/protocol"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("config validation error [%s]: %s", e.Field, e.Message)
}

// ValidationResult holds the results of configuration validation.
type ValidationResult struct {
	Errors   []ValidationError
	Warnings []ValidationError
}

// IsValid returns true if there are no validation errors.
func (r *ValidationResult) IsValid() bool {
	return len(r.Errors) == 0
}

// AddError adds a validation error.
func (r *ValidationResult) AddError(field, message string) {
	r.Errors = append(r.Errors, ValidationError{Field: field, Message: message})
}

// AddWarning adds a validation warning.
func (r *ValidationResult) AddWarning(field, message string) {
	r.Warnings = append(r.Warnings, ValidationError{Field: field, Message: message})
}

// Validate checks every section of cfg.
func Validate(cfg *Config) *ValidationResult {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	result := &ValidationResult{}
	validateProxy(&cfg.Proxy, result)
	validateAPI(&cfg.API, result)
	validateMQTT(&cfg.MQTT, result)
	validateRetention(&cfg.CaptureRetention, result)

	if strings.TrimSpace(cfg.Database.Path) == "" {
		result.AddWarning("database.path", "no capture index, sessions will not be searchable")
	}
	return result
}

func validateProxy(p *ProxyConfig, result *ValidationResult) {
	validateAddr(p.ListenAddr, "proxy.listen_addr", result)
	validateAddr(p.UpstreamAddr, "proxy.upstream_addr", result)

	pt, err := protocol.ParsePacketType(p.PacketType)
	if err != nil {
		result.AddError("proxy.packet_type", err.Error())
	} else if pt == protocol.Raw {
		result.AddError("proxy.packet_type", "raw cannot be relayed")
	}

	// both keys or neither: re-sealing needs the pair
	hasIn := strings.TrimSpace(p.PrivateKeyPath) != ""
	hasOut := strings.TrimSpace(p.UpstreamKeyPath) != ""
	if hasIn != hasOut {
		result.AddError("proxy.keys", "private_key_path and upstream_key_path must be set together")
	}
	for field, path := range map[string]string{
		"proxy.private_key_path":  p.PrivateKeyPath,
		"proxy.upstream_key_path": p.UpstreamKeyPath,
	} {
		if path == "" {
			continue
		}
		if _, err := os.Stat(path); os.IsNotExist(err) {
			result.AddWarning(field, fmt.Sprintf("key file does not exist: %s", path))
		}
	}
	if !hasIn {
		result.AddWarning("proxy.keys", "no handshake keys, encrypted sessions cannot be inspected")
	}

	if p.MaxSessions < 1 {
		result.AddError("proxy.max_sessions", "must allow at least 1 session")
	}
	if p.MaxConnPerSec < 1 {
		result.AddWarning("proxy.max_conn_per_sec", "connection rate limit is disabled")
	}
	if p.IdleTimeoutSec > 0 && p.IdleTimeoutSec < 30 {
		result.AddWarning("proxy.idle_timeout_sec", "idle timeout under 30s drops quiet lobbies")
	}
}

func validateAPI(a *APIConfig, result *ValidationResult) {
	if !a.Enabled {
		return
	}
	validatePort(a.Port, "api.port", result)
	if a.AuthToken == "" {
		result.AddWarning("api.auth_token", "no token set, session and config routes are open")
	}
	if a.TLSEnabled {
		if strings.TrimSpace(a.TLSCertFile) == "" || strings.TrimSpace(a.TLSKeyFile) == "" {
			result.AddWarning("api.tls", "no certificate configured, a self-signed one will be generated")
		}
	}
}

func validateMQTT(m *MQTTConfig, result *ValidationResult) {
	if !m.Enabled {
		return
	}
	if strings.TrimSpace(m.BrokerURL) == "" {
		result.AddError("mqtt.broker_url", "MQTT broker URL is required when enabled")
	}
	if m.Port < 1 || m.Port > 65535 {
		result.AddError("mqtt.port", "invalid MQTT port")
	}
	if strings.TrimSpace(m.TopicPrefix) == "" {
		result.AddError("mqtt.topic_prefix", "topic prefix is required")
	}
}

func validateRetention(r *RetentionConfig, result *ValidationResult) {
	if !r.Enabled {
		return
	}
	if r.RetentionDays < 1 {
		result.AddError("capture_retention.retention_days", "retention days must be at least 1")
	}
	if _, err := time.Parse("15:04", r.CleanupTime); err != nil {
		result.AddError("capture_retention.cleanup_time", "expected HH:MM")
	}
}

func validateAddr(addr, field string, result *ValidationResult) {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		result.AddError(field, fmt.Sprintf("invalid address %q: %v", addr, err))
		return
	}
	n, err := strconv.Atoi(port)
	if err != nil {
		result.AddError(field, fmt.Sprintf("invalid port %q", port))
		return
	}
	validatePort(n, field, result)
}

func validatePort(port int, field string, result *ValidationResult) {
	if port < 1 || port > 65535 {
		result.AddError(field, fmt.Sprintf("invalid port number: %d (must be 1-65535)", port))
		return
	}
	if port < 1024 {
		result.AddWarning(field,
			fmt.Sprintf("port %d is a privileged port, may require elevated permissions", port))
	}
}

// IsPortAvailable checks if a port is available for binding.
func IsPortAvailable(port int) bool {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return false
	}
	ln.Close()
	return true
}
