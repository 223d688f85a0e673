package config

import (
	"fmt"
	"net"
	"strings"
)

// Default artifact names, resolved against TLS.CertDir
const (
	DefaultCAFile    = "ca.cer"
	DefaultCAKeyFile = "ca.key"
)

// ProxyConfig contains proxy server settings
type ProxyConfig struct {
	ListenAddr          string `json:"listen_addr" yaml:"listen_addr"`
	DialTimeout         int    `json:"dial_timeout_seconds" yaml:"dial_timeout_seconds"`
	UpstreamTimeout     int    `json:"upstream_timeout_seconds" yaml:"upstream_timeout_seconds"`
	MaxIdleConnsPerHost int    `json:"max_idle_conns_per_host" yaml:"max_idle_conns_per_host"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	LogFile     string `json:"log_file" yaml:"log_file"`
	MaxFileSize int    `json:"max_file_size_mb" yaml:"max_file_size_mb"`
	MaxBackups  int    `json:"max_backups" yaml:"max_backups"`
	MaxAgeDays  int    `json:"max_age_days" yaml:"max_age_days"`
	EnableDebug bool   `json:"enable_debug" yaml:"enable_debug"`
}

// TLSConfig contains root CA and leaf certificate settings
type TLSConfig struct {
	CertDir       string `json:"cert_dir" yaml:"cert_dir"`
	CAFile        string `json:"ca_file" yaml:"ca_file"`
	CAKeyFile     string `json:"ca_key_file" yaml:"ca_key_file"`
	KeySize       int    `json:"key_size" yaml:"key_size"`
	RootValidDays int    `json:"root_valid_days" yaml:"root_valid_days"`
	LeafValidDays int    `json:"leaf_valid_days" yaml:"leaf_valid_days"`
}

// CaptureConfig contains URL capture settings
type CaptureConfig struct {
	QueueSize int `json:"queue_size" yaml:"queue_size"`
}

// Config is the main configuration structure
type Config struct {
	Proxy   ProxyConfig   `json:"proxy" yaml:"proxy"`
	Logging LoggingConfig `json:"logging" yaml:"logging"`
	TLS     TLSConfig     `json:"tls" yaml:"tls"`
	Capture CaptureConfig `json:"capture" yaml:"capture"`
}

// Default returns a configuration with every default applied
func Default() *Config {
	cfg := &Config{}
	cfg.SetDefaults()
	return cfg
}

// SetDefaults applies default values to the configuration
func (c *Config) SetDefaults() {
	// Proxy defaults
	if c.Proxy.ListenAddr == "" {
		c.Proxy.ListenAddr = "0.0.0.0:0"
	}
	if c.Proxy.DialTimeout == 0 {
		c.Proxy.DialTimeout = 10
	}
	if c.Proxy.MaxIdleConnsPerHost == 0 {
		c.Proxy.MaxIdleConnsPerHost = 4
	}

	// Logging defaults
	if c.Logging.MaxFileSize == 0 {
		c.Logging.MaxFileSize = 10
	}
	if c.Logging.MaxBackups == 0 {
		c.Logging.MaxBackups = 3
	}
	if c.Logging.MaxAgeDays == 0 {
		c.Logging.MaxAgeDays = 7
	}

	// TLS defaults
	if c.TLS.CertDir == "" {
		c.TLS.CertDir = "."
	}
	if c.TLS.CAFile == "" {
		c.TLS.CAFile = DefaultCAFile
	}
	if c.TLS.CAKeyFile == "" {
		c.TLS.CAKeyFile = DefaultCAKeyFile
	}
	if c.TLS.KeySize == 0 {
		c.TLS.KeySize = 2048
	}
	if c.TLS.RootValidDays == 0 {
		c.TLS.RootValidDays = 3650
	}
	if c.TLS.LeafValidDays == 0 {
		c.TLS.LeafValidDays = 365
	}

	// Capture defaults
	if c.Capture.QueueSize == 0 {
		c.Capture.QueueSize = 16
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if err := c.validateProxy(); err != nil {
		return fmt.Errorf("proxy config validation failed: %w", err)
	}

	if err := c.validateLogging(); err != nil {
		return fmt.Errorf("logging config validation failed: %w", err)
	}

	if err := c.validateTLS(); err != nil {
		return fmt.Errorf("TLS config validation failed: %w", err)
	}

	if c.Capture.QueueSize <= 0 {
		return fmt.Errorf("capture config validation failed: queue_size must be positive, got %d", c.Capture.QueueSize)
	}

	return nil
}

// validateProxy validates proxy configuration
func (c *Config) validateProxy() error {
	if c.Proxy.ListenAddr == "" {
		return fmt.Errorf("proxy listen_addr is required")
	}

	if err := validateNetworkAddress(c.Proxy.ListenAddr); err != nil {
		return fmt.Errorf("invalid listen_addr: %w", err)
	}

	if c.Proxy.DialTimeout <= 0 {
		return fmt.Errorf("dial_timeout_seconds must be positive, got %d", c.Proxy.DialTimeout)
	}

	// Zero means no overall timeout on upstream requests
	if c.Proxy.UpstreamTimeout < 0 {
		return fmt.Errorf("upstream_timeout_seconds cannot be negative, got %d", c.Proxy.UpstreamTimeout)
	}

	if c.Proxy.MaxIdleConnsPerHost < 0 {
		return fmt.Errorf("max_idle_conns_per_host cannot be negative, got %d", c.Proxy.MaxIdleConnsPerHost)
	}

	return nil
}

// validateLogging validates logging configuration
func (c *Config) validateLogging() error {
	if c.Logging.MaxFileSize <= 0 {
		return fmt.Errorf("max_file_size_mb must be positive, got %d", c.Logging.MaxFileSize)
	}

	if c.Logging.LogFile != "" {
		if err := validateFilePath(c.Logging.LogFile); err != nil {
			return fmt.Errorf("invalid log_file path: %w", err)
		}
	}

	return nil
}

// validateTLS validates TLS configuration
func (c *Config) validateTLS() error {
	if err := validateFilePath(c.TLS.CertDir); err != nil {
		return fmt.Errorf("invalid cert_dir path: %w", err)
	}
	if err := validateFilePath(c.TLS.CAFile); err != nil {
		return fmt.Errorf("invalid ca_file path: %w", err)
	}
	if err := validateFilePath(c.TLS.CAKeyFile); err != nil {
		return fmt.Errorf("invalid ca_key_file path: %w", err)
	}
	if c.TLS.CAFile == c.TLS.CAKeyFile {
		return fmt.Errorf("ca_file and ca_key_file must differ, both are %q", c.TLS.CAFile)
	}

	if c.TLS.KeySize < 2048 {
		return fmt.Errorf("key_size must be at least 2048, got %d", c.TLS.KeySize)
	}

	if c.TLS.RootValidDays <= 0 {
		return fmt.Errorf("root_valid_days must be positive, got %d", c.TLS.RootValidDays)
	}
	if c.TLS.LeafValidDays <= 0 {
		return fmt.Errorf("leaf_valid_days must be positive, got %d", c.TLS.LeafValidDays)
	}

	return nil
}

// validateNetworkAddress validates network address format (host:port)
func validateNetworkAddress(addr string) error {
	if addr == "" {
		return fmt.Errorf("address cannot be empty")
	}

	if _, _, err := net.SplitHostPort(addr); err != nil {
		return fmt.Errorf("address must include port (e.g., '0.0.0.0:0' or '127.0.0.1:8080'): %w", err)
	}

	return nil
}

// validateFilePath validates file path format
func validateFilePath(path string) error {
	if path == "" {
		return fmt.Errorf("path cannot be empty")
	}

	if strings.Contains(path, "\x00") {
		return fmt.Errorf("path contains null character")
	}

	return nil
}
