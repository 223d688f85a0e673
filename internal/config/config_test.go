package config

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"
)

func TestConfigSetDefaults(t *testing.T) {
	tests := []struct {
		name     string
		input    *Config
		expected *Config
	}{
		{
			name:  "Empty config gets all defaults",
			input: &Config{},
			expected: &Config{
				Proxy: ProxyConfig{
					ListenAddr:          "0.0.0.0:0",
					DialTimeout:         10,
					MaxIdleConnsPerHost: 4,
				},
				Logging: LoggingConfig{
					MaxFileSize: 10,
					MaxBackups:  3,
					MaxAgeDays:  7,
				},
				TLS: TLSConfig{
					CertDir:       ".",
					CAFile:        "ca.cer",
					CAKeyFile:     "ca.key",
					KeySize:       2048,
					RootValidDays: 3650,
					LeafValidDays: 365,
				},
				Capture: CaptureConfig{QueueSize: 16},
			},
		},
		{
			name: "Partial config preserves existing values",
			input: &Config{
				Proxy: ProxyConfig{
					ListenAddr:  "127.0.0.1:8888", // Custom value
					DialTimeout: 3,                // Custom value
				},
				TLS: TLSConfig{
					CertDir: "certs", // Custom value
				},
			},
			expected: &Config{
				Proxy: ProxyConfig{
					ListenAddr:          "127.0.0.1:8888", // Preserved
					DialTimeout:         3,                // Preserved
					MaxIdleConnsPerHost: 4,                // Default applied
				},
				Logging: LoggingConfig{
					MaxFileSize: 10,
					MaxBackups:  3,
					MaxAgeDays:  7,
				},
				TLS: TLSConfig{
					CertDir:       "certs", // Preserved
					CAFile:        "ca.cer",
					CAKeyFile:     "ca.key",
					KeySize:       2048,
					RootValidDays: 3650,
					LeafValidDays: 365,
				},
				Capture: CaptureConfig{QueueSize: 16},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.input.SetDefaults()
			if !reflect.DeepEqual(tt.input, tt.expected) {
				t.Errorf("SetDefaults() = %+v, want %+v", tt.input, tt.expected)
			}
		})
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name        string
		modify      func(c *Config)
		expectError bool
		errorText   string
	}{
		{
			name:   "Defaults are valid",
			modify: func(c *Config) {},
		},
		{
			name:        "Listen address without port",
			modify:      func(c *Config) { c.Proxy.ListenAddr = "0.0.0.0" },
			expectError: true,
			errorText:   "listen_addr",
		},
		{
			name:        "Negative upstream timeout",
			modify:      func(c *Config) { c.Proxy.UpstreamTimeout = -1 },
			expectError: true,
			errorText:   "upstream_timeout_seconds",
		},
		{
			name:        "Same file for certificate and key",
			modify:      func(c *Config) { c.TLS.CAKeyFile = c.TLS.CAFile },
			expectError: true,
			errorText:   "must differ",
		},
		{
			name:        "Weak key size",
			modify:      func(c *Config) { c.TLS.KeySize = 1024 },
			expectError: true,
			errorText:   "key_size",
		},
		{
			name:        "Null character in cert dir",
			modify:      func(c *Config) { c.TLS.CertDir = "ce\x00rts" },
			expectError: true,
			errorText:   "null character",
		},
		{
			name:        "Zero queue",
			modify:      func(c *Config) { c.Capture.QueueSize = -3 },
			expectError: true,
			errorText:   "queue_size",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.modify(cfg)

			err := cfg.Validate()
			if tt.expectError {
				if err == nil {
					t.Fatal("Expected validation error, got nil")
				}
				if !strings.Contains(err.Error(), tt.errorText) {
					t.Errorf("Expected error containing %q, got %v", tt.errorText, err)
				}
				return
			}
			if err != nil {
				t.Errorf("Unexpected validation error: %v", err)
			}
		})
	}
}

func TestLoaderJSONAndYAML(t *testing.T) {
	dir := t.TempDir()

	jsonFile := filepath.Join(dir, "config.json")
	jsonData := `{
		"proxy": {"listen_addr": "127.0.0.1:0", "dial_timeout_seconds": 5},
		"logging": {"enable_debug": true},
		"tls": {"cert_dir": "certs"}
	}`
	if err := os.WriteFile(jsonFile, []byte(jsonData), 0644); err != nil {
		t.Fatalf("Failed to write JSON config: %v", err)
	}

	yamlFile := filepath.Join(dir, "config.yaml")
	yamlData := `
proxy:
  listen_addr: "127.0.0.1:0"
  dial_timeout_seconds: 5
logging:
  enable_debug: true
tls:
  cert_dir: certs
`
	if err := os.WriteFile(yamlFile, []byte(yamlData), 0644); err != nil {
		t.Fatalf("Failed to write YAML config: %v", err)
	}

	loader := NewLoader()
	for _, file := range []string{jsonFile, yamlFile} {
		t.Run(filepath.Ext(file), func(t *testing.T) {
			cfg, err := loader.Load(file)
			if err != nil {
				t.Fatalf("Failed to load config: %v", err)
			}

			if cfg.Proxy.ListenAddr != "127.0.0.1:0" {
				t.Errorf("Expected listen addr 127.0.0.1:0, got %s", cfg.Proxy.ListenAddr)
			}
			if cfg.Proxy.DialTimeout != 5 {
				t.Errorf("Expected dial timeout 5, got %d", cfg.Proxy.DialTimeout)
			}
			if !cfg.Logging.EnableDebug {
				t.Error("Expected debug to be enabled")
			}
			if cfg.TLS.CertDir != "certs" {
				t.Errorf("Expected cert dir certs, got %s", cfg.TLS.CertDir)
			}
			// Defaults still applied
			if cfg.TLS.CAFile != DefaultCAFile {
				t.Errorf("Expected default CA file, got %s", cfg.TLS.CAFile)
			}
		})
	}
}

func TestLoaderErrors(t *testing.T) {
	loader := NewLoader()

	if _, err := loader.Load(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Error("Expected error for missing file")
	}

	if _, err := loader.LoadFromJSON([]byte(`{"proxy": `)); err == nil {
		t.Error("Expected error for malformed JSON")
	}

	if _, err := loader.LoadFromYAML([]byte("proxy:\n  listen_addr: [oops")); err == nil {
		t.Error("Expected error for malformed YAML")
	}

	if _, err := loader.LoadFromJSON([]byte(`{"proxy": {"listen_addr": "nohostport"}}`)); err == nil {
		t.Error("Expected validation error for bad listen address")
	}
}

func TestConfigWatcherReload(t *testing.T) {
	configFile := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(configFile, []byte(`{"logging": {"enable_debug": false}}`), 0644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}

	loader := NewLoader()
	initial, err := loader.Load(configFile)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	watcher, err := NewConfigWatcher(configFile, loader, nil)
	if err != nil {
		t.Fatalf("Failed to create watcher: %v", err)
	}
	defer watcher.Stop()
	watcher.SetDebounceTime(0)

	changed := make(chan bool, 4)
	watcher.AddCallback(func(oldConfig, newConfig *Config) error {
		changed <- newConfig.Logging.EnableDebug
		return nil
	})

	if err := watcher.Start(initial); err != nil {
		t.Fatalf("Failed to start watcher: %v", err)
	}

	if err := os.WriteFile(configFile, []byte(`{"logging": {"enable_debug": true}}`), 0644); err != nil {
		t.Fatalf("Failed to rewrite config: %v", err)
	}

	deadline := time.After(5 * time.Second)
	for {
		select {
		case debug := <-changed:
			if debug {
				return
			}
		case <-deadline:
			t.Fatal("Timed out waiting for config reload callback")
		}
	}
}

func TestConfigWatcherReloadsAfterTruncateThenWrite(t *testing.T) {
	configFile := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(configFile, []byte(`{"logging": {"enable_debug": false}}`), 0644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}

	loader := NewLoader()
	initial, err := loader.Load(configFile)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	watcher, err := NewConfigWatcher(configFile, loader, nil)
	if err != nil {
		t.Fatalf("Failed to create watcher: %v", err)
	}
	defer watcher.Stop()
	watcher.SetDebounceTime(300 * time.Millisecond)

	changed := make(chan bool, 4)
	watcher.AddCallback(func(oldConfig, newConfig *Config) error {
		changed <- newConfig.Logging.EnableDebug
		return nil
	})

	if err := watcher.Start(initial); err != nil {
		t.Fatalf("Failed to start watcher: %v", err)
	}

	// Editors save by truncating first, leaving an unparseable file for a moment
	if err := os.WriteFile(configFile, nil, 0644); err != nil {
		t.Fatalf("Failed to truncate config: %v", err)
	}
	if err := os.WriteFile(configFile, []byte(`{"logging": {"enable_debug": true}}`), 0644); err != nil {
		t.Fatalf("Failed to rewrite config: %v", err)
	}

	select {
	case debug := <-changed:
		if !debug {
			t.Error("Expected the reload to see the final file contents")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Final write was never reloaded")
	}
}
