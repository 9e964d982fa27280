package main

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level topos configuration. Every field has a working
// default; the YAML file and the TOPOS_* environment variables are both
// optional.
type Config struct {
	DataDir  string        `yaml:"data_dir"`
	HTTPAddr string        `yaml:"http_addr"`
	LogLevel string        `yaml:"log_level"`
	Browser  BrowserConfig `yaml:"browser"`
	Tabs     TabsConfig    `yaml:"tabs"`
	Capture  CaptureConfig `yaml:"capture"`
	MCP      MCPConfig     `yaml:"mcp"`
	Watch    WatchConfig   `yaml:"watch"`
	Notify   NotifyConfig  `yaml:"notify"`
	Metrics  MetricsConfig `yaml:"metrics"`
}

// BrowserConfig controls the Chrome connection.
type BrowserConfig struct {
	// ControlURL attaches to a running Chrome (ws://...). Empty launches
	// a local instance.
	ControlURL        string        `yaml:"control_url"`
	PingInterval      time.Duration `yaml:"ping_interval"`
	ReconnectAttempts int           `yaml:"reconnect_attempts"`
	ReconnectDelay    time.Duration `yaml:"reconnect_delay"`
}

// TabsConfig tunes identity resolution and reconciliation.
type TabsConfig struct {
	// DefaultTabURL is opened when a topic is switched to and owns no tabs.
	// The topic id rides in the URL fragment.
	DefaultTabURL string `yaml:"default_tab_url"`
	// VolatileParams are extra query-parameter prefixes stripped during
	// URL normalization, on top of the built-in tracking noise.
	VolatileParams []string `yaml:"volatile_params"`
	// SweepInterval between periodic self-healing visibility passes.
	// 0 keeps the default; negative disables the sweeper.
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// CaptureConfig tunes bookmark content extraction.
type CaptureConfig struct {
	// SiteSelectors maps a hostname to the CSS selectors of its content
	// region, tried before density analysis. A rule for "example.com"
	// also covers its subdomains.
	SiteSelectors map[string][]string `yaml:"site_selectors"`
}

// MCPConfig controls the optional MCP-over-QUIC endpoint.
type MCPConfig struct {
	Addr    string `yaml:"addr"` // empty disables
	TLSCert string `yaml:"tls_cert"`
	TLSKey  string `yaml:"tls_key"`
}

// WatchConfig tunes external-write detection on the state database.
type WatchConfig struct {
	Interval time.Duration `yaml:"interval"`
	Debounce time.Duration `yaml:"debounce"`
}

// NotifyConfig routes notifications beyond the log.
type NotifyConfig struct {
	WebhookURL string `yaml:"webhook_url"`
}

// MetricsConfig controls the observability database.
type MetricsConfig struct {
	Retention time.Duration `yaml:"retention"`
}

// LoadConfig reads the YAML file when path is non-empty, then applies
// defaults. A missing file is only an error when it was asked for.
func LoadConfig(path string) (*Config, error) {
	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.DataDir == "" {
		c.DataDir = "data"
	}
	if c.HTTPAddr == "" {
		c.HTTPAddr = ":7333"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Browser.PingInterval <= 0 {
		c.Browser.PingInterval = 15 * time.Second
	}
	if c.Browser.ReconnectAttempts <= 0 {
		c.Browser.ReconnectAttempts = 5
	}
	if c.Browser.ReconnectDelay <= 0 {
		c.Browser.ReconnectDelay = 2 * time.Second
	}
	if c.Tabs.DefaultTabURL == "" {
		c.Tabs.DefaultTabURL = "https://www.google.de/"
	}
	if c.Tabs.SweepInterval == 0 {
		c.Tabs.SweepInterval = 30 * time.Second
	}
	if c.Watch.Interval <= 0 {
		c.Watch.Interval = 2 * time.Second
	}
	if c.Watch.Debounce <= 0 {
		c.Watch.Debounce = time.Second
	}
	if c.Metrics.Retention <= 0 {
		c.Metrics.Retention = 30 * 24 * time.Hour
	}
}
