// Package config defines the runtime configuration schema, YAML loading,
// validation, and hot-reload wiring for sinkholed.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the full application configuration.
type Config struct {
	Upstream         Upstream          `yaml:"upstream"`
	Pipeline         Pipeline          `yaml:"pipeline"`
	Logging          Logging           `yaml:"logging"`
	Telemetry        Telemetry         `yaml:"telemetry"`
	Database         Database          `yaml:"database"`
	Dump             Dump              `yaml:"dump"`
	RateLimit        RateLimit         `yaml:"rate_limit"`
	RuleEngine       RuleEngine        `yaml:"rule_engine"`
	DoT              DoT               `yaml:"dot"`
	SinkholeNSZone   string            `yaml:"sinkhole_ns_zone"`
	LocalAddr        []string          `yaml:"local_addr"`
	WhitelistZones   []string          `yaml:"whitelist_zones"`
	BlacklistEntries []BlacklistEntry  `yaml:"blacklist_entries"`
	LocalPort        int               `yaml:"local_port"`
	Verbose          int               `yaml:"verbose"`
	AutoWhitelist    bool              `yaml:"auto_whitelist"`
	AutoBlacklist    bool              `yaml:"auto_blacklist"`
	UDPDisabled      bool              `yaml:"udp_disabled"`
	TCPDisabled      bool              `yaml:"tcp_disabled"`
}

// Upstream holds recursive-resolver forwarding settings.
type Upstream struct {
	Servers []string      `yaml:"servers"`
	Timeout time.Duration `yaml:"timeout"`
}

// Pipeline holds query-pipeline-wide settings.
type Pipeline struct {
	Deadline time.Duration `yaml:"deadline"`
}

// BlacklistEntry is a single blacklisted zone and its synthesized records.
type BlacklistEntry struct {
	Records map[string]string `yaml:"records"`
	Zone    string            `yaml:"zone"`
}

// Logging holds structured-logging settings.
type Logging struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	Output     string `yaml:"output"`
	FilePath   string `yaml:"file_path"`
	AddSource  bool   `yaml:"add_source"`
}

// Telemetry holds OpenTelemetry/Prometheus exporter settings.
type Telemetry struct {
	ListenAddress string `yaml:"listen_address"`
	Enabled       bool   `yaml:"enabled"`
}

// Database holds query-log persistence settings.
type Database struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

// Dump holds settings for the optional trie-dump HTTP endpoint. Path is an
// optional base path prefix (default "/dump"); the whitelist and blacklist
// tries are served beneath it as <path>/whitelist and <path>/blacklist.
type Dump struct {
	Path    string `yaml:"path"`
	Enabled bool   `yaml:"enabled"`
}

// RateLimit holds per-client token-bucket settings.
type RateLimit struct {
	Overrides         []RateLimitOverride `yaml:"overrides"`
	RequestsPerSecond float64             `yaml:"requests_per_second"`
	Burst             int                 `yaml:"burst"`
	Enabled           bool                `yaml:"enabled"`
}

// RateLimitOverride scopes a distinct rate to a CIDR block.
type RateLimitOverride struct {
	CIDR              string  `yaml:"cidr"`
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
}

// RuleEngine holds the optional expr-lang pre-chain gate's rules.
type RuleEngine struct {
	Rules   []Rule `yaml:"rules"`
	Enabled bool   `yaml:"enabled"`
}

// Rule is a single operator-authored expr-lang policy rule.
type Rule struct {
	Name    string `yaml:"name"`
	Logic   string `yaml:"logic"`
	Action  string `yaml:"action"`
	Enabled bool   `yaml:"enabled"`
}

// DoT holds the optional DNS-over-TLS listener's settings.
type DoT struct {
	ListenAddress string    `yaml:"listen_address"`
	CertFile      string    `yaml:"cert_file"`
	KeyFile       string    `yaml:"key_file"`
	ACME          ACME      `yaml:"acme"`
	Enabled       bool      `yaml:"enabled"`
}

// ACME holds Cloudflare DNS-01 certificate provisioning settings.
type ACME struct {
	Hosts              []string `yaml:"hosts"`
	Email              string   `yaml:"email"`
	CloudflareAPIToken string   `yaml:"cloudflare_api_token"`
	CacheDir           string   `yaml:"cache_dir"`
	Enabled            bool     `yaml:"enabled"`
}

// Load reads, parses, applies defaults to, and validates the config at path.
func Load(path string) (*Config, error) {
	// #nosec G304 - path comes from an operator-supplied CLI flag.
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	dec := yaml.NewDecoder(strings.NewReader(string(data)))
	dec.KnownFields(true)

	var cfg Config
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if len(c.LocalAddr) == 0 {
		c.LocalAddr = []string{"127.0.0.1"}
	}
	if c.LocalPort == 0 {
		c.LocalPort = 5252
	}
	if len(c.Upstream.Servers) == 0 {
		c.Upstream.Servers = []string{"1.1.1.1:53", "8.8.8.8:53"}
	}
	if c.Upstream.Timeout == 0 {
		c.Upstream.Timeout = 5 * time.Second
	}
	if c.Pipeline.Deadline == 0 {
		c.Pipeline.Deadline = 10 * time.Second
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.Logging.Output == "" {
		c.Logging.Output = "stdout"
	}
	if c.Telemetry.ListenAddress == "" {
		c.Telemetry.ListenAddress = "127.0.0.1:9253"
	}
	if c.Database.Driver == "" {
		c.Database.Driver = "sqlite"
	}
	if c.Database.DSN == "" {
		c.Database.DSN = "sinkhole.db"
	}
	if c.RateLimit.RequestsPerSecond == 0 {
		c.RateLimit.RequestsPerSecond = 50
	}
	if c.RateLimit.Burst == 0 {
		c.RateLimit.Burst = 100
	}
}

// Validate checks structural and cross-field invariants.
func (c *Config) Validate() error {
	if len(c.LocalAddr) == 0 {
		return fmt.Errorf("local_addr cannot be empty")
	}
	if c.LocalPort <= 0 || c.LocalPort > 65535 {
		return fmt.Errorf("local_port must be between 1 and 65535")
	}
	if len(c.Upstream.Servers) == 0 {
		return fmt.Errorf("at least one upstream.servers entry is required")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid logging level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}
	if c.Logging.Format != "json" && c.Logging.Format != "text" {
		return fmt.Errorf("invalid logging format: %s (must be json or text)", c.Logging.Format)
	}
	validOutputs := map[string]bool{"stdout": true, "stderr": true, "file": true}
	if !validOutputs[c.Logging.Output] {
		return fmt.Errorf("invalid logging output: %s (must be stdout, stderr, or file)", c.Logging.Output)
	}
	if c.Logging.Output == "file" && c.Logging.FilePath == "" {
		return fmt.Errorf("logging.file_path must be set when output is 'file'")
	}

	if strings.TrimSpace(c.SinkholeNSZone) != "" {
		found := false
		for _, e := range c.BlacklistEntries {
			if e.Zone == c.SinkholeNSZone {
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("sinkhole_ns_zone %q must itself appear in blacklist_entries", c.SinkholeNSZone)
		}
	}

	for _, e := range c.BlacklistEntries {
		if strings.TrimSpace(e.Zone) == "" {
			return fmt.Errorf("blacklist_entries: zone cannot be empty")
		}
		if len(e.Records) == 0 {
			return fmt.Errorf("blacklist_entries: zone %q has no records", e.Zone)
		}
	}

	if c.DoT.Enabled {
		if c.DoT.ListenAddress == "" {
			return fmt.Errorf("dot.listen_address is required when dot.enabled is true")
		}
		haveStaticCert := c.DoT.CertFile != "" && c.DoT.KeyFile != ""
		if !haveStaticCert && !c.DoT.ACME.Enabled {
			return fmt.Errorf("dot: either cert_file/key_file or acme must be configured")
		}
		if !haveStaticCert && len(c.DoT.ACME.Hosts) == 0 {
			return fmt.Errorf("dot.acme.hosts cannot be empty")
		}
	}

	return nil
}
