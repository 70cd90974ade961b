// Package config handles domguard configuration from YAML files.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/hazyhaar/domguard/guard/internal/badge"
	"github.com/hazyhaar/domguard/guard/internal/policy"
)

// Config is the top-level domguard configuration.
type Config struct {
	Browser  BrowserConfig  `yaml:"browser"`
	Pages    []PageConfig   `yaml:"pages"`
	Guard    GuardConfig    `yaml:"guard"`
	Badges   BadgeConfig    `yaml:"badges"`
	Localize LocalizeConfig `yaml:"localize"`
	Inspect  InspectConfig  `yaml:"inspect"`
}

// BrowserConfig controls Chrome lifecycle.
type BrowserConfig struct {
	Remote           string        `yaml:"remote"`
	MemoryLimit      int64         `yaml:"memory_limit"`
	RecycleInterval  time.Duration `yaml:"recycle_interval"`
	ResourceBlocking []string      `yaml:"resource_blocking"`
	Stealth          string        `yaml:"stealth"` // headless | headful
	XvfbDisplay      string        `yaml:"xvfb_display"`
	NavigateTimeout  time.Duration `yaml:"navigate_timeout"`
}

// PageConfig defines a page to protect.
type PageConfig struct {
	ID           string `yaml:"id"`
	URL          string `yaml:"url"`
	StealthLevel string `yaml:"stealth_level"` // 0 | 1 | 2 | auto
}

// GuardConfig holds the protection rules and the reconciliation timing.
// The attribute patterns are the documented configuration surface.
type GuardConfig struct {
	CustomPrefix      string   `yaml:"custom_prefix"`
	DirectiveAttr     string   `yaml:"directive_attr"`
	OptOutAttr        string   `yaml:"opt_out_attr"`
	ProtectedPrefixes []string `yaml:"protected_prefixes"`
	ProtectedExact    []string `yaml:"protected_exact"`

	FrameInterval  time.Duration   `yaml:"frame_interval"` // <0 disables frame ticks
	FallbackDelay  time.Duration   `yaml:"fallback_delay"`
	TextRebaseline []time.Duration `yaml:"text_rebaseline"` // delays after start
	Verbose        bool            `yaml:"verbose"`
}

// BadgeConfig controls the badge remover.
type BadgeConfig struct {
	Disabled bool           `yaml:"disabled"`
	Rules    []badge.Rule   `yaml:"rules"`
	Schedule badge.Schedule `yaml:"schedule"`
}

// LocalizeConfig controls the text localizer. It is opt-in.
type LocalizeConfig struct {
	Enabled    bool            `yaml:"enabled"`
	Dictionary string          `yaml:"dictionary"` // YAML file; empty uses the built-in one
	Watch      bool            `yaml:"watch"`      // hot-reload Dictionary
	Marker     string          `yaml:"marker"`
	Retries    []time.Duration `yaml:"retries"`
	Debounce   time.Duration   `yaml:"debounce"`
	Lang       string          `yaml:"lang"` // html lang set by offline hardening
}

// InspectConfig controls the operator surface.
type InspectConfig struct {
	Addr        string `yaml:"addr"`          // empty disables HTTP
	MCP         bool   `yaml:"mcp"`           // mount MCP tools at /mcp
	MCPQuicAddr string `yaml:"mcp_quic_addr"` // empty disables MCP over QUIC
	TLSCert     string `yaml:"tls_cert"`      // self-signed when both are empty
	TLSKey      string `yaml:"tls_key"`
}

// LoadFile reads a YAML configuration file.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes YAML, applies defaults and validates.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns a configuration with every default applied.
func Default() *Config {
	var cfg Config
	cfg.ApplyDefaults()
	return &cfg
}

// ApplyDefaults fills zero values. Pages without an id get a UUIDv7.
func (c *Config) ApplyDefaults() {
	if c.Browser.MemoryLimit <= 0 {
		c.Browser.MemoryLimit = 1 << 30
	}
	if c.Browser.RecycleInterval <= 0 {
		c.Browser.RecycleInterval = 4 * time.Hour
	}
	if c.Browser.XvfbDisplay == "" {
		c.Browser.XvfbDisplay = ":99"
	}
	if c.Browser.Stealth == "" {
		c.Browser.Stealth = "headless"
	}
	if c.Browser.NavigateTimeout <= 0 {
		c.Browser.NavigateTimeout = 30 * time.Second
	}
	for i := range c.Pages {
		if c.Pages[i].ID == "" {
			c.Pages[i].ID = uuid.Must(uuid.NewV7()).String()
		}
		if c.Pages[i].StealthLevel == "" {
			c.Pages[i].StealthLevel = "auto"
		}
	}

	p := c.Guard.Policy()
	c.Guard.CustomPrefix = p.CustomPrefix
	c.Guard.DirectiveAttr = p.DirectiveAttr
	c.Guard.OptOutAttr = p.OptOutAttr
	c.Guard.ProtectedPrefixes = p.ProtectedPrefixes
	c.Guard.ProtectedExact = p.ProtectedExact
	if c.Guard.FrameInterval == 0 {
		c.Guard.FrameInterval = 16 * time.Millisecond
	}
	if c.Guard.FallbackDelay <= 0 {
		c.Guard.FallbackDelay = 30 * time.Millisecond
	}
	if c.Guard.TextRebaseline == nil {
		c.Guard.TextRebaseline = []time.Duration{800 * time.Millisecond, 2 * time.Second, 4 * time.Second}
	}

	c.Badges.Schedule = c.Badges.Schedule.WithDefaults()

	if c.Localize.Marker == "" {
		c.Localize.Marker = "data-translated"
	}
	if c.Localize.Retries == nil {
		c.Localize.Retries = []time.Duration{500 * time.Millisecond, 1500 * time.Millisecond, 3 * time.Second}
	}
	if c.Localize.Debounce <= 0 {
		c.Localize.Debounce = 50 * time.Millisecond
	}
	if c.Localize.Lang == "" {
		c.Localize.Lang = "es"
	}
}

// Validate reports configuration errors.
func (c *Config) Validate() error {
	var errs []error
	seen := make(map[string]bool, len(c.Pages))
	for i, p := range c.Pages {
		if err := p.Check(); err != nil {
			errs = append(errs, fmt.Errorf("pages[%d]: %w", i, err))
		}
		if seen[p.ID] {
			errs = append(errs, fmt.Errorf("config: pages[%d]: duplicate id %q", i, p.ID))
		}
		seen[p.ID] = true
	}
	if (c.Inspect.TLSCert == "") != (c.Inspect.TLSKey == "") {
		errs = append(errs, errors.New("config: inspect.tls_cert and inspect.tls_key go together"))
	}
	switch c.Browser.Stealth {
	case "headless", "headful":
	default:
		errs = append(errs, fmt.Errorf("config: browser.stealth %q", c.Browser.Stealth))
	}
	for i, r := range c.Badges.Rules {
		if _, err := badge.Compile(r.Selector); err != nil {
			errs = append(errs, fmt.Errorf("config: badges.rules[%d]: %w", i, err))
		}
	}
	return errors.Join(errs...)
}

// Policy returns the protection rules with defaults applied.
func (g GuardConfig) Policy() policy.Policy {
	return policy.Policy{
		CustomPrefix:      g.CustomPrefix,
		DirectiveAttr:     g.DirectiveAttr,
		OptOutAttr:        g.OptOutAttr,
		ProtectedPrefixes: g.ProtectedPrefixes,
		ProtectedExact:    g.ProtectedExact,
	}.WithDefaults()
}
