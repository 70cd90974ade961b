package guard

import (
	"github.com/hazyhaar/domguard/guard/internal/config"
)

// Config is the top-level domguard configuration. Re-exported from internal.
type Config = config.Config

// BrowserConfig controls Chrome lifecycle.
type BrowserConfig = config.BrowserConfig

// PageConfig defines a page to protect.
type PageConfig = config.PageConfig

// GuardConfig holds the protection rules and reconciliation timing.
type GuardConfig = config.GuardConfig

// BadgeConfig controls badge removal.
type BadgeConfig = config.BadgeConfig

// LocalizeConfig controls the text localizer.
type LocalizeConfig = config.LocalizeConfig

// InspectConfig controls the operator surface.
type InspectConfig = config.InspectConfig

// LoadConfigFile reads a YAML configuration file.
func LoadConfigFile(path string) (*Config, error) {
	return config.LoadFile(path)
}

// DefaultConfig returns a configuration with every default applied.
func DefaultConfig() *Config {
	return config.Default()
}
