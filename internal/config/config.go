// Package config loads the relay's environment-sourced settings (spec
// §6) with koanf's env and confmap providers, generalizing leapmux's
// flag-based Config to the environment-variable surface this system
// specifies.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/v2"
)

// Config holds the relay's runtime configuration (spec §6).
type Config struct {
	Addr                  string `koanf:"addr"`
	MaxConnectionsPerUser int    `koanf:"max_connections_per_user"`
	InactivityTimeout     time.Duration
	QueueMultiplier       int    `koanf:"queue_multiplier"`
	Host                  string `koanf:"host"`
	SecurityScopeName     string `koanf:"user_security_scope"`
	RegistryPath          string `koanf:"registry_path"`
	SecuritySecret        string `koanf:"security_secret"`
	AdminAddr             string `koanf:"admin_addr"`
}

// rawConfig mirrors Config but keeps the inactivity timeout as the raw
// duration string koanf decodes from the environment; mapstructure has
// no built-in string->time.Duration conversion, so it is parsed
// separately in Load.
type rawConfig struct {
	Config               `koanf:",squash"`
	InactivityTimeoutRaw string `koanf:"user_hub_inactivity_timeout"`
}

// defaults mirrors spec §6's documented default values.
func defaults() map[string]any {
	return map[string]any{
		"addr":                        ":4327",
		"max_connections_per_user":    10,
		"user_hub_inactivity_timeout": "300s",
		"queue_multiplier":            100,
		"host":                        "",
		"user_security_scope":         "",
		"registry_path":               "plugins.yaml",
		"security_secret":             "",
		"admin_addr":                  ":4328",
	}
}

// Load reads configuration from process environment variables
// (RELAY_ prefixed, e.g. RELAY_HOST), layered over the documented
// defaults.
func Load() (*Config, error) {
	k := koanf.New(".")
	if err := k.Load(confmap.Provider(defaults(), "."), nil); err != nil {
		return nil, fmt.Errorf("config: load defaults: %w", err)
	}

	envProvider := env.Provider("RELAY_", ".", func(s string) string {
		return strings.ToLower(strings.TrimPrefix(s, "RELAY_"))
	})
	if err := k.Load(envProvider, nil); err != nil {
		return nil, fmt.Errorf("config: load environment: %w", err)
	}

	var raw rawConfig
	if err := k.Unmarshal("", &raw); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}

	d, err := time.ParseDuration(raw.InactivityTimeoutRaw)
	if err != nil {
		return nil, fmt.Errorf("config: parse user_hub_inactivity_timeout: %w", err)
	}
	cfg := raw.Config
	cfg.InactivityTimeout = d
	return &cfg, nil
}

// Validate enforces the required-non-empty fields spec §6 and §7 name
// as fatal structural errors at Central Hub startup.
func (c *Config) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("config: host is required")
	}
	if c.SecurityScopeName == "" {
		return fmt.Errorf("config: user_security_scope is required")
	}
	if c.MaxConnectionsPerUser <= 0 {
		return fmt.Errorf("config: max_connections_per_user must be positive")
	}
	if c.InactivityTimeout <= 0 {
		return fmt.Errorf("config: user_hub_inactivity_timeout must be positive")
	}
	if c.QueueMultiplier <= 0 {
		return fmt.Errorf("config: queue_multiplier must be positive")
	}
	return nil
}

// GCCheckInterval is the derived ticker period spec §6 defines as
// floor(inactivity/2.5) seconds.
func (c *Config) GCCheckInterval() time.Duration {
	return time.Duration(float64(c.InactivityTimeout) / 2.5).Truncate(time.Second)
}

// HeartbeatInterval is the derived period spec §6 defines as
// floor(inactivity/5) seconds. It is not consumed by the hub hierarchy
// itself (spec §5: "only two timers exist"), and neither the admin
// surface nor the transport in this repository reads it.
func (c *Config) HeartbeatInterval() time.Duration {
	return time.Duration(float64(c.InactivityTimeout) / 5).Truncate(time.Second)
}

// QueueSize is the derived mailbox capacity spec §6 defines as
// max_connections_per_user * queue_multiplier.
func (c *Config) QueueSize() int {
	return c.MaxConnectionsPerUser * c.QueueMultiplier
}
