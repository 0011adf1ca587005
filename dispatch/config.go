/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package dispatch

import (
	"fmt"

	"github.com/acronis/go-proxykit/config"
)

const cfgDefaultKeyPrefix = "dispatch"

const (
	cfgKeyMaxConnsPerHost = "maxConnsPerHost"
	cfgKeyUnifiedHost     = "unifiedHost"
)

// Config represents a set of configuration parameters for the Queue.
// Configuration can be loaded in different formats (YAML, JSON) using config.Loader, viper,
// or with json.Unmarshal/yaml.Unmarshal functions directly.
type Config struct {
	// MaxConnsPerHost limits the number of concurrent backend connections per
	// destination host (or globally in unified mode). 0 means unbounded.
	MaxConnsPerHost int `mapstructure:"maxConnsPerHost" yaml:"maxConnsPerHost" json:"maxConnsPerHost"`

	// UnifiedHost collapses all destinations into one shared counter and wait
	// list, so MaxConnsPerHost caps the whole queue instead of each host.
	UnifiedHost bool `mapstructure:"unifiedHost" yaml:"unifiedHost" json:"unifiedHost"`

	keyPrefix string
}

var _ config.Config = (*Config)(nil)
var _ config.KeyPrefixProvider = (*Config)(nil)

// ConfigOption is a type for functional options for the Config.
type ConfigOption func(*configOptions)

type configOptions struct {
	keyPrefix string
}

// WithKeyPrefix returns a ConfigOption that sets a key prefix for parsing configuration parameters.
// This prefix will be used by config.Loader.
func WithKeyPrefix(keyPrefix string) ConfigOption {
	return func(o *configOptions) {
		o.keyPrefix = keyPrefix
	}
}

// NewConfig creates a new instance of the Config.
func NewConfig(options ...ConfigOption) *Config {
	opts := configOptions{keyPrefix: cfgDefaultKeyPrefix}
	for _, opt := range options {
		opt(&opts)
	}
	return &Config{keyPrefix: opts.keyPrefix}
}

// NewDefaultConfig creates a new instance of the Config with default values.
func NewDefaultConfig(options ...ConfigOption) *Config {
	return NewConfig(options...)
}

// KeyPrefix returns a key prefix with which all configuration parameters should be presented.
// Implements config.KeyPrefixProvider interface.
func (c *Config) KeyPrefix() string {
	if c.keyPrefix == "" {
		return cfgDefaultKeyPrefix
	}
	return c.keyPrefix
}

// SetProviderDefaults sets default configuration values for the Queue in config.DataProvider.
// Implements config.Config interface.
func (c *Config) SetProviderDefaults(dp config.DataProvider) {
	dp.SetDefault(cfgKeyMaxConnsPerHost, 0)
	dp.SetDefault(cfgKeyUnifiedHost, false)
}

// Set sets configuration values for the Queue from config.DataProvider.
// Implements config.Config interface.
func (c *Config) Set(dp config.DataProvider) error {
	var err error

	if c.MaxConnsPerHost, err = dp.GetInt(cfgKeyMaxConnsPerHost); err != nil {
		return err
	}
	if c.MaxConnsPerHost < 0 {
		return dp.WrapKeyErr(cfgKeyMaxConnsPerHost, fmt.Errorf("should be >= 0, 0 means unbounded"))
	}

	if c.UnifiedHost, err = dp.GetBool(cfgKeyUnifiedHost); err != nil {
		return err
	}

	return nil
}

// Validate checks the configuration values consistency.
func (c *Config) Validate() error {
	if c.MaxConnsPerHost < 0 {
		return fmt.Errorf("max conns per host should be >= 0, got %d", c.MaxConnsPerHost)
	}
	return nil
}
