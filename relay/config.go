/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package relay

import (
	"fmt"
	"time"

	"github.com/acronis/go-proxykit/config"
	"github.com/acronis/go-proxykit/dispatch"
)

const cfgDefaultKeyPrefix = "relay"

const (
	cfgKeyDialTimeout       = "dialTimeout"
	cfgKeyDialRetryInterval = "dialRetryInterval"
	cfgKeyDialMaxRetries    = "dialMaxRetries"
	cfgKeyBackendPort       = "backendPort"
	cfgKeyDNSServers        = "dnsServers"
)

// Default values.
const (
	DefaultDialTimeout       = time.Second * 10
	DefaultDialRetryInterval = time.Millisecond * 100
	DefaultDialMaxRetries    = 2
	DefaultBackendPort       = "443"
)

// Config represents a set of configuration parameters for the Forwarder.
// Configuration can be loaded in different formats (YAML, JSON) using config.Loader, viper,
// or with json.Unmarshal/yaml.Unmarshal functions directly.
type Config struct {
	// Dispatch configures the underlying admission queue.
	Dispatch *dispatch.Config `mapstructure:"dispatch" yaml:"dispatch" json:"dispatch"`

	// DialTimeout limits a single backend connection attempt. 0 means no limit.
	DialTimeout time.Duration `mapstructure:"dialTimeout" yaml:"dialTimeout" json:"dialTimeout"`

	// DialRetryInterval is the initial delay between backend dial attempts,
	// growing exponentially with each retry.
	DialRetryInterval time.Duration `mapstructure:"dialRetryInterval" yaml:"dialRetryInterval" json:"dialRetryInterval"`

	// DialMaxRetries is the number of dial retries after the first failed attempt.
	// 0 disables retrying.
	DialMaxRetries int `mapstructure:"dialMaxRetries" yaml:"dialMaxRetries" json:"dialMaxRetries"`

	// BackendPort is the port used when the request authority carries none.
	BackendPort string `mapstructure:"backendPort" yaml:"backendPort" json:"backendPort"`

	// DNSServers is an optional list of DNS server addresses (host:port) that
	// are used for resolving backend authorities instead of the system ones.
	DNSServers []string `mapstructure:"dnsServers" yaml:"dnsServers" json:"dnsServers"`

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
	return &Config{
		keyPrefix: opts.keyPrefix,
		Dispatch:  dispatch.NewConfig(),
	}
}

// NewDefaultConfig creates a new instance of the Config with default values.
func NewDefaultConfig(options ...ConfigOption) *Config {
	cfg := NewConfig(options...)
	cfg.Dispatch = dispatch.NewDefaultConfig()
	cfg.DialTimeout = DefaultDialTimeout
	cfg.DialRetryInterval = DefaultDialRetryInterval
	cfg.DialMaxRetries = DefaultDialMaxRetries
	cfg.BackendPort = DefaultBackendPort
	return cfg
}

// KeyPrefix returns a key prefix with which all configuration parameters should be presented.
// Implements config.KeyPrefixProvider interface.
func (c *Config) KeyPrefix() string {
	if c.keyPrefix == "" {
		return cfgDefaultKeyPrefix
	}
	return c.keyPrefix
}

// SetProviderDefaults sets default configuration values for the Forwarder in config.DataProvider.
// Implements config.Config interface.
func (c *Config) SetProviderDefaults(dp config.DataProvider) {
	dp.SetDefault(cfgKeyDialTimeout, DefaultDialTimeout)
	dp.SetDefault(cfgKeyDialRetryInterval, DefaultDialRetryInterval)
	dp.SetDefault(cfgKeyDialMaxRetries, DefaultDialMaxRetries)
	dp.SetDefault(cfgKeyBackendPort, DefaultBackendPort)
	config.CallSetProviderDefaultsForFields(c, dp)
}

// Set sets configuration values for the Forwarder from config.DataProvider.
// Implements config.Config interface.
func (c *Config) Set(dp config.DataProvider) error {
	var err error

	if c.DialTimeout, err = dp.GetDuration(cfgKeyDialTimeout); err != nil {
		return err
	}
	if c.DialTimeout < 0 {
		return dp.WrapKeyErr(cfgKeyDialTimeout, fmt.Errorf("should be >= 0"))
	}

	if c.DialRetryInterval, err = dp.GetDuration(cfgKeyDialRetryInterval); err != nil {
		return err
	}
	if c.DialRetryInterval <= 0 {
		return dp.WrapKeyErr(cfgKeyDialRetryInterval, fmt.Errorf("should be > 0"))
	}

	if c.DialMaxRetries, err = dp.GetInt(cfgKeyDialMaxRetries); err != nil {
		return err
	}
	if c.DialMaxRetries < 0 {
		return dp.WrapKeyErr(cfgKeyDialMaxRetries, fmt.Errorf("should be >= 0"))
	}

	if c.BackendPort, err = dp.GetString(cfgKeyBackendPort); err != nil {
		return err
	}

	if c.DNSServers, err = dp.GetStringSlice(cfgKeyDNSServers); err != nil {
		return err
	}

	return config.CallSetForFields(c, dp)
}
