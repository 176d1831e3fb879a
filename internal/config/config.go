package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/somesky/flocker/internal/domain"
)

// ControlConfig holds the control-plane settings.
type ControlConfig struct {
	PollInterval      int                         `mapstructure:"poll_interval"`
	HostExpirySeconds int                         `mapstructure:"host_expiry_seconds"`
	Services          map[string][]ExposureConfig `mapstructure:"services"`
}

// ExposureConfig declares one port exposure for an application in the
// service map.
type ExposureConfig struct {
	Protocol     string `mapstructure:"protocol"`
	InternalPort int    `mapstructure:"internal_port"`
	ExternalPort int    `mapstructure:"external_port"`
}

// ServiceMap converts the configured exposures into the domain type.
func (c ControlConfig) ServiceMap() domain.ServiceMap {
	services := make(domain.ServiceMap, len(c.Services))
	for name, exposures := range c.Services {
		for _, e := range exposures {
			services[name] = append(services[name], domain.Exposure{
				Protocol:     domain.Protocol(strings.ToLower(e.Protocol)),
				InternalPort: e.InternalPort,
				ExternalPort: e.ExternalPort,
			})
		}
	}
	return services
}

// HostExpiry returns the configured stale-host TTL, zero meaning no
// expiry.
func (c ControlConfig) HostExpiry() time.Duration {
	return time.Duration(c.HostExpirySeconds) * time.Second
}

// AgentConfig holds the node-agent settings.
type AgentConfig struct {
	Hostname          string `mapstructure:"hostname"`
	HeartbeatInterval int    `mapstructure:"heartbeat_interval"`
}

// RoutingConfig selects and parameterizes the rule backend.
type RoutingConfig struct {
	Backend string `mapstructure:"backend"` // "iptables" or "memory"
	Chain   string `mapstructure:"chain"`
}

// EtcdConfig holds the report-transport settings.
type EtcdConfig struct {
	Endpoints   []string `mapstructure:"endpoints"`
	Prefix      string   `mapstructure:"prefix"`
	DialTimeout int      `mapstructure:"dial_timeout"`
}

// LoggingConfig holds the logging-related configuration.
type LoggingConfig struct {
	Level string `mapstructure:"log_level"`
}

// Config is the top-level configuration struct.
type Config struct {
	Control ControlConfig `mapstructure:"control"`
	Agent   AgentConfig   `mapstructure:"agent"`
	Routing RoutingConfig `mapstructure:"routing"`
	Etcd    EtcdConfig    `mapstructure:"etcd"`
	Logging LoggingConfig `mapstructure:"log"`
}

// InitConfig performs the initial configuration: setting defaults, specifying the config file, and reading it.
func InitConfig() error {
	viper.SetDefault("control.poll_interval", 5)
	viper.SetDefault("control.host_expiry_seconds", 0)
	viper.SetDefault("agent.hostname", "")
	viper.SetDefault("agent.heartbeat_interval", 10)
	viper.SetDefault("routing.backend", "iptables")
	viper.SetDefault("routing.chain", "FLOCKER-ROUTE")
	viper.SetDefault("etcd.endpoints", []string{"localhost:2379"})
	viper.SetDefault("etcd.prefix", "/flocker")
	viper.SetDefault("etcd.dial_timeout", 2)
	viper.SetDefault("log.log_level", "INFO")

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return fmt.Errorf("error reading config file: %w", err)
		}
		// If the file is not found, just continue with defaults and env vars.
	}

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	return nil
}

// Load unmarshals the configuration into the Config struct.
func Load() (*Config, error) {
	if err := InitConfig(); err != nil {
		return nil, err
	}
	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("unable to decode into struct: %w", err)
	}
	return &config, nil
}
