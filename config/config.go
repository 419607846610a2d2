// Package config loads the Configuration surface (spec §6) via viper, with
// fsnotify-backed hot reload for the NUMA/GPU threshold fields that may
// change without a restart.
package config

import (
	"fmt"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// ServerlessConfig mirrors §6 Serverless.
type ServerlessConfig struct {
	Enabled             bool `mapstructure:"enabled"`
	IdleTimeoutSeconds  int  `mapstructure:"idleTimeout"`
	CheckIntervalSeconds int `mapstructure:"checkInterval"`
	MinimumActiveActors int  `mapstructure:"minimumActiveActors"`
}

// NumaConfig mirrors §6 Placement.Numa.
type NumaConfig struct {
	Enabled                       bool                `mapstructure:"enabled"`
	BalancedPlacement             bool                `mapstructure:"balancedPlacement"`
	NodeCPUThreshold              float64             `mapstructure:"nodeCpuThreshold"`
	NodeMemoryThreshold           float64             `mapstructure:"nodeMemoryThreshold"`
	MetricsRefreshIntervalSeconds int                 `mapstructure:"metricsRefreshIntervalSeconds"`
	AffinityGroups                map[string][]string `mapstructure:"affinityGroups"`
}

// GpuConfig mirrors §6 Placement.Gpu.
type GpuConfig struct {
	Enabled                  bool     `mapstructure:"enabled"`
	Backend                  string   `mapstructure:"backend"`
	DeviceSelectionStrategy  string   `mapstructure:"deviceSelectionStrategy"`
	AcceleratedActorTypes    []string `mapstructure:"acceleratedActorTypes"`
	AllowCPUFallback         bool     `mapstructure:"allowCpuFallback"`
	MaxGpuComputeUtilization float64  `mapstructure:"maxGpuComputeUtilization"`
	MaxGpuMemoryUtilization  float64  `mapstructure:"maxGpuMemoryUtilization"`
}

// PlacementConfig nests Numa and Gpu exactly as §6 lists them.
type PlacementConfig struct {
	Numa NumaConfig `mapstructure:"numa"`
	Gpu  GpuConfig  `mapstructure:"gpu"`
}

// ClientConfig mirrors §6 Client.
type ClientConfig struct {
	ClientID   string `mapstructure:"clientId"`
	MaxRetries int    `mapstructure:"maxRetries"`
}

// SupervisionConfig mirrors §6 Supervision.
type SupervisionConfig struct {
	RestartWindowSeconds int `mapstructure:"restartWindow"`
	RestartThreshold     int `mapstructure:"restartThreshold"`
}

// Config is the root Configuration surface (§6).
type Config struct {
	SiloID      string            `mapstructure:"siloId"`
	AmqpURI     string            `mapstructure:"amqpUri"`
	ConsulAddr  string            `mapstructure:"consulAddr"`
	Serverless  ServerlessConfig  `mapstructure:"serverless"`
	Placement   PlacementConfig   `mapstructure:"placement"`
	Client      ClientConfig      `mapstructure:"client"`
	Supervision SupervisionConfig `mapstructure:"supervision"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("serverless.enabled", true)
	v.SetDefault("serverless.idleTimeout", 300)
	v.SetDefault("serverless.checkInterval", 5)
	v.SetDefault("serverless.minimumActiveActors", 0)

	v.SetDefault("placement.numa.metricsRefreshIntervalSeconds", 10)
	v.SetDefault("placement.gpu.deviceSelectionStrategy", "LeastUtilized")
	v.SetDefault("placement.gpu.allowCpuFallback", true)

	v.SetDefault("client.maxRetries", 3)

	v.SetDefault("supervision.restartWindow", 60)
	v.SetDefault("supervision.restartThreshold", 5)
}

// Loader loads and hot-reloads Config from a file plus CLI flags/env
// overrides, mirroring the teacher's config.LoadConfig entry point.
type Loader struct {
	v *viper.Viper

	mu  sync.RWMutex
	cur *Config
}

// NewLoader builds a Loader reading configPath (if non-empty) or the
// conventional "quark.yaml" search path, with QUARK_-prefixed env overrides
// and flags bound from fs.
func NewLoader(configPath string, fs *pflag.FlagSet) (*Loader, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("QUARK")
	v.AutomaticEnv()

	if fs != nil {
		if err := v.BindPFlags(fs); err != nil {
			return nil, fmt.Errorf("config: bind flags: %w", err)
		}
	}

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("quark")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/quark")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("config: read config: %w", err)
		}
	}

	l := &Loader{v: v}
	if err := l.reload(); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *Loader) reload() error {
	var cfg Config
	if err := l.v.Unmarshal(&cfg); err != nil {
		return fmt.Errorf("config: unmarshal: %w", err)
	}
	l.mu.Lock()
	l.cur = &cfg
	l.mu.Unlock()
	return nil
}

// Current returns the most recently loaded Config snapshot.
func (l *Loader) Current() Config {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return *l.cur
}

// WatchAndReload installs an fsnotify watcher via viper.WatchConfig so
// NUMA/GPU thresholds (and any other field) reload without a restart
// (§2 ambient stack).
func (l *Loader) WatchAndReload(onChange func(Config)) {
	l.v.OnConfigChange(func(_ fsnotify.Event) {
		if err := l.reload(); err != nil {
			return
		}
		if onChange != nil {
			onChange(l.Current())
		}
	})
	l.v.WatchConfig()
}
