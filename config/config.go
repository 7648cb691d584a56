// Package config loads the settings of the emulator and its clients from
// NXIPC_* environment variables.
package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"

	"nx-ipc/logging"
)

// Prefix of every environment variable, e.g. NXIPC_BRIDGE_ADDR.
const Prefix = "NXIPC"

// Config holds all settings.
type Config struct {
	Log    LogConfig
	Bridge BridgeConfig
	Etcd   EtcdConfig
	Call   CallConfig
}

// LogConfig is read from NXIPC_LOG_*.
type LogConfig struct {
	Level       string   `split_words:"true" default:"info"`
	Development bool     `split_words:"true" default:"false"`
	OutputPaths []string `split_words:"true" default:"stderr"`
}

// BridgeConfig is read from NXIPC_BRIDGE_*. Advertise defaults to Addr.
type BridgeConfig struct {
	Addr              string        `split_words:"true" default:"127.0.0.1:7140"`
	Advertise         string        `split_words:"true"`
	PointerBufferSize uint16        `split_words:"true" default:"0x500"`
	ProcessID         uint64        `split_words:"true" default:"0x51"`
	Heartbeat         time.Duration `split_words:"true" default:"30s"`
}

// EtcdConfig is read from NXIPC_ETCD_*. When disabled, endpoints live in an
// in-process registry.
type EtcdConfig struct {
	Enabled   bool     `split_words:"true" default:"false"`
	Endpoints []string `split_words:"true" default:"127.0.0.1:2379"`
	TTL       int64    `envconfig:"TTL" default:"10"`
}

// CallConfig is read from NXIPC_CALL_*. A zero RateLimit disables limiting.
type CallConfig struct {
	Timeout      time.Duration `split_words:"true" default:"5s"`
	RetryMax     int           `split_words:"true" default:"2"`
	RetryBackoff time.Duration `split_words:"true" default:"50ms"`
	RateLimit    float64       `split_words:"true" default:"0"`
	RateBurst    int           `split_words:"true" default:"16"`
}

// Load reads the configuration from the environment.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(Prefix, &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return &cfg, nil
}

// Default returns the configuration with every variable unset.
func Default() *Config {
	return &Config{
		Log: LogConfig{
			Level:       "info",
			OutputPaths: []string{"stderr"},
		},
		Bridge: BridgeConfig{
			Addr:              "127.0.0.1:7140",
			PointerBufferSize: 0x500,
			ProcessID:         0x51,
			Heartbeat:         30 * time.Second,
		},
		Etcd: EtcdConfig{
			Endpoints: []string{"127.0.0.1:2379"},
			TTL:       10,
		},
		Call: CallConfig{
			Timeout:      5 * time.Second,
			RetryMax:     2,
			RetryBackoff: 50 * time.Millisecond,
			RateBurst:    16,
		},
	}
}

// Logging converts the log settings for logging.New.
func (c *Config) Logging() logging.Config {
	return logging.Config{
		Level:       c.Log.Level,
		Development: c.Log.Development,
		OutputPaths: c.Log.OutputPaths,
	}
}

// AdvertiseAddr is the bridge address published to the registry.
func (c *Config) AdvertiseAddr() string {
	if c.Bridge.Advertise != "" {
		return c.Bridge.Advertise
	}
	return c.Bridge.Addr
}

// Usage writes the list of recognized variables to stderr.
func Usage() error {
	var cfg Config
	return envconfig.Usage(Prefix, &cfg)
}
