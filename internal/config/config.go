// Package config loads the process configuration from the environment,
// optionally seeded from a dotenv file. Invalid configuration is fatal
// at startup, never discovered mid-stream.
package config

import (
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"github.com/yanun0323/errors"

	"feedproxy/internal/router"
)

// ExchangeConfig is the upstream feed endpoint.
type ExchangeConfig struct {
	URL       string        `envconfig:"EXCHANGE_URL" required:"true"`
	APIKey    string        `envconfig:"EXCHANGE_API_KEY" required:"true"`
	Backoff   time.Duration `envconfig:"EXCHANGE_BACKOFF" default:"1s"`
	KeepAlive time.Duration `envconfig:"EXCHANGE_KEEPALIVE" default:"30s"`
}

// TierConfig is the shared per-tier server surface.
type TierConfig struct {
	Addr          string        `envconfig:"ADDR" required:"true"`
	Credential    string        `envconfig:"CREDENTIAL" required:"true"`
	QueueCapacity int           `envconfig:"QUEUE_CAPACITY" default:"4096"`
	QueuePolicy   string        `envconfig:"QUEUE_POLICY" default:"drop"`
	Grace         time.Duration `envconfig:"GRACE" default:"30s"`
}

// BarsConfig tunes the aggregator tier.
type BarsConfig struct {
	MinIntervalMs int64         `envconfig:"BARS_MIN_INTERVAL_MS" default:"1"`
	MaxIntervalMs int64         `envconfig:"BARS_MAX_INTERVAL_MS" default:"60000"`
	EmitDelay     time.Duration `envconfig:"BARS_EMIT_DELAY" default:"50ms"`
	CheckInterval time.Duration `envconfig:"BARS_CHECK_INTERVAL" default:"10ms"`
}

// RecorderConfig enables the optional bar journal when DSN is set.
type RecorderConfig struct {
	DSN       string `envconfig:"RECORDER_DSN"`
	QueueSize int    `envconfig:"RECORDER_QUEUE_SIZE" default:"8192"`
}

// OpsConfig is the health/metrics endpoint.
type OpsConfig struct {
	Addr string `envconfig:"OPS_ADDR" default:":7090"`
}

// ProfilingConfig enables continuous profiling when Address is set.
type ProfilingConfig struct {
	Address string `envconfig:"PYROSCOPE_ADDRESS"`
	AppName string `envconfig:"PYROSCOPE_APP_NAME" default:"feedproxy"`
}

// Config is the full process configuration.
type Config struct {
	Exchange  ExchangeConfig
	Firehose  TierConfig `envconfig:"FIREHOSE"`
	Bars      TierConfig `envconfig:"BARS"`
	Filtered  TierConfig `envconfig:"FILTERED"`
	BarsTier  BarsConfig
	Recorder  RecorderConfig
	Ops       OpsConfig
	Profiling ProfilingConfig
}

// Load reads the optional dotenv file, then the environment. Every
// validation failure is returned, not deferred.
func Load(dotenvPath string) (Config, error) {
	var cfg Config
	if dotenvPath != "" {
		if err := godotenv.Load(dotenvPath); err != nil && !os.IsNotExist(err) {
			return cfg, errors.Wrap(err, "load dotenv")
		}
	}
	if err := envconfig.Process("", &cfg); err != nil {
		return cfg, errors.Wrap(err, "process environment")
	}
	if err := cfg.validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.BarsTier.MinIntervalMs < 1 {
		return errors.Errorf("config: BARS_MIN_INTERVAL_MS must be >= 1, got %d", c.BarsTier.MinIntervalMs)
	}
	if c.BarsTier.MaxIntervalMs <= c.BarsTier.MinIntervalMs {
		return errors.Errorf("config: BARS_MAX_INTERVAL_MS must exceed BARS_MIN_INTERVAL_MS")
	}
	if c.BarsTier.CheckInterval <= 0 || c.BarsTier.EmitDelay < 0 {
		return errors.New("config: bar timing intervals must be positive")
	}
	for _, tier := range []TierConfig{c.Firehose, c.Bars, c.Filtered} {
		if _, err := ParsePolicy(tier.QueuePolicy); err != nil {
			return err
		}
	}
	return nil
}

// ParsePolicy maps the config token to a router overflow policy.
func ParsePolicy(name string) (router.OverflowPolicy, error) {
	switch name {
	case "drop", "":
		return router.OverflowDrop, nil
	case "block":
		return router.OverflowBlock, nil
	case "drop_oldest":
		return router.OverflowDropOldest, nil
	default:
		return 0, errors.Errorf("config: unknown queue policy %q", name)
	}
}
