package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

type Config struct {
	Addr     string `env:"SALEQ_ADDR" envDefault:":8080"`
	DBPath   string `env:"SALEQ_DB" envDefault:"./salequeue.db"`
	LogLevel string `env:"SALEQ_LOG_LEVEL" envDefault:"info"`

	MonitorInterval time.Duration `env:"SALEQ_MONITOR_INTERVAL" envDefault:"500ms"`
	// StaleAfter is how long a waiting job may go without a status poll.
	StaleAfter    time.Duration `env:"SALEQ_STALE_AFTER" envDefault:"30s"`
	CheckoutHold  time.Duration `env:"SALEQ_CHECKOUT_HOLD" envDefault:"10m"`
	ReleaseBatch  int           `env:"SALEQ_RELEASE_BATCH" envDefault:"10"`
	MaxInCheckout int           `env:"SALEQ_MAX_IN_CHECKOUT" envDefault:"0"`
	Retention     time.Duration `env:"SALEQ_RETENTION" envDefault:"24h"`

	RedisAddr     string `env:"SALEQ_REDIS_ADDR"`
	RedisPassword string `env:"SALEQ_REDIS_PASSWORD"`
	CheckoutQueue string `env:"SALEQ_CHECKOUT_QUEUE" envDefault:"checkout"`
}

// Load reads the configuration from the process environment.
func Load() (Config, error) {
	var c Config
	if err := env.Parse(&c); err != nil {
		return Config{}, err
	}
	return c, c.Validate()
}

// LoadFrom parses an explicit environment map. Used by tests and tooling.
func LoadFrom(environ map[string]string) (Config, error) {
	var c Config
	if err := env.ParseWithOptions(&c, env.Options{Environment: environ}); err != nil {
		return Config{}, err
	}
	return c, c.Validate()
}

func (c Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("SALEQ_ADDR must not be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("SALEQ_DB must not be empty")
	}
	if c.MonitorInterval <= 0 {
		return fmt.Errorf("SALEQ_MONITOR_INTERVAL must be > 0")
	}
	if c.StaleAfter <= 0 {
		return fmt.Errorf("SALEQ_STALE_AFTER must be > 0")
	}
	if c.CheckoutHold <= 0 {
		return fmt.Errorf("SALEQ_CHECKOUT_HOLD must be > 0")
	}
	if c.ReleaseBatch <= 0 {
		return fmt.Errorf("SALEQ_RELEASE_BATCH must be > 0")
	}
	if c.MaxInCheckout < 0 {
		return fmt.Errorf("SALEQ_MAX_IN_CHECKOUT must be >= 0")
	}
	return nil
}

// Client is the environment of the command-line client. Flags override it.
type Client struct {
	URL     string        `env:"SALEQ_URL" envDefault:"http://localhost:8080"`
	Timeout time.Duration `env:"SALEQ_TIMEOUT" envDefault:"10s"`
}

// LoadClient reads the client settings from the process environment.
func LoadClient() (Client, error) {
	var c Client
	err := env.Parse(&c)
	return c, err
}

// LoadClientFrom parses an explicit environment map.
func LoadClientFrom(environ map[string]string) (Client, error) {
	var c Client
	err := env.ParseWithOptions(&c, env.Options{Environment: environ})
	return c, err
}
