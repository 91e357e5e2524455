// Package config содержит логику чтения конфигурации сервиса активации кодов.
package config

import (
	"errors"
	"flag"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

const (
	defaultRunAddress = "localhost:8080"
	defaultGameAPIURL = "https://wos-giftcode-api.centurygame.com"
)

// Config содержит параметры конфигурации сервиса.
type Config struct {
	RunAddress    string `env:"RUN_ADDRESS"`
	DatabaseURI   string `env:"DATABASE_URI"`
	GameAPIURL    string `env:"GAME_API_URL"`
	GameAPISecret string `env:"GAME_API_SECRET" envDefault:"tB87#kPtkxqOS2"`
	CodeFeedURL   string `env:"CODE_FEED_URL"`

	DiscoveryInterval time.Duration `env:"DISCOVERY_INTERVAL" envDefault:"1h"`
	RateLimitCooldown time.Duration `env:"RATE_LIMIT_COOLDOWN" envDefault:"60s"`
	// LookupMaxRetries ограничивает повторы запроса аккаунта после 429, 0 снимает ограничение.
	// Без ограничения прогон не теряет аккаунты, но может надолго остановиться.
	LookupMaxRetries int           `env:"LOOKUP_MAX_RETRIES" envDefault:"0"`
	RedeemMaxRetries int           `env:"REDEEM_MAX_RETRIES" envDefault:"3"`
	RequestInterval  time.Duration `env:"REQUEST_INTERVAL" envDefault:"0s"`
	RequestTimeout   time.Duration `env:"REQUEST_TIMEOUT" envDefault:"10s"`
	AccountTimeout   time.Duration `env:"ACCOUNT_TIMEOUT" envDefault:"0s"`
	MaxParallelRuns  int           `env:"MAX_PARALLEL_RUNS" envDefault:"1"`

	NotifyWebhookURL string `env:"NOTIFY_WEBHOOK_URL"`
	AuthSecret       string `env:"AUTH_SECRET"`
	AutoRedeem       bool   `env:"AUTO_REDEEM" envDefault:"false"`
}

// Parse считывает конфигурацию из флагов командной строки и переменных окружения.
// Переменные окружения имеют приоритет над флагами.
func Parse() (*Config, error) {
	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	envRunAddress := cfg.RunAddress
	envDatabaseURI := cfg.DatabaseURI
	envGameAPIURL := cfg.GameAPIURL
	envCodeFeedURL := cfg.CodeFeedURL

	flag.StringVar(&cfg.RunAddress, "a", defaultRunAddress, "address and port for HTTP server")
	flag.StringVar(&cfg.DatabaseURI, "d", "", "database URI")
	flag.StringVar(&cfg.GameAPIURL, "g", defaultGameAPIURL, "game API base URL")
	flag.StringVar(&cfg.CodeFeedURL, "f", "", "gift code feed URL")

	flag.Parse()

	if envRunAddress != "" {
		cfg.RunAddress = envRunAddress
	}
	if envDatabaseURI != "" {
		cfg.DatabaseURI = envDatabaseURI
	}
	if envGameAPIURL != "" {
		cfg.GameAPIURL = envGameAPIURL
	}
	if envCodeFeedURL != "" {
		cfg.CodeFeedURL = envCodeFeedURL
	}

	if cfg.RunAddress == "" {
		cfg.RunAddress = defaultRunAddress
	}
	if cfg.GameAPIURL == "" {
		cfg.GameAPIURL = defaultGameAPIURL
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	var errs []error

	if c.LookupMaxRetries < 0 {
		errs = append(errs, errors.New("LOOKUP_MAX_RETRIES must not be negative"))
	}
	if c.RedeemMaxRetries < 1 {
		errs = append(errs, errors.New("REDEEM_MAX_RETRIES must be positive"))
	}
	if c.MaxParallelRuns < 1 {
		errs = append(errs, errors.New("MAX_PARALLEL_RUNS must be positive"))
	}
	if c.DiscoveryInterval <= 0 {
		errs = append(errs, errors.New("DISCOVERY_INTERVAL must be positive"))
	}

	return errors.Join(errs...)
}
