package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/Netflix/go-env"
	"github.com/kursadbilgin/broker-orchestrator/internal/domain"
)

// The env tag syntax cannot hold a comma inside a default value.
const defaultFallbackOrder = "UAZAPI,EVOLUTION"

type Config struct {
	DatabaseDSN string `env:"DATABASE_DSN,required=true"`
	RabbitMQURL string `env:"RABBITMQ_URL,required=true"`
	RedisURL    string `env:"REDIS_URL,required=true"`

	UazapiBaseURL    string `env:"UAZAPI_BASE_URL,required=true"`
	EvolutionBaseURL string `env:"EVOLUTION_BASE_URL"`
	EvolutionAPIKey  string `env:"EVOLUTION_API_KEY"`

	EnableFallback bool   `env:"ENABLE_FALLBACK,default=false"`
	FallbackOrder  string `env:"FALLBACK_ORDER"`
	MaxRetries     int    `env:"MAX_RETRIES,default=3"`
	RetryDelayMs   int    `env:"RETRY_DELAY_MS,default=1000"`

	CacheEnabled        bool `env:"CACHE_ENABLED,default=true"`
	InstanceCacheTTLSec int  `env:"INSTANCE_CACHE_TTL_SEC,default=30"`

	BreakerFailureThreshold int `env:"BREAKER_FAILURE_THRESHOLD,default=5"`
	BreakerCooldownMs       int `env:"BREAKER_COOLDOWN_MS,default=30000"`

	SendTimeoutMs   int `env:"SEND_TIMEOUT_MS,default=15000"`
	HealthTimeoutMs int `env:"HEALTH_TIMEOUT_MS,default=5000"`

	RateLimitPerSec          int    `env:"RATE_LIMIT_PER_SEC,default=20"`
	WebhookWorkerConcurrency int    `env:"WEBHOOK_WORKER_CONCURRENCY,default=4"`
	APIPort                  int    `env:"API_PORT,default=8080"`
	LogLevel                 string `env:"LOG_LEVEL,default=info"`
}

func Load() (*Config, error) {
	var cfg Config
	_, err := env.UnmarshalFromEnviron(&cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	if strings.TrimSpace(cfg.FallbackOrder) == "" {
		cfg.FallbackOrder = defaultFallbackOrder
	}
	if _, err := cfg.FallbackProviders(); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if cfg.MaxRetries < 1 {
		return nil, fmt.Errorf("failed to load config: MAX_RETRIES must be at least 1 (got %d)", cfg.MaxRetries)
	}
	if cfg.RetryDelayMs < 0 {
		return nil, fmt.Errorf("failed to load config: RETRY_DELAY_MS must not be negative (got %d)", cfg.RetryDelayMs)
	}

	return &cfg, nil
}

// FallbackProviders parses FALLBACK_ORDER, a comma separated broker list.
func (c *Config) FallbackProviders() ([]domain.BrokerType, error) {
	var providers []domain.BrokerType
	for _, part := range strings.Split(c.FallbackOrder, ",") {
		if strings.TrimSpace(part) == "" {
			continue
		}
		b, err := domain.ParseBrokerType(part)
		if err != nil {
			return nil, fmt.Errorf("FALLBACK_ORDER: %w", err)
		}
		providers = append(providers, b)
	}
	return providers, nil
}

func (c *Config) RetryDelay() time.Duration {
	return time.Duration(c.RetryDelayMs) * time.Millisecond
}

func (c *Config) BreakerCooldown() time.Duration {
	return time.Duration(c.BreakerCooldownMs) * time.Millisecond
}

func (c *Config) SendTimeout() time.Duration {
	return time.Duration(c.SendTimeoutMs) * time.Millisecond
}

func (c *Config) HealthTimeout() time.Duration {
	return time.Duration(c.HealthTimeoutMs) * time.Millisecond
}

func (c *Config) InstanceCacheTTL() time.Duration {
	return time.Duration(c.InstanceCacheTTLSec) * time.Second
}
