package orchestrator

import (
	"time"

	"github.com/kursadbilgin/broker-orchestrator/internal/domain"
	"github.com/kursadbilgin/broker-orchestrator/internal/retry"
)

// Config is fixed at construction.
type Config struct {
	EnableFallback bool
	FallbackOrder  []domain.BrokerType
	MaxRetries     int
	RetryDelay     time.Duration
	CacheEnabled   bool
}

func (c Config) withDefaults() Config {
	if c.MaxRetries <= 0 {
		c.MaxRetries = retry.DefaultMaxRetries
	}
	if c.RetryDelay < 0 {
		c.RetryDelay = 0
	}
	c.FallbackOrder = append([]domain.BrokerType(nil), c.FallbackOrder...)
	return c
}

// candidates returns the providers to try for an instance: the primary alone,
// or the primary followed by the fallback order without duplicates.
func (c Config) candidates(primary domain.BrokerType) []domain.BrokerType {
	if !c.EnableFallback {
		return []domain.BrokerType{primary}
	}

	out := make([]domain.BrokerType, 0, len(c.FallbackOrder)+1)
	seen := make(map[domain.BrokerType]struct{}, len(c.FallbackOrder)+1)
	for _, b := range append([]domain.BrokerType{primary}, c.FallbackOrder...) {
		if _, ok := seen[b]; ok {
			continue
		}
		seen[b] = struct{}{}
		out = append(out, b)
	}
	return out
}
