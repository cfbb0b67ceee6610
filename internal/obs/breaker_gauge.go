// Copyright 2025 James Ross
package obs

import (
	"context"
	"time"

	"github.com/nimbuschain/fetch-engine/internal/breaker"
)

// StartBreakerGaugeUpdater exports each provider's circuit breaker state
// (0=closed, 1=half_open, 2=open) on the configured interval.
func StartBreakerGaugeUpdater(ctx context.Context, registry *breaker.Registry, interval time.Duration) {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				for provider, state := range registry.States() {
					ProviderBreakerState.WithLabelValues(provider).Set(float64(state))
				}
			}
		}
	}()
}
