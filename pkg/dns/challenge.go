package dns

import (
	"context"
	"fmt"
	"time"

	"github.com/go-acme/lego/v4/challenge/dns01"

	"github.com/cuemby/press/pkg/log"
	"github.com/cuemby/press/pkg/types"
)

// ChallengeProvider solves ACME DNS-01 challenges through a root domain's
// Provider. It satisfies lego's challenge.Provider and challenge.ProviderTimeout.
type ChallengeProvider struct {
	provider Provider
	timeout  time.Duration
	interval time.Duration
}

// NewChallengeProvider wraps p; timeout bounds how long lego waits for the
// TXT record to propagate
func NewChallengeProvider(p Provider, timeout time.Duration) *ChallengeProvider {
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &ChallengeProvider{
		provider: p,
		timeout:  timeout,
		interval: 5 * time.Second,
	}
}

// Present publishes the TXT record for the challenge
func (c *ChallengeProvider) Present(domain, token, keyAuth string) error {
	info := dns01.GetChallengeInfo(domain, keyAuth)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := c.provider.Upsert(ctx, info.EffectiveFQDN, types.DNSRecordTXT, info.Value); err != nil {
		return fmt.Errorf("failed to present DNS-01 challenge for %s: %w", domain, err)
	}

	log.Logger.Info().Str("domain", domain).Str("fqdn", info.EffectiveFQDN).Msg("Presented DNS-01 challenge")
	return nil
}

// CleanUp removes the TXT record again
func (c *ChallengeProvider) CleanUp(domain, token, keyAuth string) error {
	info := dns01.GetChallengeInfo(domain, keyAuth)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := c.provider.Delete(ctx, info.EffectiveFQDN); err != nil {
		return fmt.Errorf("failed to clean up DNS-01 challenge for %s: %w", domain, err)
	}
	return nil
}

// Timeout returns the propagation timeout and polling interval
func (c *ChallengeProvider) Timeout() (time.Duration, time.Duration) {
	return c.timeout, c.interval
}
