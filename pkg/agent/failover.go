package agent

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/harun/halte/internal/config"
	"github.com/harun/halte/internal/observability"
	"github.com/harun/halte/internal/tracing"
	"github.com/rs/zerolog/log"
)

// ChainEntry is one provider in a failover chain. Lower Priority is tried first.
type ChainEntry struct {
	ID       string
	Provider LLMProvider
	Priority int
}

type chainState struct {
	ChainEntry
	failures      int
	cooldownUntil time.Time
}

// Chain tries providers in priority order. A provider that fails with a
// retryable error cools down for cooldown × consecutive failures.
type Chain struct {
	mu       sync.Mutex
	entries  []*chainState
	cooldown time.Duration
	clock    func() time.Time
}

// NewChain creates a failover chain.
func NewChain(cooldown time.Duration, entries ...ChainEntry) *Chain {
	observability.EnsureRegistered()

	states := make([]*chainState, 0, len(entries))
	for _, e := range entries {
		states = append(states, &chainState{ChainEntry: e})
	}
	sort.SliceStable(states, func(i, j int) bool { return states[i].Priority < states[j].Priority })

	return &Chain{entries: states, cooldown: cooldown, clock: time.Now}
}

// BuildChain creates providers for every profile.
func BuildChain(profiles []config.AIProfile, factory ProviderCreator, cooldown time.Duration) (*Chain, error) {
	if factory == nil {
		factory = &ProviderFactory{}
	}
	entries := make([]ChainEntry, 0, len(profiles))
	for _, p := range profiles {
		provider, err := factory.NewProvider(p)
		if err != nil {
			return nil, fmt.Errorf("failed to create provider %s: %w", p.ID, err)
		}
		entries = append(entries, ChainEntry{ID: p.ID, Provider: provider, Priority: p.Priority})
	}
	return NewChain(cooldown, entries...), nil
}

// Provider returns the provider name
func (c *Chain) Provider() string {
	return "chain"
}

// Len returns the number of providers.
func (c *Chain) Len() int {
	return len(c.entries)
}

// candidates returns ready entries in priority order. When every entry is
// cooling down, the one that recovers first is returned alone.
func (c *Chain) candidates() []*chainState {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock()
	var ready []*chainState
	var soonest *chainState
	for _, e := range c.entries {
		if now.Before(e.cooldownUntil) {
			observability.SetProviderCooldown(e.ID, true)
			if soonest == nil || e.cooldownUntil.Before(soonest.cooldownUntil) {
				soonest = e
			}
			continue
		}
		ready = append(ready, e)
	}
	if len(ready) == 0 && soonest != nil {
		ready = []*chainState{soonest}
	}
	return ready
}

// Call tries each ready provider until one succeeds. Non-retryable errors
// stop the chain.
func (c *Chain) Call(ctx context.Context, request LLMRequest) (*LLMResponse, error) {
	logger := tracing.LoggerFromContext(ctx, log.Logger)

	candidates := c.candidates()
	if len(candidates) == 0 {
		return nil, ErrNoProviders
	}

	var lastErr error
	for _, e := range candidates {
		start := time.Now()
		resp, err := e.Provider.Call(ctx, request)
		observability.RecordCompletion(e.Provider.Provider(), time.Since(start), err == nil)

		if err == nil {
			c.markSuccess(e)
			return resp, nil
		}

		lastErr = err
		logger.Warn().Str("profile", e.ID).Err(err).Msg("Completion provider failed")

		if ctx.Err() != nil {
			return nil, err
		}
		if !IsRetryableError(err) {
			return nil, err
		}
		c.markFailure(e)
	}

	return nil, fmt.Errorf("all providers failed: %w", lastErr)
}

func (c *Chain) markSuccess(e *chainState) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e.failures = 0
	e.cooldownUntil = time.Time{}
	observability.SetProviderCooldown(e.ID, false)
}

func (c *Chain) markFailure(e *chainState) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e.failures++
	if c.cooldown > 0 {
		e.cooldownUntil = c.clock().Add(time.Duration(e.failures) * c.cooldown)
		observability.SetProviderCooldown(e.ID, true)
	}
}
