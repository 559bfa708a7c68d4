// Package modelchain holds the ordered fallback list of service variants.
//
// A chain is an ordered list of model profiles for a named strategy with
// exactly one active index. The chain itself is pure position bookkeeping;
// the side effects of advancing (clearing model-scoped rate limits on the
// pool, refreshing tracker limits) are orchestrated by the scheduler so the
// chain stays free of pool/quota state.
package modelchain

import (
	"fmt"
	"strings"
	"sync"

	"genpool/internal/quota"
)

// Profile is one service variant with its quota limits.
type Profile struct {
	Model  string       `json:"model"`
	Limits quota.Limits `json:"limits"`
}

// Built-in strategy names.
const (
	StrategySpeed   = "speed"
	StrategyQuality = "quality"
)

// DefaultStrategies returns the stock chains: "speed" orders models by raw
// throughput (bulk classification work), "quality" by capability (generation
// work). Config may override or extend these.
func DefaultStrategies() map[string][]Profile {
	flashLite := Profile{Model: "gen-flash-lite", Limits: quota.Limits{RPM: 30, TPM: 1_000_000, RPD: 1440}}
	flash := Profile{Model: "gen-flash", Limits: quota.Limits{RPM: 15, TPM: 1_000_000, RPD: 1500}}
	pro := Profile{Model: "gen-pro", Limits: quota.Limits{RPM: 5, TPM: 250_000, RPD: 100}}

	return map[string][]Profile{
		StrategySpeed:   {flashLite, flash, pro},
		StrategyQuality: {pro, flash, flashLite},
	}
}

// Chain is an ordered fallback list with one active index.
type Chain struct {
	mu       sync.Mutex
	strategy string
	profiles []Profile
	active   int
}

// New builds a chain for the named strategy.
func New(strategy string, profiles []Profile) (*Chain, error) {
	strategy = strings.TrimSpace(strategy)
	if strategy == "" {
		return nil, fmt.Errorf("modelchain: strategy name is required")
	}
	if len(profiles) == 0 {
		return nil, fmt.Errorf("modelchain: strategy %q has no models", strategy)
	}
	cp := make([]Profile, len(profiles))
	copy(cp, profiles)
	return &Chain{strategy: strategy, profiles: cp}, nil
}

// FromStrategies resolves a strategy name against a strategy set.
func FromStrategies(strategy string, set map[string][]Profile) (*Chain, error) {
	profiles, ok := set[strategy]
	if !ok {
		return nil, fmt.Errorf("modelchain: unknown strategy %q", strategy)
	}
	return New(strategy, profiles)
}

func (c *Chain) Strategy() string { return c.strategy }

func (c *Chain) Len() int { return len(c.profiles) }

// Active returns the profile at the active index.
func (c *Chain) Active() Profile {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.profiles[c.active]
}

// ActiveIndex returns the current position in the chain.
func (c *Chain) ActiveIndex() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

// Profiles returns a copy of the full ordered list.
func (c *Chain) Profiles() []Profile {
	out := make([]Profile, len(c.profiles))
	copy(out, c.profiles)
	return out
}

// TryNext advances the active index to the next fallback model. It returns
// false once the chain end is reached; the caller must then wait out a quota
// window and Reset back to the first model.
func (c *Chain) TryNext() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active+1 >= len(c.profiles) {
		return false
	}
	c.active++
	return true
}

// Reset moves the active index back to the first model.
func (c *Chain) Reset() {
	c.mu.Lock()
	c.active = 0
	c.mu.Unlock()
}
