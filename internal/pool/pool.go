// Package pool tracks health and availability state for the credential set.
//
// The pool owns every credential status transition. Cooldown expiry is lazy:
// rate_limited/quota_exceeded credentials are promoted back to active as a
// side effect of the availability getters once their reset instant has
// passed, so no background timer is needed.
package pool

import (
	"sync"
	"time"

	"genpool/internal/classify"
	logx "genpool/pkg/logx"
)

const (
	rateLimitCooldown = 90 * time.Second
	quotaCooldown     = time.Hour

	// softDisableThreshold moves a credential to StatusError after this many
	// consecutive unclassified failures. Error credentials are skipped by
	// rotation but kept in the pool; one success reactivates them.
	softDisableThreshold = 3
)

// Pool holds the credential set behind a single mutex.
//
// One pool-wide lock (rather than per-credential locks) keeps the compound
// read-promote-select paths atomic; contention is negligible next to network
// round-trips.
type Pool struct {
	mu    sync.Mutex
	creds []*Credential

	now func() time.Time
	log logx.Logger
}

// Option configures a Pool.
type Option func(*Pool)

// WithClock overrides the time source (tests).
func WithClock(now func() time.Time) Option {
	return func(p *Pool) { p.now = now }
}

func WithLogger(log logx.Logger) Option {
	return func(p *Pool) { p.log = log }
}

// New builds a pool from raw secrets. Empty secrets are skipped, duplicates
// keep the first occurrence.
func New(secrets []string, opts ...Option) *Pool {
	p := &Pool{now: time.Now, log: logx.Nop()}
	for _, o := range opts {
		o(p)
	}
	seen := map[string]bool{}
	for _, s := range secrets {
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		p.creds = append(p.creds, newCredential(s, ""))
	}
	return p
}

// Len returns the total pool size, regardless of status.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.creds)
}

// Add inserts a new credential in active state. Adding an existing secret is
// a no-op (the current state is preserved).
func (p *Pool) Add(secret string) {
	if secret == "" {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, c := range p.creds {
		if c.secret == secret {
			return
		}
	}
	c := newCredential(secret, "")
	p.creds = append(p.creds, c)
	p.log.Info("pool.credential_added", logx.String("credential", c.label), logx.Int("pool_size", len(p.creds)))
}

// Remove drops a credential from the pool entirely.
func (p *Pool) Remove(secret string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, c := range p.creds {
		if c.secret == secret {
			p.creds = append(p.creds[:i], p.creds[i+1:]...)
			p.log.Info("pool.credential_removed", logx.String("credential", c.label), logx.Int("pool_size", len(p.creds)))
			return true
		}
	}
	return false
}

// promoteExpiredLocked lazily returns cooled-down credentials to active.
// Idempotent: a promoted credential has its resetAt cleared, so repeated
// calls cannot re-trigger the transition.
func (p *Pool) promoteExpiredLocked() {
	now := p.now()
	for _, c := range p.creds {
		if c.resetAt.IsZero() || now.Before(c.resetAt) {
			continue
		}
		if c.status == StatusRateLimited || c.status == StatusQuotaExceeded {
			prev := c.status
			c.status = StatusActive
			c.resetAt = time.Time{}
			p.log.Debug("pool.credential_reactivated", logx.String("credential", c.label), logx.String("from", string(prev)))
		}
	}
}

// AllAvailable returns every active credential, promoting expired cooldowns
// first.
func (p *Pool) AllAvailable() []*Credential {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.promoteExpiredLocked()
	out := make([]*Credential, 0, len(p.creds))
	for _, c := range p.creds {
		if c.status == StatusActive {
			out = append(out, c)
		}
	}
	return out
}

// All returns every credential regardless of status, in pool order.
func (p *Pool) All() []*Credential {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Credential, len(p.creds))
	copy(out, p.creds)
	return out
}

// Current returns the first available credential, or nil if none.
func (p *Pool) Current() *Credential {
	avail := p.AllAvailable()
	if len(avail) == 0 {
		return nil
	}
	return avail[0]
}

// ByRoundRobin returns available[i mod len(available)], or nil if the pool
// has no available credential. Selection is a pure function of the request
// index and the current available-set size.
func (p *Pool) ByRoundRobin(i int) *Credential {
	avail := p.AllAvailable()
	if len(avail) == 0 {
		return nil
	}
	if i < 0 {
		i = -i
	}
	return avail[i%len(avail)]
}

// Best returns the available credential with the highest score, or nil.
// The executor passes the quota tracker's remaining-headroom ratio here when
// smart selection is enabled instead of strict round-robin.
func (p *Pool) Best(score func(*Credential) float64) *Credential {
	avail := p.AllAvailable()
	if len(avail) == 0 {
		return nil
	}
	if score == nil {
		return avail[0]
	}
	best := avail[0]
	bestScore := score(best)
	for _, c := range avail[1:] {
		if s := score(c); s > bestScore {
			best, bestScore = c, s
		}
	}
	return best
}

// StatusOf returns the credential's current status. Status reads go through
// the pool so they see a consistent view under the pool lock.
func (p *Pool) StatusOf(c *Credential) Status {
	if c == nil {
		return StatusInvalid
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return c.status
}

// RecordSuccess zeroes the error count and bumps usage counters.
// It promotes rate_limited/error back to active; quota_exceeded and invalid
// reflect account-level state and are never promoted by a success.
func (p *Pool) RecordSuccess(c *Credential) {
	if c == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	c.errorCount = 0
	c.requestCount++
	c.lastUsedAt = p.now()
	switch c.status {
	case StatusRateLimited, StatusError:
		c.status = StatusActive
		c.resetAt = time.Time{}
	}
}

// RecordFailure applies the status state machine for one classified failure.
//
//	rate limit     -> rate_limited, cooldown 90s
//	quota exceeded -> quota_exceeded, cooldown 1h
//	auth           -> invalid (terminal until removed/replaced)
//	invalid model  -> no credential transition (a model problem, not a key problem)
//	anything else  -> errorCount++, soft-disable at the threshold
func (p *Pool) RecordFailure(c *Credential, kind classify.Kind) {
	if c == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	// Invalid is terminal: only Remove/Add replaces such a credential, and
	// no later failure may resurrect it into a cooldown state.
	if c.status == StatusInvalid {
		return
	}
	now := p.now()
	c.lastUsedAt = now

	switch kind {
	case classify.KindRateLimit:
		c.status = StatusRateLimited
		c.resetAt = now.Add(rateLimitCooldown)
		p.log.Warn("pool.credential_rate_limited", logx.String("credential", c.label), logx.Time("reset_at", c.resetAt))
	case classify.KindQuotaExceeded:
		c.status = StatusQuotaExceeded
		c.resetAt = now.Add(quotaCooldown)
		p.log.Warn("pool.credential_quota_exceeded", logx.String("credential", c.label), logx.Time("reset_at", c.resetAt))
	case classify.KindAuth:
		c.status = StatusInvalid
		c.resetAt = time.Time{}
		p.log.Error("pool.credential_invalid", logx.String("credential", c.label))
	case classify.KindInvalidModel:
		// Model fallback is handled by the chain; the credential is fine.
	default:
		c.errorCount++
		if c.errorCount >= softDisableThreshold && c.status == StatusActive {
			c.status = StatusError
			p.log.Warn("pool.credential_soft_disabled", logx.String("credential", c.label), logx.Int("error_count", c.errorCount))
		}
	}
}

// ResetRateLimited flips every rate_limited credential back to active.
// Used when the model chain advances (rate limits are model-scoped) and
// before restarting from the first model after full exhaustion.
// quota_exceeded/invalid are account-level and stay untouched.
func (p *Pool) ResetRateLimited() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, c := range p.creds {
		if c.status == StatusRateLimited {
			c.status = StatusActive
			c.resetAt = time.Time{}
			n++
		}
	}
	if n > 0 {
		p.log.Debug("pool.rate_limits_reset", logx.Int("count", n))
	}
	return n
}

// Snapshot returns a read-only copy of every credential's state.
func (p *Pool) Snapshot() []Info {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Info, 0, len(p.creds))
	for _, c := range p.creds {
		out = append(out, c.info())
	}
	return out
}
