// Package quota tracks rolling usage windows per (credential, model) pair.
//
// Three independent counters exist per pair: requests per minute, tokens per
// minute (both 60s rolling windows), and requests per day (a 24h window
// anchored to the UTC midnight boundary). Rollover is lazy and idempotent:
// each check first advances any window whose reset instant has elapsed.
package quota

import (
	"math"
	"sync"
	"time"
)

// Limits is a model's quota profile.
type Limits struct {
	RPM int `json:"rpm"`
	TPM int `json:"tpm"`
	RPD int `json:"rpd"`
}

type window struct {
	limit   int
	used    int
	resetAt time.Time
	period  time.Duration
}

// rollover resets the window once its boundary has elapsed, then advances
// resetAt past now. Advancing in period steps keeps the daily window anchored
// to its fixed boundary no matter how long the tracker sat idle; `used` is
// zeroed once, not once per skipped period.
func (w *window) rollover(now time.Time) {
	if w.resetAt.After(now) {
		return
	}
	w.used = 0
	for !w.resetAt.After(now) {
		w.resetAt = w.resetAt.Add(w.period)
	}
}

func (w *window) remaining() float64 {
	if w.limit <= 0 {
		return 1
	}
	r := float64(w.limit-w.used) / float64(w.limit)
	if r < 0 {
		return 0
	}
	return r
}

// WindowInfo is a read-only view of one window for diagnostics and the
// progress stream.
type WindowInfo struct {
	Limit   int       `json:"limit"`
	Used    int       `json:"used"`
	ResetAt time.Time `json:"reset_at"`
}

// Usage is the per-(credential, model) snapshot.
type Usage struct {
	RPM WindowInfo `json:"rpm"`
	TPM WindowInfo `json:"tpm"`
	RPD WindowInfo `json:"rpd"`

	LastUsedAt time.Time `json:"last_used_at"`
}

type windows struct {
	rpm, tpm, rpd window
	lastUsedAt    time.Time
}

// Tracker tracks usage windows for every (credential, model) pair it has
// been initialized for. Credentials are identified by an opaque key chosen
// by the caller; the tracker never interprets or logs it.
type Tracker struct {
	mu  sync.Mutex
	m   map[string]*windows
	now func() time.Time
}

type Option func(*Tracker)

// WithClock overrides the time source (tests).
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

func NewTracker(opts ...Option) *Tracker {
	t := &Tracker{m: map[string]*windows{}, now: time.Now}
	for _, o := range opts {
		o(t)
	}
	return t
}

func pairKey(cred, model string) string { return cred + "\x00" + model }

// nextUTCMidnight returns the fixed daily boundary following now.
func nextUTCMidnight(now time.Time) time.Time {
	u := now.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC).Add(24 * time.Hour)
}

// InitFor creates the three windows for a (credential, model) pair using the
// model's configured limits. Re-initializing an existing pair resets usage;
// use EnsureFor to keep existing counters.
func (t *Tracker) InitFor(cred, model string, lim Limits) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.initLocked(cred, model, lim)
}

func (t *Tracker) initLocked(cred, model string, lim Limits) {
	now := t.now()
	minute := now.Add(time.Minute)
	t.m[pairKey(cred, model)] = &windows{
		rpm: window{limit: lim.RPM, resetAt: minute, period: time.Minute},
		tpm: window{limit: lim.TPM, resetAt: minute, period: time.Minute},
		rpd: window{limit: lim.RPD, resetAt: nextUTCMidnight(now), period: 24 * time.Hour},
	}
}

// EnsureFor initializes the pair only if it is not tracked yet. Called when
// the model chain advances so the newly active model's limits take effect
// without wiping counters accumulated earlier for that model.
func (t *Tracker) EnsureFor(cred, model string, lim Limits) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.m[pairKey(cred, model)]; !ok {
		t.initLocked(cred, model, lim)
	}
}

func (t *Tracker) get(cred, model string) *windows {
	return t.m[pairKey(cred, model)]
}

// HasHeadroom reports whether one more request of the given estimated token
// cost fits in all three windows. Windows whose reset instant has elapsed are
// rolled over first. Untracked pairs have headroom by definition.
func (t *Tracker) HasHeadroom(cred, model string, estimatedTokens int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	w := t.get(cred, model)
	if w == nil {
		return true
	}
	now := t.now()
	w.rpm.rollover(now)
	w.tpm.rollover(now)
	w.rpd.rollover(now)

	if w.rpm.limit > 0 && w.rpm.used+1 > w.rpm.limit {
		return false
	}
	if w.tpm.limit > 0 && w.tpm.used+estimatedTokens >= w.tpm.limit {
		return false
	}
	if w.rpd.limit > 0 && w.rpd.used+1 > w.rpd.limit {
		return false
	}
	return true
}

// Record charges one request with the given token usage to all three windows.
func (t *Tracker) Record(cred, model string, tokensUsed int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	w := t.get(cred, model)
	if w == nil {
		return
	}
	now := t.now()
	w.rpm.rollover(now)
	w.tpm.rollover(now)
	w.rpd.rollover(now)

	w.rpm.used++
	w.tpm.used += tokensUsed
	w.rpd.used++
	w.lastUsedAt = now
}

// RemainingPct returns the minimum remaining ratio across the pair's three
// windows, in [0, 1]. This is the scoring function for max-headroom
// credential selection. Untracked pairs score a full 1.
func (t *Tracker) RemainingPct(cred, model string) float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	w := t.get(cred, model)
	if w == nil {
		return 1
	}
	now := t.now()
	w.rpm.rollover(now)
	w.tpm.rollover(now)
	w.rpd.rollover(now)

	return math.Min(w.rpm.remaining(), math.Min(w.tpm.remaining(), w.rpd.remaining()))
}

// Sweep forces rollover on every tracked window. Correctness never depends
// on it (rollover is lazy), but a scheduled daily sweep keeps idle pairs'
// diagnostics fresh at the day boundary.
func (t *Tracker) Sweep() {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	for _, w := range t.m {
		w.rpm.rollover(now)
		w.tpm.rollover(now)
		w.rpd.rollover(now)
	}
}

// UsageFor returns the pair's current windows, or ok=false if untracked.
func (t *Tracker) UsageFor(cred, model string) (Usage, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	w := t.get(cred, model)
	if w == nil {
		return Usage{}, false
	}
	now := t.now()
	w.rpm.rollover(now)
	w.tpm.rollover(now)
	w.rpd.rollover(now)
	return Usage{
		RPM:        WindowInfo{Limit: w.rpm.limit, Used: w.rpm.used, ResetAt: w.rpm.resetAt},
		TPM:        WindowInfo{Limit: w.tpm.limit, Used: w.tpm.used, ResetAt: w.tpm.resetAt},
		RPD:        WindowInfo{Limit: w.rpd.limit, Used: w.rpd.used, ResetAt: w.rpd.resetAt},
		LastUsedAt: w.lastUsedAt,
	}, true
}
