// Package executor implements the resilience loop around one logical
// generation request: error classification, retry, credential rotation, and
// model fallback.
//
// The contract is deliberately one-sided: transient causes never surface to
// the caller. The loop rotates credentials, falls back through the model
// chain, and when everything is exhausted sleeps out a quota window and
// starts over. The only caller-visible failure besides context cancellation
// is an auth-invalid classification on a *pinned* credential, which tells the
// caller (the batch coordinator) to substitute a different pinned credential.
package executor

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"genpool/internal/classify"
	"genpool/internal/modelchain"
	"genpool/internal/pool"
	"genpool/internal/provider"
	"genpool/internal/quota"
	logx "genpool/pkg/logx"
)

// ErrPinnedInvalid reports that the pinned credential was classified as
// permanently invalid. The caller should substitute a different pinned
// credential; this is not fatal to the run.
var ErrPinnedInvalid = errors.New("executor: pinned credential is invalid")

// Config tunes the resilience loop. Zero values take the defaults below.
type Config struct {
	// EstimatedTokens is the per-request token estimate used for quota
	// headroom checks before a call is issued.
	EstimatedTokens int

	// SmartSelection picks the credential with the most quota headroom
	// instead of first-available rotation.
	SmartSelection bool

	NetworkBackoffBase time.Duration // base for NETWORK retries (same credential/model)
	NetworkBackoffMax  time.Duration

	UnknownBackoffBase time.Duration // base for UNKNOWN retries, with jitter
	UnknownBackoffMax  time.Duration
	UnknownMaxAttempts int // attempts before escalating to exhaustion recovery

	// QuotaWindowWait is the sleep after pool + chain exhaustion before
	// restarting from the first model. Intentionally a full RPM window.
	QuotaWindowWait time.Duration

	// OnStall is invoked before every deliberate long wait so the progress
	// layer can surface it instead of the run appearing hung.
	OnStall func(reason string, wait time.Duration)
}

func (c Config) withDefaults() Config {
	if c.EstimatedTokens <= 0 {
		c.EstimatedTokens = 2000
	}
	if c.NetworkBackoffBase <= 0 {
		c.NetworkBackoffBase = time.Second
	}
	if c.NetworkBackoffMax <= 0 {
		c.NetworkBackoffMax = 15 * time.Second
	}
	if c.UnknownBackoffBase <= 0 {
		c.UnknownBackoffBase = 2 * time.Second
	}
	if c.UnknownBackoffMax <= 0 {
		c.UnknownBackoffMax = 30 * time.Second
	}
	if c.UnknownMaxAttempts <= 0 {
		c.UnknownMaxAttempts = 5
	}
	if c.QuotaWindowWait <= 0 {
		c.QuotaWindowWait = time.Minute
	}
	return c
}

// Diagnostics are informational counters, not correctness-bearing.
type Diagnostics struct {
	KeyRotations   uint64 `json:"key_rotations"`
	ModelFallbacks uint64 `json:"model_fallbacks"`
	Retries        uint64 `json:"retries"`
	Successes      uint64 `json:"successes"`
	ExhaustedWaits uint64 `json:"exhausted_waits"`
}

// Result is one successful generation.
type Result struct {
	Text       string
	TokensUsed int

	// Credential is the label of the credential that served the request.
	Credential string
}

// Executor runs the retry/rotation/fallback loop. Safe for concurrent use by
// many in-flight requests.
type Executor struct {
	cfg        Config
	gen        provider.Generator
	pool       *pool.Pool
	quota      *quota.Tracker
	chain      *modelchain.Chain
	classifier classify.Classifier
	log        logx.Logger

	// Global inter-request pacing, applied only when no credential is
	// pinned, sized to the active model's RPM.
	limiter  *rate.Limiter
	noPacing bool

	sleep func(ctx context.Context, d time.Duration) error

	rngMu sync.Mutex
	rng   *rand.Rand

	reqSeq atomic.Uint64

	keyRotations   atomic.Uint64
	modelFallbacks atomic.Uint64
	retries        atomic.Uint64
	successes      atomic.Uint64
	exhaustedWaits atomic.Uint64
}

// Option configures an Executor.
type Option func(*Executor)

// WithSleep overrides the backoff/cooldown sleeper (tests).
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(e *Executor) { e.sleep = sleep }
}

func WithClassifier(c classify.Classifier) Option {
	return func(e *Executor) { e.classifier = c }
}

func WithLogger(log logx.Logger) Option {
	return func(e *Executor) { e.log = log }
}

// WithoutPacing disables the global inter-request rate limiter (tests).
func WithoutPacing() Option {
	return func(e *Executor) {
		e.noPacing = true
		e.limiter = rate.NewLimiter(rate.Inf, 1)
	}
}

func New(cfg Config, gen provider.Generator, p *pool.Pool, q *quota.Tracker, chain *modelchain.Chain, opts ...Option) *Executor {
	cfg = cfg.withDefaults()
	e := &Executor{
		cfg:        cfg,
		gen:        gen,
		pool:       p,
		quota:      q,
		chain:      chain,
		classifier: classify.Default(),
		log:        logx.Nop(),
		limiter:    newLimiterFor(chain.Active().Limits.RPM),
		sleep:      sleepCtx,
		rng:        rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

func newLimiterFor(rpm int) *rate.Limiter {
	if rpm <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	return rate.NewLimiter(rate.Every(time.Minute/time.Duration(rpm)), 1)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Diag returns a snapshot of the informational counters.
func (e *Executor) Diag() Diagnostics {
	return Diagnostics{
		KeyRotations:   e.keyRotations.Load(),
		ModelFallbacks: e.modelFallbacks.Load(),
		Retries:        e.retries.Load(),
		Successes:      e.successes.Load(),
		ExhaustedWaits: e.exhaustedWaits.Load(),
	}
}

func (e *Executor) stall(reason string, wait time.Duration) {
	e.exhaustedWaits.Add(1)
	e.log.Warn("executor.stalled", logx.String("reason", reason), logx.Duration("wait", wait))
	if e.cfg.OnStall != nil {
		e.cfg.OnStall(reason, wait)
	}
}

// Execute issues one logical request and retries until it succeeds.
//
// A nil pinned credential lets the executor rotate freely over the pool. A
// pinned credential (used by parallel batch slots) is kept across retries;
// on rate/quota pressure the executor first substitutes an alternate from the
// currently available set, then falls back through the model chain, and only
// then enters the shared wait/reset recovery.
//
// The error return is non-nil only for context cancellation or for
// ErrPinnedInvalid (see package doc).
func (e *Executor) Execute(ctx context.Context, prompt string, temperature float64, pinned *pool.Credential) (Result, error) {
	netFails := 0
	unknownFails := 0

	for {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}

		// A pin that has already been classified invalid (possibly by a
		// concurrent batch slot) fails fast without burning a provider call.
		if pinned != nil && e.pool.StatusOf(pinned) == pool.StatusInvalid {
			return Result{}, ErrPinnedInvalid
		}

		cred := pinned
		if cred == nil {
			cred = e.selectCredential()
			if cred == nil {
				if err := e.advanceOrRecover(ctx); err != nil {
					return Result{}, err
				}
				continue
			}
		}

		active := e.chain.Active()
		e.quota.EnsureFor(cred.Secret(), active.Model, active.Limits)

		if !e.quota.HasHeadroom(cred.Secret(), active.Model, e.cfg.EstimatedTokens) {
			if pinned != nil {
				// Same order as the reactive rate/quota path: alternate
				// credential first, chain advance only once the whole
				// available set is dry on the active model. One slot
				// draining its own window must not drag the others onto
				// a fallback model.
				next, err := e.repinOrRecover(ctx, pinned)
				if err != nil {
					return Result{}, err
				}
				pinned = next
				continue
			}
			// Rotation will consider every credential again (including
			// this one after a window rollover); only a fully dry pool
			// falls through to model fallback.
			if alt := e.selectCredential(); alt != nil {
				continue
			}
			if err := e.advanceOrRecover(ctx); err != nil {
				return Result{}, err
			}
			continue
		}

		// Minimum inter-request spacing, global, unpinned only: parallel
		// pinned slots pace themselves through per-credential quota.
		if pinned == nil {
			if err := e.limiter.Wait(ctx); err != nil {
				return Result{}, err
			}
		}

		res, err := e.gen.Generate(ctx, provider.Request{
			Prompt:      prompt,
			Temperature: temperature,
			Model:       active.Model,
			Secret:      cred.Secret(),
		})
		if err == nil {
			e.pool.RecordSuccess(cred)
			e.quota.Record(cred.Secret(), active.Model, res.TokensUsed)
			e.successes.Add(1)
			return Result{Text: res.Text, TokensUsed: res.TokensUsed, Credential: cred.Label()}, nil
		}
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}

		kind := e.classifier.Classify(err)
		e.pool.RecordFailure(cred, kind)
		e.log.Debug("executor.call_failed",
			logx.String("credential", cred.Label()),
			logx.String("model", active.Model),
			logx.String("kind", kind.String()),
			logx.Err(err))

		switch kind {
		case classify.KindInvalidModel:
			// No retry budget spent: the model is wrong, not the call.
			if !e.advanceModel() {
				if err := e.recoverFromExhaustion(ctx, "model_chain_exhausted"); err != nil {
					return Result{}, err
				}
			}

		case classify.KindRateLimit, classify.KindQuotaExceeded:
			if pinned != nil {
				next, err := e.repinOrRecover(ctx, pinned)
				if err != nil {
					return Result{}, err
				}
				pinned = next
			} else {
				e.keyRotations.Add(1)
				// Credential already marked; the next iteration rotates. If
				// the whole pool is out, advanceOrRecover runs there.
			}

		case classify.KindAuth:
			if pinned != nil {
				return Result{}, ErrPinnedInvalid
			}
			e.keyRotations.Add(1)

		case classify.KindNetwork:
			netFails++
			e.retries.Add(1)
			if err := e.sleep(ctx, expBackoff(e.cfg.NetworkBackoffBase, e.cfg.NetworkBackoffMax, netFails)); err != nil {
				return Result{}, err
			}

		default: // KindUnknown
			unknownFails++
			e.retries.Add(1)
			if unknownFails >= e.cfg.UnknownMaxAttempts {
				unknownFails = 0
				if err := e.recoverFromExhaustion(ctx, "unknown_errors_exhausted"); err != nil {
					return Result{}, err
				}
				continue
			}
			d := e.jitter(expBackoff(e.cfg.UnknownBackoffBase, e.cfg.UnknownBackoffMax, unknownFails))
			if err := e.sleep(ctx, d); err != nil {
				return Result{}, err
			}
		}
	}
}

// selectCredential picks the next unpinned credential with quota headroom,
// or nil when none qualifies.
func (e *Executor) selectCredential() *pool.Credential {
	avail := e.pool.AllAvailable()
	if len(avail) == 0 {
		return nil
	}
	active := e.chain.Active()

	withRoom := avail[:0:0]
	for _, c := range avail {
		e.quota.EnsureFor(c.Secret(), active.Model, active.Limits)
		if e.quota.HasHeadroom(c.Secret(), active.Model, e.cfg.EstimatedTokens) {
			withRoom = append(withRoom, c)
		}
	}
	if len(withRoom) == 0 {
		return nil
	}
	if e.cfg.SmartSelection {
		// withRoom is non-empty here, so the best score is >= 0 and the
		// dry credentials (scored below zero) can never win.
		return e.pool.Best(func(c *pool.Credential) float64 {
			if !e.quota.HasHeadroom(c.Secret(), active.Model, e.cfg.EstimatedTokens) {
				return -1
			}
			return e.quota.RemainingPct(c.Secret(), active.Model)
		})
	}
	i := int(e.reqSeq.Add(1) - 1)
	return withRoom[i%len(withRoom)]
}

// repinOrRecover implements the pinned rate/quota path: alternate credential
// first, then model fallback keeping the pin, then the shared recovery.
func (e *Executor) repinOrRecover(ctx context.Context, pinned *pool.Credential) (*pool.Credential, error) {
	active := e.chain.Active()
	for _, c := range e.pool.AllAvailable() {
		if c == pinned {
			continue
		}
		e.quota.EnsureFor(c.Secret(), active.Model, active.Limits)
		if e.quota.HasHeadroom(c.Secret(), active.Model, e.cfg.EstimatedTokens) {
			e.keyRotations.Add(1)
			e.log.Debug("executor.repinned",
				logx.String("from", pinned.Label()),
				logx.String("to", c.Label()))
			return c, nil
		}
	}
	if e.advanceModel() {
		return pinned, nil
	}
	if err := e.recoverFromExhaustion(ctx, "pinned_pool_exhausted"); err != nil {
		return nil, err
	}
	return pinned, nil
}

// advanceOrRecover is the unpinned no-credential path: advance the chain if
// possible, otherwise wait out a quota window and restart from model zero.
func (e *Executor) advanceOrRecover(ctx context.Context) error {
	if e.advanceModel() {
		return nil
	}
	return e.recoverFromExhaustion(ctx, "pool_and_chain_exhausted")
}

// advanceModel moves to the next fallback model and applies the side effects
// spelled out for chain advancement: rate limits are model-scoped so every
// rate_limited credential returns to active, the tracker picks up the new
// model's limits, and the pacing limiter is resized. quota_exceeded/invalid
// reflect account-level problems and stay as they are.
func (e *Executor) advanceModel() bool {
	if !e.chain.TryNext() {
		return false
	}
	e.modelFallbacks.Add(1)
	e.pool.ResetRateLimited()

	active := e.chain.Active()
	for _, c := range e.pool.AllAvailable() {
		e.quota.EnsureFor(c.Secret(), active.Model, active.Limits)
	}
	if !e.noPacing {
		e.limiter.SetLimit(limitFor(active.Limits.RPM))
	}
	e.log.Info("executor.model_fallback",
		logx.String("model", active.Model),
		logx.Int("chain_index", e.chain.ActiveIndex()))
	return true
}

// recoverFromExhaustion sleeps a full quota window, clears model-scoped rate
// limits, and restarts the chain from the first model. This loop is
// intentionally unbounded; the stall hook keeps it visible.
func (e *Executor) recoverFromExhaustion(ctx context.Context, reason string) error {
	e.stall(reason, e.cfg.QuotaWindowWait)
	if err := e.sleep(ctx, e.cfg.QuotaWindowWait); err != nil {
		return err
	}
	e.pool.ResetRateLimited()
	e.chain.Reset()

	active := e.chain.Active()
	for _, c := range e.pool.AllAvailable() {
		e.quota.EnsureFor(c.Secret(), active.Model, active.Limits)
	}
	if !e.noPacing {
		e.limiter.SetLimit(limitFor(active.Limits.RPM))
	}
	e.log.Info("executor.recovered", logx.String("reason", reason), logx.String("model", active.Model))
	return nil
}

func limitFor(rpm int) rate.Limit {
	if rpm <= 0 {
		return rate.Inf
	}
	return rate.Every(time.Minute / time.Duration(rpm))
}

// expBackoff doubles from base per consecutive failure, capped.
func expBackoff(base, maxD time.Duration, fails int) time.Duration {
	d := base
	for i := 1; i < fails; i++ {
		d *= 2
		if d >= maxD {
			return maxD
		}
	}
	if d > maxD {
		return maxD
	}
	return d
}

// jitter applies ±20% like the rest of the codebase's backoff helpers.
func (e *Executor) jitter(d time.Duration) time.Duration {
	e.rngMu.Lock()
	r := (e.rng.Float64()*2 - 1) * 0.2
	e.rngMu.Unlock()
	out := time.Duration(float64(d) * (1 + r))
	if out < 0 {
		return 0
	}
	return out
}
