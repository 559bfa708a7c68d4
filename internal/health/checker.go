// Package health pre-flight probes credentials before a batch run commits
// to them.
//
// One minimal-cost probe is issued per credential, sequentially with a short
// inter-probe delay so the probes themselves cannot trip a rate limit.
// Probe failures go through the shared error taxonomy; non-retryable kinds
// feed the pool's state machine, so an auth failure discovered here
// permanently retires the credential exactly as it would mid-run. A retryable
// blip (network, unclassified) only excludes the credential from this run,
// without pushing it toward soft-disable.
package health

import (
	"context"
	"errors"
	"time"

	"genpool/internal/classify"
	"genpool/internal/pool"
	"genpool/internal/provider"
	logx "genpool/pkg/logx"
)

// ErrNoHealthyCredentials aborts the run: with zero usable credentials there
// is nothing to schedule. This is the only unretried hard failure.
var ErrNoHealthyCredentials = errors.New("health: no healthy credentials")

// Config tunes the probe pass.
type Config struct {
	// ProbeModel is the cheapest model in the active chain.
	ProbeModel string

	// ProbePrompt should cost next to nothing. Default "ping".
	ProbePrompt string

	// ProbeMaxTokens caps the probe completion. Default 8.
	ProbeMaxTokens int

	// ProbeDelay separates consecutive probes. Default 500ms.
	ProbeDelay time.Duration
}

func (c Config) withDefaults() Config {
	if c.ProbePrompt == "" {
		c.ProbePrompt = "ping"
	}
	if c.ProbeMaxTokens <= 0 {
		c.ProbeMaxTokens = 8
	}
	if c.ProbeDelay <= 0 {
		c.ProbeDelay = 500 * time.Millisecond
	}
	return c
}

// Probe is the outcome for one credential.
type Probe struct {
	Credential string        `json:"credential"`
	Healthy    bool          `json:"healthy"`
	Kind       classify.Kind `json:"-"`
	Reason     string        `json:"reason,omitempty"`
	TookMs     int64         `json:"took_ms"`
}

// Report is the full pre-flight result.
type Report struct {
	Healthy   []*pool.Credential
	Unhealthy []*pool.Credential
	Probes    []Probe
}

// Checker runs the pre-flight pass.
type Checker struct {
	cfg        Config
	gen        provider.Generator
	pool       *pool.Pool
	classifier classify.Classifier
	log        logx.Logger

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

type Option func(*Checker)

func WithLogger(log logx.Logger) Option {
	return func(c *Checker) { c.log = log }
}

func WithClassifier(cl classify.Classifier) Option {
	return func(c *Checker) { c.classifier = cl }
}

// WithClock overrides the time source (tests).
func WithClock(now func() time.Time) Option {
	return func(c *Checker) { c.now = now }
}

// WithSleep overrides the inter-probe delay sleeper (tests).
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(c *Checker) { c.sleep = sleep }
}

func New(cfg Config, gen provider.Generator, p *pool.Pool, opts ...Option) *Checker {
	c := &Checker{
		cfg:        cfg.withDefaults(),
		gen:        gen,
		pool:       p,
		classifier: classify.Default(),
		log:        logx.Nop(),
		now:        time.Now,
		sleep: func(ctx context.Context, d time.Duration) error {
			t := time.NewTimer(d)
			defer t.Stop()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-t.C:
				return nil
			}
		},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Run probes every currently available credential once. It returns
// ErrNoHealthyCredentials when nothing survives the pass.
func (c *Checker) Run(ctx context.Context) (Report, error) {
	candidates := c.pool.AllAvailable()
	report := Report{Probes: make([]Probe, 0, len(candidates))}

	for i, cred := range candidates {
		if i > 0 {
			if err := c.sleep(ctx, c.cfg.ProbeDelay); err != nil {
				return report, err
			}
		}
		if err := ctx.Err(); err != nil {
			return report, err
		}

		start := c.now()
		_, err := c.gen.Generate(ctx, provider.Request{
			Prompt:    c.cfg.ProbePrompt,
			Model:     c.cfg.ProbeModel,
			Secret:    cred.Secret(),
			MaxTokens: c.cfg.ProbeMaxTokens,
		})
		took := c.now().Sub(start).Milliseconds()

		if err == nil {
			c.pool.RecordSuccess(cred)
			report.Healthy = append(report.Healthy, cred)
			report.Probes = append(report.Probes, Probe{Credential: cred.Label(), Healthy: true, TookMs: took})
			c.log.Debug("health.probe_ok", logx.String("credential", cred.Label()), logx.Int64("took_ms", took))
			continue
		}

		kind := c.classifier.Classify(err)
		if !kind.Retryable() {
			c.pool.RecordFailure(cred, kind)
		}
		report.Unhealthy = append(report.Unhealthy, cred)
		report.Probes = append(report.Probes, Probe{
			Credential: cred.Label(),
			Healthy:    false,
			Kind:       kind,
			Reason:     err.Error(),
			TookMs:     took,
		})
		c.log.Warn("health.probe_failed",
			logx.String("credential", cred.Label()),
			logx.String("kind", kind.String()),
			logx.Err(err))
	}

	c.log.Info("health.check_done",
		logx.Int("healthy", len(report.Healthy)),
		logx.Int("unhealthy", len(report.Unhealthy)))

	if len(report.Healthy) == 0 {
		return report, ErrNoHealthyCredentials
	}
	return report, nil
}
