package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"genpool/internal/batch"
	"genpool/internal/config"
	"genpool/internal/executor"
	"genpool/internal/health"
	"genpool/internal/modelchain"
	"genpool/internal/pool"
	"genpool/internal/provider"
	"genpool/internal/quota"
	"genpool/internal/storage"
	logx "genpool/pkg/logx"
)

// Service owns the full scheduling pipeline for one credential set.
type Service struct {
	mu sync.Mutex

	cfg   *config.Config
	log   logx.Logger
	runID string

	gen     provider.Generator
	pool    *pool.Pool
	quota   *quota.Tracker
	chain   *modelchain.Chain
	exec    *executor.Executor
	checker *health.Checker
	store   storage.Store

	parser cron.Parser
	c      *cron.Cron

	// secrets currently loaded into the pool, for config-reload diffs.
	secrets map[string]bool

	// stallFn forwards executor stall notices to the active run's progress
	// consumer, so mass-exhaustion waits are never silent.
	stallMu sync.Mutex
	stallFn func(reason string, wait time.Duration)
}

func (s *Service) setStall(fn func(reason string, wait time.Duration)) {
	s.stallMu.Lock()
	s.stallFn = fn
	s.stallMu.Unlock()
}

func (s *Service) notifyStall(reason string, wait time.Duration) {
	s.stallMu.Lock()
	fn := s.stallFn
	s.stallMu.Unlock()
	if fn != nil {
		fn(reason, wait)
	}
}

// Option configures a Service.
type Option func(*Service)

func WithLogger(log logx.Logger) Option {
	return func(s *Service) { s.log = log }
}

// WithStore attaches a persistence backend. Nil disables persistence.
func WithStore(st storage.Store) Option {
	return func(s *Service) { s.store = st }
}

// New builds the pipeline from config. The generator is injected so tests
// and embedders can swap the HTTP client out.
func New(cfg *config.Config, gen provider.Generator, opts ...Option) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	s := &Service{
		cfg:     cfg,
		log:     logx.Nop(),
		runID:   uuid.NewString(),
		gen:     gen,
		secrets: map[string]bool{},
		parser:  cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
	}
	for _, o := range opts {
		o(s)
	}

	secrets, err := cfg.LoadCredentials()
	if err != nil {
		return nil, err
	}
	s.pool = pool.New(secrets, pool.WithLogger(s.log))
	for _, sec := range secrets {
		s.secrets[sec] = true
	}

	s.chain, err = buildChain(cfg.Models)
	if err != nil {
		return nil, err
	}

	s.quota = quota.NewTracker()
	active := s.chain.Active()
	for _, c := range s.pool.AllAvailable() {
		s.quota.InitFor(c.Secret(), active.Model, active.Limits)
	}

	execCfg, err := buildExecutorConfig(cfg.Executor)
	if err != nil {
		return nil, err
	}
	execCfg.OnStall = s.notifyStall
	s.exec = executor.New(execCfg, gen, s.pool, s.quota, s.chain,
		executor.WithLogger(s.log))

	probeDelay, err := config.ParseDurationField("health.probe_delay", cfg.Health.ProbeDelay)
	if err != nil {
		return nil, err
	}
	s.checker = health.New(health.Config{
		ProbeModel:     cheapestModel(s.chain.Profiles()),
		ProbeMaxTokens: cfg.Health.ProbeMaxTokens,
		ProbeDelay:     probeDelay,
	}, gen, s.pool, health.WithLogger(s.log))

	return s, nil
}

func buildChain(mc config.ModelsConfig) (*modelchain.Chain, error) {
	strategy := strings.TrimSpace(mc.Strategy)
	if strategy == "" {
		strategy = modelchain.StrategySpeed
	}
	if len(mc.Profiles) == 0 {
		return modelchain.FromStrategies(strategy, modelchain.DefaultStrategies())
	}
	profiles := make([]modelchain.Profile, 0, len(mc.Profiles))
	for _, p := range mc.Profiles {
		profiles = append(profiles, modelchain.Profile{
			Model:  p.Name,
			Limits: quota.Limits{RPM: p.RPM, TPM: p.TPM, RPD: p.RPD},
		})
	}
	return modelchain.New(strategy, profiles)
}

func buildExecutorConfig(ec config.ExecutorConfig) (executor.Config, error) {
	out := executor.Config{
		EstimatedTokens:    ec.EstimatedTokens,
		SmartSelection:     ec.SmartSelection,
		UnknownMaxAttempts: ec.UnknownMaxAttempts,
	}
	for _, f := range []struct {
		path string
		raw  string
		dst  *time.Duration
	}{
		{"executor.network_backoff_base", ec.NetworkBackoffBase, &out.NetworkBackoffBase},
		{"executor.network_backoff_max", ec.NetworkBackoffMax, &out.NetworkBackoffMax},
		{"executor.unknown_backoff_base", ec.UnknownBackoffBase, &out.UnknownBackoffBase},
		{"executor.unknown_backoff_max", ec.UnknownBackoffMax, &out.UnknownBackoffMax},
		{"executor.quota_window_wait", ec.QuotaWindowWait, &out.QuotaWindowWait},
	} {
		d, err := config.ParseDurationField(f.path, f.raw)
		if err != nil {
			return executor.Config{}, err
		}
		*f.dst = d
	}
	return out, nil
}

// cheapestModel picks the highest-throughput profile for probing, so the
// pre-flight pass burns as little paid quota as possible.
func cheapestModel(profiles []modelchain.Profile) string {
	if len(profiles) == 0 {
		return ""
	}
	best := profiles[0]
	for _, p := range profiles[1:] {
		if p.Limits.RPM > best.Limits.RPM {
			best = p
		}
	}
	return best.Model
}

func (s *Service) RunID() string { return s.runID }

// Pool exposes the credential pool for runtime credential management.
func (s *Service) Pool() *pool.Pool { return s.pool }

// Start launches background maintenance: a daily quota-window sweep at the
// RPD boundary and, when configured, periodic snapshot persistence.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return nil
	}

	loc := time.UTC
	if tz := strings.TrimSpace(s.cfg.Maintenance.Timezone); tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			return fmt.Errorf("maintenance.timezone: %w", err)
		}
		loc = l
	}

	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(loc))

	// Window rollover is lazy and authoritative; the daily sweep only keeps
	// idle pairs' diagnostics fresh across the RPD boundary.
	if _, err := s.c.AddFunc("@midnight", func() {
		s.quota.Sweep()
		s.log.Debug("scheduler.daily_sweep_done")
	}); err != nil {
		s.c = nil
		return err
	}

	spec := strings.TrimSpace(s.cfg.Maintenance.SnapshotSpec)
	if spec != "" && s.store != nil {
		if _, err := s.c.AddFunc(spec, func() {
			cctx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			if err := s.PersistSnapshot(cctx); err != nil {
				s.log.Warn("scheduler.snapshot_persist_failed", logx.Err(err))
			}
		}); err != nil {
			s.c = nil
			return fmt.Errorf("maintenance.snapshot_spec: %w", err)
		}
	}

	s.c.Start()
	s.log.Info("scheduler.maintenance_started",
		logx.String("snapshot_spec", spec), logx.String("tz", loc.String()))
	return nil
}

// Stop halts background maintenance, waits for in-flight jobs and flushes a
// final snapshot.
func (s *Service) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		<-s.c.Stop().Done()
		s.c = nil
	}
	if s.store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.PersistSnapshot(ctx); err != nil {
			s.log.Warn("scheduler.snapshot_persist_failed", logx.Err(err))
		}
	}
	s.log.Info("scheduler.maintenance_stopped")
}

// HealthCheck runs the pre-flight probe pass.
func (s *Service) HealthCheck(ctx context.Context) (health.Report, error) {
	return s.checker.Run(ctx)
}

// Run executes a batch of work items end to end: pre-flight health check,
// batched concurrent processing, usage persistence, final snapshot.
func (s *Service) Run(ctx context.Context, items []batch.WorkItem, onProgress func(batch.Progress)) ([]batch.Result, error) {
	healthy := s.pool.AllAvailable()
	if s.cfg.HealthEnabled() {
		report, err := s.HealthCheck(ctx)
		if err != nil {
			return nil, err
		}
		healthy = report.Healthy
	}
	if len(healthy) == 0 {
		return nil, health.ErrNoHealthyCredentials
	}

	start := time.Now()

	// Stalled events reuse the latest batch counters so the consumer keeps
	// its position in the run, with the phase and credential view refreshed.
	var progMu sync.Mutex
	last := batch.Progress{TotalItems: len(items)}
	emit := onProgress
	if onProgress != nil {
		emit = func(p batch.Progress) {
			progMu.Lock()
			last = p
			progMu.Unlock()
			onProgress(p)
		}
		s.setStall(func(reason string, wait time.Duration) {
			progMu.Lock()
			p := last
			progMu.Unlock()
			p.Phase = "stalled"
			p.StallReason = reason
			p.TimeElapsedMs = time.Since(start).Milliseconds()
			p.EstimatedRemainingMs = 0
			p.Credentials = s.CredentialViews()
			onProgress(p)
		})
		defer s.setStall(nil)
	}

	coord := batch.New(batch.Config{
		BatchSize:   s.cfg.Batch.Size,
		Temperature: s.cfg.Batch.Temperature,
		OnProgress:  emit,
	}, s.exec, s.pool, batch.WithLogger(s.log), batch.WithSnapshotter(s))

	results, err := coord.Run(ctx, items, healthy)
	if err != nil {
		return results, err
	}

	s.recordUsage(ctx, results, time.Since(start))
	if perr := s.PersistSnapshot(ctx); perr != nil {
		s.log.Warn("scheduler.snapshot_persist_failed", logx.Err(perr))
	}
	return results, nil
}

func (s *Service) recordUsage(ctx context.Context, results []batch.Result, took time.Duration) {
	if s.store == nil {
		return
	}
	model := s.chain.Active().Model
	at := time.Now().UTC()
	perItem := int64(0)
	if len(results) > 0 {
		perItem = took.Milliseconds() / int64(len(results))
	}
	for _, r := range results {
		rec := storage.UsageRecord{
			At:         at,
			RunID:      s.runID,
			ItemID:     r.ID,
			Credential: r.Credential,
			Model:      model,
			TokensUsed: r.TokensUsed,
			OK:         r.Error == "",
			TookMS:     perItem,
		}
		if r.Error != "" {
			rec.ErrorKind = r.Error
		}
		if err := s.store.AppendUsage(ctx, rec); err != nil {
			s.log.Warn("scheduler.usage_append_failed", logx.Err(err))
			return
		}
	}
}

// PersistSnapshot serializes current diagnostics into the store.
func (s *Service) PersistSnapshot(ctx context.Context) error {
	if s.store == nil {
		return nil
	}
	data, err := json.Marshal(s.Snapshot())
	if err != nil {
		return err
	}
	return s.store.PutSnapshot(ctx, storage.SnapshotRecord{
		RunID: s.runID,
		At:    time.Now().UTC(),
		Data:  data,
	})
}
