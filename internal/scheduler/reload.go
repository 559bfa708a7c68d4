package scheduler

import (
	"context"

	"genpool/internal/config"
	logx "genpool/pkg/logx"
)

// ApplyConfig applies a hot-reloaded config. Only the credential set is
// applied at runtime; model and executor changes take effect on restart,
// since swapping them mid-run would invalidate in-flight pins.
func (s *Service) ApplyConfig(newCfg *config.Config) {
	secrets, err := newCfg.LoadCredentials()
	if err != nil {
		s.log.Warn("scheduler.reload_credentials_failed", logx.Err(err))
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	next := make(map[string]bool, len(secrets))
	added, removed := 0, 0
	active := s.chain.Active()
	for _, sec := range secrets {
		next[sec] = true
		if !s.secrets[sec] {
			s.pool.Add(sec)
			s.quota.EnsureFor(sec, active.Model, active.Limits)
			added++
		}
	}
	for sec := range s.secrets {
		if !next[sec] {
			if s.pool.Remove(sec) {
				removed++
			}
		}
	}
	s.secrets = next
	s.cfg.Credentials = newCfg.Credentials

	if added > 0 || removed > 0 {
		s.log.Info("scheduler.credentials_reloaded",
			logx.Int("added", added),
			logx.Int("removed", removed),
			logx.Int("pool_size", s.pool.Len()))
	}
}

// WatchConfig consumes config updates until ctx is done. Run it in its own
// goroutine alongside ConfigManager.Watch.
func (s *Service) WatchConfig(ctx context.Context, m *config.ConfigManager) {
	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)
	for {
		select {
		case <-ctx.Done():
			return
		case cfg, ok := <-ch:
			if !ok {
				return
			}
			if cfg == nil {
				continue
			}
			changed, attrs := config.SummarizeConfigChange(s.cfg, cfg)
			if len(changed) > 0 {
				s.log.Info("scheduler.config_changed", append(attrs, logx.Any("sections", changed))...)
			}
			s.ApplyConfig(cfg)
		}
	}
}
