package scheduler

import (
	"time"

	"genpool/internal/batch"
	"genpool/internal/executor"
	"genpool/internal/pool"
	"genpool/internal/quota"
)

// CredentialState is the per-credential diagnostics view. Labels are masked;
// raw secrets never appear in snapshots.
type CredentialState struct {
	pool.Info
	RemainingPct float64      `json:"remaining_pct"`
	Usage        *quota.Usage `json:"usage,omitempty"`
}

// Snapshot is a point-in-time diagnostics dump of the whole pipeline.
type Snapshot struct {
	RunID       string               `json:"run_id"`
	TakenAt     time.Time            `json:"taken_at"`
	Strategy    string               `json:"strategy"`
	ActiveModel string               `json:"active_model"`
	ChainIndex  int                  `json:"chain_index"`
	ChainLen    int                  `json:"chain_len"`
	Credentials []CredentialState    `json:"credentials"`
	Executor    executor.Diagnostics `json:"executor"`
}

// Snapshot captures current pipeline state.
func (s *Service) Snapshot() Snapshot {
	active := s.chain.Active()
	creds := s.pool.All()
	infos := s.pool.Snapshot()

	states := make([]CredentialState, 0, len(creds))
	for i, c := range creds {
		if i >= len(infos) {
			break
		}
		st := CredentialState{
			Info:         infos[i],
			RemainingPct: s.quota.RemainingPct(c.Secret(), active.Model),
		}
		if u, ok := s.quota.UsageFor(c.Secret(), active.Model); ok {
			st.Usage = &u
		}
		states = append(states, st)
	}

	return Snapshot{
		RunID:       s.runID,
		TakenAt:     time.Now().UTC(),
		Strategy:    s.chain.Strategy(),
		ActiveModel: active.Model,
		ChainIndex:  s.chain.ActiveIndex(),
		ChainLen:    s.chain.Len(),
		Credentials: states,
		Executor:    s.exec.Diag(),
	}
}

// CredentialViews implements batch.Snapshotter for the progress stream.
func (s *Service) CredentialViews() []batch.CredentialView {
	snap := s.Snapshot()
	views := make([]batch.CredentialView, 0, len(snap.Credentials))
	for _, c := range snap.Credentials {
		views = append(views, batch.CredentialView{
			Label:        c.Label,
			Status:       c.Status,
			RemainingPct: c.RemainingPct,
		})
	}
	return views
}
