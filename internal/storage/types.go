package storage

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// Driver values:
//   - "file": dependency-free file backend (jsonl + snapshot)
//   - "sqlite": SQLite database file (optional build tag)
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// UsageRecord is one completed generation request.
// Credential holds the masked label, never the raw secret.
// Keep it compact and schema-stable.
type UsageRecord struct {
	At         time.Time `json:"at"`
	RunID      string    `json:"run_id"`
	ItemID     string    `json:"item_id"`
	Credential string    `json:"credential"`
	Model      string    `json:"model"`
	TokensUsed int       `json:"tokens_used"`
	OK         bool      `json:"ok"`
	ErrorKind  string    `json:"error_kind,omitempty"`
	TookMS     int64     `json:"took_ms"`
}

// SnapshotRecord is a serialized diagnostics snapshot for one run.
type SnapshotRecord struct {
	RunID string    `json:"run_id"`
	At    time.Time `json:"at"`
	Data  []byte    `json:"data"`
}
