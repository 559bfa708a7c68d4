package storage

import (
	"context"
	"errors"
	"strings"

	logx "genpool/pkg/logx"
)

// Store is the minimal persistence API used by the scheduler.
type Store interface {
	AppendUsage(ctx context.Context, r UsageRecord) error
	PutSnapshot(ctx context.Context, s SnapshotRecord) error
	LatestSnapshot(ctx context.Context) (SnapshotRecord, bool, error)
	Close() error
}

// Open initializes the configured store.
// It returns (nil, nil) if storage is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
