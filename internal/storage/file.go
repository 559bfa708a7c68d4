package storage

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"

	logx "genpool/pkg/logx"
)

// fileStore is a dependency-free persistence backend.
//
// Files:
//   - <prefix>.usage.jsonl    (append-only JSON Lines)
//   - <prefix>.snapshot.json  (latest snapshot, atomic rename)
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	usageFile    *os.File
	snapshotPath string
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	usagePath := prefix + ".usage.jsonl"
	uf, err := os.OpenFile(usagePath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}

	return &fileStore{
		log:          log,
		usageFile:    uf,
		snapshotPath: prefix + ".snapshot.json",
	}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.usageFile == nil {
		return nil
	}
	err := s.usageFile.Close()
	s.usageFile = nil
	return err
}

func (s *fileStore) AppendUsage(ctx context.Context, r UsageRecord) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.usageFile == nil {
		return errors.New("usage file closed")
	}
	return json.NewEncoder(s.usageFile).Encode(r)
}

func (s *fileStore) PutSnapshot(ctx context.Context, rec SnapshotRecord) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()

	// Write-then-rename so a crash mid-write never clobbers the previous
	// snapshot.
	tmp := s.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(rec); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, s.snapshotPath)
}

func (s *fileStore) LatestSnapshot(ctx context.Context) (SnapshotRecord, bool, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.Open(s.snapshotPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return SnapshotRecord{}, false, nil
		}
		return SnapshotRecord{}, false, err
	}
	defer f.Close()

	var rec SnapshotRecord
	if err := json.NewDecoder(f).Decode(&rec); err != nil {
		return SnapshotRecord{}, false, err
	}
	return rec, true, nil
}
