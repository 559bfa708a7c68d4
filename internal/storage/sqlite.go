//go:build sqlite
// +build sqlite

package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	logx "genpool/pkg/logx"

	_ "modernc.org/sqlite"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	// Basic pragmas.
	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) AppendUsage(ctx context.Context, r UsageRecord) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if r.At.IsZero() {
		r.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO usage(at, run_id, item_id, credential, model, tokens_used, ok, error_kind, took_ms)
		 VALUES(?,?,?,?,?,?,?,?,?)`,
		r.At.Format(time.RFC3339Nano), r.RunID, r.ItemID, r.Credential, r.Model,
		r.TokensUsed, boolInt(r.OK), nullStr(r.ErrorKind), r.TookMS,
	)
	return err
}

func (s *sqliteStore) PutSnapshot(ctx context.Context, rec SnapshotRecord) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if rec.At.IsZero() {
		rec.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO snapshot(run_id, at, data) VALUES(?,?,?)
		 ON CONFLICT(run_id) DO UPDATE SET at=excluded.at, data=excluded.data`,
		rec.RunID, rec.At.Format(time.RFC3339Nano), rec.Data,
	)
	return err
}

func (s *sqliteStore) LatestSnapshot(ctx context.Context) (SnapshotRecord, bool, error) {
	if s == nil || s.db == nil {
		return SnapshotRecord{}, false, ErrDisabled
	}
	var (
		rec SnapshotRecord
		at  string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT run_id, at, data FROM snapshot ORDER BY at DESC LIMIT 1`,
	).Scan(&rec.RunID, &at, &rec.Data)
	if errors.Is(err, sql.ErrNoRows) {
		return SnapshotRecord{}, false, nil
	}
	if err != nil {
		return SnapshotRecord{}, false, err
	}
	if t, perr := time.Parse(time.RFC3339Nano, at); perr == nil {
		rec.At = t
	}
	return rec, true, nil
}

func boolInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
