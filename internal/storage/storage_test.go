package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	logx "genpool/pkg/logx"
)

func openFileStore(t *testing.T) Store {
	t.Helper()
	dir := t.TempDir()
	st, err := Open(Config{Driver: "file", Path: filepath.Join(dir, "run")}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if st == nil {
		t.Fatal("Open returned nil store for file driver")
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestOpenDisabled(t *testing.T) {
	t.Parallel()

	for _, driver := range []string{"", "none"} {
		st, err := Open(Config{Driver: driver}, logx.Nop())
		if err != nil {
			t.Fatalf("Open(%q): %v", driver, err)
		}
		if st != nil {
			t.Fatalf("Open(%q) = %v, want nil", driver, st)
		}
	}
}

func TestOpenUnknownDriver(t *testing.T) {
	t.Parallel()

	if _, err := Open(Config{Driver: "redis", Path: "x"}, logx.Nop()); err == nil {
		t.Fatal("expected error for unknown driver")
	}
}

func TestFileAppendUsage(t *testing.T) {
	t.Parallel()

	st := openFileStore(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		err := st.AppendUsage(ctx, UsageRecord{
			At:         time.Now(),
			RunID:      "run-1",
			ItemID:     "item-1",
			Credential: "sk-a…0001",
			Model:      "gen-flash-lite",
			TokensUsed: 100,
			OK:         true,
			TookMS:     42,
		})
		if err != nil {
			t.Fatalf("AppendUsage: %v", err)
		}
	}
}

func TestFileSnapshotRoundTrip(t *testing.T) {
	t.Parallel()

	st := openFileStore(t)
	ctx := context.Background()

	if _, ok, err := st.LatestSnapshot(ctx); err != nil || ok {
		t.Fatalf("LatestSnapshot on empty store = ok=%v err=%v, want none", ok, err)
	}

	want := SnapshotRecord{RunID: "run-1", At: time.Now().UTC(), Data: []byte(`{"healthy":2}`)}
	if err := st.PutSnapshot(ctx, want); err != nil {
		t.Fatalf("PutSnapshot: %v", err)
	}
	// Second put replaces the first.
	want.Data = []byte(`{"healthy":1}`)
	if err := st.PutSnapshot(ctx, want); err != nil {
		t.Fatalf("PutSnapshot replace: %v", err)
	}

	got, ok, err := st.LatestSnapshot(ctx)
	if err != nil || !ok {
		t.Fatalf("LatestSnapshot = ok=%v err=%v", ok, err)
	}
	if got.RunID != want.RunID || string(got.Data) != string(want.Data) {
		t.Fatalf("snapshot = %+v, want %+v", got, want)
	}
}
