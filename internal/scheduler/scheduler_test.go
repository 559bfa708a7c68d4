package scheduler

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"genpool/internal/batch"
	"genpool/internal/config"
	"genpool/internal/health"
	"genpool/internal/provider"
	"genpool/internal/storage"
	logx "genpool/pkg/logx"
)

type okGen struct {
	mu    sync.Mutex
	calls int
}

func (g *okGen) Generate(_ context.Context, req provider.Request) (provider.Result, error) {
	g.mu.Lock()
	g.calls++
	g.mu.Unlock()
	return provider.Result{Text: "out:" + req.Prompt, TokensUsed: 10}, nil
}

func boolPtr(v bool) *bool { return &v }

func testConfig(secrets ...string) *config.Config {
	return &config.Config{
		Provider:    config.ProviderConfig{Endpoint: "https://api.example.com/v1/chat/completions"},
		Credentials: config.CredentialsConfig{Inline: secrets},
		Batch:       config.BatchConfig{Size: 2},
		Health:      config.HealthConfig{Enabled: boolPtr(false)},
	}
}

func makeItems(n int) []batch.WorkItem {
	items := make([]batch.WorkItem, n)
	for i := range items {
		items[i] = batch.WorkItem{ID: fmt.Sprintf("item-%d", i), Prompt: fmt.Sprintf("p%d", i)}
	}
	return items
}

func TestNewValidatesConfig(t *testing.T) {
	t.Parallel()

	cfg := testConfig() // no credentials
	if _, err := New(cfg, &okGen{}); err == nil {
		t.Fatal("expected validation error for empty credentials")
	}
}

func TestRunProcessesAllItems(t *testing.T) {
	t.Parallel()

	gen := &okGen{}
	svc, err := New(testConfig("sk-a-0000000001", "sk-b-0000000002"), gen)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	results, err := svc.Run(context.Background(), makeItems(6), nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(results) != 6 {
		t.Fatalf("results = %d, want 6", len(results))
	}
	for _, r := range results {
		if r.Error != "" || r.Output == nil {
			t.Fatalf("item %s failed: %+v", r.ID, r)
		}
	}
}

func TestRunWithHealthCheckGatesOnProbes(t *testing.T) {
	t.Parallel()

	gen := &okGen{}
	cfg := testConfig("sk-a-0000000001")
	cfg.Health = config.HealthConfig{} // default: enabled

	svc, err := New(cfg, gen)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	results, err := svc.Run(context.Background(), makeItems(2), nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("results = %d, want 2", len(results))
	}
	// One probe plus two items.
	if gen.calls != 3 {
		t.Fatalf("provider calls = %d, want 3", gen.calls)
	}
}

func TestRunFailsWithoutUsableCredentials(t *testing.T) {
	t.Parallel()

	cfg := testConfig("sk-a-0000000001")
	svc, err := New(cfg, &okGen{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	svc.Pool().Remove("sk-a-0000000001")

	if _, err := svc.Run(context.Background(), makeItems(1), nil); err != health.ErrNoHealthyCredentials {
		t.Fatalf("err = %v, want ErrNoHealthyCredentials", err)
	}
}

func TestSnapshotMasksSecrets(t *testing.T) {
	t.Parallel()

	secret := "sk-verysecret-000000000042"
	svc, err := New(testConfig(secret), &okGen{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	snap := svc.Snapshot()
	if snap.RunID == "" || snap.ActiveModel == "" {
		t.Fatalf("incomplete snapshot: %+v", snap)
	}
	if len(snap.Credentials) != 1 {
		t.Fatalf("credentials = %d, want 1", len(snap.Credentials))
	}
	label := snap.Credentials[0].Label
	if label == secret {
		t.Fatal("snapshot leaked the raw secret")
	}
	if label == "" {
		t.Fatal("snapshot credential has no label")
	}
}

func TestCredentialViewsMatchPool(t *testing.T) {
	t.Parallel()

	svc, err := New(testConfig("sk-a-0000000001", "sk-b-0000000002"), &okGen{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	views := svc.CredentialViews()
	if len(views) != 2 {
		t.Fatalf("views = %d, want 2", len(views))
	}
	for _, v := range views {
		if v.RemainingPct <= 0 {
			t.Fatalf("fresh credential %s has RemainingPct %v, want > 0", v.Label, v.RemainingPct)
		}
	}
}

func TestApplyConfigAddsAndRemovesCredentials(t *testing.T) {
	t.Parallel()

	svc, err := New(testConfig("sk-a-0000000001", "sk-b-0000000002"), &okGen{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	next := testConfig("sk-b-0000000002", "sk-c-0000000003")
	svc.ApplyConfig(next)

	if got := svc.Pool().Len(); got != 2 {
		t.Fatalf("pool size = %d, want 2", got)
	}
	labels := map[string]bool{}
	for _, c := range svc.Pool().All() {
		labels[c.Secret()] = true
	}
	if labels["sk-a-0000000001"] || !labels["sk-c-0000000003"] {
		t.Fatalf("unexpected pool contents: %v", labels)
	}
}

func TestRunPersistsUsageAndSnapshot(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	st, err := storage.Open(storage.Config{Driver: "file", Path: filepath.Join(dir, "run")}, logx.Nop())
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	defer st.Close()

	svc, err := New(testConfig("sk-a-0000000001"), &okGen{}, WithStore(st))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := svc.Run(context.Background(), makeItems(3), nil); err != nil {
		t.Fatalf("Run: %v", err)
	}

	rec, ok, err := st.LatestSnapshot(context.Background())
	if err != nil || !ok {
		t.Fatalf("LatestSnapshot = ok=%v err=%v", ok, err)
	}
	if rec.RunID != svc.RunID() {
		t.Fatalf("snapshot run_id = %q, want %q", rec.RunID, svc.RunID())
	}
	if len(rec.Data) == 0 {
		t.Fatal("snapshot data is empty")
	}
}

// flakyGen fails its first call with an unclassifiable error, then heals.
type flakyGen struct {
	mu     sync.Mutex
	failed bool
}

func (g *flakyGen) Generate(_ context.Context, _ provider.Request) (provider.Result, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.failed {
		g.failed = true
		return provider.Result{}, fmt.Errorf("inexplicable provider response")
	}
	return provider.Result{Text: "ok", TokensUsed: 5}, nil
}

func TestRunSurfacesStallsInProgress(t *testing.T) {
	t.Parallel()

	cfg := testConfig("sk-a-0000000001")
	cfg.Executor = config.ExecutorConfig{
		UnknownMaxAttempts: 1,
		QuotaWindowWait:    "1ms",
	}
	svc, err := New(cfg, &flakyGen{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	var mu sync.Mutex
	var stalled []batch.Progress
	results, err := svc.Run(context.Background(), makeItems(2), func(p batch.Progress) {
		if p.Phase == "stalled" {
			mu.Lock()
			stalled = append(stalled, p)
			mu.Unlock()
		}
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("results = %d, want 2", len(results))
	}

	mu.Lock()
	defer mu.Unlock()
	if len(stalled) == 0 {
		t.Fatal("expected a stalled progress event for the exhaustion wait")
	}
	p := stalled[0]
	if p.StallReason == "" {
		t.Fatal("stalled event carries no reason")
	}
	if p.TotalItems != 2 {
		t.Fatalf("stalled event TotalItems = %d, want 2", p.TotalItems)
	}
	if len(p.Credentials) == 0 {
		t.Fatal("stalled event carries no credential view")
	}
}

func TestCustomModelProfiles(t *testing.T) {
	t.Parallel()

	cfg := testConfig("sk-a-0000000001")
	cfg.Models = config.ModelsConfig{
		Strategy: "speed",
		Profiles: []config.ModelProfile{
			{Name: "tier-fast", RPM: 100, TPM: 500_000, RPD: 5000},
			{Name: "tier-slow", RPM: 10, TPM: 100_000, RPD: 200},
		},
	}
	svc, err := New(cfg, &okGen{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if got := svc.Snapshot().ActiveModel; got != "tier-fast" {
		t.Fatalf("active model = %q, want tier-fast", got)
	}
}
