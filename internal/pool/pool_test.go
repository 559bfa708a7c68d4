package pool

import (
	"sync"
	"testing"
	"time"

	"genpool/internal/classify"
)

// fakeClock is a mutable time source for cooldown tests.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

func newTestPool(t *testing.T, n int, clk *fakeClock) *Pool {
	t.Helper()
	secrets := make([]string, 0, n)
	for i := 0; i < n; i++ {
		secrets = append(secrets, "sk-test-credential-"+string(rune('a'+i)))
	}
	return New(secrets, WithClock(clk.Now))
}

func TestAvailableNonEmptyWithActiveCredential(t *testing.T) {
	t.Parallel()
	clk := newFakeClock()
	p := newTestPool(t, 3, clk)

	// Knock two out; one active credential must keep the pool available.
	avail := p.AllAvailable()
	p.RecordFailure(avail[0], classify.KindRateLimit)
	p.RecordFailure(avail[1], classify.KindQuotaExceeded)

	got := p.AllAvailable()
	if len(got) != 1 {
		t.Fatalf("AllAvailable() = %d credentials, want 1", len(got))
	}
	if p.Current() == nil {
		t.Fatal("Current() = nil with an active credential in the pool")
	}
}

func TestCooldownPromotionIsLazyAndIdempotent(t *testing.T) {
	t.Parallel()
	clk := newFakeClock()
	p := newTestPool(t, 2, clk)
	c := p.AllAvailable()[0]

	p.RecordFailure(c, classify.KindRateLimit)
	if len(p.AllAvailable()) != 1 {
		t.Fatalf("rate_limited credential still available")
	}

	// Not yet expired.
	clk.Advance(89 * time.Second)
	if len(p.AllAvailable()) != 1 {
		t.Fatalf("credential promoted before resetAt")
	}

	clk.Advance(2 * time.Second)
	if len(p.AllAvailable()) != 2 {
		t.Fatalf("credential not promoted after resetAt elapsed")
	}

	// Repeated calls must not disturb the promoted credential.
	for i := 0; i < 3; i++ {
		if len(p.AllAvailable()) != 2 {
			t.Fatalf("promotion not idempotent on call %d", i)
		}
	}
	snap := p.Snapshot()
	for _, info := range snap {
		if info.Status != StatusActive {
			t.Fatalf("credential %s status = %s, want active", info.Label, info.Status)
		}
		if !info.ResetAt.IsZero() {
			t.Fatalf("credential %s resetAt not cleared after promotion", info.Label)
		}
	}
}

func TestQuotaCooldownIsOneHour(t *testing.T) {
	t.Parallel()
	clk := newFakeClock()
	p := newTestPool(t, 1, clk)
	c := p.AllAvailable()[0]

	p.RecordFailure(c, classify.KindQuotaExceeded)
	clk.Advance(59 * time.Minute)
	if len(p.AllAvailable()) != 0 {
		t.Fatal("quota_exceeded credential available before cooldown")
	}
	clk.Advance(2 * time.Minute)
	if len(p.AllAvailable()) != 1 {
		t.Fatal("quota_exceeded credential not promoted after cooldown")
	}
}

func TestRoundRobinIsDeterministic(t *testing.T) {
	t.Parallel()
	clk := newFakeClock()
	p := newTestPool(t, 3, clk)
	avail := p.AllAvailable()

	for i := 0; i < 12; i++ {
		want := avail[i%len(avail)]
		got := p.ByRoundRobin(i)
		if got != want {
			t.Fatalf("ByRoundRobin(%d) = %s, want %s", i, got.Label(), want.Label())
		}
	}

	// Stable across repeated passes.
	for i := 0; i < 12; i++ {
		if p.ByRoundRobin(i) != avail[i%len(avail)] {
			t.Fatalf("round robin unstable at index %d", i)
		}
	}
}

func TestRoundRobinEmptyPool(t *testing.T) {
	t.Parallel()
	p := New(nil)
	if p.ByRoundRobin(0) != nil {
		t.Fatal("ByRoundRobin on empty pool should return nil")
	}
	if p.Current() != nil {
		t.Fatal("Current on empty pool should return nil")
	}
}

func TestRecordSuccessPromotions(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		kind classify.Kind
		want Status
	}{
		{name: "rate_limited recovers", kind: classify.KindRateLimit, want: StatusActive},
		{name: "quota_exceeded stays", kind: classify.KindQuotaExceeded, want: StatusQuotaExceeded},
		{name: "invalid stays", kind: classify.KindAuth, want: StatusInvalid},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			clk := newFakeClock()
			p := newTestPool(t, 1, clk)
			c := p.AllAvailable()[0]
			p.RecordFailure(c, tt.kind)
			p.RecordSuccess(c)

			info := p.Snapshot()[0]
			if info.Status != tt.want {
				t.Fatalf("status after success = %s, want %s", info.Status, tt.want)
			}
			if info.ErrorCount != 0 {
				t.Fatalf("errorCount = %d, want 0", info.ErrorCount)
			}
		})
	}
}

func TestSoftDisableAfterRepeatedUnknownErrors(t *testing.T) {
	t.Parallel()
	clk := newFakeClock()
	p := newTestPool(t, 1, clk)
	c := p.AllAvailable()[0]

	p.RecordFailure(c, classify.KindUnknown)
	p.RecordFailure(c, classify.KindUnknown)
	if p.Snapshot()[0].Status != StatusActive {
		t.Fatal("credential disabled before threshold")
	}
	p.RecordFailure(c, classify.KindUnknown)
	if got := p.Snapshot()[0].Status; got != StatusError {
		t.Fatalf("status = %s, want error after %d failures", got, softDisableThreshold)
	}
	if len(p.AllAvailable()) != 0 {
		t.Fatal("error credential should be skipped by rotation")
	}

	// A success reactivates soft-disabled credentials.
	p.RecordSuccess(c)
	if got := p.Snapshot()[0].Status; got != StatusActive {
		t.Fatalf("status after success = %s, want active", got)
	}
}

func TestResetRateLimitedLeavesAccountLevelStates(t *testing.T) {
	t.Parallel()
	clk := newFakeClock()
	p := newTestPool(t, 3, clk)
	avail := p.AllAvailable()

	p.RecordFailure(avail[0], classify.KindRateLimit)
	p.RecordFailure(avail[1], classify.KindQuotaExceeded)
	p.RecordFailure(avail[2], classify.KindAuth)

	if n := p.ResetRateLimited(); n != 1 {
		t.Fatalf("ResetRateLimited() = %d, want 1", n)
	}
	statuses := map[Status]int{}
	for _, info := range p.Snapshot() {
		statuses[info.Status]++
	}
	if statuses[StatusActive] != 1 || statuses[StatusQuotaExceeded] != 1 || statuses[StatusInvalid] != 1 {
		t.Fatalf("unexpected statuses after reset: %v", statuses)
	}
}

func TestInvalidIsTerminal(t *testing.T) {
	t.Parallel()
	clk := newFakeClock()
	p := newTestPool(t, 1, clk)
	c := p.AllAvailable()[0]

	p.RecordFailure(c, classify.KindAuth)
	// No later failure may move the credential back into a cooldown state
	// that a lazy promotion would then resurrect.
	p.RecordFailure(c, classify.KindRateLimit)
	p.RecordFailure(c, classify.KindQuotaExceeded)

	if st := p.StatusOf(c); st != StatusInvalid {
		t.Fatalf("status = %v, want %v", st, StatusInvalid)
	}
	clk.Advance(2 * time.Hour)
	if got := len(p.AllAvailable()); got != 0 {
		t.Fatalf("AllAvailable = %d, want 0", got)
	}
}

func TestAddRemove(t *testing.T) {
	t.Parallel()
	p := New([]string{"sk-one-aaaaaaaa"})
	p.Add("sk-two-bbbbbbbb")
	p.Add("sk-one-aaaaaaaa") // duplicate, no-op
	if p.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", p.Len())
	}
	if !p.Remove("sk-one-aaaaaaaa") {
		t.Fatal("Remove() = false for existing secret")
	}
	if p.Remove("sk-missing") {
		t.Fatal("Remove() = true for unknown secret")
	}
	if p.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", p.Len())
	}
}

func TestMaskSecretNeverLeaks(t *testing.T) {
	t.Parallel()
	secret := "sk-live-abcdefghijklmnop"
	got := maskSecret(secret)
	if got == secret {
		t.Fatal("maskSecret returned the raw secret")
	}
	if len(got) >= len(secret) {
		t.Fatalf("mask %q not shorter than secret", got)
	}
	if maskSecret("short") != "****" {
		t.Fatalf("short secrets must be fully masked")
	}
}
