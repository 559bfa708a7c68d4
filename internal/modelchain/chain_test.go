package modelchain

import "testing"

func TestTryNextStopsAtChainEnd(t *testing.T) {
	t.Parallel()
	c, err := FromStrategies(StrategySpeed, DefaultStrategies())
	if err != nil {
		t.Fatalf("FromStrategies: %v", err)
	}

	var advances int
	for c.TryNext() {
		advances++
	}
	if advances != c.Len()-1 {
		t.Fatalf("advanced %d times, want %d", advances, c.Len()-1)
	}
	if c.ActiveIndex() != c.Len()-1 {
		t.Fatalf("ActiveIndex() = %d, want %d", c.ActiveIndex(), c.Len()-1)
	}
	// At the end, TryNext keeps returning false without moving.
	if c.TryNext() {
		t.Fatal("TryNext() = true past chain end")
	}

	c.Reset()
	if c.ActiveIndex() != 0 {
		t.Fatalf("ActiveIndex() after Reset = %d, want 0", c.ActiveIndex())
	}
}

func TestStrategyOrderings(t *testing.T) {
	t.Parallel()
	set := DefaultStrategies()

	speed, err := FromStrategies(StrategySpeed, set)
	if err != nil {
		t.Fatalf("speed: %v", err)
	}
	quality, err := FromStrategies(StrategyQuality, set)
	if err != nil {
		t.Fatalf("quality: %v", err)
	}

	// Speed leads with the highest-throughput model, quality with the most
	// capable one; both chains contain the same model set.
	if speed.Active().Model == quality.Active().Model {
		t.Fatalf("speed and quality should lead with different models, both %q", speed.Active().Model)
	}
	if speed.Len() != quality.Len() {
		t.Fatalf("chain lengths differ: %d vs %d", speed.Len(), quality.Len())
	}
	if speed.Active().Limits.RPM <= quality.Active().Limits.RPM {
		t.Fatalf("speed head RPM %d not above quality head RPM %d",
			speed.Active().Limits.RPM, quality.Active().Limits.RPM)
	}
}

func TestUnknownStrategy(t *testing.T) {
	t.Parallel()
	if _, err := FromStrategies("balanced", DefaultStrategies()); err == nil {
		t.Fatal("expected error for unknown strategy")
	}
}

func TestNewValidation(t *testing.T) {
	t.Parallel()
	if _, err := New("", nil); err == nil {
		t.Fatal("expected error for empty strategy name")
	}
	if _, err := New("custom", nil); err == nil {
		t.Fatal("expected error for empty profile list")
	}
}
