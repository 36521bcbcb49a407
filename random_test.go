package perfsim

import (
	"testing"
)

func TestRand_SameSeedSameSequence(t *testing.T) {
	a, b := NewRand(42), NewRand(42)
	for i := 0; i < 1000; i++ {
		x, y := a.IntN(0, 1_000_000), b.IntN(0, 1_000_000)
		if x != y {
			t.Fatalf("Draw %d: expected identical values, got %d and %d", i, x, y)
		}
	}
	if a.Seed() != 42 {
		t.Errorf("Expected seed 42, got %d", a.Seed())
	}
}

func TestRand_DifferentSeedsDiverge(t *testing.T) {
	a, b := NewRand(1), NewRand(2)
	same := 0
	for i := 0; i < 100; i++ {
		if a.IntN(0, 1<<30) == b.IntN(0, 1<<30) {
			same++
		}
	}
	if same > 5 {
		t.Errorf("Expected seeds 1 and 2 to diverge, %d/100 draws matched", same)
	}
}

func TestRand_IntNInclusive(t *testing.T) {
	r := NewRand(7)
	seenMin, seenMax := false, false
	for i := 0; i < 10_000; i++ {
		v := r.IntN(3, 6)
		if v < 3 || v > 6 {
			t.Fatalf("IntN(3, 6) returned %d", v)
		}
		seenMin = seenMin || v == 3
		seenMax = seenMax || v == 6
	}
	if !seenMin || !seenMax {
		t.Errorf("Expected both bounds to be drawn, min=%v max=%v", seenMin, seenMax)
	}

	// Swapped bounds
	for i := 0; i < 100; i++ {
		if v := r.IntN(6, 3); v < 3 || v > 6 {
			t.Fatalf("IntN(6, 3) returned %d", v)
		}
	}
}

func TestRand_FloatAndBool(t *testing.T) {
	r := NewRand(9)
	for i := 0; i < 1000; i++ {
		if f := r.Float(1.5, 2.5); f < 1.5 || f >= 2.5 {
			t.Fatalf("Float(1.5, 2.5) returned %v", f)
		}
		if r.Bool(0) {
			t.Fatal("Bool(0) returned true")
		}
		if !r.Bool(1) {
			t.Fatal("Bool(1) returned false")
		}
	}
}

func TestWeightedPick_Proportions(t *testing.T) {
	r := NewRand(11)
	counts := map[Provider]int{}
	const n = 20_000
	for i := 0; i < n; i++ {
		counts[WeightedPick(r, providerWeights)]++
	}

	for _, w := range providerWeights {
		got := float64(counts[w.Value]) / n
		if got < w.Weight-0.02 || got > w.Weight+0.02 {
			t.Errorf("Provider %s: expected share ~%.2f, got %.3f", w.Value, w.Weight, got)
		}
	}
	t.Logf("Provider mix over %d picks: %v", n, counts)
}

func TestWeightedPick_ZeroWeightNeverChosen(t *testing.T) {
	r := NewRand(3)
	opts := []Weighted[string]{{"never", 0}, {"always", 1}, {"negative", -1}}
	for i := 0; i < 1000; i++ {
		if v := WeightedPick(r, opts); v != "always" {
			t.Fatalf("Expected always, got %s", v)
		}
	}

	// All weights zero falls back to the first option
	if v := WeightedPick(r, []Weighted[string]{{"a", 0}, {"b", 0}}); v != "a" {
		t.Errorf("Expected a, got %s", v)
	}
}

func TestDeriveSeed(t *testing.T) {
	base := DeriveSeed(42, "evidence", 0)
	if base != DeriveSeed(42, "evidence", 0) {
		t.Error("DeriveSeed is not deterministic")
	}
	if base == DeriveSeed(42, "evidence", 1) {
		t.Error("Expected different index to give a different seed")
	}
	if base == DeriveSeed(42, "latency", 0) {
		t.Error("Expected different stream to give a different seed")
	}
	if base == DeriveSeed(43, "evidence", 0) {
		t.Error("Expected different base seed to give a different seed")
	}
}
