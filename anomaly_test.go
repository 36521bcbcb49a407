package perfsim

import (
	"math"
	"sync"
	"testing"
	"time"
)

func TestTailDivergence_Uniform(t *testing.T) {
	tracker := NewTailDivergenceTracker(100)

	for i := 0; i < 100; i++ {
		tracker.Record(120 * time.Millisecond)
	}

	if ratio := tracker.TailDivergenceRatio(); ratio != 1 {
		t.Errorf("Expected ratio 1 for identical durations, got %.2f", ratio)
	}
	if tracker.IsHeavyTailed() {
		t.Error("Expected identical durations not to be heavy-tailed")
	}
	if tracker.ParetoIndex() != 0 {
		t.Errorf("Expected no Pareto index without a tail, got %.2f", tracker.ParetoIndex())
	}
}

func TestTailDivergence_StalledRuns(t *testing.T) {
	tracker := NewTailDivergenceTracker(100)

	for i := 0; i < 98; i++ {
		tracker.Record(100 * time.Millisecond)
	}
	// Two stalled runs reach the P99 rank
	tracker.Record(10 * time.Second)
	tracker.Record(10 * time.Second)

	stats := tracker.GetStats()
	t.Logf("Stats: %+v", stats)

	if stats.TailDivergenceRatio != 100 {
		t.Errorf("Expected P99/P50 = 100, got %.2f", stats.TailDivergenceRatio)
	}
	if !stats.HeavyTailed || !tracker.IsHeavyTailed() {
		t.Error("Expected stalled runs to be heavy-tailed")
	}

	want := math.Log(50) / math.Log(100)
	if math.Abs(stats.ParetoIndex-want) > 1e-9 {
		t.Errorf("Expected Pareto index %.4f, got %.4f", want, stats.ParetoIndex)
	}
	if stats.ParetoIndex > 2 {
		t.Error("Expected infinite-variance regime (α ≤ 2)")
	}
}

func TestTailDivergence_SingleOutlierBelowP99(t *testing.T) {
	tracker := NewTailDivergenceTracker(100)

	for i := 0; i < 99; i++ {
		tracker.Record(100 * time.Millisecond)
	}
	tracker.Record(10 * time.Second)

	// One sample in a hundred sits above the P99 rank
	if tracker.IsHeavyTailed() {
		t.Errorf("Expected a single outlier not to move P99, ratio %.2f", tracker.TailDivergenceRatio())
	}
}

func TestTailDivergence_RingBuffer(t *testing.T) {
	tracker := NewTailDivergenceTracker(10)

	for i := 0; i < 10; i++ {
		tracker.Record(10 * time.Second)
	}
	// Overwrite every slow sample
	for i := 0; i < 15; i++ {
		tracker.Record(100 * time.Millisecond)
	}

	stats := tracker.GetStats()
	if stats.SampleCount != 25 {
		t.Errorf("Expected 25 samples recorded, got %d", stats.SampleCount)
	}
	if stats.P99 != 100*time.Millisecond {
		t.Errorf("Expected old samples evicted, P99 = %s", stats.P99)
	}
}

func TestTailDivergence_Empty(t *testing.T) {
	tracker := NewTailDivergenceTracker(0)

	stats := tracker.GetStats()
	if stats.SampleCount != 0 || stats.HeavyTailed {
		t.Errorf("Expected empty stats, got %+v", stats)
	}
	if stats.TailDivergenceRatio != 1 {
		t.Errorf("Expected ratio 1 without samples, got %.2f", stats.TailDivergenceRatio)
	}
}

func TestTailDivergence_Concurrent(t *testing.T) {
	tracker := NewTailDivergenceTracker(1000)

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				tracker.Record(time.Duration(i+1) * time.Millisecond)
				_ = tracker.TailDivergenceRatio()
			}
		}()
	}
	wg.Wait()

	if got := tracker.GetStats().SampleCount; got != 800 {
		t.Errorf("Expected 800 samples, got %d", got)
	}
}
