package perfsim

import (
	"strings"
	"testing"
	"time"
)

func TestAdmissionController_FirstWaveAdmitted(t *testing.T) {
	a := NewAdmissionController(5, 20*time.Millisecond, 250*time.Millisecond, 42)

	for i := 0; i < 5; i++ {
		adm := a.Admit(i)
		if adm.Type != AdmitImmediate {
			t.Errorf("Run %d: expected ADMIT, got %s", i, adm.Type)
		}
		if adm.Wave != 0 || adm.Slot != i {
			t.Errorf("Run %d: expected wave 0 slot %d, got wave %d slot %d", i, i, adm.Wave, adm.Slot)
		}
		if !strings.Contains(adm.Reason, "free") {
			t.Errorf("Expected free-slot reason, got: %s", adm.Reason)
		}
	}
}

func TestAdmissionController_FirstRunNeverWaits(t *testing.T) {
	a := NewAdmissionController(25, 20*time.Millisecond, 250*time.Millisecond, 7)

	// κ(1) = 1, so the first slot carries no contention
	if adm := a.Admit(0); adm.QueueWait != 0 {
		t.Errorf("Expected zero wait for run 0, got %s", adm.QueueWait)
	}
}

func TestAdmissionController_Queued(t *testing.T) {
	lmax := 250 * time.Millisecond
	a := NewAdmissionController(2, 20*time.Millisecond, lmax, 42)

	for i := 0; i < 7; i++ {
		adm := a.Admit(i)
		wantWave := i / 2

		if adm.Wave != wantWave {
			t.Errorf("Run %d: expected wave %d, got %d", i, wantWave, adm.Wave)
		}
		if wantWave > 0 {
			if adm.Type != AdmitQueued {
				t.Errorf("Run %d: expected QUEUE, got %s", i, adm.Type)
			}
			if !strings.Contains(adm.Reason, "concurrency cap 2") {
				t.Errorf("Expected cap in reason, got: %s", adm.Reason)
			}
		}
		if adm.QueueWait < time.Duration(wantWave)*lmax {
			t.Errorf("Run %d: wait %s below %d drained waves of %s", i, adm.QueueWait, wantWave, lmax)
		}
	}

	stats := a.GetStatistics()
	if stats["admitted"].(int) != 2 {
		t.Errorf("Expected 2 admitted, got %d", stats["admitted"].(int))
	}
	if stats["queued"].(int) != 5 {
		t.Errorf("Expected 5 queued, got %d", stats["queued"].(int))
	}
	if stats["max_wave"].(int) != 3 {
		t.Errorf("Expected max wave 3, got %d", stats["max_wave"].(int))
	}
}

func TestAdmissionController_WaitMonotoneAcrossWaves(t *testing.T) {
	lmax := 250 * time.Millisecond

	// At 25 slots κ(25) − 1 = 1.8, so a late slot of one wave is stretched
	// well past a single Lmax. The wave base has to cover that.
	for _, capacity := range []int{2, 5, 25} {
		a := NewAdmissionController(capacity, 20*time.Millisecond, lmax, 42)

		prevMax := time.Duration(-1)
		for w := 0; w < 4; w++ {
			waveMin, waveMax := time.Duration(1<<62), time.Duration(0)
			for s := 0; s < capacity; s++ {
				adm := a.Admit(w*capacity + s)
				waveMin = min(waveMin, adm.QueueWait)
				waveMax = max(waveMax, adm.QueueWait)
			}
			if waveMin <= prevMax {
				t.Errorf("Cap %d: wave %d minimum %s not above previous wave maximum %s", capacity, w, waveMin, prevMax)
			}
			t.Logf("Cap %d wave %d: wait %s .. %s", capacity, w, waveMin, waveMax)
			prevMax = waveMax
		}
	}
}

func TestAdmissionController_WaveBase(t *testing.T) {
	lmax := 250 * time.Millisecond
	a := NewAdmissionController(25, 20*time.Millisecond, lmax, 42)

	// Slot 0 of wave 1 carries no contention of its own
	adm := a.Admit(25)
	want := time.Duration(float64(lmax) * DefaultContentionModel().Factor(25))
	if adm.QueueWait != want {
		t.Errorf("Expected wave 1 slot 0 to wait %s, got %s", want, adm.QueueWait)
	}
}

func TestAdmissionController_Deterministic(t *testing.T) {
	a := NewAdmissionController(3, 20*time.Millisecond, 250*time.Millisecond, 42)
	b := NewAdmissionController(3, 20*time.Millisecond, 250*time.Millisecond, 42)
	c := NewAdmissionController(3, 20*time.Millisecond, 250*time.Millisecond, 43)

	differs := false
	for i := 0; i < 10; i++ {
		x, y, z := a.Admit(i), b.Admit(i), c.Admit(i)
		if x != y {
			t.Errorf("Run %d: same seed gave %+v and %+v", i, x, y)
		}
		if x.Latency != z.Latency {
			differs = true
		}
	}
	if !differs {
		t.Error("Expected a different seed to draw different latencies")
	}
}

func TestAdmissionController_LatencyInRange(t *testing.T) {
	lo, hi := 20*time.Millisecond, 250*time.Millisecond
	a := NewAdmissionController(25, lo, hi, 1)

	for i := 0; i < 100; i++ {
		adm := a.Admit(i)
		if adm.Latency < lo || adm.Latency > hi {
			t.Errorf("Run %d: latency %s outside [%s, %s]", i, adm.Latency, lo, hi)
		}
	}
}

func TestAdmissionController_NormalisesArguments(t *testing.T) {
	a := NewAdmissionController(0, 250*time.Millisecond, 20*time.Millisecond, 1)

	if a.InFlight(10) != 1 {
		t.Errorf("Expected cap clamped to 1, got %d in flight", a.InFlight(10))
	}
	adm := a.Admit(0)
	if adm.Latency < 20*time.Millisecond || adm.Latency > 250*time.Millisecond {
		t.Errorf("Expected swapped latency range, got %s", adm.Latency)
	}
	if a.Admit(1).Wave != 1 {
		t.Error("Expected the second run to queue behind a single slot")
	}
}

func TestAdmissionController_InFlight(t *testing.T) {
	a := NewAdmissionController(25, 0, 0, 1)
	if a.InFlight(5) != 5 {
		t.Errorf("Expected 5 in flight, got %d", a.InFlight(5))
	}
	if a.InFlight(40) != 25 {
		t.Errorf("Expected 25 in flight, got %d", a.InFlight(40))
	}
}
