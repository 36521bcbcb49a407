package perfsim

import (
	"fmt"
	"time"
)

// AdmissionType is the admission controller's decision for a run.
type AdmissionType string

const (
	AdmitImmediate AdmissionType = "ADMIT" // a slot is free in the first wave
	AdmitQueued    AdmissionType = "QUEUE" // waits for an earlier wave to drain
)

// Admission is the admission controller's decision and reasoning for one run.
type Admission struct {
	RunIndex  int
	Type      AdmissionType
	Wave      int           // runIndex / maxConcurrent
	Slot      int           // position inside the wave
	Latency   time.Duration // connector latency drawn for the run
	QueueWait time.Duration
	Reason    string
}

// AdmissionController enforces MaxConcurrentRuns and computes each run's
// queue wait analytically.
//
// Runs are admitted in waves of maxConcurrent. A run waits for every earlier
// wave to drain plus the contention its wave-mates add to its own connector
// latency:
//
//	wait(i) = wave·Lmax·κ(cap) + L(i)·(κ(slot+1) − 1)
//
// where κ is ContentionModel.Factor and L(i) is drawn from [Lmin, Lmax] on a
// per-run stream of the simulation seed. A drained wave costs its slowest
// stretched latency, Lmax·κ(cap), and no run's contention term reaches it, so
// every run of a later wave waits strictly longer than every run of an earlier
// one. wait depends only on (i, maxConcurrent, latency range, seed).
type AdmissionController struct {
	maxConcurrent int
	latencyMin    time.Duration
	latencyMax    time.Duration
	model         ContentionModel
	seed          int64

	// Decision history
	admitted int
	queued   int
	maxWave  int
	maxWait  time.Duration
}

// NewAdmissionController creates a controller for maxConcurrent slots.
func NewAdmissionController(maxConcurrent int, latencyMin, latencyMax time.Duration, seed int64) *AdmissionController {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	if latencyMin < 0 {
		latencyMin = 0
	}
	if latencyMax < latencyMin {
		latencyMin, latencyMax = latencyMax, latencyMin
	}
	return &AdmissionController{
		maxConcurrent: maxConcurrent,
		latencyMin:    latencyMin,
		latencyMax:    latencyMax,
		model:         DefaultContentionModel(),
		seed:          seed,
	}
}

// Admit decides how run runIndex enters the slot pool.
func (a *AdmissionController) Admit(runIndex int) Admission {
	wave := runIndex / a.maxConcurrent
	slot := runIndex % a.maxConcurrent

	rng := NewRand(DeriveSeed(a.seed, "latency", runIndex))
	latency := time.Duration(rng.IntN(int(a.latencyMin/time.Microsecond), int(a.latencyMax/time.Microsecond))) * time.Microsecond

	drain := float64(a.latencyMax) * a.model.Factor(a.maxConcurrent)
	wait := time.Duration(float64(wave)*drain) +
		time.Duration(float64(latency)*(a.model.Factor(slot+1)-1))

	adm := Admission{
		RunIndex:  runIndex,
		Wave:      wave,
		Slot:      slot,
		Latency:   latency,
		QueueWait: wait,
	}

	if wave == 0 {
		a.admitted++
		adm.Type = AdmitImmediate
		adm.Reason = fmt.Sprintf("slot %d/%d free", slot+1, a.maxConcurrent)
	} else {
		a.queued++
		adm.Type = AdmitQueued
		adm.Reason = fmt.Sprintf("concurrency cap %d reached: waiting for %d earlier wave(s)", a.maxConcurrent, wave)
	}

	a.maxWave = max(a.maxWave, wave)
	a.maxWait = max(a.maxWait, wait)
	return adm
}

// InFlight returns how many runs occupy slots when n runs are submitted at once.
func (a *AdmissionController) InFlight(n int) int {
	return min(n, a.maxConcurrent)
}

// GetStatistics returns controller operational stats.
func (a *AdmissionController) GetStatistics() map[string]interface{} {
	return map[string]interface{}{
		"max_concurrent":   a.maxConcurrent,
		"admitted":         a.admitted,
		"queued":           a.queued,
		"max_wave":         a.maxWave,
		"max_queue_wait":   a.maxWait,
		"peak_concurrency": a.model.PeakConcurrency(),
	}
}
