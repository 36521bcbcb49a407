package perfsim

import (
	"math/rand/v2"
)

// Rand is the seeded random source every simulation component draws from.
//
// Same seed and the same call order always yield the same sequence. A Rand is
// owned by exactly one simulation; nothing in this package touches ambient
// (global) randomness.
type Rand struct {
	seed int64
	r    *rand.Rand
}

// NewRand creates a source seeded by seed.
func NewRand(seed int64) *Rand {
	s := uint64(seed)
	return &Rand{
		seed: seed,
		r:    rand.New(rand.NewPCG(s, splitmix64(s))),
	}
}

// Seed returns the seed the source was created with.
func (r *Rand) Seed() int64 {
	return r.seed
}

// Float64 returns a value in [0, 1).
func (r *Rand) Float64() float64 {
	return r.r.Float64()
}

// IntN returns a value in [min, max] (both inclusive).
// If max < min the bounds are swapped.
func (r *Rand) IntN(min, max int) int {
	if max < min {
		min, max = max, min
	}
	return min + r.r.IntN(max-min+1)
}

// Float returns a value in [min, max).
func (r *Rand) Float(min, max float64) float64 {
	if max < min {
		min, max = max, min
	}
	return min + r.r.Float64()*(max-min)
}

// Bool returns true with probability p.
func (r *Rand) Bool(p float64) bool {
	return r.r.Float64() < p
}

// Pick returns a uniformly chosen element of set. set must be non-empty.
func Pick[T any](r *Rand, set []T) T {
	return set[r.r.IntN(len(set))]
}

// Weighted is one option of a weighted pick.
type Weighted[T any] struct {
	Value  T
	Weight float64
}

// WeightedPick chooses an option with probability proportional to its weight.
// Options with non-positive weight are never chosen unless all are.
func WeightedPick[T any](r *Rand, options []Weighted[T]) T {
	var total float64
	for _, o := range options {
		if o.Weight > 0 {
			total += o.Weight
		}
	}
	if total == 0 {
		return options[0].Value
	}

	x := r.r.Float64() * total
	for _, o := range options {
		if o.Weight <= 0 {
			continue
		}
		if x < o.Weight {
			return o.Value
		}
		x -= o.Weight
	}
	return options[len(options)-1].Value
}

// DeriveSeed returns a seed for an independent sub-stream.
//
// Sub-streams let a subject's evidence (or a run's latency draw) be reproduced
// without replaying every call that came before it.
func DeriveSeed(seed int64, stream string, index int) int64 {
	h := uint64(seed)
	for i := 0; i < len(stream); i++ {
		h = splitmix64(h ^ uint64(stream[i]))
	}
	return int64(splitmix64(h ^ uint64(index)))
}

// splitmix64 is the SplitMix64 finalizer.
func splitmix64(x uint64) uint64 {
	x += 0x9e3779b97f4a7c15
	x = (x ^ (x >> 30)) * 0xbf58476d1ce4e5b9
	x = (x ^ (x >> 27)) * 0x94d049bb133111eb
	return x ^ (x >> 31)
}
