package inference

import (
	"hash/fnv"
	"math/rand"
)

// === RunKey ===

// RunKey identifies a reproducible inference run. Two runs with the same key
// and identical configuration produce bit-for-bit identical results.
type RunKey int64

// NewRunKey creates a RunKey from a seed value.
func NewRunKey(seed int64) RunKey {
	return RunKey(seed)
}

// === Subsystem Constants ===

const (
	// SubsystemPrior draws training parameters from the prior.
	SubsystemPrior = "prior"

	// SubsystemSimulator seeds the simulation chunks.
	SubsystemSimulator = "simulator"

	// SubsystemInit seeds estimator weight initialization.
	SubsystemInit = "init"

	// SubsystemTraining shuffles data and splits off the validation set.
	SubsystemTraining = "training"

	// SubsystemPosterior draws posterior samples.
	SubsystemPosterior = "posterior"

	// SubsystemObservation draws the ground-truth parameters and the
	// synthetic observation when none is supplied.
	SubsystemObservation = "observation"
)

// === PartitionedRNG ===

// PartitionedRNG provides deterministic, isolated RNG instances per subsystem.
// Each subsystem is seeded with key XOR fnv1a64(name), so drawing more from
// one subsystem never shifts the stream of another.
//
// Thread-safety: NOT thread-safe. Must be called from single goroutine.
type PartitionedRNG struct {
	key        RunKey
	subsystems map[string]*rand.Rand
}

// NewPartitionedRNG creates a PartitionedRNG from a RunKey.
func NewPartitionedRNG(key RunKey) *PartitionedRNG {
	return &PartitionedRNG{
		key:        key,
		subsystems: make(map[string]*rand.Rand),
	}
}

// ForSubsystem returns a deterministically-seeded RNG for the named subsystem.
// The same subsystem name always returns the same *rand.Rand instance (cached).
func (p *PartitionedRNG) ForSubsystem(name string) *rand.Rand {
	if rng, ok := p.subsystems[name]; ok {
		return rng
	}
	rng := rand.New(rand.NewSource(p.Seed(name)))
	p.subsystems[name] = rng
	return rng
}

// Seed returns the derived seed of a subsystem, for consumers that build
// their own sources (the estimator builder, the simulation runner).
func (p *PartitionedRNG) Seed(name string) int64 {
	return int64(p.key) ^ fnv1a64(name)
}

// Key returns the RunKey used to create this PartitionedRNG.
func (p *PartitionedRNG) Key() RunKey {
	return p.key
}

// fnv1a64 computes a 64-bit FNV-1a hash of the input string.
func fnv1a64(s string) int64 {
	h := fnv.New64a()
	h.Write([]byte(s))
	return int64(h.Sum64())
}
