// Package draw provides the deterministic draw service: a pure mapping from
// (entity id, simulation year, run seed) to a uniform value in [0,1). Every
// probabilistic decision in the simulation is expressed against this mapping
// so results are identical across threads, shards, processes, and execution
// order.
package draw

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
)

// Draw returns a reproducible uniform value in [0,1) for the triple.
func Draw(entityID string, year int, seed int64) float64 {
	key := fmt.Sprintf("%s:%d:%d", entityID, year, seed)
	sum := sha256.Sum256([]byte(key))
	return normalize(binary.BigEndian.Uint64(sum[:8]))
}

// normalize maps a 64-bit value onto [0,1) using the top 53 bits, so every
// result is exactly representable and the top of the range never rounds up
// to 1.
func normalize(value uint64) float64 {
	return float64(value>>11) / (1 << 53)
}

// Service binds a run seed so call sites do not thread the seed everywhere.
type Service struct {
	seed int64
}

func NewService(seed int64) *Service {
	return &Service{seed: seed}
}

// Draw returns the deterministic value for (entityID, year) under the bound
// seed.
func (s *Service) Draw(entityID string, year int) float64 {
	return Draw(entityID, year, s.seed)
}

// Decide evaluates a probabilistic decision: true with probability p under
// the bound seed. p <= 0 is always false, p >= 1 always true.
func (s *Service) Decide(entityID string, year int, p float64) bool {
	if p <= 0 {
		return false
	}
	if p >= 1 {
		return true
	}
	return s.Draw(entityID, year) < p
}

// Seed exposes the bound run seed for parameter propagation to the external
// compute engine.
func (s *Service) Seed() int64 {
	return s.seed
}
