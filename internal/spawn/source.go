// Package spawn computes the position a player appears at when joining a room.
package spawn

import (
	"crypto/rand"
	"math/big"
	"sync"
)

// Source is the randomness provider for spawn offsets.
//
// Implementations MUST be safe for concurrent use.
type Source interface {
	// Intn returns a non-negative random int in [0, n).
	//
	// Precondition: n > 0.
	Intn(n int) int
}

// cryptoSource implements Source using crypto/rand.
type cryptoSource struct{}

// NewCryptoSource returns a Source backed by crypto/rand.
//
// Postcondition: Every value returned by Intn is in [0, n).
func NewCryptoSource() Source {
	return &cryptoSource{}
}

// Intn returns a uniformly distributed int in [0, n).
//
// Precondition: n > 0. Panics if n <= 0 or crypto/rand fails.
func (c *cryptoSource) Intn(n int) int {
	if n <= 0 {
		panic("spawn: Intn called with n <= 0")
	}
	val, err := rand.Int(rand.Reader, big.NewInt(int64(n)))
	if err != nil {
		panic("spawn: crypto/rand failure: " + err.Error())
	}
	return int(val.Int64())
}

// sequenceSource replays a fixed list of values, cycling when exhausted.
type sequenceSource struct {
	mu     sync.Mutex
	values []int
	next   int
}

// NewSequenceSource returns a deterministic Source that yields values in
// order, wrapping around at the end. Each value is clamped into [0, n).
//
// Precondition: len(values) > 0.
func NewSequenceSource(values ...int) Source {
	if len(values) == 0 {
		panic("spawn: NewSequenceSource requires at least one value")
	}
	return &sequenceSource{values: values}
}

func (s *sequenceSource) Intn(n int) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	v := s.values[s.next%len(s.values)]
	s.next++
	switch {
	case v < 0:
		return 0
	case v >= n:
		return n - 1
	}
	return v
}
