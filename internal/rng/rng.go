// Package rng supplies the random draws behind game outcomes and the
// shared sequence.
package rng

import (
	"crypto/rand"
	"math/big"
	"sync"
)

// Source draws uniform values. Implementations must be safe for concurrent use.
type Source interface {
	// IntN returns a uniform int in [0, n). It panics if n <= 0.
	IntN(n int) int
	// Float64 returns a uniform float64 in [0, 1).
	Float64() float64
}

// Crypto draws from crypto/rand. Outcomes cannot be predicted from earlier ones.
type Crypto struct{}

func (Crypto) IntN(n int) int {
	if n <= 0 {
		panic("rng: IntN with n <= 0")
	}
	v, err := rand.Int(rand.Reader, big.NewInt(int64(n)))
	if err != nil {
		panic("rng: crypto/rand failed: " + err.Error())
	}
	return int(v.Int64())
}

const float53 = 1 << 53

func (Crypto) Float64() float64 {
	v, err := rand.Int(rand.Reader, big.NewInt(float53))
	if err != nil {
		panic("rng: crypto/rand failed: " + err.Error())
	}
	return float64(v.Int64()) / float53
}

// Scripted replays fixed draws in order, cycling when exhausted. Tests use
// it to force outcomes.
type Scripted struct {
	mu     sync.Mutex
	ints   []int
	floats []float64
	i, f   int
}

func NewScripted(ints []int, floats []float64) *Scripted {
	return &Scripted{ints: ints, floats: floats}
}

func (s *Scripted) IntN(n int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.ints) == 0 {
		return 0
	}
	v := s.ints[s.i%len(s.ints)]
	s.i++
	return v % n
}

func (s *Scripted) Float64() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.floats) == 0 {
		return 0.5
	}
	v := s.floats[s.f%len(s.floats)]
	s.f++
	return v
}
