package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/atmx/settlement-engine/internal/model"
)

// MemorySequence implements Sequence with a slice and a base offset.
// Used for testing and single-process development.
type MemorySequence struct {
	mu     sync.RWMutex
	base   int64
	values []decimal.Decimal
}

// NewMemorySequence creates a sequence pre-filled with values at indices 0..n-1.
func NewMemorySequence(values ...decimal.Decimal) *MemorySequence {
	return &MemorySequence{values: append([]decimal.Decimal(nil), values...)}
}

func (s *MemorySequence) Len(_ context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.base + int64(len(s.values)), nil
}

func (s *MemorySequence) Tail(_ context.Context) (model.Tick, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(s.values) == 0 {
		return model.Tick{}, ErrSequenceEmpty
	}
	last := len(s.values) - 1
	return model.Tick{Index: s.base + int64(last), Value: s.values[last]}, nil
}

func (s *MemorySequence) At(_ context.Context, index int64) (model.Tick, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if index < s.base {
		return model.Tick{}, fmt.Errorf("index %d: %w", index, ErrIndexTrimmed)
	}
	pos := index - s.base
	if pos >= int64(len(s.values)) {
		return model.Tick{}, fmt.Errorf("index %d: %w", index, ErrIndexNotFound)
	}
	return model.Tick{Index: index, Value: s.values[pos]}, nil
}

func (s *MemorySequence) Range(_ context.Context, from, to int64) ([]model.Tick, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if from < s.base {
		from = s.base
	}
	end := s.base + int64(len(s.values))
	if to > end {
		to = end
	}
	ticks := make([]model.Tick, 0)
	for i := from; i < to; i++ {
		ticks = append(ticks, model.Tick{Index: i, Value: s.values[i-s.base]})
	}
	return ticks, nil
}

func (s *MemorySequence) AppendAt(_ context.Context, index int64, value decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.base+int64(len(s.values)) != index {
		return fmt.Errorf("append at %d: %w", index, ErrAppendConflict)
	}
	s.values = append(s.values, value)
	return nil
}

func (s *MemorySequence) Trim(_ context.Context, before int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if before <= s.base {
		return nil
	}
	drop := before - s.base
	if drop > int64(len(s.values)) {
		drop = int64(len(s.values))
	}
	s.values = append([]decimal.Decimal(nil), s.values[drop:]...)
	s.base += drop
	return nil
}
