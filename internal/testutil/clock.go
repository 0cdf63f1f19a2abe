// Package testutil holds deterministic stand-ins for the clocks and id
// generators used by transactions, async queries and the scenario harness.
package testutil

import "sync/atomic"

// Sequence is a logical clock numbering trace events. The first Next
// returns 1. Safe for concurrent use.
type Sequence struct {
	n atomic.Int64
}

// NewSequence returns a sequence starting at 0.
func NewSequence() *Sequence {
	return &Sequence{}
}

// Next advances the sequence and returns the new value.
func (s *Sequence) Next() int64 {
	return s.n.Add(1)
}

// Current returns the last value handed out, or 0.
func (s *Sequence) Current() int64 {
	return s.n.Load()
}

// Reset rewinds the sequence so a scenario can be replayed with identical
// numbering.
func (s *Sequence) Reset() {
	s.n.Store(0)
}
