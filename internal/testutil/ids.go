package testutil

import "fmt"

// FixedGenerator returns the same id every time. It satisfies
// txn.IDGenerator.
type FixedGenerator struct {
	id string
}

// NewFixedGenerator returns a generator for id, or "test-id" if id is empty.
func NewFixedGenerator(id string) *FixedGenerator {
	if id == "" {
		id = "test-id"
	}
	return &FixedGenerator{id: id}
}

// Generate returns the fixed id.
func (g *FixedGenerator) Generate() string {
	return g.id
}

// SequenceGenerator returns prefix-1, prefix-2, ... so that transactions
// and queries opened in a fixed order get reproducible ids.
type SequenceGenerator struct {
	prefix string
	seq    *Sequence
}

// NewSequenceGenerator returns a generator numbering ids under prefix.
func NewSequenceGenerator(prefix string) *SequenceGenerator {
	return &SequenceGenerator{prefix: prefix, seq: NewSequence()}
}

// Generate returns the next id.
func (g *SequenceGenerator) Generate() string {
	return fmt.Sprintf("%s-%d", g.prefix, g.seq.Next())
}
