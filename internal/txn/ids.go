package txn

import "github.com/google/uuid"

// IDGenerator produces identifiers for transactions and async queries.
type IDGenerator interface {
	Generate() string
}

// UUIDv7Generator generates time-sortable UUIDv7 identifiers.
//
// UUIDv7 embeds a timestamp in the most significant bits, so ids sort by
// creation time in logs.
type UUIDv7Generator struct{}

// Generate returns a new hyphenated UUIDv7.
// Panics if UUID generation fails (should never happen in practice).
func (UUIDv7Generator) Generate() string {
	return uuid.Must(uuid.NewV7()).String()
}
