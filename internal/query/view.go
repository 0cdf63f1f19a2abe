package query

import "github.com/roach88/snapdb/internal/store"

// View is the result of one evaluation: the matching row keys at one
// version. A view produced by Run holds a pin on that version until Close.
type View struct {
	Table       string
	Keys        []int64
	Version     store.Version
	Fingerprint uint64

	pin *store.Pin
}

// Len returns the number of matching rows.
func (v *View) Len() int { return len(v.Keys) }

// Pinned reports whether the view still holds its version pin.
func (v *View) Pinned() bool { return v.pin != nil && !v.pin.Released() }

// Snapshot returns the pinned snapshot, or nil if the view holds no pin.
func (v *View) Snapshot() *store.Snapshot {
	if v.pin == nil {
		return nil
	}
	return v.pin.Snapshot()
}

// Close releases the view's pin. Safe to call more than once.
func (v *View) Close() {
	if v.pin != nil {
		v.pin.Release()
	}
}

// Same reports whether v and other present the same rows.
func (v *View) Same(other *View) bool {
	return other != nil && v.Table == other.Table && v.Fingerprint == other.Fingerprint
}
