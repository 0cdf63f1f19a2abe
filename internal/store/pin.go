package store

import (
	"runtime"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/roach88/snapdb/internal/dberr"
	"github.com/roach88/snapdb/internal/metrics"
)

// Pin keeps one snapshot version retained until released.
//
// A Pin dropped without Release is reclaimed after garbage collection: the
// runtime cleanup only hands the pin to the store's reclaim queue, and the
// queue is drained under the store lock by the next Pin, Commit or Reclaim.
type Pin struct {
	store   *Store
	snap    *Snapshot
	state   *pinState
	cleanup runtime.Cleanup
}

type pinState struct {
	seq      uint64
	released atomic.Bool
}

// Snapshot returns the pinned snapshot.
func (p *Pin) Snapshot() *Snapshot { return p.snap }

// Version returns the pinned version.
func (p *Pin) Version() Version { return p.snap.version }

// Released reports whether Release has been called.
func (p *Pin) Released() bool { return p.state.released.Load() }

// Release unpins the version. Safe to call more than once.
func (p *Pin) Release() {
	if !p.state.released.CompareAndSwap(false, true) {
		return
	}
	p.cleanup.Stop()

	s := p.store
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unpinLocked(p.state.seq)
	s.drainLocked()
}

// reclaimQueue hands abandoned pins from the cleanup goroutine to the store.
// push never takes the store lock.
type reclaimQueue struct {
	mu    sync.Mutex
	items []*pinState
}

func (q *reclaimQueue) push(st *pinState) {
	if st.released.Load() {
		return
	}
	q.mu.Lock()
	q.items = append(q.items, st)
	q.mu.Unlock()
}

func (q *reclaimQueue) drain() []*pinState {
	q.mu.Lock()
	defer q.mu.Unlock()
	items := q.items
	q.items = nil
	return items
}

// Pin pins the latest version (v == nil) or the exact version v.
// Pinning a version that was reclaimed or is not yet committed fails with
// VersionUnavailable.
func (s *Store) Pin(v *Version) (*Pin, error) {
	if v == nil {
		if err := s.Refresh(); err != nil {
			return nil, err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, dberr.ClosedHandle("store %s is closed", s.path)
	}
	s.drainLocked()

	snap := s.latest
	if v != nil && v.Seq != snap.version.Seq {
		if v.Seq > snap.version.Seq {
			return nil, dberr.VersionUnavailable(v.Seq, "has not been committed")
		}
		var ok bool
		if snap, ok = s.retained[v.Seq]; !ok {
			return nil, dberr.VersionUnavailable(v.Seq, "was reclaimed")
		}
	}
	return s.pinLocked(snap), nil
}

func (s *Store) pinLocked(snap *Snapshot) *Pin {
	st := &pinState{seq: snap.version.Seq}
	s.pins[st.seq]++
	metrics.PinsActive.Inc()

	p := &Pin{store: s, snap: snap, state: st}
	p.cleanup = runtime.AddCleanup(p, s.reclaim.push, st)
	return p
}

func (s *Store) unpinLocked(seq uint64) {
	metrics.PinsActive.Dec()
	if s.pins[seq] <= 1 {
		delete(s.pins, seq)
	} else {
		s.pins[seq]--
	}
	s.trimLocked()
}

// drainLocked releases pins abandoned without Release.
func (s *Store) drainLocked() {
	for _, st := range s.reclaim.drain() {
		if !st.released.CompareAndSwap(false, true) {
			continue
		}
		s.log.Debug("reclaiming abandoned pin", "path", s.path, "version", st.seq)
		metrics.PinsReclaimed.Inc()
		s.unpinLocked(st.seq)
	}
}

// installLocked makes snap the latest version.
func (s *Store) installLocked(snap *Snapshot) {
	s.latest = snap
	s.retained[snap.version.Seq] = snap
	s.history = append(s.history, snap.version.Seq)
	metrics.VersionsRetained.Inc()
	s.trimLocked()
}

// trimLocked drops versions that are neither latest, pinned, nor within the
// configured history depth.
func (s *Store) trimLocked() {
	if s.latest == nil {
		return
	}
	depth := s.cfg.RetainVersions
	keep := make([]uint64, 0, len(s.history))
	for i := len(s.history) - 1; i >= 0; i-- {
		seq := s.history[i]
		switch {
		case seq == s.latest.version.Seq:
		case s.pins[seq] > 0:
		case depth > 0:
			depth--
		default:
			delete(s.retained, seq)
			metrics.VersionsRetained.Dec()
			continue
		}
		keep = append(keep, seq)
	}
	slices.Reverse(keep)
	s.history = keep
}

// Reclaim drains the deferred reclaim queue.
func (s *Store) Reclaim() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.drainLocked()
}

// PinCount returns the number of live pins on version seq.
func (s *Store) PinCount(seq uint64) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pins[seq]
}

// RetainedVersions returns the retained version sequence numbers in order.
func (s *Store) RetainedVersions() []uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.history)
}
