package store

import (
	"sync"

	"github.com/roach88/snapdb/internal/dberr"
	"github.com/roach88/snapdb/internal/metrics"
)

// registry is the process-wide table of open stores, keyed by canonical
// path. Every open, acquire, release, compact and delete goes through its
// single mutex so configuration checks and reference counts stay atomic.
type registry struct {
	mu     sync.Mutex
	stores map[string]*Store
}

var global = &registry{stores: make(map[string]*Store)}

// Open opens the store at cfg.Path, or returns the already open store for
// that path with its reference count incremented.
//
// Open fails with IncompatibleConfiguration if the path is already open with
// a different encryption key, schema version or durability mode.
func Open(cfg Config) (*Store, error) {
	cfg, err := cfg.normalize()
	if err != nil {
		return nil, err
	}

	global.mu.Lock()
	defer global.mu.Unlock()

	if s, ok := global.stores[cfg.Path]; ok {
		if err := s.cfg.compatible(cfg); err != nil {
			return nil, err
		}
		s.refs++
		return s, nil
	}

	s, err := openStore(cfg)
	if err != nil {
		return nil, err
	}
	s.refs = 1
	global.stores[cfg.Path] = s
	metrics.StoresOpen.Inc()
	return s, nil
}

// Acquire adds a reference to an open store.
func (s *Store) Acquire() error {
	global.mu.Lock()
	defer global.mu.Unlock()
	if s.refs <= 0 {
		return dberr.ClosedHandle("store %s is closed", s.path)
	}
	s.refs++
	return nil
}

// Release drops one reference. The store's resources are freed when the
// count reaches zero. Releasing a closed store fails with AlreadyClosed.
func (s *Store) Release() error {
	global.mu.Lock()
	defer global.mu.Unlock()
	return global.releaseLocked(s)
}

func (r *registry) releaseLocked(s *Store) error {
	if s.refs <= 0 {
		return dberr.AlreadyClosed(s.path)
	}
	s.refs--
	if s.refs > 0 {
		return nil
	}
	if r.stores[s.path] == s {
		delete(r.stores, s.path)
	}
	metrics.StoresOpen.Dec()
	return s.close()
}

// RefCount returns the reference count of the store.
func (s *Store) RefCount() int {
	global.mu.Lock()
	defer global.mu.Unlock()
	return s.refs
}

// Acquire adds a reference to the store open at path.
func Acquire(path string) error {
	path, err := CanonicalPath(path)
	if err != nil {
		return err
	}
	global.mu.Lock()
	defer global.mu.Unlock()
	s, ok := global.stores[path]
	if !ok {
		return dberr.ClosedHandle("store %s is not open", path)
	}
	s.refs++
	return nil
}

// Release drops one reference from the store open at path.
func Release(path string) error {
	path, err := CanonicalPath(path)
	if err != nil {
		return err
	}
	global.mu.Lock()
	defer global.mu.Unlock()
	s, ok := global.stores[path]
	if !ok {
		return dberr.AlreadyClosed(path)
	}
	return global.releaseLocked(s)
}

// RefCount returns the reference count for path, or 0 if it is not open.
func RefCount(path string) int {
	path, err := CanonicalPath(path)
	if err != nil {
		return 0
	}
	global.mu.Lock()
	defer global.mu.Unlock()
	if s, ok := global.stores[path]; ok {
		return s.refs
	}
	return 0
}

// IsOpen reports whether any handle has path open in this process.
func IsOpen(path string) bool {
	return RefCount(path) > 0
}
