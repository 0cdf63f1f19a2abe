package store

import (
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/roach88/snapdb/internal/dberr"
)

// Companion file suffixes. A store is fully removed only when all of them
// are gone.
const (
	lockSuffixWrite = ".lock"   // exclusive flock while a write is in progress
	lockSuffixOpen  = ".lock_a" // shared flock while any process has the store open
	lockSuffixAux   = ".lock_b" // legacy auxiliary lock, removed on delete
	journalSuffix   = ".log"    // one JSON line per commit
)

// removeFile is os.Remove, replaced in tests.
var removeFile = os.Remove

// Files returns the primary file followed by every companion file of path.
func Files(path string) []string {
	return []string{
		path,
		path + "-wal",
		path + "-shm",
		path + "-journal",
		path + lockSuffixWrite,
		path + lockSuffixOpen,
		path + lockSuffixAux,
		path + journalSuffix,
	}
}

// Delete removes a store and all of its companion files.
//
// Delete fails with FileInUse, removing nothing, while any handle in this
// process or any other process has the store open. Otherwise removal is
// best-effort: a file that cannot be removed is logged and reflected in the
// returned flag, but does not produce an error.
func Delete(cfg Config) (bool, error) {
	cfg, err := cfg.normalize()
	if err != nil {
		return false, err
	}

	global.mu.Lock()
	defer global.mu.Unlock()

	if s, ok := global.stores[cfg.Path]; ok && s.refs > 0 {
		return false, dberr.FileInUse(cfg.Path, "delete", s.refs)
	}

	release, err := lockForMaintenance(cfg.Path, "delete")
	if err != nil {
		return false, err
	}
	defer release()

	log := cfg.logger()
	ok := true
	for _, name := range Files(cfg.Path) {
		if err := removeFile(name); err != nil && !errors.Is(err, fs.ErrNotExist) {
			ok = false
			log.Warn("could not delete store file", "file", name, "error", err)
		}
	}
	return ok, nil
}

// Compact rewrites the store file to reclaim free space.
//
// Compact fails with FileInUse while any handle has the store open. Memory
// only stores have nothing to compact.
func Compact(cfg Config) error {
	cfg, err := cfg.normalize()
	if err != nil {
		return err
	}

	global.mu.Lock()
	defer global.mu.Unlock()

	if s, ok := global.stores[cfg.Path]; ok && s.refs > 0 {
		return dberr.FileInUse(cfg.Path, "compact", s.refs)
	}
	if cfg.Durability == MemoryOnly {
		return nil
	}
	if _, err := os.Stat(cfg.Path); err != nil {
		return dberr.Storage(cfg.Path, "compact", err)
	}

	release, err := lockForMaintenance(cfg.Path, "compact")
	if err != nil {
		return err
	}
	defer release()

	db, err := sql.Open("sqlite3", cfg.Path)
	if err != nil {
		return dberr.Storage(cfg.Path, "compact", err)
	}
	defer db.Close()

	if _, err := db.Exec("VACUUM"); err != nil {
		return dberr.Storage(cfg.Path, "compact", fmt.Errorf("vacuum: %w", err))
	}
	if _, err := db.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		return dberr.Storage(cfg.Path, "compact", fmt.Errorf("checkpoint: %w", err))
	}

	cfg.logger().Info("store compacted", "path", cfg.Path)
	return nil
}

// lockForMaintenance takes the open lock exclusively so no other process can
// open the store while it is being compacted or deleted.
func lockForMaintenance(path, op string) (func(), error) {
	if _, err := os.Stat(path + lockSuffixOpen); errors.Is(err, fs.ErrNotExist) {
		return func() {}, nil
	}
	l, err := openLockFile(path + lockSuffixOpen)
	if err != nil {
		return nil, dberr.Storage(path, op, err)
	}
	ok, err := l.TryExclusive()
	if err != nil {
		l.Close()
		return nil, dberr.Storage(path, op, err)
	}
	if !ok {
		l.Close()
		return nil, dberr.FileInUse(path, op, 1)
	}
	return func() { l.Close() }, nil
}
