package store

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"sync"
	"sync/atomic"

	_ "github.com/mattn/go-sqlite3"

	"github.com/roach88/snapdb/internal/dberr"
	"github.com/roach88/snapdb/internal/metrics"
)

//go:embed schema.sql
var schemaSQL string

// Schema version tracking:
// 0 - Initial schema (pre-migration)
// 1 - Added position index on rows
const currentSchemaVersion = 1

// Store is one open store path shared by every transaction in the process.
//
// The store owns the durable engine (SQLite for Full durability), the set of
// retained snapshot versions, and the store-wide write lock. Obtain one with
// Open; release it with Release once per successful Open or Acquire.
type Store struct {
	path   string
	cfg    Config
	log    *slog.Logger
	db     *sql.DB
	cipher *payloadCipher

	writeLock *fileLock // flock held for the duration of a write
	openLock  *fileLock // shared flock held while the store is open
	journal   *os.File
	writeSem  chan struct{}

	// refs is guarded by the registry mutex.
	refs int

	mu          sync.Mutex
	closed      bool
	latest      *Snapshot
	retained    map[uint64]*Snapshot
	history     []uint64
	pins        map[uint64]int
	nextIndex   uint64
	observers   map[int]func(CommitEvent)
	nextObs     int
	attachments map[any]any
	reclaim     *reclaimQueue
}

// CommitEvent describes one installed commit. Origin is the value passed to
// Publish by the committer, typically its transaction.
type CommitEvent struct {
	Path    string
	Version Version
	Origin  any
}

func openStore(cfg Config) (*Store, error) {
	s := &Store{
		path:        cfg.Path,
		cfg:         cfg,
		log:         cfg.logger(),
		writeSem:    make(chan struct{}, 1),
		retained:    make(map[uint64]*Snapshot),
		pins:        make(map[uint64]int),
		observers:   make(map[int]func(CommitEvent)),
		attachments: make(map[any]any),
		reclaim:     &reclaimQueue{},
	}

	var err error
	if s.openLock, err = openLockFile(cfg.Path + lockSuffixOpen); err != nil {
		return nil, dberr.Storage(cfg.Path, "open lock file", err)
	}
	if err := s.openLock.Shared(); err != nil {
		s.openLock.Close()
		return nil, dberr.Storage(cfg.Path, "lock store for open", err)
	}
	if s.writeLock, err = openLockFile(cfg.Path + lockSuffixWrite); err != nil {
		s.openLock.Close()
		return nil, dberr.Storage(cfg.Path, "open lock file", err)
	}

	snap := newSnapshot()
	if cfg.Durability == Full {
		if snap, err = s.openDurable(); err != nil {
			if s.db != nil {
				s.db.Close()
			}
			s.closeFiles()
			return nil, err
		}
	} else if len(cfg.EncryptionKey) > 0 {
		// Memory-only stores never persist payloads but still validate the key.
		if s.cipher, err = newPayloadCipher(cfg.EncryptionKey); err != nil {
			s.closeFiles()
			return nil, dberr.Encryption(cfg.Path, err.Error())
		}
	}

	s.mu.Lock()
	snap.version.Index = s.nextIndex
	s.nextIndex++
	s.installLocked(snap)
	s.mu.Unlock()

	s.log.Debug("store opened", "path", s.path, "durability", cfg.Durability, "version", snap.version.Seq)
	return s, nil
}

// openDurable opens the SQLite file and loads the latest committed snapshot.
func (s *Store) openDurable() (*Snapshot, error) {
	db, err := openDB(s.path)
	if err != nil {
		return nil, dberr.Storage(s.path, "open database", err)
	}
	s.db = db

	if err := s.checkKey(); err != nil {
		return nil, err
	}
	if len(s.cfg.EncryptionKey) > 0 {
		if s.cipher, err = newPayloadCipher(s.cfg.EncryptionKey); err != nil {
			return nil, dberr.Encryption(s.path, err.Error())
		}
	}

	snap, err := s.load()
	if err != nil {
		return nil, err
	}

	if s.journal, err = os.OpenFile(s.path+journalSuffix, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644); err != nil {
		return nil, dberr.Storage(s.path, "open journal", err)
	}
	return snap, nil
}

// openDB opens a SQLite database at path with the required pragmas and schema.
//
// The database is configured with:
//   - WAL mode for concurrent reads during writes
//   - NORMAL synchronous mode (balance durability/performance)
//   - 5-second busy timeout for lock contention
//   - Foreign key enforcement
func openDB(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// SQLite only supports one writer at a time, so limit connections
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply pragmas: %w", err)
	}
	if err := applySchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}
	return db, nil
}

// applyPragmas sets required SQLite configuration.
func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}
	return nil
}

// applySchema creates tables if they don't exist and runs migrations.
func applySchema(db *sql.DB) error {
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}
	if err := runMigrations(db); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// runMigrations applies incremental schema migrations based on user_version.
func runMigrations(db *sql.DB) error {
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}

	if version < 1 {
		if _, err := db.Exec(`CREATE INDEX IF NOT EXISTS idx_rows_position ON rows(table_id, position)`); err != nil {
			return fmt.Errorf("migrate to v1: %w", err)
		}
	}

	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}
	return nil
}

// Path returns the canonical store path.
func (s *Store) Path() string { return s.path }

// Config returns the configuration the store was opened with.
func (s *Store) Config() Config { return s.cfg }

// Logger returns the store's logger.
func (s *Store) Logger() *slog.Logger { return s.log }

// Latest returns the latest committed version.
func (s *Store) Latest() Version {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.latest == nil {
		return Version{}
	}
	return s.latest.version
}

// SchemaVersion returns the schema version of the latest snapshot.
func (s *Store) SchemaVersion() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.latest == nil {
		return 0
	}
	return s.latest.schemaVersion
}

// IsClosed reports whether the last reference has been released.
func (s *Store) IsClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// WriteLock is the store-wide write lock held by the single writer.
type WriteLock struct {
	store    *Store
	released atomic.Bool
}

// LockWrite blocks until the store-wide write lock is free, in this process
// and across processes. There is no timeout; ctx is the caller's hook for
// layering one. After locking, commits made by other processes are loaded.
func (s *Store) LockWrite(ctx context.Context) (*WriteLock, error) {
	if s.IsClosed() {
		return nil, dberr.ClosedHandle("store %s is closed", s.path)
	}

	select {
	case s.writeSem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	if err := s.writeLock.Exclusive(); err != nil {
		<-s.writeSem
		return nil, dberr.Storage(s.path, "acquire write lock", err)
	}

	w := &WriteLock{store: s}
	if err := s.catchUp(); err != nil {
		w.Unlock()
		return nil, err
	}
	return w, nil
}

// Unlock releases the write lock. Safe to call more than once.
func (w *WriteLock) Unlock() {
	if !w.released.CompareAndSwap(false, true) {
		return
	}
	if err := w.store.writeLock.Unlock(); err != nil {
		w.store.log.Warn("failed to release write lock", "path", w.store.path, "error", err)
	}
	<-w.store.writeSem
}

// Refresh installs commits persisted by another process since our latest.
// It does nothing while a writer in this process holds the write lock,
// since that writer has already caught up and no other process can commit.
func (s *Store) Refresh() error {
	if s.db == nil || s.IsClosed() {
		return nil
	}
	select {
	case s.writeSem <- struct{}{}:
	default:
		return nil
	}
	defer func() { <-s.writeSem }()
	return s.catchUp()
}

// catchUp installs commits persisted by another process since our latest.
// The caller holds writeSem.
func (s *Store) catchUp() error {
	if s.db == nil {
		return nil
	}
	persisted, err := s.persistedVersion()
	if err != nil {
		return dberr.Storage(s.path, "read persisted version", err)
	}
	if persisted <= s.Latest().Seq {
		return nil
	}

	snap, err := s.load()
	if err != nil {
		return err
	}
	s.mu.Lock()
	if snap.version.Seq <= s.latest.version.Seq {
		s.mu.Unlock()
		return nil
	}
	snap.version.Index = s.nextIndex
	s.nextIndex++
	s.installLocked(snap)
	s.mu.Unlock()

	s.log.Info("loaded commits from another process", "path", s.path, "version", snap.version.Seq)
	return nil
}

// Commit persists the builder's writes as the next version, installs it as
// latest, and returns a pin on it. If persistence fails nothing is installed.
// The caller must hold w.
func (s *Store) Commit(w *WriteLock, b *Builder) (*Pin, error) {
	if w == nil || w.store != s || w.released.Load() {
		return nil, dberr.New(dberr.CodeNotInTransaction, "commit requires the write lock")
	}
	if s.IsClosed() {
		return nil, dberr.ClosedHandle("store %s is closed", s.path)
	}

	seq := s.Latest().Seq + 1
	if b.base.Seq != seq-1 {
		return nil, dberr.VersionUnavailable(b.base.Seq, "is no longer the latest version")
	}
	if s.db != nil {
		if err := s.persist(b, seq); err != nil {
			return nil, dberr.Storage(s.path, "commit", err)
		}
	}

	s.mu.Lock()
	snap := b.finish(Version{Seq: seq, Index: s.nextIndex})
	s.nextIndex++
	s.installLocked(snap)
	pin := s.pinLocked(snap)
	s.mu.Unlock()

	s.appendJournal(seq, b)
	metrics.Commits.Inc()
	return pin, nil
}

// OnCommit registers fn to run for every published commit.
// The returned function removes the registration.
func (s *Store) OnCommit(fn func(CommitEvent)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextObs
	s.nextObs++
	s.observers[id] = fn
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.observers, id)
	}
}

// Publish delivers a commit event to observers on the calling goroutine.
// Committers call it once their own state reflects the new version.
func (s *Store) Publish(v Version, origin any) {
	s.mu.Lock()
	ids := make([]int, 0, len(s.observers))
	for id := range s.observers {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	fns := make([]func(CommitEvent), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, s.observers[id])
	}
	s.mu.Unlock()

	ev := CommitEvent{Path: s.path, Version: v, Origin: origin}
	for _, fn := range fns {
		fn(ev)
	}
}

// Attach returns the value attached under key, creating it with init on
// first use. Attached values implementing io.Closer are closed when the
// store closes.
func (s *Store) Attach(key any, init func() any) any {
	s.mu.Lock()
	defer s.mu.Unlock()
	if v, ok := s.attachments[key]; ok {
		return v
	}
	v := init()
	s.attachments[key] = v
	return v
}

// close frees the store's resources. Called by the registry once the last
// reference is released.
func (s *Store) close() error {
	s.mu.Lock()
	s.closed = true
	attachments := s.attachments
	s.attachments = make(map[any]any)
	s.observers = make(map[int]func(CommitEvent))
	metrics.VersionsRetained.Sub(float64(len(s.retained)))
	s.retained = make(map[uint64]*Snapshot)
	s.history = nil
	s.mu.Unlock()

	for _, v := range attachments {
		if c, ok := v.(io.Closer); ok {
			if err := c.Close(); err != nil {
				s.log.Warn("failed to close store attachment", "path", s.path, "error", err)
			}
		}
	}

	var firstErr error
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			firstErr = dberr.Storage(s.path, "close database", err)
		}
	}
	s.closeFiles()
	if s.cfg.Durability == MemoryOnly {
		for _, name := range []string{s.path + lockSuffixWrite, s.path + lockSuffixOpen} {
			if err := os.Remove(name); err != nil && !os.IsNotExist(err) {
				s.log.Warn("failed to remove lock file", "file", name, "error", err)
			}
		}
	}

	s.log.Debug("store closed", "path", s.path)
	return firstErr
}

func (s *Store) closeFiles() {
	if s.journal != nil {
		s.journal.Close()
	}
	if s.writeLock != nil {
		s.writeLock.Close()
	}
	if s.openLock != nil {
		s.openLock.Close()
	}
}
