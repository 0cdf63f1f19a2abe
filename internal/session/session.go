// Package session ties a store, a transaction and change delivery together
// into the handle an application holds per goroutine.
//
// A Session is confined to the goroutine that opened it. Sessions opened
// with a Looper receive change notifications and can run async queries;
// those opened without one only see other goroutines' commits after
// Refresh.
package session

import (
	"context"
	"log/slog"
	"sync"

	"github.com/roach88/snapdb/internal/async"
	"github.com/roach88/snapdb/internal/dberr"
	"github.com/roach88/snapdb/internal/notify"
	"github.com/roach88/snapdb/internal/query"
	"github.com/roach88/snapdb/internal/store"
	"github.com/roach88/snapdb/internal/table"
	"github.com/roach88/snapdb/internal/txn"
)

// Session is one goroutine's handle on a store.
type Session struct {
	st  *store.Store
	tx  *txn.Transaction
	log *slog.Logger
	ids txn.IDGenerator

	notifier *notify.Notifier
	target   *notify.Target
	queue    notify.Queue
	pool     *async.Pool
	coord    *async.Coordinator

	ctx    context.Context
	stop   context.CancelFunc
	writes sync.WaitGroup
}

type options struct {
	looper  *notify.Looper
	logger  *slog.Logger
	workers int
	ids     txn.IDGenerator
}

// Option configures Open.
type Option func(*options)

// WithLooper delivers change notifications and async results through l.
// The session must be opened on the goroutine that runs l.
func WithLooper(l *notify.Looper) Option {
	return func(o *options) { o.looper = l }
}

// WithLogger sets the session's logger. Defaults to the store's logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithWorkers sets the number of background workers for async queries and
// writes.
func WithWorkers(n int) Option {
	return func(o *options) { o.workers = n }
}

// WithIDGenerator overrides the generator for transaction and query ids.
func WithIDGenerator(g txn.IDGenerator) Option {
	return func(o *options) { o.ids = g }
}

// Open opens the store described by cfg and begins a read transaction on
// the calling goroutine.
func Open(cfg store.Config, opts ...Option) (*Session, error) {
	o := options{workers: async.DefaultWorkers, ids: txn.UUIDv7Generator{}}
	for _, opt := range opts {
		opt(&o)
	}

	st, err := store.Open(cfg)
	if err != nil {
		return nil, err
	}
	log := o.logger
	if log == nil {
		log = st.Logger()
	}

	tx, err := txn.Begin(st, txn.WithLogger(log), txn.WithIDGenerator(o.ids))
	// The transaction holds its own store reference from here on.
	st.Release()
	if err != nil {
		return nil, err
	}

	s := &Session{st: st, tx: tx, log: log.With("tx", tx.ID()), ids: o.ids}
	s.ctx, s.stop = context.WithCancel(context.Background())
	if o.looper == nil {
		return s, nil
	}

	s.notifier = notify.For(st)
	s.target, err = s.notifier.Register(tx, o.looper)
	if err != nil {
		s.stop()
		tx.Close()
		return nil, err
	}
	s.queue = o.looper
	s.pool = async.NewPool(o.workers)
	s.coord = async.New(tx, o.looper, s.target,
		async.WithPool(s.pool),
		async.WithLogger(log),
		async.WithIDGenerator(o.ids),
	)
	return s, nil
}

// Store returns the underlying store.
func (s *Session) Store() *store.Store { return s.st }

// Transaction returns the session's transaction.
func (s *Session) Transaction() *txn.Transaction { return s.tx }

// Path returns the store path.
func (s *Session) Path() string { return s.st.Path() }

// Version returns the version the session currently reads.
func (s *Session) Version() store.Version { return s.tx.Version() }

// IsClosed reports whether Close has been called.
func (s *Session) IsClosed() bool { return s.tx.State() == txn.Closed }

// IsInTransaction reports whether a write is open.
func (s *Session) IsInTransaction() bool { return s.tx.State() == txn.Writing }

// BeginWrite starts a write, blocking until no other writer holds the
// store. The session moves to the latest version first.
func (s *Session) BeginWrite(ctx context.Context) error {
	return s.tx.PromoteToWrite(ctx)
}

// Commit makes the open write durable and visible. Listeners registered on
// this session run before Commit returns.
func (s *Session) Commit() (store.Version, error) {
	return s.tx.CommitAndContinueAsRead()
}

// Cancel discards the open write.
func (s *Session) Cancel() error {
	return s.tx.RollbackAndContinueAsRead()
}

// Write runs fn inside a write and commits it. If fn fails the write is
// cancelled and fn's error returned.
func (s *Session) Write(ctx context.Context, fn func() error) (store.Version, error) {
	if err := s.BeginWrite(ctx); err != nil {
		return store.Version{}, err
	}
	if err := fn(); err != nil {
		if cerr := s.Cancel(); cerr != nil {
			s.log.Warn("cancel after failed write", "error", cerr)
		}
		return store.Version{}, err
	}
	return s.Commit()
}

// Refresh moves the session to the latest version. Change listeners run if
// the version moved, and live async queries are re-run against it.
func (s *Session) Refresh() (bool, error) {
	before := s.tx.Version()
	after, err := s.tx.AdvanceRead()
	if err != nil {
		return false, err
	}
	changed := after != before
	if s.coord != nil {
		s.coord.Refresh()
	}
	if changed && s.target != nil {
		s.target.Notify()
	}
	return changed, nil
}

// WriteCopyTo writes what the session sees, including an open write's
// uncommitted changes, to a new store file at path. A non-empty key
// encrypts the copy. path must not exist.
func (s *Session) WriteCopyTo(path string, key []byte) error {
	snap, err := s.tx.View("WriteCopyTo")
	if err != nil {
		return err
	}
	return s.st.WriteCopyTo(snap, path, key)
}

// Table opens a handle on the named table.
func (s *Session) Table(name string) (*table.Table, error) {
	return table.Open(s.tx, name)
}

// CreateTable adds a table in the open write and returns a handle on it.
func (s *Session) CreateTable(spec store.TableSpec) (*table.Table, error) {
	if _, err := s.tx.CreateTable(spec); err != nil {
		return nil, err
	}
	return table.Open(s.tx, spec.Name)
}

// TableNames returns the names of the tables the session sees.
func (s *Session) TableNames() ([]string, error) {
	return s.tx.TableNames()
}

// Where starts a query on the named table.
func (s *Session) Where(name string) *query.Query {
	return query.New(name)
}

// FindAll evaluates q synchronously against what the session sees,
// including its own uncommitted writes.
func (s *Session) FindAll(ctx context.Context, q *query.Query) (*query.View, error) {
	snap, err := s.tx.View("FindAll")
	if err != nil {
		return nil, err
	}
	return query.Evaluate(ctx, snap, q)
}

// FindFirst is FindAll limited to one row.
func (s *Session) FindFirst(ctx context.Context, q *query.Query) (*query.View, error) {
	snap, err := s.tx.View("FindFirst")
	if err != nil {
		return nil, err
	}
	return query.FindFirst(ctx, snap, q)
}

// FindAllAsync evaluates q in the background and keeps the results current
// as the store changes. Requires a looper.
func (s *Session) FindAllAsync(q *query.Query) (*async.Results, error) {
	if err := s.needLooper("FindAllAsync"); err != nil {
		return nil, err
	}
	return s.coord.FindAll(q)
}

// FindFirstAsync is FindAllAsync limited to one row.
func (s *Session) FindFirstAsync(q *query.Query) (*async.Results, error) {
	if err := s.needLooper("FindFirstAsync"); err != nil {
		return nil, err
	}
	return s.coord.FindFirst(q)
}

// AddChangeListener registers fn to run on the session's goroutine after
// each commit it sees. Requires a looper.
func (s *Session) AddChangeListener(fn func()) (*notify.Subscription, error) {
	if err := s.needLooper("AddChangeListener"); err != nil {
		return nil, err
	}
	if !s.tx.IsOwner() {
		return nil, dberr.WrongThread("AddChangeListener")
	}
	return s.target.AddListener(fn), nil
}

func (s *Session) needLooper(op string) error {
	if s.target == nil {
		return dberr.New(dberr.CodeNoLooper, "%s requires a session opened with a looper", op)
	}
	return nil
}

// Close cancels async writes that have not committed and waits for them,
// stops async queries, unregisters from change delivery and ends the
// transaction, rolling back an open write. Safe to call more than once.
func (s *Session) Close() error {
	if !s.tx.IsOwner() {
		return dberr.WrongThread("Close")
	}
	if s.IsClosed() {
		return nil
	}
	s.stop()
	s.writes.Wait()
	if s.coord != nil {
		s.coord.Close()
	}
	if s.target != nil {
		s.notifier.Unregister(s.target)
	}
	return s.tx.Close()
}
