package txn

import (
	"context"
	"log/slog"
	"sync/atomic"

	"github.com/roach88/snapdb/internal/dberr"
	"github.com/roach88/snapdb/internal/goid"
	"github.com/roach88/snapdb/internal/metrics"
	"github.com/roach88/snapdb/internal/store"
)

// State is the lifecycle state of a Transaction.
type State int32

const (
	Reading State = iota
	Writing
	Closed
)

func (s State) String() string {
	switch s {
	case Reading:
		return "reading"
	case Writing:
		return "writing"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// Transaction is one goroutine's view of a store.
//
// A transaction starts Reading, pinned at the latest version. It can be
// advanced in place, promoted to the store's single writer, and committed or
// rolled back back to Reading. Every method must be called from the goroutine
// that called Begin; other goroutines get a WrongThread error.
type Transaction struct {
	id    string
	st    *store.Store
	owner int64
	log   *slog.Logger
	ids   IDGenerator
	at    *store.Version

	state   atomic.Int32
	version atomic.Pointer[store.Version]

	pin     *store.Pin
	lock    *store.WriteLock
	builder *store.Builder
}

// Option configures a Transaction.
type Option func(*Transaction)

// WithLogger sets the transaction's logger. Defaults to the store's logger.
func WithLogger(l *slog.Logger) Option {
	return func(tx *Transaction) { tx.log = l }
}

// WithIDGenerator overrides the generator used for the transaction id.
func WithIDGenerator(g IDGenerator) Option {
	return func(tx *Transaction) { tx.ids = g }
}

// AtVersion makes Begin pin exactly v instead of the latest version.
func AtVersion(v store.Version) Option {
	return func(tx *Transaction) { tx.at = &v }
}

// Begin opens a read transaction on st pinned at the latest version.
// It takes its own store reference, released by Close.
func Begin(st *store.Store, opts ...Option) (*Transaction, error) {
	tx := &Transaction{
		st:    st,
		owner: goid.Current(),
		log:   st.Logger(),
		ids:   UUIDv7Generator{},
	}
	for _, opt := range opts {
		opt(tx)
	}

	if err := st.Acquire(); err != nil {
		return nil, err
	}
	pin, err := st.Pin(tx.at)
	if err != nil {
		st.Release()
		return nil, err
	}
	tx.at = nil
	tx.id = tx.ids.Generate()
	tx.log = tx.log.With("tx", tx.id)
	tx.setPin(pin)

	tx.log.Debug("transaction begun", "path", st.Path(), "version", pin.Version().Seq)
	return tx, nil
}

// ID returns the transaction id used in logs.
func (tx *Transaction) ID() string { return tx.id }

// Store returns the store the transaction reads.
func (tx *Transaction) Store() *store.Store { return tx.st }

// State returns the current lifecycle state. Safe from any goroutine.
func (tx *Transaction) State() State { return State(tx.state.Load()) }

// Version returns the pinned version. Safe from any goroutine.
func (tx *Transaction) Version() store.Version {
	if v := tx.version.Load(); v != nil {
		return *v
	}
	return store.Version{}
}

// HasChanged reports whether a version newer than the pinned one exists,
// including commits made by other processes.
func (tx *Transaction) HasChanged() bool {
	if err := tx.st.Refresh(); err != nil {
		tx.log.Warn("refresh failed", "error", err)
	}
	return tx.st.Latest().Seq > tx.Version().Seq
}

// IsOwner reports whether the calling goroutine owns the transaction.
func (tx *Transaction) IsOwner() bool {
	return goid.Current() == tx.owner
}

func (tx *Transaction) setPin(p *store.Pin) {
	tx.pin = p
	v := p.Version()
	tx.version.Store(&v)
}

func (tx *Transaction) setState(s State) {
	tx.state.Store(int32(s))
}

// enter checks goroutine identity and liveness for operation op.
func (tx *Transaction) enter(op string) error {
	if goid.Current() != tx.owner {
		return dberr.WrongThread(op)
	}
	if tx.State() == Closed {
		return dberr.ClosedHandle("transaction %s is closed", tx.id)
	}
	return nil
}

// View returns the snapshot op should read: the working snapshot while
// writing, the pinned snapshot otherwise.
func (tx *Transaction) View(op string) (*store.Snapshot, error) {
	if err := tx.enter(op); err != nil {
		return nil, err
	}
	if tx.builder != nil {
		return tx.builder.Snapshot(), nil
	}
	return tx.pin.Snapshot(), nil
}

// Write returns the builder for op. Fails with NotInTransaction unless the
// transaction is writing.
func (tx *Transaction) Write(op string) (*store.Builder, error) {
	if err := tx.enter(op); err != nil {
		return nil, err
	}
	if tx.builder == nil {
		return nil, dberr.New(dberr.CodeNotInTransaction, "%s requires a write transaction", op)
	}
	return tx.builder, nil
}

// BeginRead pins the transaction to the latest committed version.
func (tx *Transaction) BeginRead() (store.Version, error) {
	return tx.advance("BeginRead", nil)
}

// AdvanceRead moves the pin forward to the latest committed version.
func (tx *Transaction) AdvanceRead() (store.Version, error) {
	return tx.advance("AdvanceRead", nil)
}

// AdvanceReadTo moves the pin forward to exactly v. It fails with
// VersionUnavailable if v was reclaimed, is not committed yet, or is older
// than the pinned version.
func (tx *Transaction) AdvanceReadTo(v store.Version) (store.Version, error) {
	return tx.advance("AdvanceReadTo", &v)
}

func (tx *Transaction) advance(op string, to *store.Version) (store.Version, error) {
	if err := tx.enter(op); err != nil {
		return store.Version{}, err
	}
	if tx.State() == Writing {
		return store.Version{}, dberr.New(dberr.CodeNestedTransaction, "%s inside a write transaction", op)
	}

	cur := tx.pin.Version()
	if to != nil {
		if to.Seq < cur.Seq {
			return cur, dberr.VersionUnavailable(to.Seq, "is older than the pinned version")
		}
		if to.Seq == cur.Seq {
			return cur, nil
		}
	}

	next, err := tx.st.Pin(to)
	if err != nil {
		return cur, err
	}
	if next.Version().Seq == cur.Seq {
		next.Release()
		return cur, nil
	}
	old := tx.pin
	tx.setPin(next)
	old.Release()

	tx.log.Debug("advanced read", "from", cur.Seq, "to", next.Version().Seq)
	return next.Version(), nil
}

// PromoteToWrite makes the transaction the store's single writer. It blocks
// until the write lock is free, then advances to the latest version. Fails
// with NestedTransaction if already writing.
func (tx *Transaction) PromoteToWrite(ctx context.Context) error {
	if err := tx.enter("PromoteToWrite"); err != nil {
		return err
	}
	if tx.State() == Writing {
		return dberr.New(dberr.CodeNestedTransaction, "transaction %s is already writing", tx.id)
	}

	lock, err := tx.st.LockWrite(ctx)
	if err != nil {
		return err
	}
	latest, err := tx.st.Pin(nil)
	if err != nil {
		lock.Unlock()
		return err
	}
	old := tx.pin
	tx.setPin(latest)
	old.Release()

	tx.lock = lock
	tx.builder = store.NewBuilder(latest.Snapshot())
	tx.setState(Writing)

	tx.log.Debug("promoted to write", "version", latest.Version().Seq)
	return nil
}

// CommitAndContinueAsRead commits every write since promotion as the next
// version, returns to Reading pinned at it, and notifies commit observers.
// If the commit fails the writes are rolled back.
func (tx *Transaction) CommitAndContinueAsRead() (store.Version, error) {
	if err := tx.enter("CommitAndContinueAsRead"); err != nil {
		return store.Version{}, err
	}
	if tx.State() != Writing {
		return store.Version{}, dberr.New(dberr.CodeNotInTransaction, "commit without a write transaction")
	}

	next, err := tx.st.Commit(tx.lock, tx.builder)
	if err != nil {
		tx.rollback()
		tx.log.Warn("commit failed, rolled back", "error", err)
		return store.Version{}, err
	}

	old := tx.pin
	tx.setPin(next)
	old.Release()
	tx.builder = nil
	tx.lock.Unlock()
	tx.lock = nil
	tx.setState(Reading)

	v := next.Version()
	tx.log.Debug("committed", "version", v.Seq)
	tx.st.Publish(v, tx)
	return v, nil
}

// RollbackAndContinueAsRead discards every write since promotion and returns
// to Reading at the pre-write version.
func (tx *Transaction) RollbackAndContinueAsRead() error {
	if err := tx.enter("RollbackAndContinueAsRead"); err != nil {
		return err
	}
	if tx.State() != Writing {
		return dberr.New(dberr.CodeNotInTransaction, "rollback without a write transaction")
	}
	tx.rollback()
	return nil
}

func (tx *Transaction) rollback() {
	tx.builder = nil
	if tx.lock != nil {
		tx.lock.Unlock()
		tx.lock = nil
	}
	tx.setState(Reading)
	metrics.Rollbacks.Inc()
	tx.log.Debug("rolled back", "version", tx.pin.Version().Seq)
}

// Handover returns a new pin on the transaction's version, for passing a
// consistent view to another goroutine. The caller must release it.
func (tx *Transaction) Handover() (*store.Pin, error) {
	if err := tx.enter("Handover"); err != nil {
		return nil, err
	}
	v := tx.pin.Version()
	return tx.st.Pin(&v)
}

// Close ends the transaction. An open write is rolled back. Close must be
// called from the owner goroutine and is safe to call more than once; the
// store is released when its last reference closes.
func (tx *Transaction) Close() error {
	if goid.Current() != tx.owner {
		return dberr.WrongThread("Close")
	}
	if tx.State() == Closed {
		return nil
	}
	if tx.State() == Writing {
		tx.rollback()
	}
	tx.pin.Release()
	tx.setState(Closed)
	tx.log.Debug("transaction closed")
	return tx.st.Release()
}
