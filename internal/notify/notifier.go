// Package notify delivers commit notifications across goroutines.
//
// Each store has one Notifier. Every goroutine that wants to hear about
// commits registers its transaction together with a Queue (usually a
// Looper). When a transaction commits:
//
//   - the committing goroutine's own listeners run synchronously, after the
//     transaction is back to Reading at the new version;
//   - every other registered target gets one wake message posted to its
//     queue. A target never has more than one wake pending.
//
// Handling a wake advances the target's transaction to the latest version
// and runs its listeners, unless a WakeHandler takes over the wake.
package notify

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/roach88/snapdb/internal/dberr"
	"github.com/roach88/snapdb/internal/metrics"
	"github.com/roach88/snapdb/internal/store"
	"github.com/roach88/snapdb/internal/txn"
)

// SweepInterval is how often a notifier prunes closed subscriptions and
// targets whose transaction has closed.
var SweepInterval = 30 * time.Second

// Wake outcomes, as recorded in metrics.Wakes.
const (
	WakePosted       = "posted"
	WakeDeduplicated = "deduplicated"
	WakeDropped      = "dropped"
	WakeHandled      = "handled"
)

// WakeHandler takes over commit handling for a target. It is called on the
// target's goroutine with local set for the target's own commits. For remote
// commits it returns true if it handled the wake itself; false falls back to
// advance-and-notify. The return value is ignored for local commits.
type WakeHandler func(local bool) bool

type notifierKey struct{}

// Notifier fans commit events out to registered targets of one store.
type Notifier struct {
	st  *store.Store
	log *slog.Logger

	start sync.Once
	unsub func()
	stop  chan struct{}
	done  chan struct{}

	mu      sync.Mutex
	targets map[*txn.Transaction]*Target
	order   []*Target
	closed  bool
}

// For returns the notifier of st, creating it on first use. The notifier is
// closed with the store.
func For(st *store.Store) *Notifier {
	return st.Attach(notifierKey{}, func() any {
		return &Notifier{
			st:      st,
			log:     st.Logger(),
			stop:    make(chan struct{}),
			done:    make(chan struct{}),
			targets: make(map[*txn.Transaction]*Target),
		}
	}).(*Notifier)
}

// run subscribes to commits and starts the sweep. Deferred to the first
// Register because Attach holds the store lock while creating the notifier.
func (n *Notifier) run() {
	n.unsub = n.st.OnCommit(n.onCommit)
	go n.sweep()
}

// Register adds a target for tx whose wakes are posted to q. Registering the
// same transaction again returns its existing target.
func (n *Notifier) Register(tx *txn.Transaction, q Queue) (*Target, error) {
	n.start.Do(n.run)

	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return nil, dberr.ClosedHandle("notifier for %s is closed", n.st.Path())
	}
	if t, ok := n.targets[tx]; ok {
		return t, nil
	}
	t := &Target{n: n, tx: tx, queue: q}
	n.targets[tx] = t
	n.order = append(n.order, t)
	n.log.Debug("notification target registered", "tx", tx.ID())
	return t, nil
}

// Unregister removes t. Pending wakes for it become no-ops.
func (n *Notifier) Unregister(t *Target) {
	t.closed.Store(true)

	n.mu.Lock()
	defer n.mu.Unlock()
	n.removeLocked(t)
}

func (n *Notifier) removeLocked(t *Target) {
	if n.targets[t.tx] == t {
		delete(n.targets, t.tx)
	}
	for i, o := range n.order {
		if o == t {
			n.order = append(n.order[:i], n.order[i+1:]...)
			break
		}
	}
}

// Targets returns the number of registered targets.
func (n *Notifier) Targets() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.order)
}

func (n *Notifier) snapshot() []*Target {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]*Target(nil), n.order...)
}

// onCommit runs the committer's listeners first, then posts a wake to every
// other target.
func (n *Notifier) onCommit(ev store.CommitEvent) {
	origin, _ := ev.Origin.(*txn.Transaction)
	targets := n.snapshot()
	for _, t := range targets {
		if t.tx == origin {
			t.local()
		}
	}
	for _, t := range targets {
		if t.tx != origin {
			t.post()
		}
	}
}

func (n *Notifier) sweep() {
	defer close(n.done)
	ticker := time.NewTicker(SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-n.stop:
			return
		case <-ticker.C:
			n.Sweep()
		}
	}
}

// Sweep prunes closed subscriptions and drops targets whose transaction
// has closed or whose queue has stopped.
func (n *Notifier) Sweep() {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, t := range append([]*Target(nil), n.order...) {
		if t.tx.State() == txn.Closed || !t.queue.Running() {
			t.closed.Store(true)
			n.removeLocked(t)
			continue
		}
		t.listeners.Prune()
	}
}

// Close stops the notifier. Called by the store when its last reference is
// released.
func (n *Notifier) Close() error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil
	}
	n.closed = true
	for _, t := range n.order {
		t.closed.Store(true)
	}
	n.targets = make(map[*txn.Transaction]*Target)
	n.order = nil
	n.mu.Unlock()

	// Register was never called if unsub is nil.
	n.start.Do(func() {})
	if n.unsub != nil {
		n.unsub()
		close(n.stop)
		<-n.done
	}
	return nil
}

// Target is one transaction's registration with a notifier.
type Target struct {
	n         *Notifier
	tx        *txn.Transaction
	queue     Queue
	listeners Listeners
	pending   atomic.Bool
	closed    atomic.Bool

	mu      sync.Mutex
	handler WakeHandler
}

// Transaction returns the target's transaction.
func (t *Target) Transaction() *txn.Transaction { return t.tx }

// AddListener registers fn to run after the target sees a new version.
func (t *Target) AddListener(fn func()) *Subscription {
	return t.listeners.Add(fn)
}

// Listeners returns the number of registered listeners.
func (t *Target) Listeners() int {
	return t.listeners.Len()
}

// SetWakeHandler installs h, or removes the handler when h is nil.
func (t *Target) SetWakeHandler(h WakeHandler) {
	t.mu.Lock()
	t.handler = h
	t.mu.Unlock()
}

func (t *Target) wakeHandler() WakeHandler {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.handler
}

// Pending reports whether a wake is queued and not yet handled.
func (t *Target) Pending() bool {
	return t.pending.Load()
}

// Notify runs the target's listeners on the calling goroutine.
func (t *Target) Notify() {
	t.listeners.Dispatch(t.n.log)
}

// local handles a commit made by the target's own transaction.
func (t *Target) local() {
	if t.closed.Load() {
		return
	}
	t.Notify()
	if h := t.wakeHandler(); h != nil {
		h(true)
	}
}

// post queues a wake unless one is already pending.
func (t *Target) post() {
	if t.closed.Load() {
		return
	}
	if !t.pending.CompareAndSwap(false, true) {
		metrics.Wakes.WithLabelValues(WakeDeduplicated).Inc()
		return
	}
	if !t.queue.Running() || !t.queue.Post(t.wake) {
		t.pending.Store(false)
		metrics.Wakes.WithLabelValues(WakeDropped).Inc()
		t.n.log.Warn("dropping change notification, queue is not running", "tx", t.tx.ID())
		return
	}
	metrics.Wakes.WithLabelValues(WakePosted).Inc()
}

// wake runs on the target's queue.
func (t *Target) wake() {
	t.pending.Store(false)
	if t.closed.Load() || t.tx.State() == txn.Closed {
		return
	}
	if h := t.wakeHandler(); h != nil && h(false) {
		metrics.Wakes.WithLabelValues(WakeHandled).Inc()
		return
	}
	if !t.tx.HasChanged() {
		return
	}
	if _, err := t.tx.AdvanceRead(); err != nil {
		// A writing transaction already sees the latest version.
		t.n.log.Debug("wake not applied", "tx", t.tx.ID(), "error", err)
		return
	}
	t.Notify()
}
