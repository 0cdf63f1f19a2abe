package notify

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/snapdb/internal/dberr"
	"github.com/roach88/snapdb/internal/metrics"
	"github.com/roach88/snapdb/internal/store"
	"github.com/roach88/snapdb/internal/txn"
)

func openStore(t *testing.T) *store.Store {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	st, err := store.Open(store.NewConfig(filepath.Join(t.TempDir(), "n.db"),
		store.WithDurability(store.MemoryOnly), store.WithLogger(logger)))
	require.NoError(t, err)
	t.Cleanup(func() {
		for st.RefCount() > 0 {
			st.Release()
		}
	})
	return st
}

func begin(t *testing.T, st *store.Store) *txn.Transaction {
	t.Helper()
	tx, err := txn.Begin(st)
	require.NoError(t, err)
	t.Cleanup(func() { tx.Close() })
	return tx
}

func register(t *testing.T, st *store.Store, tx *txn.Transaction, q Queue) *Target {
	t.Helper()
	target, err := For(st).Register(tx, q)
	require.NoError(t, err)
	return target
}

func bump(t *testing.T, tx *txn.Transaction) store.Version {
	t.Helper()
	require.NoError(t, tx.PromoteToWrite(context.Background()))
	sv, err := tx.SchemaVersion()
	require.NoError(t, err)
	require.NoError(t, tx.SetSchemaVersion(sv+1))
	v, err := tx.CommitAndContinueAsRead()
	require.NoError(t, err)
	return v
}

func counter(n *int) func() {
	return func() { *n++ }
}

func TestFor_SameNotifierPerStore(t *testing.T) {
	st := openStore(t)
	assert.Same(t, For(st), For(st))
}

func TestLocalCommit_NotifiesSynchronously(t *testing.T) {
	st := openStore(t)
	tx := begin(t, st)
	l := NewLooper()
	target := register(t, st, tx, l)

	calls := 0
	var seen store.Version
	target.AddListener(func() {
		calls++
		seen = tx.Version()
	})

	v := bump(t, tx)
	assert.Equal(t, 1, calls)
	assert.Equal(t, v, seen)
	assert.Equal(t, 0, l.Len(), "no wake is posted to the committer")
}

func TestRemoteCommit_PostsOneWake(t *testing.T) {
	st := openStore(t)
	writer := begin(t, st)
	reader := begin(t, st)
	lw, lr := NewLooper(), NewLooper()
	register(t, st, writer, lw)
	target := register(t, st, reader, lr)

	calls := 0
	target.AddListener(counter(&calls))
	before := reader.Version()

	bump(t, writer)
	v := bump(t, writer)

	assert.Equal(t, 1, lr.Len(), "second wake is deduplicated")
	assert.True(t, target.Pending())
	assert.Equal(t, before, reader.Version(), "reader stays pinned until the wake runs")
	assert.Equal(t, 0, calls)

	lr.RunPending()
	assert.False(t, target.Pending())
	assert.Equal(t, v, reader.Version())
	assert.Equal(t, 1, calls)

	// A new commit posts again.
	bump(t, writer)
	assert.Equal(t, 1, lr.Len())
}

// recordingQueue logs each post and never runs it.
type recordingQueue struct{ log *[]string }

func (q recordingQueue) Post(func()) bool {
	*q.log = append(*q.log, "post")
	return true
}

func (q recordingQueue) Running() bool { return true }

func TestCommit_LocalListenersRunBeforeRemoteWakes(t *testing.T) {
	st := openStore(t)
	reader := begin(t, st)
	writer := begin(t, st)

	var events []string
	register(t, st, reader, recordingQueue{&events})
	target := register(t, st, writer, NewLooper())
	target.AddListener(func() { events = append(events, "local") })

	bump(t, writer)
	assert.Equal(t, []string{"local", "post"}, events)
}

func TestRemoteCommit_DroppedWhenQueueStopped(t *testing.T) {
	st := openStore(t)
	writer := begin(t, st)
	reader := begin(t, st)
	lr := NewLooper()
	target := register(t, st, reader, lr)
	lr.Quit()

	dropped := testutil.ToFloat64(metrics.Wakes.WithLabelValues(WakeDropped))
	bump(t, writer)

	assert.False(t, target.Pending())
	assert.Equal(t, dropped+1, testutil.ToFloat64(metrics.Wakes.WithLabelValues(WakeDropped)))
}

func TestListenerPanicIsIsolated(t *testing.T) {
	st := openStore(t)
	tx := begin(t, st)
	target := register(t, st, tx, NewLooper())

	var order []string
	target.AddListener(func() { order = append(order, "first") })
	target.AddListener(func() { panic("listener bug") })
	target.AddListener(func() { order = append(order, "third") })

	panics := testutil.ToFloat64(metrics.ListenerPanics)
	bump(t, tx)

	assert.Equal(t, []string{"first", "third"}, order)
	assert.Equal(t, panics+1, testutil.ToFloat64(metrics.ListenerPanics))
}

func TestSubscriptionClose(t *testing.T) {
	st := openStore(t)
	tx := begin(t, st)
	target := register(t, st, tx, NewLooper())

	a, b := 0, 0
	sub := target.AddListener(counter(&a))
	target.AddListener(counter(&b))
	sub.Close()
	sub.Close()
	assert.False(t, sub.Active())

	bump(t, tx)
	assert.Equal(t, 0, a)
	assert.Equal(t, 1, b)
	assert.Equal(t, 1, target.Listeners(), "closed subscription pruned on dispatch")
}

func TestWakeHandler(t *testing.T) {
	st := openStore(t)
	writer := begin(t, st)
	reader := begin(t, st)
	lw, lr := NewLooper(), NewLooper()
	wt := register(t, st, writer, lw)
	rt := register(t, st, reader, lr)

	var localCalls []bool
	wt.SetWakeHandler(func(local bool) bool {
		localCalls = append(localCalls, local)
		return true
	})
	handled := 0
	rt.SetWakeHandler(func(local bool) bool {
		handled++
		return true
	})
	calls := 0
	rt.AddListener(counter(&calls))
	before := reader.Version()

	bump(t, writer)
	lr.RunPending()

	assert.Equal(t, []bool{true}, localCalls)
	assert.Equal(t, 1, handled)
	assert.Equal(t, before, reader.Version(), "handler owns the advance")
	assert.Equal(t, 0, calls)

	// Declining falls back to advance-and-notify.
	rt.SetWakeHandler(func(bool) bool { return false })
	v := bump(t, writer)
	lr.RunPending()
	assert.Equal(t, v, reader.Version())
	assert.Equal(t, 1, calls)
}

func TestWake_WhileWritingIsSkipped(t *testing.T) {
	st := openStore(t)
	writer := begin(t, st)
	reader := begin(t, st)
	lr := NewLooper()
	target := register(t, st, reader, lr)
	calls := 0
	target.AddListener(counter(&calls))

	bump(t, writer)
	require.NoError(t, reader.PromoteToWrite(context.Background()))
	lr.RunPending()
	assert.Equal(t, 0, calls)
	require.NoError(t, reader.RollbackAndContinueAsRead())
}

func TestUnregister(t *testing.T) {
	st := openStore(t)
	writer := begin(t, st)
	reader := begin(t, st)
	lr := NewLooper()
	n := For(st)
	target := register(t, st, reader, lr)
	again, err := n.Register(reader, lr)
	require.NoError(t, err)
	assert.Same(t, target, again)
	assert.Equal(t, 1, n.Targets())

	n.Unregister(target)
	assert.Equal(t, 0, n.Targets())
	bump(t, writer)
	assert.Equal(t, 0, lr.Len())
}

func TestSweep(t *testing.T) {
	st := openStore(t)
	a := begin(t, st)
	b := begin(t, st)
	c := begin(t, st)
	n := For(st)
	ta := register(t, st, a, NewLooper())
	register(t, st, b, NewLooper())
	lc := NewLooper()
	register(t, st, c, lc)

	sub := ta.AddListener(func() {})
	sub.Close()
	require.NoError(t, b.Close())
	lc.Quit()

	n.Sweep()
	assert.Equal(t, 1, n.Targets())
	assert.Equal(t, 0, ta.Listeners())
}

func TestNotifier_Close(t *testing.T) {
	st := openStore(t)
	tx := begin(t, st)
	n := For(st)
	register(t, st, tx, NewLooper())

	require.NoError(t, n.Close())
	require.NoError(t, n.Close())
	_, err := n.Register(tx, NewLooper())
	assert.True(t, dberr.IsClosedHandle(err))
}

func TestCrossGoroutineDelivery(t *testing.T) {
	st := openStore(t)
	writer := begin(t, st)

	l := NewLooper()
	seen := make(chan store.Version, 1)
	ready := make(chan error, 1)
	var reader *txn.Transaction
	done := l.Start(context.Background(), func() {
		var err error
		reader, err = txn.Begin(st)
		if err == nil {
			var target *Target
			target, err = For(st).Register(reader, l)
			if err == nil {
				target.AddListener(func() { seen <- reader.Version() })
			}
		}
		ready <- err
	})
	require.NoError(t, <-ready)

	v := bump(t, writer)
	select {
	case got := <-seen:
		assert.Equal(t, v, got)
	case <-time.After(5 * time.Second):
		t.Fatal("reader was not notified")
	}

	require.NoError(t, l.Do(reader.Close))
	l.Quit()
	require.NoError(t, <-done)
}
