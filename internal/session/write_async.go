package session

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/roach88/snapdb/internal/dberr"
	"github.com/roach88/snapdb/internal/metrics"
	"github.com/roach88/snapdb/internal/store"
	"github.com/roach88/snapdb/internal/txn"
)

// AsyncWrite is a write running on a background worker.
type AsyncWrite struct {
	cancel    context.CancelFunc
	cancelled atomic.Bool
	done      chan struct{}
}

// Cancel abandons the write if it has not committed yet. Its callbacks do
// not run afterwards, even when the write had already committed.
func (w *AsyncWrite) Cancel() {
	w.cancelled.Store(true)
	w.cancel()
}

// Cancelled reports whether Cancel was called.
func (w *AsyncWrite) Cancelled() bool { return w.cancelled.Load() }

// Done is closed once the worker has finished with the write.
func (w *AsyncWrite) Done() <-chan struct{} { return w.done }

// WriteAsync runs fn inside a write on a background worker, against a
// session of its own confined to that worker.
//
// When the write commits, the calling session is moved to the committed
// version and onSuccess runs on its goroutine. If fn or the commit fails,
// the write is rolled back and onError runs there instead. Either callback
// may be nil. Requires a looper.
func (s *Session) WriteAsync(fn func(bg *Session) error, onSuccess func(store.Version), onError func(error)) (*AsyncWrite, error) {
	if err := s.needLooper("WriteAsync"); err != nil {
		return nil, err
	}
	if s.IsClosed() {
		return nil, dberr.ClosedHandle("session on %s is closed", s.Path())
	}
	if !s.tx.IsOwner() {
		return nil, dberr.WrongThread("WriteAsync")
	}

	ctx, cancel := context.WithCancel(s.ctx)
	w := &AsyncWrite{cancel: cancel, done: make(chan struct{})}
	s.writes.Add(1)
	s.pool.Go(ctx, func(ctx context.Context) {
		defer s.writes.Done()
		defer close(w.done)
		defer cancel()
		v, err := s.runWrite(ctx, fn)
		s.postWrite(w, v, err, onSuccess, onError)
	}, func() {
		defer s.writes.Done()
		defer close(w.done)
		defer cancel()
		metrics.AsyncWrites.WithLabelValues("cancelled").Inc()
	})
	return w, nil
}

// runWrite runs on the worker goroutine.
func (s *Session) runWrite(ctx context.Context, fn func(*Session) error) (store.Version, error) {
	tx, err := txn.Begin(s.st, txn.WithLogger(s.log), txn.WithIDGenerator(s.ids))
	if err != nil {
		return store.Version{}, err
	}
	defer tx.Close()

	bg := &Session{st: s.st, tx: tx, log: s.log.With("tx", tx.ID()), ids: s.ids}
	bg.ctx, bg.stop = context.WithCancel(ctx)
	defer bg.stop()
	return bg.Write(ctx, func() error {
		if err := fn(bg); err != nil {
			return err
		}
		return ctx.Err()
	})
}

func (s *Session) postWrite(w *AsyncWrite, v store.Version, err error, onSuccess func(store.Version), onError func(error)) {
	switch {
	case err == nil:
		metrics.AsyncWrites.WithLabelValues("committed").Inc()
		s.log.Debug("async write committed", "version", v.Seq)
	case errors.Is(err, context.Canceled):
		metrics.AsyncWrites.WithLabelValues("cancelled").Inc()
		return
	default:
		metrics.AsyncWrites.WithLabelValues("failed").Inc()
		s.log.Warn("async write failed", "error", err)
	}
	if !s.queue.Post(func() { s.completeWrite(w, v, err, onSuccess, onError) }) {
		s.log.Debug("async write callback dropped", "version", v.Seq)
	}
}

// completeWrite runs on the session's goroutine.
func (s *Session) completeWrite(w *AsyncWrite, v store.Version, err error, onSuccess func(store.Version), onError func(error)) {
	if w.Cancelled() || s.IsClosed() {
		return
	}
	if err != nil {
		if onError != nil {
			onError(err)
		}
		return
	}
	if !s.IsInTransaction() && s.tx.Version().Seq < v.Seq {
		if _, err := s.Refresh(); err != nil {
			s.log.Warn("advance after async write failed", "version", v.Seq, "error", err)
		}
	}
	if onSuccess != nil {
		onSuccess(v)
	}
}
