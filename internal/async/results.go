package async

import (
	"slices"
	"sync/atomic"

	"github.com/roach88/snapdb/internal/notify"
	"github.com/roach88/snapdb/internal/query"
	"github.com/roach88/snapdb/internal/store"
)

// State is the lifecycle state of one pending async evaluation.
type State int

const (
	Issued State = iota
	Completed
	Delivered
	Superseded
	Cancelled
)

func (s State) String() string {
	switch s {
	case Issued:
		return "issued"
	case Completed:
		return "completed"
	case Delivered:
		return "delivered"
	case Superseded:
		return "superseded"
	case Cancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Results is a query result kept up to date in the background. It is
// confined to the goroutine of the coordinator that created it.
//
// The coordinator only holds a weak reference: dropping every reference to
// a Results cancels it.
type Results struct {
	token string
	query *query.Query

	loaded    bool
	view      *query.View
	err       error
	cancelled atomic.Bool
	cancel    func()
	listeners notify.Listeners
}

// Token identifies the query in logs.
func (r *Results) Token() string { return r.token }

// Query returns the query the results track.
func (r *Results) Query() *query.Query { return r.query }

// Loaded reports whether a first result has been delivered.
func (r *Results) Loaded() bool { return r.loaded }

// Err returns the error of the last evaluation, if it failed.
func (r *Results) Err() error { return r.err }

// Keys returns the matching row keys. Empty until loaded.
func (r *Results) Keys() []int64 {
	if r.view == nil {
		return nil
	}
	return slices.Clone(r.view.Keys)
}

// Len returns the number of matching rows.
func (r *Results) Len() int {
	if r.view == nil {
		return 0
	}
	return r.view.Len()
}

// Version returns the version the current result was evaluated at.
func (r *Results) Version() store.Version {
	if r.view == nil {
		return store.Version{}
	}
	return r.view.Version
}

// AddListener registers fn to run each time a changed result is delivered.
func (r *Results) AddListener(fn func()) *notify.Subscription {
	return r.listeners.Add(fn)
}

// Cancel stops delivery. Listeners are not called afterwards; work already
// running in the background is abandoned at its next checkpoint.
func (r *Results) Cancel() {
	if r.cancelled.Swap(true) {
		return
	}
	if r.cancel != nil {
		r.cancel()
	}
}

// Cancelled reports whether Cancel was called.
func (r *Results) Cancelled() bool { return r.cancelled.Load() }

// swap installs view if it is not older than the current one and reports
// whether the visible result changed.
func (r *Results) swap(view *query.View) bool {
	if r.view != nil && view.Version.Less(r.view.Version) {
		return false
	}
	changed := !r.loaded || r.err != nil || !r.view.Same(view)
	r.view = view
	r.err = nil
	r.loaded = true
	return changed
}

func (r *Results) fail(err error) {
	r.err = err
	r.loaded = true
}
