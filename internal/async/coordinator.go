// Package async evaluates queries on background workers and reconciles their
// results with the version the calling goroutine is pinned at.
//
// A result computed at version W arrives on the caller's queue while the
// caller is at version C:
//
//   - C == W: imported if the Results has nothing yet, otherwise discarded.
//   - C >  W: re-issued at C if the Results has nothing yet, otherwise
//     discarded as stale.
//   - C <  W: parked; a catch-up pass advances the caller to W, imports
//     every parked result for W, and only then fires listeners.
//
// While queries are live, remote commits do not advance the caller
// directly. The coordinator re-runs every live query in one batch against
// the latest version and advances the caller when the batch lands, so the
// caller's version and its results move together.
package async

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"weak"

	"github.com/roach88/snapdb/internal/dberr"
	"github.com/roach88/snapdb/internal/metrics"
	"github.com/roach88/snapdb/internal/notify"
	"github.com/roach88/snapdb/internal/query"
	"github.com/roach88/snapdb/internal/store"
	"github.com/roach88/snapdb/internal/txn"
)

type entry struct {
	token  string
	ref    weak.Pointer[Results]
	q      *query.Query
	state  State
	ctx    context.Context
	cancel context.CancelFunc
}

type completion struct {
	e    *entry
	view *query.View
	err  error
}

func (c *completion) discard() {
	if c.view != nil {
		c.view.Close()
	}
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithPool shares a worker pool between coordinators.
func WithPool(p *Pool) Option {
	return func(c *Coordinator) { c.pool = p }
}

// WithWorkers sets the size of the coordinator's own pool.
func WithWorkers(n int) Option {
	return func(c *Coordinator) { c.pool = NewPool(n) }
}

// WithLogger sets the coordinator's logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Coordinator) { c.log = l }
}

// WithIDGenerator sets the generator for result tokens.
func WithIDGenerator(g txn.IDGenerator) Option {
	return func(c *Coordinator) { c.ids = g }
}

// Coordinator owns the async queries of one transaction. Apart from
// InFlight, its methods must be called on the transaction's goroutine,
// which must also be the goroutine draining queue.
type Coordinator struct {
	tx     *txn.Transaction
	st     *store.Store
	queue  notify.Queue
	target *notify.Target
	pool   *Pool
	log    *slog.Logger
	ids    txn.IDGenerator

	ctx      context.Context
	stop     context.CancelFunc
	wg       sync.WaitGroup
	inflight atomic.Int64

	entries  []*entry
	parked   map[uint64][]*completion
	catching bool
	batching bool
	rerun    bool
	closed   bool
}

// New returns a coordinator for tx delivering completions through queue.
// With a non-nil target the coordinator takes over the target's wakes
// while it has live queries.
func New(tx *txn.Transaction, queue notify.Queue, target *notify.Target, opts ...Option) *Coordinator {
	c := &Coordinator{
		tx:     tx,
		st:     tx.Store(),
		queue:  queue,
		target: target,
		log:    tx.Store().Logger(),
		ids:    txn.UUIDv7Generator{},
		parked: make(map[uint64][]*completion),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.pool == nil {
		c.pool = NewPool(DefaultWorkers)
	}
	c.ctx, c.stop = context.WithCancel(context.Background())
	if target != nil {
		target.SetWakeHandler(c.handleWake)
	}
	return c
}

// InFlight returns the number of background jobs whose completion has not
// been posted yet. Safe from any goroutine.
func (c *Coordinator) InFlight() int {
	return int(c.inflight.Load())
}

// Live returns the number of queries still being kept up to date.
func (c *Coordinator) Live() int {
	c.prune()
	return len(c.entries)
}

// FindAll starts evaluating q in the background.
func (c *Coordinator) FindAll(q *query.Query) (*Results, error) {
	return c.find("FindAll", q)
}

// FindFirst starts evaluating q in the background, keeping at most one row.
func (c *Coordinator) FindFirst(q *query.Query) (*Results, error) {
	limited := *q
	limited.Max = 1
	return c.find("FindFirst", &limited)
}

func (c *Coordinator) find(op string, q *query.Query) (*Results, error) {
	if !c.tx.IsOwner() {
		return nil, dberr.WrongThread(op)
	}
	if c.closed {
		return nil, dberr.ClosedHandle("async queries for transaction %s are closed", c.tx.ID())
	}
	ctx, cancel := context.WithCancel(c.ctx)
	r := &Results{token: c.ids.Generate(), query: q, cancel: cancel}
	e := &entry{token: r.token, ref: weak.Make(r), q: q, ctx: ctx, cancel: cancel}
	c.entries = append(c.entries, e)
	if err := c.issue(e); err != nil {
		c.entries = c.entries[:len(c.entries)-1]
		cancel()
		return nil, err
	}
	c.log.Debug("async query issued", "token", r.token, "query", q.String(), "version", c.tx.Version().Seq)
	return r, nil
}

// issue evaluates one entry at the caller's current version.
func (c *Coordinator) issue(e *entry) error {
	hold, err := c.tx.Handover()
	if err != nil {
		return err
	}
	e.state = Issued
	at := hold.Version()
	c.submit(e.ctx, &at, hold, []*entry{e}, false)
	return nil
}

// startBatch re-runs every live query against the latest version.
func (c *Coordinator) startBatch() {
	if c.batching {
		c.rerun = true
		return
	}
	c.prune()
	if len(c.entries) == 0 {
		return
	}
	c.batching = true
	batch := slices.Clone(c.entries)
	for _, e := range batch {
		e.state = Issued
	}
	c.submit(c.ctx, nil, nil, batch, true)
}

// submit schedules evaluation of entries at version at (latest if nil).
// hold, if non-nil, keeps at retained until the worker has pinned it.
func (c *Coordinator) submit(ctx context.Context, at *store.Version, hold *store.Pin, entries []*entry, batch bool) {
	qs := make([]*query.Query, len(entries))
	for i, e := range entries {
		qs[i] = e.q
	}
	release := func() {
		if hold != nil {
			hold.Release()
		}
	}

	c.inflight.Add(1)
	c.wg.Add(1)
	c.pool.Go(ctx, func(ctx context.Context) {
		defer c.wg.Done()
		views, errs, err := c.evaluate(ctx, at, qs)
		release()

		comps := make([]*completion, len(entries))
		for i, e := range entries {
			comps[i] = &completion{e: e, err: err}
			if err == nil {
				comps[i].view, comps[i].err = views[i], errs[i]
			}
		}
		c.post(comps, batch)
	}, func() {
		defer c.wg.Done()
		release()
		comps := make([]*completion, len(entries))
		for i, e := range entries {
			comps[i] = &completion{e: e, err: ctx.Err()}
		}
		c.post(comps, batch)
	})
}

// evaluate runs on a worker goroutine with its own read transaction.
func (c *Coordinator) evaluate(ctx context.Context, at *store.Version, qs []*query.Query) ([]*query.View, []error, error) {
	opts := []txn.Option{txn.WithLogger(c.log)}
	if at != nil {
		opts = append(opts, txn.AtVersion(*at))
	}
	tx, err := txn.Begin(c.st, opts...)
	if err != nil {
		return nil, nil, err
	}
	defer tx.Close()

	views := make([]*query.View, len(qs))
	errs := make([]error, len(qs))
	for i, q := range qs {
		if err := ctx.Err(); err != nil {
			closeViews(views)
			return nil, nil, err
		}
		pin, err := tx.Handover()
		if err != nil {
			errs[i] = err
			continue
		}
		views[i], errs[i] = query.Run(ctx, pin, q)
	}
	if err := ctx.Err(); err != nil {
		closeViews(views)
		return nil, nil, err
	}
	return views, errs, nil
}

func closeViews(views []*query.View) {
	for _, v := range views {
		if v != nil {
			v.Close()
		}
	}
}

// post hands completions to the caller's queue.
func (c *Coordinator) post(comps []*completion, batch bool) {
	defer c.inflight.Add(-1)
	if c.ctx.Err() == nil && c.queue.Post(func() { c.onComplete(comps, batch) }) {
		return
	}
	for _, comp := range comps {
		comp.discard()
		c.finish(comp.e, Cancelled)
	}
}

func (c *Coordinator) finish(e *entry, s State) {
	e.state = s
	metrics.AsyncQueries.WithLabelValues(s.String()).Inc()
}

// accept returns the Results comp should be imported into. A failed
// evaluation is recorded on its Results, which is returned as failed for
// the caller to fire. Dropped or cancelled completions are discarded.
func (c *Coordinator) accept(comp *completion) (r, failed *Results) {
	r = comp.e.ref.Value()
	if r == nil || r.Cancelled() || c.closed {
		comp.discard()
		c.finish(comp.e, Cancelled)
		return nil, nil
	}
	if comp.err != nil {
		comp.discard()
		if errors.Is(comp.err, context.Canceled) {
			c.finish(comp.e, Cancelled)
			return nil, nil
		}
		c.log.Warn("async query failed", "token", comp.e.token, "error", comp.err)
		r.fail(comp.err)
		c.finish(comp.e, Delivered)
		return nil, r
	}
	comp.e.state = Completed
	return r, nil
}

func (c *Coordinator) onComplete(comps []*completion, batch bool) {
	if batch {
		c.onBatch(comps)
		return
	}
	cur := c.tx.Version()
	for _, comp := range comps {
		r, failed := c.accept(comp)
		if failed != nil {
			c.dispatch([]*Results{failed})
		}
		if r == nil {
			continue
		}
		w := comp.view.Version
		switch {
		case cur.Seq == w.Seq:
			if r.loaded {
				c.supersede(comp)
				continue
			}
			c.deliver(comp, r, true)
		case cur.Seq > w.Seq:
			if r.loaded {
				c.supersede(comp)
				continue
			}
			comp.discard()
			c.reissue(comp.e)
		default:
			c.park(comp)
			c.scheduleCatchUp()
		}
	}
}

// onBatch imports the results of a batch. Failed results fire only after
// every result of the batch has been swapped in.
func (c *Coordinator) onBatch(comps []*completion) {
	defer func() {
		c.batching = false
		if c.rerun {
			c.rerun = false
			c.startBatch()
		}
	}()

	cur := c.tx.Version()
	var accepted []*completion
	var failed []*Results
	var w store.Version
	for _, comp := range comps {
		r, f := c.accept(comp)
		if f != nil {
			failed = append(failed, f)
		}
		if r != nil {
			accepted = append(accepted, comp)
			w = comp.view.Version
		}
	}
	if len(accepted) == 0 {
		// The batch took over the wake, so the caller still has to move.
		c.advance(failed)
		return
	}

	switch {
	case cur.Seq == w.Seq:
		var fire []*Results
		for _, comp := range accepted {
			if r := comp.e.ref.Value(); r != nil && c.deliver(comp, r, false) {
				fire = append(fire, r)
			}
		}
		c.dispatch(append(fire, failed...))
	case cur.Seq > w.Seq:
		// A newer wake re-runs the batch; only empty results need an answer now.
		for _, comp := range accepted {
			r := comp.e.ref.Value()
			comp.discard()
			if r != nil && !r.loaded {
				c.reissue(comp.e)
			} else {
				c.finish(comp.e, Superseded)
			}
		}
		c.dispatch(failed)
	default:
		for _, comp := range accepted {
			c.park(comp)
		}
		c.catchUp(failed)
	}
}

// advance moves the caller to the latest version, fires failed, then the
// target's listeners if the version moved.
func (c *Coordinator) advance(failed []*Results) {
	if c.closed {
		return
	}
	before := c.tx.Version()
	v, err := c.tx.AdvanceRead()
	if err != nil {
		c.log.Debug("advance after batch failed", "error", err)
	}
	c.dispatch(failed)
	if err == nil && c.target != nil && v.Seq > before.Seq {
		c.target.Notify()
	}
}

// deliver swaps comp's view into r, optionally firing r's listeners, and
// reports whether r changed.
func (c *Coordinator) deliver(comp *completion, r *Results, fire bool) bool {
	changed := r.swap(comp.view)
	comp.view.Close()
	c.finish(comp.e, Delivered)
	if changed && fire {
		r.listeners.Dispatch(c.log)
	}
	return changed
}

func (c *Coordinator) supersede(comp *completion) {
	comp.discard()
	c.finish(comp.e, Superseded)
}

func (c *Coordinator) reissue(e *entry) {
	if err := c.issue(e); err != nil {
		c.log.Warn("async query could not be re-issued", "token", e.token, "error", err)
		c.finish(e, Cancelled)
	}
}

func (c *Coordinator) dispatch(fire []*Results) {
	for _, r := range fire {
		if !r.Cancelled() {
			r.listeners.Dispatch(c.log)
		}
	}
}

func (c *Coordinator) park(comp *completion) {
	seq := comp.view.Version.Seq
	c.parked[seq] = append(c.parked[seq], comp)
}

func (c *Coordinator) scheduleCatchUp() {
	if c.catching {
		return
	}
	c.catching = true
	if !c.queue.Post(func() { c.catchUp(nil) }) {
		c.catching = false
		c.dropParked()
	}
}

// catchUp advances the caller to the newest parked version, imports every
// result parked for it, then fires result listeners and failed followed by
// the target's listeners.
func (c *Coordinator) catchUp(failed []*Results) {
	c.catching = false
	if len(c.parked) == 0 || c.closed {
		c.dropParked()
		c.dispatch(failed)
		return
	}

	seqs := make([]uint64, 0, len(c.parked))
	for seq := range c.parked {
		seqs = append(seqs, seq)
	}
	slices.Sort(seqs)
	newest := seqs[len(seqs)-1]
	target := c.parked[newest][0].view.Version

	before := c.tx.Version()
	if _, err := c.tx.AdvanceReadTo(target); err != nil {
		c.log.Debug("catch-up advance failed", "to", target.Seq, "error", err)
		for _, seq := range seqs {
			for _, comp := range c.parked[seq] {
				comp.discard()
				if r := comp.e.ref.Value(); r != nil && !r.loaded && !r.Cancelled() {
					c.reissue(comp.e)
				} else {
					c.finish(comp.e, Superseded)
				}
			}
		}
		clear(c.parked)
		c.dispatch(failed)
		return
	}

	var fire []*Results
	for _, seq := range seqs {
		for _, comp := range c.parked[seq] {
			r := comp.e.ref.Value()
			switch {
			case r == nil || r.Cancelled():
				comp.discard()
				c.finish(comp.e, Cancelled)
			case seq == newest:
				if c.deliver(comp, r, false) {
					fire = append(fire, r)
				}
			case r.loaded:
				c.supersede(comp)
			default:
				comp.discard()
				c.reissue(comp.e)
			}
		}
	}
	clear(c.parked)

	c.dispatch(append(fire, failed...))
	if c.target != nil && c.tx.Version().Seq > before.Seq {
		c.target.Notify()
	}
}

func (c *Coordinator) dropParked() {
	for _, comps := range c.parked {
		for _, comp := range comps {
			comp.discard()
			c.finish(comp.e, Cancelled)
		}
	}
	clear(c.parked)
}

// handleWake is installed as the target's wake handler.
func (c *Coordinator) handleWake(local bool) bool {
	if c.closed || c.Live() == 0 {
		return false
	}
	c.startBatch()
	return true
}

// Refresh re-runs every live query against the latest version. Callers use
// it after advancing the transaction themselves.
func (c *Coordinator) Refresh() {
	if c.closed {
		return
	}
	c.startBatch()
}

// prune drops entries whose Results were cancelled or collected.
func (c *Coordinator) prune() {
	c.entries = slices.DeleteFunc(c.entries, func(e *entry) bool {
		r := e.ref.Value()
		if r != nil && !r.Cancelled() {
			return false
		}
		e.cancel()
		if e.state != Cancelled {
			c.finish(e, Cancelled)
		}
		return true
	})
}

// Close cancels every query and waits for running jobs to stop. Results
// are not delivered afterwards.
func (c *Coordinator) Close() {
	if c.closed {
		return
	}
	c.closed = true
	if c.target != nil {
		c.target.SetWakeHandler(nil)
	}
	c.stop()
	c.wg.Wait()
	c.dropParked()
	for _, e := range c.entries {
		e.cancel()
	}
	c.entries = nil
}
