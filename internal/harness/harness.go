package harness

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/roach88/snapdb/internal/dberr"
	"github.com/roach88/snapdb/internal/notify"
	"github.com/roach88/snapdb/internal/schema"
	"github.com/roach88/snapdb/internal/session"
	"github.com/roach88/snapdb/internal/store"
	"github.com/roach88/snapdb/internal/testutil"
)

// DefaultTimeout bounds await_change.
const DefaultTimeout = 5 * time.Second

// Harness executes one scenario.
type Harness struct {
	cfg     store.Config
	keeper  *store.Store
	seq     *testutil.Sequence
	ids     *testutil.SequenceGenerator
	log     *slog.Logger
	timeout time.Duration

	threads map[string]*thread
	order   []*thread
}

// thread is a goroutine running a looper, with at most one session.
type thread struct {
	name    string
	loop    *notify.Looper
	done    <-chan error
	sess    *session.Session
	changes chan store.Version
}

// Option configures Run.
type Option func(*Harness)

// WithTimeout bounds how long await_change waits.
func WithTimeout(d time.Duration) Option {
	return func(h *Harness) { h.timeout = d }
}

// WithLogger sets the logger passed to stores and sessions. Logs are
// discarded by default.
func WithLogger(l *slog.Logger) Option {
	return func(h *Harness) { h.log = l }
}

// Run executes sc against a fresh store in a temporary directory.
//
// Step failures are reported in the result; the returned error is reserved
// for problems setting the scenario up.
func Run(ctx context.Context, sc *Scenario, opts ...Option) (*Result, error) {
	if err := sc.Validate(); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}

	h := &Harness{
		seq:     testutil.NewSequence(),
		ids:     testutil.NewSequenceGenerator("tx"),
		log:     slog.New(slog.NewTextHandler(io.Discard, nil)),
		timeout: DefaultTimeout,
		threads: make(map[string]*thread),
	}
	for _, opt := range opts {
		opt(h)
	}

	dir, err := os.MkdirTemp("", "snapdb-scenario-*")
	if err != nil {
		return nil, fmt.Errorf("create scenario directory: %w", err)
	}
	defer os.RemoveAll(dir)

	durability, _ := sc.durability()
	h.cfg = store.NewConfig(filepath.Join(dir, sc.Name+".db"),
		store.WithDurability(durability),
		store.WithLogger(h.log),
	)

	// Memory-only state lives as long as some reference does.
	if h.keeper, err = store.Open(h.cfg); err != nil {
		return nil, fmt.Errorf("open scenario store: %w", err)
	}
	defer h.shutdown()

	if err := h.setup(ctx, sc); err != nil {
		return nil, err
	}

	result := NewResult()
	for i, step := range sc.Steps {
		ev, err := h.step(ctx, i, step)
		if ev != nil {
			result.Trace = append(result.Trace, *ev)
		}
		if err == nil {
			continue
		}
		result.AddError(err.Error())
		var mis *ExpectationError
		if !errors.As(err, &mis) {
			break
		}
	}
	return result, nil
}

// setup creates the declared tables in one commit.
func (h *Harness) setup(ctx context.Context, sc *Scenario) error {
	specs := sc.Tables
	if sc.Schema != "" {
		s, err := schema.LoadDir(sc.Schema)
		if err != nil {
			return fmt.Errorf("load schema: %w", err)
		}
		specs = append(s.Tables, specs...)
	}
	if len(specs) == 0 {
		return nil
	}

	s, err := session.Open(h.cfg, session.WithLogger(h.log), session.WithIDGenerator(h.ids))
	if err != nil {
		return fmt.Errorf("open setup session: %w", err)
	}
	defer s.Close()

	_, err = s.Write(ctx, func() error {
		for _, spec := range specs {
			if _, err := s.CreateTable(spec); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("create tables: %w", err)
	}
	return nil
}

func (h *Harness) thread(name string) *thread {
	if th, ok := h.threads[name]; ok {
		return th
	}
	th := &thread{
		name:    name,
		loop:    notify.NewLooper(),
		changes: make(chan store.Version, 64),
	}
	th.done = th.loop.Start(context.Background(), nil)
	h.threads[name] = th
	h.order = append(h.order, th)
	return th
}

// step runs one step and checks its expectations.
func (h *Harness) step(ctx context.Context, i int, st Step) (*TraceEvent, error) {
	th := h.thread(st.Thread)
	target := th
	if st.Session != "" {
		other, ok := h.threads[st.Session]
		if !ok || other.sess == nil {
			return nil, fmt.Errorf("steps[%d]: thread %q has no session", i, st.Session)
		}
		target = other
	}

	ev := &TraceEvent{Thread: st.Thread, Op: st.Op, Table: st.Table}
	var err error
	if st.Op == OpAwaitChange {
		err = h.awaitChange(i, th, ev)
	} else {
		err = th.loop.Do(func() error {
			err := h.apply(ctx, i, th, target, st, ev)
			if target.sess != nil {
				ev.Version = target.sess.Version().Seq
			}
			return err
		})
	}
	ev.Seq = h.seq.Next()

	var mis *ExpectationError
	switch {
	case errors.As(err, &mis):
		return ev, err
	case st.Error != "":
		if err == nil {
			return ev, mismatch(i, "%s: expected error %s, got none", st.Op, st.Error)
		}
		code := string(dberr.CodeOf(err))
		if code != st.Error {
			return ev, mismatch(i, "%s: expected error %s, got %v", st.Op, st.Error, err)
		}
		ev.Error = code
	case err != nil:
		return ev, fmt.Errorf("steps[%d]: %s: %w", i, st.Op, err)
	}

	if st.Version != nil && ev.Version != *st.Version {
		return ev, mismatch(i, "%s: expected version %d, got %d", st.Op, *st.Version, ev.Version)
	}
	return ev, nil
}

func (h *Harness) awaitChange(i int, th *thread, ev *TraceEvent) error {
	if th.sess == nil {
		return fmt.Errorf("steps[%d]: thread %q has no session", i, th.name)
	}
	select {
	case v := <-th.changes:
		ev.Version = v.Seq
		return nil
	case <-time.After(h.timeout):
		return mismatch(i, "await_change: no change notification within %s", h.timeout)
	}
}

// shutdown closes every session on its own goroutine, stops the loopers
// and drops the keeper reference.
func (h *Harness) shutdown() {
	for _, th := range h.order {
		if th.sess != nil {
			s := th.sess
			if err := th.loop.Do(s.Close); err != nil {
				h.log.Warn("close session", "thread", th.name, "error", err)
			}
		}
		th.loop.Quit()
		<-th.done
	}
	if err := h.keeper.Release(); err != nil {
		h.log.Warn("release scenario store", "error", err)
	}
}
