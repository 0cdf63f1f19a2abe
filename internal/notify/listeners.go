package notify

import (
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/roach88/snapdb/internal/metrics"
)

// Subscription is a registered listener. Close unregisters it; the slot is
// pruned on the next dispatch or sweep.
type Subscription struct {
	fn     func()
	closed atomic.Bool
}

// Close stops further calls to the listener. Safe to call more than once.
func (s *Subscription) Close() {
	s.closed.Store(true)
}

// Active reports whether the subscription has not been closed.
func (s *Subscription) Active() bool {
	return !s.closed.Load()
}

// Listeners is an ordered listener list.
type Listeners struct {
	mu   sync.Mutex
	subs []*Subscription
}

// Add registers fn and returns its subscription.
func (l *Listeners) Add(fn func()) *Subscription {
	s := &Subscription{fn: fn}
	l.mu.Lock()
	l.subs = append(l.subs, s)
	l.mu.Unlock()
	return s
}

// Len returns the number of registered subscriptions, closed ones included
// until they are pruned.
func (l *Listeners) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.subs)
}

// Prune drops closed subscriptions and returns how many remain.
func (l *Listeners) Prune() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.subs = slices.DeleteFunc(l.subs, func(s *Subscription) bool { return !s.Active() })
	return len(l.subs)
}

// Dispatch calls every active listener in registration order on the calling
// goroutine. A panicking listener is logged and skipped; the rest still run.
func (l *Listeners) Dispatch(log *slog.Logger) {
	l.mu.Lock()
	subs := slices.Clone(l.subs)
	l.mu.Unlock()

	for _, s := range subs {
		if !s.Active() {
			continue
		}
		invoke(log, s)
	}
	l.Prune()
}

func invoke(log *slog.Logger, s *Subscription) {
	defer func() {
		if r := recover(); r != nil {
			metrics.ListenerPanics.Inc()
			log.Error("change listener panicked", "panic", r)
		}
	}()
	s.fn()
}
