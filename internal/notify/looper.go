package notify

import (
	"context"
	"errors"
	"sync"

	"github.com/roach88/snapdb/internal/goid"
)

// ErrLooperQuit is returned by Do once the looper has quit.
var ErrLooperQuit = errors.New("looper has quit")

// Queue is what the notifier needs from a goroutine's message queue.
type Queue interface {
	// Post schedules fn on the queue's goroutine. It returns false if the
	// queue no longer accepts messages.
	Post(fn func()) bool
	// Running reports whether posted messages will still be run.
	Running() bool
}

// Looper is a FIFO message queue drained by one goroutine.
//
// The queue is unbounded so commit fan-out never blocks the committer.
// Post may be called from any goroutine; messages run on the goroutine
// inside Run, or on whichever goroutine calls RunPending.
type Looper struct {
	mu     sync.Mutex
	msgs   []func()
	quit   bool
	owner  int64
	signal chan struct{} // buffered(1), coalesces posts
	done   chan struct{} // closed by Quit
}

// NewLooper returns a looper that accepts messages until Quit.
func NewLooper() *Looper {
	return &Looper{
		msgs:   make([]func(), 0, 16),
		signal: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// Post appends fn to the queue. Returns false after Quit.
func (l *Looper) Post(fn func()) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.quit {
		return false
	}
	l.msgs = append(l.msgs, fn)

	select {
	case l.signal <- struct{}{}:
	default:
	}
	return true
}

// Running reports whether the looper still accepts messages.
func (l *Looper) Running() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return !l.quit
}

// Len returns the number of queued messages.
func (l *Looper) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.msgs)
}

func (l *Looper) next() (func(), bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.quit || len(l.msgs) == 0 {
		return nil, false
	}
	fn := l.msgs[0]
	l.msgs[0] = nil
	if len(l.msgs) == 1 {
		l.msgs = l.msgs[:0]
	} else {
		l.msgs = l.msgs[1:]
	}
	return fn, true
}

// RunPending runs queued messages on the calling goroutine until the queue
// is empty, including messages posted by the messages themselves. It
// returns the number of messages run.
func (l *Looper) RunPending() int {
	n := 0
	for {
		fn, ok := l.next()
		if !ok {
			return n
		}
		fn()
		n++
	}
}

// Run drains the queue on the calling goroutine until Quit or ctx is done.
// Messages still queued at Quit are dropped.
func (l *Looper) Run(ctx context.Context) error {
	l.mu.Lock()
	l.owner = goid.Current()
	l.mu.Unlock()

	for {
		l.RunPending()
		if !l.Running() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.signal:
		}
	}
}

// Start runs the looper on a new goroutine. init, if non-nil, runs first on
// that goroutine, which is where goroutine-confined state such as a
// transaction should be created. The returned channel receives Run's result.
func (l *Looper) Start(ctx context.Context, init func()) <-chan error {
	done := make(chan error, 1)
	go func() {
		if init != nil {
			init()
		}
		done <- l.Run(ctx)
	}()
	return done
}

// Do runs fn on the looper goroutine and waits for its result. Called from
// the looper goroutine itself, fn runs inline.
func (l *Looper) Do(fn func() error) error {
	l.mu.Lock()
	inline := l.owner != 0 && l.owner == goid.Current()
	l.mu.Unlock()
	if inline {
		return fn()
	}

	result := make(chan error, 1)
	if !l.Post(func() { result <- fn() }) {
		return ErrLooperQuit
	}
	select {
	case err := <-result:
		return err
	case <-l.done:
		return ErrLooperQuit
	}
}

// Done is closed when the looper quits.
func (l *Looper) Done() <-chan struct{} {
	return l.done
}

// Quit stops the looper. Queued messages are dropped and later posts fail.
func (l *Looper) Quit() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.quit {
		return
	}
	l.quit = true
	l.msgs = nil
	close(l.signal)
	close(l.done)
}
