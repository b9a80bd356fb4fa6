// Package reactor provides the single goroutine event loop that owns the
// emulated cluster state. Session goroutines, the accept loop and timers
// never touch shared state themselves; they post callbacks here and the loop
// runs them one at a time, to completion, in the order they were posted.
package reactor

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/sirupsen/logrus"

	"github.com/dreamware/fakectdb/internal/cluster"
)

var (
	// ErrStopped is returned when work is offered to a loop that has stopped.
	ErrStopped = errors.New("reactor stopped")
	// ErrRunning is returned by a second call to Run.
	ErrRunning = errors.New("reactor already running")
)

// Loop runs posted callbacks sequentially on one goroutine.
// Post, Schedule and Stop are safe for concurrent use; the callbacks
// themselves always run on the loop goroutine.
type Loop struct {
	ctx      context.Context    // Context for cancellation
	cancel   context.CancelFunc // Cancel function for shutdown
	log      logrus.FieldLogger
	wake     chan struct{} // Signals pending work, capacity one
	finished chan struct{} // Closed when Run returns
	pending  []func()      // Callbacks not yet run
	mu       sync.Mutex    // Protects pending and closed
	started  atomic.Bool
	closed   bool
}

// New creates a loop. Nothing runs until Run is called.
func New(log logrus.FieldLogger) *Loop {
	ctx, cancel := context.WithCancel(context.Background())
	return &Loop{
		ctx:      ctx,
		cancel:   cancel,
		log:      log,
		wake:     make(chan struct{}, 1),
		finished: make(chan struct{}),
	}
}

// Run processes callbacks until ctx is cancelled or Stop is called. It
// returns nil after Stop and ctx.Err() after cancellation.
func (l *Loop) Run(ctx context.Context) error {
	if !l.started.CompareAndSwap(false, true) {
		return ErrRunning
	}
	defer close(l.finished)
	defer l.cancel()
	defer l.close()

	l.log.Debug("reactor started")
	for {
		select {
		case <-ctx.Done():
			l.log.Debug("reactor stopping due to context cancellation")
			return ctx.Err()
		case <-l.ctx.Done():
			l.log.Debug("reactor stopping due to internal cancellation")
			return nil
		case <-l.wake:
		}

		l.mu.Lock()
		batch := l.pending
		l.pending = nil
		l.mu.Unlock()

		for _, fn := range batch {
			// a callback may have stopped the loop; drop the rest
			if l.ctx.Err() != nil {
				break
			}
			fn()
		}
	}
}

// Stop cancels the loop and waits for Run to return. Callers on the loop
// goroutine must not use Stop; they use Halt.
func (l *Loop) Stop() {
	l.cancel()
	if l.started.Load() {
		<-l.finished
	}
}

// Halt asks the loop to stop without waiting. Safe from callbacks.
func (l *Loop) Halt() {
	l.cancel()
}

// Done is closed once the loop has been asked to stop or Run has returned.
func (l *Loop) Done() <-chan struct{} {
	return l.ctx.Done()
}

func (l *Loop) close() {
	l.mu.Lock()
	l.closed = true
	l.pending = nil
	l.mu.Unlock()
}

// Post queues fn to run on the loop. It reports false if the loop has
// stopped, in which case fn will never run.
func (l *Loop) Post(fn func()) bool {
	l.mu.Lock()
	if l.closed || l.ctx.Err() != nil {
		l.mu.Unlock()
		return false
	}
	l.pending = append(l.pending, fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	return true
}

// Do runs fn on the loop and waits for it to finish.
func (l *Loop) Do(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	if !l.Post(func() {
		defer close(done)
		fn()
	}) {
		return ErrStopped
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-l.ctx.Done():
		return ErrStopped
	}
}

// timer is a loop scheduled wakeup. cancelled is only touched on the loop
// goroutine, so a Stop issued from a callback wins even when the underlying
// time.Timer has already fired and its callback is queued.
type timer struct {
	t         *time.Timer
	cancelled bool
}

func (t *timer) Stop() bool {
	if t.cancelled {
		return false
	}
	t.cancelled = true
	return t.t.Stop()
}

// Schedule arranges for fn to run on the loop after d. fn receives a nil
// error; the error parameter exists for schedulers whose wakeups can fail.
// The returned handle must only be stopped from the loop goroutine.
func (l *Loop) Schedule(d time.Duration, fn func(err error)) (cluster.Stopper, error) {
	l.mu.Lock()
	closed := l.closed || l.ctx.Err() != nil
	l.mu.Unlock()
	if closed {
		return nil, ErrStopped
	}

	tm := &timer{}
	tm.t = time.AfterFunc(d, func() {
		posted := l.Post(func() {
			if tm.cancelled {
				return
			}
			tm.cancelled = true
			fn(nil)
		})
		if !posted {
			l.log.WithField("delay", d).Debug("timer fired after reactor stopped")
		}
	})
	return tm, nil
}
