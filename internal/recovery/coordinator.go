// Package recovery drives the emulated cluster's recovery cycles and the
// per-node "recoveries disabled" windows that gate them.
package recovery

import (
	"time"

	"github.com/cockroachdb/errors"
	"github.com/sirupsen/logrus"

	"github.com/dreamware/fakectdb/internal/cluster"
)

// DefaultInterval is the recovery tick.
const DefaultInterval = time.Second

// ErrIO is reported by an attempt whose timer could not be scheduled or
// whose wakeup failed.
var ErrIO = errors.New("recovery: timer failure")

// Scheduler runs fn once after d on the goroutine that owns the cluster
// state. err is non-nil when the wakeup itself failed.
type Scheduler interface {
	Schedule(d time.Duration, fn func(err error)) (cluster.Stopper, error)
}

// Phase is where an attempt is in its life.
type Phase int

const (
	// PhasePolling waits for every node to allow recoveries.
	PhasePolling Phase = iota
	// PhaseCommitting waits out the final tick.
	PhaseCommitting
	PhaseDone
	PhaseFailed
)

func (p Phase) String() string {
	switch p {
	case PhasePolling:
		return "POLLING"
	case PhaseCommitting:
		return "COMMITTING"
	case PhaseDone:
		return "DONE"
	case PhaseFailed:
		return "FAILED"
	}
	return "UNKNOWN"
}

// Attempt is one recovery in flight. Done is closed when it finishes; Err is
// meaningful after that. Phase and Polls may only be read on the goroutine
// that owns the cluster state.
type Attempt struct {
	done  chan struct{}
	err   error
	phase Phase
	polls int
}

// Done is closed when the attempt reaches PhaseDone or PhaseFailed.
func (a *Attempt) Done() <-chan struct{} { return a.done }

// Err is nil for a completed attempt and wraps ErrIO for a failed one.
func (a *Attempt) Err() error { return a.err }

// Phase returns the attempt's current phase.
func (a *Attempt) Phase() Phase { return a.phase }

// Polls is the number of ticks spent waiting for disabled nodes.
func (a *Attempt) Polls() int { return a.polls }

// Coordinator runs recovery attempts against the cluster state. All methods
// must be called on the goroutine that owns the state.
type Coordinator struct {
	state    *cluster.State
	sched    Scheduler
	log      logrus.FieldLogger
	current  *Attempt
	interval time.Duration
}

// NewCoordinator creates a coordinator ticking every interval.
func NewCoordinator(state *cluster.State, sched Scheduler, interval time.Duration, log logrus.FieldLogger) *Coordinator {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Coordinator{
		state:    state,
		sched:    sched,
		interval: interval,
		log:      log,
	}
}

// InFlight reports whether an attempt has started and not yet finished.
func (c *Coordinator) InFlight() bool {
	if c.current == nil {
		return false
	}
	select {
	case <-c.current.done:
		return false
	default:
		return true
	}
}

// Recover starts a recovery attempt and evaluates it immediately. The
// attempt polls once per interval while any node has recoveries disabled.
// The first evaluation that finds no disabled node records the recovery
// start and waits exactly one more interval, without looking at the
// disabled flags again, before returning the cluster to NORMAL with a new
// generation.
func (c *Coordinator) Recover() *Attempt {
	a := &Attempt{done: make(chan struct{}), phase: PhasePolling}
	c.current = a
	c.log.Info("recovery started")
	c.check(a)
	return a
}

func (c *Coordinator) check(a *Attempt) {
	if c.state.AnyRecoveryDisabled() {
		c.log.WithField("polls", a.polls).Debug("recoveries disabled, waiting")
		_, err := c.sched.Schedule(c.interval, func(err error) {
			if err != nil {
				c.fail(a, err)
				return
			}
			a.polls++
			c.check(a)
		})
		if err != nil {
			c.fail(a, err)
		}
		return
	}

	a.phase = PhaseCommitting
	c.state.RecoveryStart = c.state.Now()
	_, err := c.sched.Schedule(c.interval, func(err error) {
		if err != nil {
			c.fail(a, err)
			return
		}
		c.commit(a)
	})
	if err != nil {
		c.fail(a, err)
	}
}

func (c *Coordinator) commit(a *Attempt) {
	c.state.SetRecoveryMode(cluster.RecoveryNormal)
	c.state.RecoveryEnd = c.state.Now()
	gen := c.state.NewGeneration()
	a.phase = PhaseDone
	close(a.done)
	c.log.WithFields(logrus.Fields{
		"generation": gen,
		"polls":      a.polls,
	}).Info("recovery completed")
}

func (c *Coordinator) fail(a *Attempt, cause error) {
	a.phase = PhaseFailed
	a.err = errors.Mark(errors.Wrap(cause, "recovery"), ErrIO)
	close(a.done)
	c.log.WithError(cause).Warn("recovery failed")
}
