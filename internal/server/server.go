// Package server accepts client connections on the daemon socket and runs
// one session per connection against the reactor owned cluster state.
package server

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/sirupsen/logrus"

	"github.com/dreamware/fakectdb/internal/cluster"
	"github.com/dreamware/fakectdb/internal/dispatch"
	"github.com/dreamware/fakectdb/internal/reactor"
)

// DefaultAcceptRetry is the pause before accepting again after an accept
// error that happened while a recovery attempt was in flight.
const DefaultAcceptRetry = 100 * time.Millisecond

// ErrServing is returned by a second call to Serve.
var ErrServing = errors.New("server already serving")

// Server runs client sessions. Serve returns nil once a client has asked for
// shutdown, Close was called, the context was cancelled or the reactor
// stopped.
type Server struct {
	loop     *reactor.Loop
	state    *cluster.State
	dispatch *dispatch.Dispatcher
	log      logrus.FieldLogger

	// AcceptRetry overrides DefaultAcceptRetry.
	AcceptRetry time.Duration

	serving  atomic.Bool
	stopping atomic.Bool
	stopOnce sync.Once
	stop     chan struct{}

	shutdownOnce sync.Once
	shutdown     chan struct{}

	mu       sync.Mutex
	live     map[*session]struct{}
	sessions sync.WaitGroup
}

// New creates a server. state and dispatcher belong to loop.
func New(loop *reactor.Loop, state *cluster.State, d *dispatch.Dispatcher, log logrus.FieldLogger) *Server {
	return &Server{
		loop:        loop,
		state:       state,
		dispatch:    d,
		log:         log,
		AcceptRetry: DefaultAcceptRetry,
		stop:        make(chan struct{}),
		shutdown:    make(chan struct{}),
		live:        make(map[*session]struct{}),
	}
}

// ShutdownRequested is closed when a client's SHUTDOWN control has been
// acknowledged.
func (s *Server) ShutdownRequested() <-chan struct{} {
	return s.shutdown
}

// Close stops accepting and ends every session.
func (s *Server) Close() {
	s.stopOnce.Do(func() { close(s.stop) })
}

func (s *Server) requestShutdown() {
	s.shutdownOnce.Do(func() {
		s.log.Info("shutdown requested by client")
		close(s.shutdown)
	})
}

// Serve accepts connections on ln until the server stops. ln is closed on
// return and so is every session.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	if !s.serving.CompareAndSwap(false, true) {
		return ErrServing
	}

	watchDone := make(chan struct{})
	defer close(watchDone)
	go func() {
		select {
		case <-ctx.Done():
		case <-s.stop:
		case <-s.shutdown:
		case <-s.loop.Done():
		case <-watchDone:
		}
		s.stopping.Store(true)
		ln.Close()
	}()

	s.log.WithField("addr", ln.Addr().String()).Info("serving")
	err := s.acceptLoop(ctx, ln)
	ln.Close()
	s.closeSessions()
	s.sessions.Wait()
	return err
}

func (s *Server) acceptLoop(ctx context.Context, ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.stopping.Load() {
				return nil
			}
			if s.recovering(ctx) {
				s.log.WithError(err).Warn("accept failed during recovery, retrying")
				select {
				case <-time.After(s.AcceptRetry):
					continue
				case <-ctx.Done():
					return nil
				}
			}
			return errors.Wrap(err, "accept")
		}
		s.startSession(conn)
	}
}

// recovering reports whether a recovery attempt is still in flight.
func (s *Server) recovering(ctx context.Context) bool {
	var active bool
	err := s.loop.Do(ctx, func() {
		active = s.dispatch.RecoveryInFlight()
	})
	return err == nil && active
}

func (s *Server) startSession(conn net.Conn) {
	sess := newSession(s, conn)
	if !s.loop.Post(func() { sess.start(s.state) }) {
		conn.Close()
		return
	}

	s.mu.Lock()
	s.live[sess] = struct{}{}
	s.mu.Unlock()

	s.sessions.Add(2)
	go sess.readLoop()
	go sess.writeLoop()
}

func (s *Server) forget(sess *session) {
	s.mu.Lock()
	delete(s.live, sess)
	s.mu.Unlock()
}

func (s *Server) closeSessions() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for sess := range s.live {
		sess.conn.Close()
	}
}
