package server

import (
	"net"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/dreamware/fakectdb/internal/cluster"
	"github.com/dreamware/fakectdb/internal/dispatch"
	"github.com/dreamware/fakectdb/internal/protocol"
)

// ExitStatus records how a session ended.
type ExitStatus int

const (
	ExitNone ExitStatus = iota
	// ExitNormal is a transport close or error.
	ExitNormal
	// ExitShutdown follows a SHUTDOWN control.
	ExitShutdown
)

func (e ExitStatus) String() string {
	switch e {
	case ExitNone:
		return "none"
	case ExitNormal:
		return "normal"
	case ExitShutdown:
		return "shutdown-requested"
	}
	return "unknown"
}

// session is one client connection. The reader and writer goroutines only
// move bytes; everything else runs on the reactor.
type session struct {
	srv  *Server
	conn net.Conn
	out  *outbox
	log  logrus.FieldLogger
	id   string

	// reactor owned
	exit    ExitStatus
	closing bool
	ended   bool
}

func newSession(srv *Server, conn net.Conn) *session {
	id := uuid.NewString()
	return &session{
		srv:  srv,
		conn: conn,
		out:  newOutbox(),
		id:   id,
		log:  srv.log.WithField("session", id),
	}
}

// readLoop feeds frames to the reactor until the connection fails.
func (s *session) readLoop() {
	defer s.srv.sessions.Done()
	for {
		pkt, err := protocol.ReadFrame(s.conn)
		if err != nil {
			s.log.WithError(err).Debug("client gone")
			break
		}
		if !s.srv.loop.Post(func() { s.handle(pkt) }) {
			break
		}
	}
	s.conn.Close()
	s.out.close()
	s.srv.loop.Post(func() { s.end(ExitNormal) })
}

func (s *session) writeLoop() {
	defer s.srv.sessions.Done()
	defer s.conn.Close()
	for {
		batch, more := s.out.take()
		for _, pkt := range batch {
			if err := protocol.WriteFrame(s.conn, pkt); err != nil {
				s.log.WithError(err).Debug("write failed")
				return
			}
		}
		if !more {
			return
		}
	}
}

// handle processes one inbound frame. Malformed or misaddressed frames are
// dropped; a body that does not decode ends the session.
func (s *session) handle(pkt []byte) {
	if s.closing {
		return
	}
	state := s.srv.state

	h, err := protocol.PullHeader(pkt)
	if err != nil {
		s.log.WithError(err).Debug("dropping frame")
		return
	}
	if int(h.Length) != len(pkt) {
		s.log.WithFields(logrus.Fields{"length": h.Length, "size": len(pkt)}).Debug("dropping frame with bad length")
		return
	}
	if err := h.Verify(0); err != nil {
		s.log.WithError(err).Debug("dropping frame")
		return
	}

	if h.SrcNode == protocol.CurrentNode {
		h.SrcNode = state.SelfPNN
	}
	if h.DestNode == protocol.CurrentNode {
		h.DestNode = state.SelfPNN
	}

	var handler func(h protocol.Header) (dispatch.Response, error)
	switch h.Operation {
	case protocol.OpReqControl:
		_, req, err := protocol.PullControlRequest(pkt)
		if err != nil {
			s.abort(err)
			return
		}
		handler = func(h protocol.Header) (dispatch.Response, error) {
			return s.srv.dispatch.Control(s.id, h, req)
		}
	case protocol.OpReqMessage:
		_, msg, err := protocol.PullMessage(pkt)
		if err != nil {
			s.abort(err)
			return
		}
		handler = func(h protocol.Header) (dispatch.Response, error) {
			return s.srv.dispatch.Message(h, msg)
		}
	default:
		s.log.WithField("operation", h.Operation).Debug("dropping unsupported operation")
		return
	}

	for _, pnn := range s.targets(h.DestNode) {
		h.DestNode = pnn
		resp, err := handler(h)
		if err != nil {
			s.abort(err)
			return
		}
		if resp.Packet != nil {
			s.out.push(resp.Packet)
		}
		if resp.Shutdown {
			s.exit = ExitShutdown
			s.closing = true
			// the writer flushes the acknowledgement before closing
			s.out.close()
			return
		}
	}
}

// targets resolves a destination to the node numbers a request is handled
// for, in ascending order.
func (s *session) targets(dest uint32) []uint32 {
	nodes := s.srv.state.Nodes
	switch dest {
	case protocol.BroadcastAll, protocol.BroadcastConnected:
		pnns := make([]uint32, 0, len(nodes))
		for i, n := range nodes {
			if dest == protocol.BroadcastConnected && n.Disconnected() {
				continue
			}
			pnns = append(pnns, uint32(i))
		}
		return pnns
	}

	n, ok := s.srv.state.Node(dest)
	if !ok {
		s.log.WithField("pnn", dest).Info("invalid destination pnn")
		return nil
	}
	if n.Disconnected() {
		s.log.WithField("pnn", dest).Info("packet for disconnected node")
		return nil
	}
	return []uint32{dest}
}

// abort ends the session after a request whose body could not be decoded.
func (s *session) abort(err error) {
	s.log.WithError(errors.Wrap(err, "bad request")).Info("closing session")
	s.closing = true
	s.conn.Close()
}

// end runs once per session on the reactor, after the reader has stopped.
func (s *session) end(status ExitStatus) {
	if s.ended {
		return
	}
	s.ended = true
	if s.exit == ExitNone {
		s.exit = status
	}

	state := s.srv.state
	state.ClientDisconnected()
	released := state.ReleaseSession(s.id)
	s.log.WithFields(logrus.Fields{
		"exit":      s.exit,
		"released":  released,
		"remaining": state.NumClients,
	}).Debug("session ended")

	s.srv.forget(s)
	if s.exit == ExitShutdown {
		s.srv.requestShutdown()
	}
}

// start counts the new client. Called on the reactor before any of the
// session's frames.
func (s *session) start(state *cluster.State) {
	state.ClientConnected()
	s.log.WithField("clients", state.NumClients).Debug("client connected")
}

// outbox is an unbounded FIFO of packets for the writer goroutine, so the
// reactor never blocks on a slow client.
type outbox struct {
	mu     sync.Mutex
	queue  [][]byte
	closed bool
	wake   chan struct{}
}

func newOutbox() *outbox {
	return &outbox{wake: make(chan struct{}, 1)}
}

func (o *outbox) push(pkt []byte) bool {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return false
	}
	o.queue = append(o.queue, pkt)
	o.mu.Unlock()
	o.signal()
	return true
}

// close stops further pushes. Packets already queued are still handed to
// the writer.
func (o *outbox) close() {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()
	o.signal()
}

func (o *outbox) signal() {
	select {
	case o.wake <- struct{}{}:
	default:
	}
}

// take blocks until packets are queued or the outbox is closed. more is
// false once the outbox is closed and drained.
func (o *outbox) take() ([][]byte, bool) {
	for {
		o.mu.Lock()
		batch, closed := o.queue, o.closed
		o.queue = nil
		o.mu.Unlock()
		if len(batch) > 0 || closed {
			return batch, !closed
		}
		<-o.wake
	}
}
