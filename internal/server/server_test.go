package server

import (
	"context"
	"encoding/binary"
	"io"
	"net"
	"net/netip"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/fakectdb/internal/bootstrap"
	"github.com/dreamware/fakectdb/internal/cluster"
	"github.com/dreamware/fakectdb/internal/dispatch"
	"github.com/dreamware/fakectdb/internal/protocol"
	"github.com/dreamware/fakectdb/internal/reactor"
	"github.com/dreamware/fakectdb/internal/recovery"
)

type harness struct {
	loop    *reactor.Loop
	state   *cluster.State
	coord   *recovery.Coordinator
	disable *recovery.DisableTimer
	srv     *Server
	path    string
	done    chan error
}

// newState builds four nodes: 0 is current, 1 answers nothing to
// GET_CAPABILITIES, 2 and 3 are disconnected.
func newState() *cluster.State {
	s := cluster.NewState()
	s.AddNode(0, netip.MustParseAddr("10.0.0.1"), 0, cluster.CapDefault)
	s.AddNode(1, netip.MustParseAddr("10.0.0.2"), cluster.FlagFakeTimeout, cluster.CapDefault)
	s.AddNode(2, netip.MustParseAddr("10.0.0.3"), cluster.FlagDisconnected, cluster.CapDefault)
	s.AddNode(3, netip.MustParseAddr("10.0.0.4"), cluster.FlagDisconnected, cluster.CapDefault)
	s.SelfPNN = 0
	s.RecMaster = 0
	s.Init()
	return s
}

func newHarness(t *testing.T) (*harness, *Server) {
	t.Helper()
	logger, _ := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)

	loop := reactor.New(logger)
	go func() { _ = loop.Run(context.Background()) }()
	t.Cleanup(loop.Stop)

	state := newState()
	coord := recovery.NewCoordinator(state, loop, 10*time.Millisecond, logger)
	disable := recovery.NewDisableTimer(state, loop, logger)
	nodes := bootstrap.NodesFile{Getenv: func(string) string { return "" }}
	d := dispatch.New(state, coord, disable, nodes, logger)

	h := &harness{
		loop:    loop,
		state:   state,
		coord:   coord,
		disable: disable,
		srv:     New(loop, state, d, logger),
		path:    filepath.Join(t.TempDir(), "ctdbd.socket"),
		done:    make(chan error, 1),
	}
	return h, h.srv
}

func startHarness(t *testing.T) *harness {
	t.Helper()
	h, srv := newHarness(t)
	ln, err := net.Listen("unix", h.path)
	require.NoError(t, err)
	go func() { h.done <- srv.Serve(context.Background(), ln) }()
	t.Cleanup(srv.Close)
	return h
}

// onLoop reads reactor owned state from the test goroutine.
func (h *harness) onLoop(t *testing.T, fn func(s *cluster.State)) {
	t.Helper()
	require.NoError(t, h.loop.Do(context.Background(), func() { fn(h.state) }))
}

type client struct {
	t    *testing.T
	conn net.Conn
}

func (h *harness) dial(t *testing.T) *client {
	t.Helper()
	conn, err := net.Dial("unix", h.path)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return &client{t: t, conn: conn}
}

func (c *client) send(pkt []byte) {
	c.t.Helper()
	require.NoError(c.t, protocol.WriteFrame(c.conn, pkt))
}

func (c *client) control(dest, reqid uint32, req protocol.ControlRequest) {
	c.t.Helper()
	c.send(protocol.PushControlRequest(protocol.NewHeader(protocol.OpReqControl, dest, protocol.CurrentNode, reqid, 0), req))
}

func (c *client) read() ([]byte, error) {
	_ = c.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	return protocol.ReadFrame(c.conn)
}

func (c *client) reply() (protocol.Header, protocol.ControlReply) {
	c.t.Helper()
	pkt, err := c.read()
	require.NoError(c.t, err)
	h, r, err := protocol.PullControlReply(pkt)
	require.NoError(c.t, err)
	return h, r
}

// ping sends a PING and returns its reply header, used as a barrier: every
// earlier request on the connection has been answered or dropped by then.
func (c *client) ping(reqid uint32) protocol.ControlReply {
	c.t.Helper()
	c.control(protocol.CurrentNode, reqid, protocol.ControlRequest{Opcode: protocol.ControlPing})
	h, r := c.reply()
	require.Equal(c.t, reqid, h.ReqID, "expected the ping reply next")
	return r
}

// TestControlRoundTrip tests sentinel resolution and the reply header.
func TestControlRoundTrip(t *testing.T) {
	h := startHarness(t)
	c := h.dial(t)

	c.control(protocol.CurrentNode, 9, protocol.ControlRequest{Opcode: protocol.ControlGetPNN})
	rh, r := c.reply()
	assert.Equal(t, int32(0), r.Status)
	assert.Equal(t, protocol.OpReplyControl, rh.Operation)
	assert.Equal(t, uint32(9), rh.ReqID)
	assert.Equal(t, uint32(0), rh.SrcNode)
	assert.Equal(t, uint32(0), rh.DestNode)

	var gen uint32
	h.onLoop(t, func(s *cluster.State) { gen = s.VNNMap.Generation })
	assert.Equal(t, gen, rh.Generation)
}

// TestBroadcastFanOut verifies broadcast requests are answered once per
// target node in ascending order.
func TestBroadcastFanOut(t *testing.T) {
	tests := []struct {
		name string
		dest uint32
		want []int32
	}{
		{name: "all nodes", dest: protocol.BroadcastAll, want: []int32{0, 1, 2, 3}},
		{name: "connected nodes", dest: protocol.BroadcastConnected, want: []int32{0, 1}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := startHarness(t)
			c := h.dial(t)

			c.control(tt.dest, 5, protocol.ControlRequest{Opcode: protocol.ControlGetPNN})
			got := make([]int32, 0, len(tt.want))
			for range tt.want {
				rh, r := c.reply()
				assert.Equal(t, uint32(5), rh.ReqID)
				assert.Equal(t, uint32(r.Status), rh.SrcNode)
				got = append(got, r.Status)
			}
			assert.Equal(t, tt.want, got)
			c.ping(6)
		})
	}
}

// TestDroppedFrames verifies malformed and misaddressed frames produce no
// reply and leave the session usable.
func TestDroppedFrames(t *testing.T) {
	h := startHarness(t)
	c := h.dial(t)

	good := protocol.PushControlRequest(protocol.NewHeader(protocol.OpReqControl, protocol.CurrentNode, protocol.CurrentNode, 1, 0),
		protocol.ControlRequest{Opcode: protocol.ControlGetPNN})

	badMagic := append([]byte(nil), good...)
	badMagic[4] ^= 0xff
	c.send(badMagic)

	// a packet too short to hold a header still carries its own length
	short := make([]byte, protocol.HeaderSize/2)
	binary.LittleEndian.PutUint32(short, uint32(len(short)))
	c.send(short)

	// out of range and disconnected destinations
	c.control(4, 2, protocol.ControlRequest{Opcode: protocol.ControlGetPNN})
	c.control(2, 3, protocol.ControlRequest{Opcode: protocol.ControlGetPNN})
	c.control(protocol.BroadcastVNNMap, 4, protocol.ControlRequest{Opcode: protocol.ControlGetPNN})

	// operations other than control and message
	keepalive := protocol.NewHeader(protocol.OpReqKeepalive, protocol.CurrentNode, protocol.CurrentNode, 5, 0)
	pkt := make([]byte, protocol.HeaderSize)
	keepalive.Length = protocol.HeaderSize
	keepalive.Put(pkt)
	c.send(pkt)

	c.ping(100)
}

// TestBarePacketAnswered writes a packet to the socket the way CTDB clients
// do, with nothing in front of the header, and reads the reply the same way.
func TestBarePacketAnswered(t *testing.T) {
	h := startHarness(t)
	c := h.dial(t)

	pkt := protocol.PushControlRequest(protocol.NewHeader(protocol.OpReqControl, protocol.CurrentNode, protocol.CurrentNode, 9, 0),
		protocol.ControlRequest{Opcode: protocol.ControlGetPNN})
	_, err := c.conn.Write(pkt)
	require.NoError(t, err)

	_ = c.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var lenField [4]byte
	_, err = io.ReadFull(c.conn, lenField[:])
	require.NoError(t, err)
	total := binary.LittleEndian.Uint32(lenField[:])
	require.GreaterOrEqual(t, total, uint32(protocol.HeaderSize))

	reply := make([]byte, total)
	copy(reply, lenField[:])
	_, err = io.ReadFull(c.conn, reply[4:])
	require.NoError(t, err)

	rh, r, err := protocol.PullControlReply(reply)
	require.NoError(t, err)
	assert.Equal(t, uint32(9), rh.ReqID)
	assert.Equal(t, int32(0), r.Status)

	// nothing trails the reply
	c.ping(10)
}

// TestFakeTimeoutSendsNothing checks GET_CAPABILITIES for a FAKE_TIMEOUT
// node produces zero frames.
func TestFakeTimeoutSendsNothing(t *testing.T) {
	h := startHarness(t)
	c := h.dial(t)

	c.control(1, 1, protocol.ControlRequest{Opcode: protocol.ControlGetCapabilities})
	c.ping(2)

	c.control(0, 3, protocol.ControlRequest{Opcode: protocol.ControlGetCapabilities})
	rh, r := c.reply()
	assert.Equal(t, uint32(3), rh.ReqID)
	caps, err := protocol.UnmarshalCapabilities(r.Data)
	require.NoError(t, err)
	assert.Equal(t, cluster.CapDefault, caps)
}

// TestSetRecModeOverSocket covers the recovery scenario: a refused NORMAL,
// then ACTIVE answered at once and completed in the background.
func TestSetRecModeOverSocket(t *testing.T) {
	h := startHarness(t)
	c := h.dial(t)

	c.control(protocol.CurrentNode, 1, protocol.ControlRequest{
		Opcode: protocol.ControlSetRecMode,
		Data:   protocol.RecModeData(uint32(cluster.RecoveryNormal)),
	})
	_, r := c.reply()
	assert.Equal(t, int32(-1), r.Status)
	assert.Equal(t, "Client cannot set recmode to NORMAL", r.ErrMsg)

	var gen uint32
	h.onLoop(t, func(s *cluster.State) { gen = s.VNNMap.Generation })

	c.control(protocol.CurrentNode, 2, protocol.ControlRequest{
		Opcode: protocol.ControlSetRecMode,
		Data:   protocol.RecModeData(uint32(cluster.RecoveryActive)),
	})
	_, r = c.reply()
	assert.Equal(t, int32(0), r.Status)

	assert.Eventually(t, func() bool {
		c.control(protocol.CurrentNode, 3, protocol.ControlRequest{Opcode: protocol.ControlGetRecMode})
		_, r := c.reply()
		return r.Status == int32(cluster.RecoveryNormal)
	}, 2*time.Second, 20*time.Millisecond)

	h.onLoop(t, func(s *cluster.State) {
		assert.NotEqual(t, gen, s.VNNMap.Generation)
	})
}

// TestClientAccounting verifies the client count and listener cleanup as
// sessions come and go.
func TestClientAccounting(t *testing.T) {
	h := startHarness(t)
	a := h.dial(t)
	b := h.dial(t)

	a.ping(1)
	r := b.ping(1)
	assert.Equal(t, int32(2), r.Status)

	a.control(protocol.CurrentNode, 2, protocol.ControlRequest{Opcode: protocol.ControlRegisterSrvID, SrvID: 0xF00D})
	a.reply()
	b.control(protocol.CurrentNode, 2, protocol.ControlRequest{Opcode: protocol.ControlRegisterSrvID, SrvID: 0xBEEF})
	b.reply()

	a.conn.Close()
	assert.Eventually(t, func() bool {
		var n int
		var listeners []cluster.Listener
		h.onLoop(t, func(s *cluster.State) {
			n = s.NumClients
			listeners = append([]cluster.Listener(nil), s.Listeners...)
		})
		return n == 1 && len(listeners) == 1 && listeners[0].SrvID == 0xBEEF
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, int32(1), b.ping(3).Status)
}

// TestBadBodyEndsSession checks a control whose body does not decode closes
// the connection.
func TestBadBodyEndsSession(t *testing.T) {
	h := startHarness(t)
	c := h.dial(t)

	full := protocol.PushControlRequest(protocol.NewHeader(protocol.OpReqControl, protocol.CurrentNode, protocol.CurrentNode, 1, 0),
		protocol.ControlRequest{Opcode: protocol.ControlPing})
	short := append([]byte(nil), full[:protocol.HeaderSize+8]...)
	hdr, err := protocol.PullHeader(short)
	require.NoError(t, err)
	hdr.Length = uint32(len(short))
	hdr.Put(short)
	c.send(short)

	_, err = c.read()
	assert.ErrorIs(t, err, io.EOF)
}

// TestShutdown verifies SHUTDOWN is acknowledged, the connection closes and
// Serve returns nil.
func TestShutdown(t *testing.T) {
	h := startHarness(t)
	other := h.dial(t)
	other.ping(1)

	c := h.dial(t)
	c.control(protocol.CurrentNode, 7, protocol.ControlRequest{Opcode: protocol.ControlShutdown})
	rh, r := c.reply()
	assert.Equal(t, uint32(7), rh.ReqID)
	assert.Equal(t, int32(0), r.Status)

	_, err := c.read()
	assert.ErrorIs(t, err, io.EOF)

	select {
	case err := <-h.done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after shutdown")
	}
	select {
	case <-h.srv.ShutdownRequested():
	default:
		t.Error("shutdown not reported")
	}

	// the other session is closed too
	_, err = other.read()
	assert.Error(t, err)
}

// TestServeStops covers Close and context cancellation.
func TestServeStops(t *testing.T) {
	t.Run("close", func(t *testing.T) {
		h := startHarness(t)
		h.dial(t).ping(1)
		h.srv.Close()
		assert.NoError(t, <-h.done)
	})

	t.Run("context", func(t *testing.T) {
		h, srv := newHarness(t)
		ln, err := net.Listen("unix", h.path)
		require.NoError(t, err)
		ctx, cancel := context.WithCancel(context.Background())
		go func() { h.done <- srv.Serve(ctx, ln) }()
		cancel()
		assert.NoError(t, <-h.done)
	})

	t.Run("serve twice", func(t *testing.T) {
		h := startHarness(t)
		h.dial(t).ping(1)
		ln, err := net.Listen("unix", h.path+".2")
		require.NoError(t, err)
		defer ln.Close()
		assert.ErrorIs(t, h.srv.Serve(context.Background(), ln), ErrServing)
	})
}

// flakyListener fails Accept a set number of times.
type flakyListener struct {
	mu       sync.Mutex
	failures int
	calls    int
	closed   chan struct{}
	once     sync.Once
}

func newFlakyListener(failures int) *flakyListener {
	return &flakyListener{failures: failures, closed: make(chan struct{})}
}

func (l *flakyListener) Accept() (net.Conn, error) {
	l.mu.Lock()
	l.calls++
	fail := l.calls <= l.failures
	l.mu.Unlock()
	if fail {
		return nil, errors.New("accept: too many open files")
	}
	<-l.closed
	return nil, net.ErrClosed
}

func (l *flakyListener) Close() error {
	l.once.Do(func() { close(l.closed) })
	return nil
}

func (l *flakyListener) Addr() net.Addr { return &net.UnixAddr{Name: "flaky", Net: "unix"} }

func (l *flakyListener) Calls() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.calls
}

// TestAcceptErrors tests the accept error policy.
func TestAcceptErrors(t *testing.T) {
	t.Run("fatal when not recovering", func(t *testing.T) {
		_, srv := newHarness(t)
		err := srv.Serve(context.Background(), newFlakyListener(1))
		require.Error(t, err)
	})

	t.Run("fatal in recovery mode with no attempt running", func(t *testing.T) {
		h, srv := newHarness(t)
		h.onLoop(t, func(s *cluster.State) { s.SetRecoveryMode(cluster.RecoveryActive) })
		err := srv.Serve(context.Background(), newFlakyListener(1))
		require.Error(t, err)
	})

	t.Run("retried while a recovery is in flight", func(t *testing.T) {
		h, srv := newHarness(t)
		srv.AcceptRetry = time.Millisecond
		// node 0 refusing recoveries keeps the attempt polling
		h.onLoop(t, func(s *cluster.State) {
			require.NoError(t, h.disable.Disable(0, time.Hour))
			s.SetRecoveryMode(cluster.RecoveryActive)
			h.coord.Recover()
		})

		ln := newFlakyListener(3)
		done := make(chan error, 1)
		go func() { done <- srv.Serve(context.Background(), ln) }()

		assert.Eventually(t, func() bool { return ln.Calls() > 3 }, 2*time.Second, 5*time.Millisecond)
		srv.Close()
		assert.NoError(t, <-done)
	})
}
