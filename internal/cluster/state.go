package cluster

import (
	"math/rand/v2"
	"net/netip"
	"time"

	"github.com/cockroachdb/errors"
	"golang.org/x/exp/slices"
)

// UnknownPNN marks an unset self or recovery master node.
const UnknownPNN uint32 = 0xFFFFFFFF

var (
	// ErrListenerNotFound is returned when deregistering a srvid nobody
	// registered.
	ErrListenerNotFound = errors.New("srvid not registered")
	// ErrNodeOrder is returned by Validate when node numbers are not the
	// table positions.
	ErrNodeOrder = errors.New("node table out of order")
	// ErrNoSuchNode is returned for a node number outside the table.
	ErrNoSuchNode = errors.New("no such node")
)

// State is the whole emulated cluster as seen by this node. It is not safe
// for concurrent use: one goroutine (the reactor) owns it and every mutation
// happens there.
type State struct {
	StartTime     time.Time
	RecoveryStart time.Time
	RecoveryEnd   time.Time

	// Rand draws generation candidates; tests replace it.
	Rand func() uint32
	// Now is the clock used for the recovery timestamps.
	Now func() time.Time

	Nodes      []*Node
	Interfaces []Interface
	Listeners  []Listener
	VNNMap     VNNMap

	SelfPNN    uint32
	RecMaster  uint32
	NumClients int
}

// NewState returns an empty state in recovery with no generation, the way
// the daemon looks before bootstrap input is applied.
func NewState() *State {
	return &State{
		SelfPNN:   UnknownPNN,
		RecMaster: UnknownPNN,
		VNNMap: VNNMap{
			Generation: InvalidGeneration,
			RecMode:    RecoveryActive,
		},
		Rand: rand.Uint32,
		Now:  time.Now,
	}
}

// Init finishes bootstrap: it stamps the start and recovery times, puts the
// cluster in NORMAL mode and draws a generation if none was supplied.
func (s *State) Init() {
	now := s.Now()
	s.StartTime = now
	s.RecoveryStart = now
	s.RecoveryEnd = now
	s.VNNMap.RecMode = RecoveryNormal
	if s.VNNMap.Generation == InvalidGeneration {
		s.NewGeneration()
	}
}

// Validate checks that every node's PNN equals its position in the table.
func (s *State) Validate() error {
	for i, n := range s.Nodes {
		if n.PNN != uint32(i) {
			return errors.Wrapf(ErrNodeOrder, "expected node %d, found %d", i, n.PNN)
		}
	}
	return nil
}

// Self returns the node this process answers as.
func (s *State) Self() (*Node, error) {
	n, ok := s.Node(s.SelfPNN)
	if !ok {
		return nil, errors.Wrapf(ErrNoSuchNode, "current node %d not in table of %d", s.SelfPNN, len(s.Nodes))
	}
	return n, nil
}

// Node returns the node with the given number.
func (s *State) Node(pnn uint32) (*Node, bool) {
	if uint64(pnn) >= uint64(len(s.Nodes)) {
		return nil, false
	}
	return s.Nodes[pnn], true
}

// AddNode appends a node. pnn is recorded as given so that Validate can
// reject out of order bootstrap input.
func (s *State) AddNode(pnn uint32, addr netip.Addr, flags, caps uint32) *Node {
	if flags&FlagDeleted != 0 {
		addr = netip.IPv4Unspecified()
	}
	n := &Node{
		PNN:          pnn,
		Addr:         addr,
		Flags:        flags,
		Capabilities: caps,
	}
	s.Nodes = append(s.Nodes, n)
	return n
}

// AddInterface appends an interface.
func (s *State) AddInterface(name string, linkUp bool, refs uint32) {
	s.Interfaces = append(s.Interfaces, Interface{Name: name, LinkUp: linkUp, References: refs})
}

// SetRecoveryMode sets the recovery mode.
func (s *State) SetRecoveryMode(m RecoveryMode) {
	s.VNNMap.RecMode = m
}

// NewGeneration replaces the generation with a random value that is neither
// InvalidGeneration nor the previous generation, and returns it.
func (s *State) NewGeneration() uint32 {
	old := s.VNNMap.Generation
	for {
		g := s.Rand()
		if g != InvalidGeneration && g != old {
			s.VNNMap.Generation = g
			return g
		}
	}
}

// AnyRecoveryDisabled reports whether some node currently refuses
// recoveries.
func (s *State) AnyRecoveryDisabled() bool {
	return slices.ContainsFunc(s.Nodes, func(n *Node) bool { return n.RecoveryDisabled })
}

// RegisterListener records a srvid registration for a session.
func (s *State) RegisterListener(sessionID string, srvid uint64) {
	s.Listeners = append(s.Listeners, Listener{SessionID: sessionID, SrvID: srvid})
}

// DeregisterListener removes the first registration of srvid, whichever
// session made it.
func (s *State) DeregisterListener(srvid uint64) error {
	idx := slices.IndexFunc(s.Listeners, func(l Listener) bool { return l.SrvID == srvid })
	if idx < 0 {
		return errors.Wrapf(ErrListenerNotFound, "srvid 0x%x", srvid)
	}
	s.Listeners = slices.Delete(s.Listeners, idx, idx+1)
	return nil
}

// ReleaseSession drops every registration a closed session left behind and
// returns how many were removed.
func (s *State) ReleaseSession(sessionID string) int {
	before := len(s.Listeners)
	s.Listeners = slices.DeleteFunc(s.Listeners, func(l Listener) bool { return l.SessionID == sessionID })
	return before - len(s.Listeners)
}

// ClientConnected counts a new client.
func (s *State) ClientConnected() { s.NumClients++ }

// ClientDisconnected uncounts a client, never going below zero.
func (s *State) ClientDisconnected() {
	if s.NumClients > 0 {
		s.NumClients--
	}
}

// MergeMembership folds a freshly read membership list into the node table
// by position. Entries whose address did not change are skipped. An entry
// newly marked deleted flags the node and zeroes its address; a deleted node
// that reappears gets its address back. Anything else is appended with
// default flags and capabilities. It returns the number of nodes touched.
func (s *State) MergeMembership(members []Member) int {
	changed := 0
	for i, m := range members {
		existing, ok := s.Node(uint32(i))
		if ok && existing.Addr == m.Addr {
			continue
		}

		if m.Flags&FlagDeleted != 0 {
			if ok {
				existing.Flags |= FlagDeleted
				existing.Addr = netip.IPv4Unspecified()
			} else {
				// keep positions aligned with the list
				s.AddNode(uint32(len(s.Nodes)), m.Addr, FlagDeleted, CapDefault)
			}
			changed++
			continue
		}

		if ok && existing.Deleted() {
			existing.Flags &^= FlagDeleted
			existing.Addr = m.Addr
			changed++
			continue
		}

		s.Nodes = append(s.Nodes, &Node{
			PNN:          uint32(len(s.Nodes)),
			Addr:         m.Addr,
			Capabilities: CapDefault,
		})
		changed++
	}
	return changed
}

// Snapshot returns a deep copy of the state for readers outside the owning
// goroutine.
func (s *State) Snapshot() Snapshot {
	snap := Snapshot{
		StartTime:     s.StartTime,
		RecoveryStart: s.RecoveryStart,
		RecoveryEnd:   s.RecoveryEnd,
		RecoveryMode:  s.VNNMap.RecMode.String(),
		VNNMap:        slices.Clone(s.VNNMap.Map),
		SelfPNN:       s.SelfPNN,
		RecMaster:     s.RecMaster,
		Generation:    s.VNNMap.Generation,
		NumClients:    s.NumClients,
		Nodes:         make([]NodeView, 0, len(s.Nodes)),
		Interfaces:    make([]InterfaceView, 0, len(s.Interfaces)),
		Listeners:     make([]ListenerView, 0, len(s.Listeners)),
	}
	for _, n := range s.Nodes {
		snap.Nodes = append(snap.Nodes, NodeView{
			PNN:              n.PNN,
			Addr:             n.Addr.String(),
			Flags:            n.Flags,
			Capabilities:     n.Capabilities,
			RecoveryDisabled: n.RecoveryDisabled,
			PendingReenable:  n.Reactivation != nil,
		})
	}
	for _, iface := range s.Interfaces {
		snap.Interfaces = append(snap.Interfaces, InterfaceView(iface))
	}
	for _, l := range s.Listeners {
		snap.Listeners = append(snap.Listeners, ListenerView(l))
	}
	return snap
}
