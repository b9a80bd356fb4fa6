package cluster

import (
	"net/netip"
	"time"
)

// DefaultPort is the CTDB port attached to every node address.
const DefaultPort uint16 = 4379

// InvalidGeneration is never a valid vnn map generation once the state has
// been initialised.
const InvalidGeneration uint32 = 1

// Node flag bits, as carried on the wire in node maps.
const (
	FlagDisconnected        uint32 = 0x00000001
	FlagUnhealthy           uint32 = 0x00000002
	FlagPermanentlyDisabled uint32 = 0x00000004
	FlagBanned              uint32 = 0x00000008
	FlagDeleted             uint32 = 0x00000010
	FlagStopped             uint32 = 0x00000020
	// FlagFakeTimeout makes the node never answer GET_CAPABILITIES. It only
	// exists in the fake daemon.
	FlagFakeTimeout uint32 = 0x80000000
)

// Capability bits.
const (
	CapRecMaster uint32 = 0x00000001
	CapLMaster   uint32 = 0x00000002
	CapDefault          = CapRecMaster | CapLMaster
)

// RecoveryMode is the cluster wide recovery flag.
type RecoveryMode uint32

const (
	RecoveryNormal RecoveryMode = 0
	RecoveryActive RecoveryMode = 1
)

func (m RecoveryMode) String() string {
	switch m {
	case RecoveryNormal:
		return "NORMAL"
	case RecoveryActive:
		return "ACTIVE"
	}
	return "UNKNOWN"
}

// Stopper is a pending timer that can be cancelled.
type Stopper interface {
	Stop() bool
}

// Node is one member of the emulated cluster. PNN equals the node's
// position in the table.
type Node struct {
	Addr             netip.Addr
	Reactivation     Stopper // pending recovery re-enable, nil when none
	PNN              uint32
	Flags            uint32
	Capabilities     uint32
	RecoveryDisabled bool
}

// Disconnected reports whether the node is flagged disconnected.
func (n *Node) Disconnected() bool { return n.Flags&FlagDisconnected != 0 }

// Deleted reports whether the node is flagged deleted.
func (n *Node) Deleted() bool { return n.Flags&FlagDeleted != 0 }

// Interface is one public network interface of the node.
type Interface struct {
	Name       string
	LinkUp     bool
	References uint32
}

// VNNMap holds the generation, recovery mode and lmaster assignment.
type VNNMap struct {
	Map        []uint32
	Generation uint32
	RecMode    RecoveryMode
}

// Listener is a srvid registration made by a client session. The same key
// may be registered any number of times.
type Listener struct {
	SessionID string
	SrvID     uint64
}

// Member is one entry of an externally supplied membership list, as read
// from a nodes file.
type Member struct {
	Addr  netip.Addr
	PNN   uint32
	Flags uint32
}

// NodeView is the JSON form of a node used by snapshots.
type NodeView struct {
	Addr             string `json:"addr"`
	PNN              uint32 `json:"pnn"`
	Flags            uint32 `json:"flags"`
	Capabilities     uint32 `json:"capabilities"`
	RecoveryDisabled bool   `json:"recovery_disabled"`
	PendingReenable  bool   `json:"pending_reenable"`
}

// InterfaceView is the JSON form of an interface.
type InterfaceView struct {
	Name       string `json:"name"`
	LinkUp     bool   `json:"link_up"`
	References uint32 `json:"references"`
}

// ListenerView is the JSON form of a listener registration.
type ListenerView struct {
	SessionID string `json:"session_id"`
	SrvID     uint64 `json:"srvid"`
}

// Snapshot is a deep copy of the state safe to hand to other goroutines.
type Snapshot struct {
	StartTime     time.Time       `json:"start_time"`
	RecoveryStart time.Time       `json:"recovery_start"`
	RecoveryEnd   time.Time       `json:"recovery_end"`
	RecoveryMode  string          `json:"recovery_mode"`
	Nodes         []NodeView      `json:"nodes"`
	Interfaces    []InterfaceView `json:"interfaces"`
	Listeners     []ListenerView  `json:"listeners"`
	VNNMap        []uint32        `json:"vnn_map"`
	SelfPNN       uint32          `json:"self_pnn"`
	RecMaster     uint32          `json:"recmaster"`
	Generation    uint32          `json:"generation"`
	NumClients    int             `json:"num_clients"`
}
