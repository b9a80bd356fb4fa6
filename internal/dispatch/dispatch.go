// Package dispatch answers control and message requests addressed to one
// node of the emulated cluster. Callers resolve node sentinels and fan out
// broadcasts first; a Dispatcher only ever sees a concrete destination.
package dispatch

import (
	"fmt"
	"os"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/dreamware/fakectdb/internal/cluster"
	"github.com/dreamware/fakectdb/internal/protocol"
	"github.com/dreamware/fakectdb/internal/recovery"
)

// Reply error messages seen by clients.
const (
	msgRecModeNormal  = "Client cannot set recmode to NORMAL"
	msgNotRegistered  = "srvid not registered"
	msgNotImplemented = "Not implemented"
	msgNodesFile      = "Failed to read nodes file"
	msgReload         = "Memory error"
	msgNoSuchNode     = "No such node"
)

// NodesSource reads the membership list a node would load from its nodes
// file.
type NodesSource interface {
	ReadNodes(pnn uint32) ([]cluster.Member, error)
}

// Response is what a session should do after a request. A nil Packet means
// nothing is sent back.
type Response struct {
	Packet   []byte
	Shutdown bool
}

// Dispatcher routes decoded requests to their handlers. It must only be used
// on the goroutine that owns the cluster state.
type Dispatcher struct {
	state    *cluster.State
	recovery *recovery.Coordinator
	disable  *recovery.DisableTimer
	nodes    NodesSource
	log      logrus.FieldLogger

	// PID is reported by GET_PID.
	PID int
	// ProcessExists probes a pid for PROCESS_EXISTS.
	ProcessExists func(pid int) error
	// DisableUnit scales the timeout carried by disable-recoveries messages.
	DisableUnit time.Duration
}

// New creates a Dispatcher for the daemon's own process.
func New(state *cluster.State, coord *recovery.Coordinator, disable *recovery.DisableTimer, nodes NodesSource, log logrus.FieldLogger) *Dispatcher {
	return &Dispatcher{
		state:    state,
		recovery: coord,
		disable:  disable,
		nodes:    nodes,
		log:      log,
		PID:      os.Getpid(),
		ProcessExists: func(pid int) error {
			return unix.Kill(pid, 0)
		},
		DisableUnit: time.Second,
	}
}

// RecoveryInFlight reports whether a recovery started by SET_RECMODE has not
// yet finished.
func (d *Dispatcher) RecoveryInFlight() bool {
	return d.recovery.InFlight()
}

// call carries one control request through its handler.
type call struct {
	session  string
	header   protocol.Header
	req      protocol.ControlRequest
	reply    protocol.ControlReply
	silent   bool
	shutdown bool
}

func (c *call) fail(msg string) {
	c.reply.Status = -1
	c.reply.ErrMsg = msg
}

type controlFunc func(d *Dispatcher, c *call) error

var controls = map[protocol.Opcode]controlFunc{
	protocol.ControlProcessExists:   (*Dispatcher).processExists,
	protocol.ControlPing:            (*Dispatcher).ping,
	protocol.ControlGetVNNMap:       (*Dispatcher).getVNNMap,
	protocol.ControlGetRecMode:      (*Dispatcher).getRecMode,
	protocol.ControlSetRecMode:      (*Dispatcher).setRecMode,
	protocol.ControlRegisterSrvID:   (*Dispatcher).registerSrvID,
	protocol.ControlDeregisterSrvID: (*Dispatcher).deregisterSrvID,
	protocol.ControlGetPID:          (*Dispatcher).getPID,
	protocol.ControlGetRecMaster:    (*Dispatcher).getRecMaster,
	protocol.ControlGetPNN:          (*Dispatcher).getPNN,
	protocol.ControlShutdown:        (*Dispatcher).shutdown,
	protocol.ControlUptime:          (*Dispatcher).uptime,
	protocol.ControlReloadNodesFile: (*Dispatcher).reloadNodesFile,
	protocol.ControlGetCapabilities: (*Dispatcher).getCapabilities,
	protocol.ControlGetNodeMap:      (*Dispatcher).getNodeMap,
	protocol.ControlGetIfaces:       (*Dispatcher).getIfaces,
	protocol.ControlGetNodesFile:    (*Dispatcher).getNodesFile,
}

// Control handles a control request for h.DestNode on behalf of session.
// An error means the request data could not be decoded; the session should
// end.
func (d *Dispatcher) Control(session string, h protocol.Header, req protocol.ControlRequest) (Response, error) {
	log := d.log.WithFields(logrus.Fields{
		"session": session,
		"opcode":  req.Opcode,
		"pnn":     h.DestNode,
	})

	handler, ok := controls[req.Opcode]
	if !ok {
		if req.NoReply() {
			log.Debug("unsupported control dropped")
			return Response{}, nil
		}
		log.Debug("unsupported control")
		c := &call{session: session, header: h, req: req}
		c.fail(msgNotImplemented)
		return Response{Packet: d.controlReply(c)}, nil
	}

	c := &call{session: session, header: h, req: req}
	if err := handler(d, c); err != nil {
		return Response{}, errors.Wrapf(err, "control %s", req.Opcode)
	}
	log.WithField("status", c.reply.Status).Debug("control handled")

	resp := Response{Shutdown: c.shutdown}
	if !c.silent {
		resp.Packet = d.controlReply(c)
	}
	return resp, nil
}

func (d *Dispatcher) controlReply(c *call) []byte {
	h := protocol.NewHeader(protocol.OpReplyControl, c.header.SrcNode, c.header.DestNode,
		c.header.ReqID, d.state.VNNMap.Generation)
	return protocol.PushControlReply(h, c.reply)
}

// Message handles a message addressed to h.DestNode. Unknown srvids are
// accepted and ignored.
func (d *Dispatcher) Message(h protocol.Header, msg protocol.Message) (Response, error) {
	switch msg.SrvID {
	case protocol.SrvIDDisableRecoveries:
		return d.disableRecoveries(h, msg.Data)
	}
	d.log.WithFields(logrus.Fields{
		"srvid": fmt.Sprintf("0x%x", msg.SrvID),
		"pnn":   h.DestNode,
	}).Debug("message ignored")
	return Response{}, nil
}

func (d *Dispatcher) disableRecoveries(h protocol.Header, data []byte) (Response, error) {
	dm, err := protocol.UnmarshalDisableMessage(data)
	if err != nil {
		return Response{}, errors.Wrap(err, "disable recoveries message")
	}

	result := int32(h.DestNode)
	timeout := time.Duration(dm.Timeout) * d.DisableUnit
	if err := d.disable.Disable(h.DestNode, timeout); err != nil {
		d.log.WithError(err).WithField("pnn", h.DestNode).Warn("disable recoveries failed")
		result = -1
	}

	rh := protocol.NewHeader(protocol.OpReqMessage, h.SrcNode, h.DestNode, 0, d.state.VNNMap.Generation)
	return Response{Packet: protocol.PushMessage(rh, protocol.Message{
		SrvID: dm.SrvID,
		Data:  protocol.ResultData(result),
	})}, nil
}
