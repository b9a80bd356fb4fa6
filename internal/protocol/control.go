package protocol

import (
	"fmt"

	"github.com/cockroachdb/errors"
)

// Opcode selects the control operation carried by a REQ_CONTROL packet.
// Values follow CTDB's control numbering.
type Opcode uint32

const (
	ControlProcessExists   Opcode = 0
	ControlStatistics      Opcode = 1
	ControlPing            Opcode = 3
	ControlGetDBPath       Opcode = 4
	ControlGetVNNMap       Opcode = 5
	ControlSetVNNMap       Opcode = 6
	ControlGetDebug        Opcode = 7
	ControlSetDebug        Opcode = 8
	ControlGetDBMap        Opcode = 9
	ControlGetRecMode      Opcode = 15
	ControlSetRecMode      Opcode = 16
	ControlRegisterSrvID   Opcode = 23
	ControlDeregisterSrvID Opcode = 24
	ControlGetPID          Opcode = 30
	ControlGetRecMaster    Opcode = 31
	ControlSetRecMaster    Opcode = 32
	ControlGetPNN          Opcode = 35
	ControlShutdown        Opcode = 36
	ControlUptime          Opcode = 65
	ControlReloadNodesFile Opcode = 72
	ControlGetCapabilities Opcode = 80
	ControlGetNodeMap      Opcode = 91
	ControlGetIfaces       Opcode = 124
	ControlGetNodesFile    Opcode = 141
)

var opcodeNames = map[Opcode]string{
	ControlProcessExists:   "PROCESS_EXISTS",
	ControlStatistics:      "STATISTICS",
	ControlPing:            "PING",
	ControlGetDBPath:       "GETDBPATH",
	ControlGetVNNMap:       "GETVNNMAP",
	ControlSetVNNMap:       "SETVNNMAP",
	ControlGetDebug:        "GET_DEBUG",
	ControlSetDebug:        "SET_DEBUG",
	ControlGetDBMap:        "GET_DBMAP",
	ControlGetRecMode:      "GET_RECMODE",
	ControlSetRecMode:      "SET_RECMODE",
	ControlRegisterSrvID:   "REGISTER_SRVID",
	ControlDeregisterSrvID: "DEREGISTER_SRVID",
	ControlGetPID:          "GET_PID",
	ControlGetRecMaster:    "GET_RECMASTER",
	ControlSetRecMaster:    "SET_RECMASTER",
	ControlGetPNN:          "GET_PNN",
	ControlShutdown:        "SHUTDOWN",
	ControlUptime:          "UPTIME",
	ControlReloadNodesFile: "RELOAD_NODES_FILE",
	ControlGetCapabilities: "GET_CAPABILITIES",
	ControlGetNodeMap:      "GET_NODEMAP",
	ControlGetIfaces:       "GET_IFACES",
	ControlGetNodesFile:    "GET_NODES_FILE",
}

func (o Opcode) String() string {
	if name, ok := opcodeNames[o]; ok {
		return name
	}
	return fmt.Sprintf("CONTROL(%d)", uint32(o))
}

// FlagNoReply on a control request tells the daemon the sender does not
// wait for a reply.
const FlagNoReply uint32 = 0x00000001

// ControlRequest is the body of a REQ_CONTROL packet. Data holds the
// opcode specific payload still encoded.
type ControlRequest struct {
	Opcode   Opcode
	SrvID    uint64
	ClientID uint32
	Flags    uint32
	Data     []byte
}

// NoReply reports whether the request carries FlagNoReply.
func (r ControlRequest) NoReply() bool { return r.Flags&FlagNoReply != 0 }

// PID decodes the payload of a PROCESS_EXISTS request.
func (r ControlRequest) PID() (int32, error) {
	d := newDecoder(r.Data)
	pid := d.i32()
	return pid, errors.Wrap(d.err, "process exists payload")
}

// RecMode decodes the payload of a SET_RECMODE request.
func (r ControlRequest) RecMode() (uint32, error) {
	d := newDecoder(r.Data)
	mode := d.u32()
	return mode, errors.Wrap(d.err, "recmode payload")
}

// PIDData encodes a PROCESS_EXISTS payload.
func PIDData(pid int32) []byte {
	var e encoder
	e.i32(pid)
	return e.buf
}

// RecModeData encodes a SET_RECMODE payload.
func RecModeData(mode uint32) []byte {
	var e encoder
	e.u32(mode)
	return e.buf
}

// PushControlRequest encodes a complete REQ_CONTROL packet. The header's
// operation and length are overwritten.
func PushControlRequest(h Header, r ControlRequest) []byte {
	var e encoder
	e.u32(uint32(r.Opcode))
	e.u32(0)
	e.u64(r.SrvID)
	e.u32(r.ClientID)
	e.u32(r.Flags)
	e.u32(uint32(len(r.Data)))
	e.raw(r.Data)
	h.Operation = OpReqControl
	return finish(h, e.buf)
}

// PullControlRequest decodes a REQ_CONTROL packet.
func PullControlRequest(pkt []byte) (Header, ControlRequest, error) {
	h, err := PullHeader(pkt)
	if err != nil {
		return h, ControlRequest{}, err
	}
	if h.Operation != OpReqControl {
		return h, ControlRequest{}, errors.Wrapf(ErrBadOperation, "want %s, got %s", OpReqControl, h.Operation)
	}
	d := newDecoder(pkt[HeaderSize:])
	var r ControlRequest
	r.Opcode = Opcode(d.u32())
	_ = d.u32()
	r.SrvID = d.u64()
	r.ClientID = d.u32()
	r.Flags = d.u32()
	r.Data = d.bytes(int(d.u32()))
	if d.err != nil {
		return h, ControlRequest{}, errors.Wrap(d.err, "control request")
	}
	return h, r, nil
}

// ControlReply is the body of a REPLY_CONTROL packet.
type ControlReply struct {
	Status int32
	Data   []byte
	ErrMsg string
}

// PushControlReply encodes a complete REPLY_CONTROL packet.
func PushControlReply(h Header, r ControlReply) []byte {
	var e encoder
	e.i32(r.Status)
	e.u32(uint32(len(r.Data)))
	e.u32(uint32(len(r.ErrMsg)))
	e.raw(r.Data)
	e.raw([]byte(r.ErrMsg))
	h.Operation = OpReplyControl
	return finish(h, e.buf)
}

// PullControlReply decodes a REPLY_CONTROL packet.
func PullControlReply(pkt []byte) (Header, ControlReply, error) {
	h, err := PullHeader(pkt)
	if err != nil {
		return h, ControlReply{}, err
	}
	if h.Operation != OpReplyControl {
		return h, ControlReply{}, errors.Wrapf(ErrBadOperation, "want %s, got %s", OpReplyControl, h.Operation)
	}
	d := newDecoder(pkt[HeaderSize:])
	var r ControlReply
	r.Status = d.i32()
	datalen := int(d.u32())
	errlen := int(d.u32())
	r.Data = d.bytes(datalen)
	r.ErrMsg = string(d.take(errlen))
	if d.err != nil {
		return h, ControlReply{}, errors.Wrap(d.err, "control reply")
	}
	return h, r, nil
}
