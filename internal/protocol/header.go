package protocol

import (
	"encoding/binary"
	"fmt"

	"github.com/cockroachdb/errors"
)

const (
	// Magic is "CTDB" read as a little endian u32.
	Magic uint32 = 0x43544442
	// Version is the only protocol version spoken.
	Version uint32 = 1
	// HeaderSize is the encoded size of Header.
	HeaderSize = 32
)

// Node number sentinels accepted in header source/destination fields.
const (
	CurrentNode        uint32 = 0xF0000001
	BroadcastAll       uint32 = 0xF0000002
	BroadcastVNNMap    uint32 = 0xF0000003
	BroadcastConnected uint32 = 0xF0000004
	UnknownPNN         uint32 = 0xFFFFFFFF
)

// Operation identifies the kind of packet that follows the header.
type Operation uint32

const (
	OpReqCall      Operation = 0
	OpReplyCall    Operation = 1
	OpReqDMaster   Operation = 2
	OpReplyDMaster Operation = 3
	OpReplyError   Operation = 4
	OpReqMessage   Operation = 5
	OpReqControl   Operation = 7
	OpReplyControl Operation = 8
	OpReqKeepalive Operation = 9
)

func (o Operation) String() string {
	switch o {
	case OpReqCall:
		return "REQ_CALL"
	case OpReplyCall:
		return "REPLY_CALL"
	case OpReqDMaster:
		return "REQ_DMASTER"
	case OpReplyDMaster:
		return "REPLY_DMASTER"
	case OpReplyError:
		return "REPLY_ERROR"
	case OpReqMessage:
		return "REQ_MESSAGE"
	case OpReqControl:
		return "REQ_CONTROL"
	case OpReplyControl:
		return "REPLY_CONTROL"
	case OpReqKeepalive:
		return "REQ_KEEPALIVE"
	}
	return fmt.Sprintf("OPERATION(%d)", uint32(o))
}

var (
	// ErrShortBuffer is returned when a packet ends before a field it declares.
	ErrShortBuffer = errors.New("protocol: short buffer")
	// ErrBadMagic is returned by Verify for a header without the CTDB magic.
	ErrBadMagic = errors.New("protocol: bad magic")
	// ErrBadVersion is returned by Verify for an unsupported protocol version.
	ErrBadVersion = errors.New("protocol: bad version")
	// ErrBadOperation is returned when a packet carries an unexpected operation.
	ErrBadOperation = errors.New("protocol: unexpected operation")
)

// Header is the fixed prefix of every packet.
type Header struct {
	Length     uint32
	Magic      uint32
	Version    uint32
	Generation uint32
	Operation  Operation
	DestNode   uint32
	SrcNode    uint32
	ReqID      uint32
}

// NewHeader returns a header with magic and version filled in.
func NewHeader(op Operation, dest, src, reqid, generation uint32) Header {
	return Header{
		Magic:      Magic,
		Version:    Version,
		Generation: generation,
		Operation:  op,
		DestNode:   dest,
		SrcNode:    src,
		ReqID:      reqid,
	}
}

// PullHeader decodes the header at the start of pkt.
func PullHeader(pkt []byte) (Header, error) {
	if len(pkt) < HeaderSize {
		return Header{}, errors.Wrapf(ErrShortBuffer, "header needs %d bytes, have %d", HeaderSize, len(pkt))
	}
	le := binary.LittleEndian
	return Header{
		Length:     le.Uint32(pkt[0:]),
		Magic:      le.Uint32(pkt[4:]),
		Version:    le.Uint32(pkt[8:]),
		Generation: le.Uint32(pkt[12:]),
		Operation:  Operation(le.Uint32(pkt[16:])),
		DestNode:   le.Uint32(pkt[20:]),
		SrcNode:    le.Uint32(pkt[24:]),
		ReqID:      le.Uint32(pkt[28:]),
	}, nil
}

// Put writes h into the first HeaderSize bytes of pkt. It panics if pkt is
// shorter than that, like binary.ByteOrder does.
func (h Header) Put(pkt []byte) {
	le := binary.LittleEndian
	le.PutUint32(pkt[0:], h.Length)
	le.PutUint32(pkt[4:], h.Magic)
	le.PutUint32(pkt[8:], h.Version)
	le.PutUint32(pkt[12:], h.Generation)
	le.PutUint32(pkt[16:], uint32(h.Operation))
	le.PutUint32(pkt[20:], h.DestNode)
	le.PutUint32(pkt[24:], h.SrcNode)
	le.PutUint32(pkt[28:], h.ReqID)
}

// Verify checks magic and version, and the operation when op is non-zero.
func (h Header) Verify(op Operation) error {
	if h.Magic != Magic {
		return errors.Wrapf(ErrBadMagic, "got 0x%08x", h.Magic)
	}
	if h.Version != Version {
		return errors.Wrapf(ErrBadVersion, "got %d", h.Version)
	}
	if op != 0 && h.Operation != op {
		return errors.Wrapf(ErrBadOperation, "want %s, got %s", op, h.Operation)
	}
	return nil
}
