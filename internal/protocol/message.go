package protocol

import (
	"github.com/cockroachdb/errors"
)

// Well known listener keys (srvids). Only DISABLE_RECOVERIES is acted on;
// the takeover keys are ones clients commonly message and are ignored.
const (
	SrvIDTakeoverRun         uint64 = 0xFB00000000000000
	SrvIDDisableTakeoverRuns uint64 = 0xFB03000000000000
	SrvIDDisableRecoveries   uint64 = 0xFB04000000000000
)

// Message is the body of a REQ_MESSAGE packet.
type Message struct {
	SrvID uint64
	Data  []byte
}

// PushMessage encodes a complete REQ_MESSAGE packet.
func PushMessage(h Header, m Message) []byte {
	var e encoder
	e.u64(m.SrvID)
	e.u32(uint32(len(m.Data)))
	e.raw(m.Data)
	h.Operation = OpReqMessage
	return finish(h, e.buf)
}

// PullMessage decodes a REQ_MESSAGE packet.
func PullMessage(pkt []byte) (Header, Message, error) {
	h, err := PullHeader(pkt)
	if err != nil {
		return h, Message{}, err
	}
	if h.Operation != OpReqMessage {
		return h, Message{}, errors.Wrapf(ErrBadOperation, "want %s, got %s", OpReqMessage, h.Operation)
	}
	d := newDecoder(pkt[HeaderSize:])
	var m Message
	m.SrvID = d.u64()
	m.Data = d.bytes(int(d.u32()))
	if d.err != nil {
		return h, Message{}, errors.Wrap(d.err, "message")
	}
	return h, m, nil
}

// DisableMessage is the payload sent to SrvIDDisableRecoveries. SrvID is
// where the result should be delivered; Timeout is in seconds, zero
// re-enables.
type DisableMessage struct {
	PNN     uint32
	SrvID   uint64
	Timeout uint32
}

// Marshal encodes the payload.
func (m DisableMessage) Marshal() []byte {
	var e encoder
	e.u32(m.PNN)
	e.u32(0)
	e.u64(m.SrvID)
	e.u32(m.Timeout)
	e.u32(0)
	return e.buf
}

// UnmarshalDisableMessage decodes a DISABLE_RECOVERIES payload.
func UnmarshalDisableMessage(b []byte) (DisableMessage, error) {
	d := newDecoder(b)
	var m DisableMessage
	m.PNN = d.u32()
	_ = d.u32()
	m.SrvID = d.u64()
	m.Timeout = d.u32()
	_ = d.u32()
	if d.err != nil {
		return DisableMessage{}, errors.Wrap(d.err, "disable message")
	}
	return m, nil
}

// ResultData encodes the int32 result carried by a message reply.
func ResultData(result int32) []byte {
	var e encoder
	e.i32(result)
	return e.buf
}

// UnmarshalResult decodes a message reply result.
func UnmarshalResult(b []byte) (int32, error) {
	d := newDecoder(b)
	v := d.i32()
	return v, errors.Wrap(d.err, "message result")
}
