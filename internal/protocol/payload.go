package protocol

import (
	"net/netip"
	"time"

	"github.com/cockroachdb/errors"
)

// IfaceNameSize is the fixed width of an interface name on the wire.
const IfaceNameSize = 18

// VNNMap is the GETVNNMAP reply payload.
type VNNMap struct {
	Generation uint32
	Map        []uint32
}

func (v VNNMap) Marshal() []byte {
	var e encoder
	e.u32(v.Generation)
	e.u32(uint32(len(v.Map)))
	for _, pnn := range v.Map {
		e.u32(pnn)
	}
	return e.buf
}

func UnmarshalVNNMap(b []byte) (VNNMap, error) {
	d := newDecoder(b)
	var v VNNMap
	v.Generation = d.u32()
	n := d.u32()
	for i := uint32(0); i < n && d.err == nil; i++ {
		v.Map = append(v.Map, d.u32())
	}
	if d.err != nil {
		return VNNMap{}, errors.Wrap(d.err, "vnnmap")
	}
	return v, nil
}

// Uptime is the UPTIME reply payload. Times travel as seconds and
// microseconds.
type Uptime struct {
	CurrentTime          time.Time
	StartTime            time.Time
	LastRecoveryStarted  time.Time
	LastRecoveryFinished time.Time
}

func putTimeval(e *encoder, t time.Time) {
	e.i64(t.Unix())
	e.i64(int64(t.Nanosecond() / 1000))
}

func pullTimeval(d *decoder) time.Time {
	sec := d.i64()
	usec := d.i64()
	return time.Unix(sec, usec*1000)
}

func (u Uptime) Marshal() []byte {
	var e encoder
	putTimeval(&e, u.CurrentTime)
	putTimeval(&e, u.StartTime)
	putTimeval(&e, u.LastRecoveryStarted)
	putTimeval(&e, u.LastRecoveryFinished)
	return e.buf
}

func UnmarshalUptime(b []byte) (Uptime, error) {
	d := newDecoder(b)
	u := Uptime{
		CurrentTime:          pullTimeval(d),
		StartTime:            pullTimeval(d),
		LastRecoveryStarted:  pullTimeval(d),
		LastRecoveryFinished: pullTimeval(d),
	}
	if d.err != nil {
		return Uptime{}, errors.Wrap(d.err, "uptime")
	}
	return u, nil
}

// CapabilitiesData encodes the GET_CAPABILITIES reply payload.
func CapabilitiesData(caps uint32) []byte {
	var e encoder
	e.u32(caps)
	return e.buf
}

// UnmarshalCapabilities decodes the GET_CAPABILITIES reply payload.
func UnmarshalCapabilities(b []byte) (uint32, error) {
	d := newDecoder(b)
	caps := d.u32()
	return caps, errors.Wrap(d.err, "capabilities")
}

// NodeEntry is one row of a node map on the wire.
type NodeEntry struct {
	PNN   uint32
	Flags uint32
	Addr  netip.Addr
	Port  uint16
}

// NodeMap is the GET_NODEMAP and GET_NODES_FILE reply payload.
type NodeMap []NodeEntry

func (m NodeMap) Marshal() []byte {
	var e encoder
	e.u32(uint32(len(m)))
	e.u32(0)
	for _, n := range m {
		e.u32(n.PNN)
		e.u32(n.Flags)
		addr := n.Addr
		if !addr.IsValid() {
			addr = netip.IPv4Unspecified()
		}
		a16 := addr.As16()
		e.raw(a16[:])
		e.u16(n.Port)
		e.u16(0)
	}
	return e.buf
}

func UnmarshalNodeMap(b []byte) (NodeMap, error) {
	d := newDecoder(b)
	n := d.u32()
	_ = d.u32()
	m := make(NodeMap, 0, min(n, uint32(len(b)/28)))
	for i := uint32(0); i < n && d.err == nil; i++ {
		var entry NodeEntry
		entry.PNN = d.u32()
		entry.Flags = d.u32()
		raw := d.take(16)
		entry.Port = d.u16()
		_ = d.u16()
		if raw != nil {
			var a16 [16]byte
			copy(a16[:], raw)
			entry.Addr = netip.AddrFrom16(a16).Unmap()
		}
		m = append(m, entry)
	}
	if d.err != nil {
		return nil, errors.Wrap(d.err, "nodemap")
	}
	return m, nil
}

// Iface is one row of an interface list on the wire.
type Iface struct {
	Name       string
	LinkState  uint16
	References uint32
}

// IfaceList is the GET_IFACES reply payload.
type IfaceList []Iface

func (l IfaceList) Marshal() []byte {
	var e encoder
	e.u32(uint32(len(l)))
	for _, iface := range l {
		e.fixed(iface.Name, IfaceNameSize)
		e.u16(iface.LinkState)
		e.u32(iface.References)
	}
	return e.buf
}

func UnmarshalIfaceList(b []byte) (IfaceList, error) {
	d := newDecoder(b)
	n := d.u32()
	l := make(IfaceList, 0, min(n, uint32(len(b)/24)))
	for i := uint32(0); i < n && d.err == nil; i++ {
		l = append(l, Iface{
			Name:       d.fixed(IfaceNameSize),
			LinkState:  d.u16(),
			References: d.u32(),
		})
	}
	if d.err != nil {
		return nil, errors.Wrap(d.err, "iface list")
	}
	return l, nil
}
