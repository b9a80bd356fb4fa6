// Package protocol implements the CTDB client wire format spoken by fakectdbd:
// the fixed request header, control requests and replies, messages, the typed
// payloads carried by the controls the daemon answers, and how packets are
// delimited on the unix domain socket.
//
// # Packet Layout
//
// Every packet starts with a 32 byte header. All integers are little endian.
//
//	┌────────┬───────┬─────────┬────────────┬───────────┬──────────┬─────────┬───────┐
//	│ length │ magic │ version │ generation │ operation │ destnode │ srcnode │ reqid │
//	└────────┴───────┴─────────┴────────────┴───────────┴──────────┴─────────┴───────┘
//
// The body that follows depends on the operation:
//
//	REQ_CONTROL:   opcode, pad, srvid(u64), client_id, flags, datalen, data
//	REPLY_CONTROL: status(i32), datalen, errorlen, data, errmsg
//	REQ_MESSAGE:   srvid(u64), datalen, data
//
// # Framing
//
// Packets are written back to back with nothing in between. The reader takes
// the first u32 of a packet, its length field, as the number of bytes to read
// in total. Magic and version are only checked once the whole packet is in,
// so a packet with a bad header is dropped and the next one still lines up.
//
// # Node Sentinels
//
// Destination and source node fields accept the sentinels CurrentNode,
// BroadcastAll, BroadcastVNNMap and BroadcastConnected in addition to concrete
// node numbers. Resolving them is the receiver's job; this package only names
// them.
package protocol
