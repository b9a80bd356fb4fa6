// Package cluster holds the emulated cluster as seen by one fakectdbd node:
// the node table, public interfaces, the vnn map with its generation and
// recovery mode, srvid registrations and the daemon's counters.
//
// # Overview
//
// fakectdbd answers for a single node (the "current" node) but reports on a
// whole cluster whose shape comes from bootstrap input. The State type is
// that cluster. It has no behaviour beyond mutation helpers that keep its
// invariants:
//
//   - Node numbers (PNNs) are the table positions 0..N-1.
//   - The generation never equals InvalidGeneration after Init, and every
//     redraw differs from the previous value.
//   - The recovery mode only returns to NORMAL through a completed recovery
//     (package recovery); nothing here is exposed to clients that would set
//     it directly.
//   - NumClients never goes below zero.
//
// # Ownership
//
//	┌────────────────┐   posts callbacks   ┌──────────────────┐
//	│ session / timer│ ──────────────────▶ │ reactor goroutine│
//	│  goroutines    │                     │  owns *State     │
//	└────────────────┘                     └────────┬─────────┘
//	                                                │ Snapshot()
//	                                                ▼
//	                                       ┌──────────────────┐
//	                                       │ admin HTTP, tests│
//	                                       └──────────────────┘
//
// State is deliberately not locked. Exactly one goroutine, the reactor,
// touches it; everyone else asks the reactor for a Snapshot, which is a deep
// copy with JSON tags.
//
// # Node Flags
//
// Flags use CTDB's wire values. FlagFakeTimeout is specific to the fake
// daemon: a node carrying it never answers GET_CAPABILITIES, which lets
// client tests exercise their timeout handling.
//
// # Membership Reload
//
// MergeMembership applies a re-read nodes file by position: unchanged
// entries are skipped, entries newly commented out become deleted nodes with
// a zero address, previously deleted nodes that reappear get their address
// back, and new trailing entries are appended with default flags and
// capabilities.
package cluster
