// Package election coordinates the network-wide patch state. Its main
// strategy elects a leader with a Raft-style vote and has the leader
// gather every node's local state over heartbeats; a simpler leaderless
// ping strategy is available for networks that can tolerate redundant
// broadcasts.
package election

import "patchbay/pkg/patch"

// Coordinator defines the interface for a control-plane strategy. The
// owning module feeds it at most one inbound directive per tick and
// broadcasts whatever directive it hands back. Implementations never
// block and keep no goroutines.
type Coordinator interface {
	// Poll consumes one inbound directive (nil when none arrived) and
	// advances timers for the given tick. A non-nil result must be
	// broadcast by the caller.
	Poll(msg patch.Directive, now int64) patch.Directive
	// Reset returns the strategy to its initial role with fresh timers,
	// used when the transport reports the node cut off.
	Reset(now int64)
	// SetLocalState replaces the state this node reports to the
	// network.
	SetLocalState(st patch.LocalState)
}
