package patch

import "fmt"

// MaxNodeIDLen bounds the encoded length of a NodeID.
const MaxNodeIDLen = 48

// GlobalID is the reserved sender identity for operator-issued directives
// that address every node at once.
const GlobalID NodeID = "GLOBAL"

// NodeID identifies a node on the control plane. IDs are opaque strings,
// usually UUIDs, and never empty on the wire.
type NodeID string

// Validate reports whether the ID is usable as a directive sender.
func (id NodeID) Validate() error {
	if id == "" {
		return fmt.Errorf("empty node id: %w", ErrParse)
	}
	if len(id) > MaxNodeIDLen {
		return fmt.Errorf("node id exceeds %d bytes: %w", MaxNodeIDLen, ErrParse)
	}
	return nil
}

// JackID numbers a jack within its owning node. Input and output jacks
// are numbered independently, starting at zero.
type JackID uint32

// PatchState is the network-wide connection phase agreed on by the leader.
type PatchState uint8

const (
	// PatchIdle means no node is holding a jack.
	PatchIdle PatchState = iota
	// PatchEnabled means exactly one jack is held network-wide, on one
	// side only. The patch is armed but incomplete.
	PatchEnabled
	// PatchToggled means exactly one input and exactly one output are
	// held network-wide. This is the only state that carries a
	// connection instruction for the input's owner.
	PatchToggled
	// PatchBlocked means some side holds more than one jack, so no
	// unambiguous patch exists.
	PatchBlocked
)

func (s PatchState) String() string {
	switch s {
	case PatchIdle:
		return "idle"
	case PatchEnabled:
		return "enabled"
	case PatchToggled:
		return "toggled"
	case PatchBlocked:
		return "blocked"
	default:
		return fmt.Sprintf("patchstate(%d)", uint8(s))
	}
}

// HeldInputJack identifies one held input jack on one node.
type HeldInputJack struct {
	Node NodeID `codec:"node"`
	Jack JackID `codec:"jack"`
}

// HeldOutputJack identifies one held output jack on one node, together
// with the owner's display hue and the multicast group its audio stream
// is published to. An input that patches to this output adopts both.
type HeldOutputJack struct {
	Node  NodeID  `codec:"node"`
	Jack  JackID  `codec:"jack"`
	Color uint16  `codec:"color"`
	Group [4]byte `codec:"group"`
}

// LocalState is one node's contribution to the aggregate patch state:
// how many jacks of each kind it holds, plus a representative jack
// whenever exactly one of that kind is held.
//
// Input is meaningful only when HeldInputs == 1, Output only when
// HeldOutputs == 1. Normalize clears representatives that violate this;
// it runs on every decode so consumers can rely on it.
type LocalState struct {
	HeldInputs  uint32          `codec:"nin"`
	HeldOutputs uint32          `codec:"nout"`
	Input       *HeldInputJack  `codec:"in,omitempty"`
	Output      *HeldOutputJack `codec:"out,omitempty"`
}

// NewLocalState builds a LocalState from jack counts and candidate
// representatives, keeping each representative only when its count is
// exactly one.
func NewLocalState(inputs, outputs uint32, in *HeldInputJack, out *HeldOutputJack) LocalState {
	st := LocalState{HeldInputs: inputs, HeldOutputs: outputs, Input: in, Output: out}
	st.Normalize()
	return st
}

// Normalize drops representatives whose jack count is not exactly one.
func (s *LocalState) Normalize() {
	if s.HeldInputs != 1 {
		s.Input = nil
	}
	if s.HeldOutputs != 1 {
		s.Output = nil
	}
}

// Equal reports whether two local states describe the same held jacks.
func (s LocalState) Equal(o LocalState) bool {
	if s.HeldInputs != o.HeldInputs || s.HeldOutputs != o.HeldOutputs {
		return false
	}
	if !equalInput(s.Input, o.Input) {
		return false
	}
	return equalOutput(s.Output, o.Output)
}

func equalInput(a, b *HeldInputJack) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func equalOutput(a, b *HeldOutputJack) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
