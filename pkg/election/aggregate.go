package election

import "patchbay/pkg/patch"

// Aggregate folds the reported local states into one network-wide patch
// state. Counts are authoritative; the first state reporting exactly
// one held jack of a direction supplies that direction's representative.
// Nil entries stand for hosts that have not reported and contribute
// nothing.
func Aggregate(from patch.NodeID, states []*patch.LocalState) *patch.GlobalStateUpdate {
	var (
		inputs, outputs uint32
		input           *patch.HeldInputJack
		output          *patch.HeldOutputJack
	)
	for _, st := range states {
		if st == nil {
			continue
		}
		if st.HeldInputs == 1 && input == nil {
			input = st.Input
		}
		if st.HeldOutputs == 1 && output == nil {
			output = st.Output
		}
		inputs += st.HeldInputs
		outputs += st.HeldOutputs
	}

	switch {
	case inputs == 0 && outputs == 0:
		return &patch.GlobalStateUpdate{From: from, State: patch.PatchIdle}
	case inputs == 1 && outputs == 0:
		return &patch.GlobalStateUpdate{From: from, State: patch.PatchEnabled, Input: input}
	case inputs == 0 && outputs == 1:
		return &patch.GlobalStateUpdate{From: from, State: patch.PatchEnabled, Output: output}
	case inputs == 1 && outputs == 1:
		return &patch.GlobalStateUpdate{From: from, State: patch.PatchToggled, Input: input, Output: output}
	default:
		return &patch.GlobalStateUpdate{From: from, State: patch.PatchBlocked}
	}
}
