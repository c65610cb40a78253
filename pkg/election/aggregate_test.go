package election

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"patchbay/pkg/patch"
)

func holdIn(node patch.NodeID, jack patch.JackID) *patch.LocalState {
	return &patch.LocalState{
		HeldInputs: 1,
		Input:      &patch.HeldInputJack{Node: node, Jack: jack},
	}
}

func holdOut(node patch.NodeID, jack patch.JackID) *patch.LocalState {
	return &patch.LocalState{
		HeldOutputs: 1,
		Output: &patch.HeldOutputJack{
			Node: node, Jack: jack, Color: 120, Group: [4]byte{239, 1, 2, 3},
		},
	}
}

func TestAggregateGrid(t *testing.T) {
	cases := []struct {
		ins, outs int
		want      patch.PatchState
	}{
		{0, 0, patch.PatchIdle},
		{1, 0, patch.PatchEnabled},
		{0, 1, patch.PatchEnabled},
		{1, 1, patch.PatchToggled},
		{2, 0, patch.PatchBlocked},
		{0, 2, patch.PatchBlocked},
		{2, 1, patch.PatchBlocked},
		{1, 2, patch.PatchBlocked},
		{2, 2, patch.PatchBlocked},
	}
	for _, tc := range cases {
		t.Run(fmt.Sprintf("%din_%dout", tc.ins, tc.outs), func(t *testing.T) {
			var states []*patch.LocalState
			for i := 0; i < tc.ins; i++ {
				states = append(states, holdIn(patch.NodeID(fmt.Sprintf("i%d", i)), patch.JackID(i)))
			}
			for i := 0; i < tc.outs; i++ {
				states = append(states, holdOut(patch.NodeID(fmt.Sprintf("o%d", i)), patch.JackID(i)))
			}
			upd := Aggregate("lead", states)
			assert.Equal(t, tc.want, upd.State)
			assert.Equal(t, patch.NodeID("lead"), upd.From)
		})
	}
}

func TestAggregateToggleCarriesBothJacks(t *testing.T) {
	in := holdIn("a", 3)
	out := holdOut("b", 1)
	upd := Aggregate("lead", []*patch.LocalState{in, out})

	require.Equal(t, patch.PatchToggled, upd.State)
	assert.Same(t, in.Input, upd.Input)
	assert.Same(t, out.Output, upd.Output)
	assert.Equal(t, uint16(120), upd.Output.Color)
}

func TestAggregateSkipsUnreportedHosts(t *testing.T) {
	upd := Aggregate("lead", []*patch.LocalState{nil, holdIn("a", 0), nil})
	require.Equal(t, patch.PatchEnabled, upd.State)
	require.NotNil(t, upd.Input)
	assert.Equal(t, patch.NodeID("a"), upd.Input.Node)
	assert.Nil(t, upd.Output)
}

// Two holders on the same side block the network rather than arm it,
// even with nobody on the other side.
func TestAggregateSameSideConflictBlocks(t *testing.T) {
	upd := Aggregate("lead", []*patch.LocalState{holdOut("a", 0), holdOut("b", 1)})
	assert.Equal(t, patch.PatchBlocked, upd.State)
	assert.Nil(t, upd.Input)
	assert.Nil(t, upd.Output)
}

// Counts decide the state even when one node holds several jacks.
func TestAggregateCountsAreAuthoritative(t *testing.T) {
	upd := Aggregate("lead", []*patch.LocalState{{HeldInputs: 2}})
	assert.Equal(t, patch.PatchBlocked, upd.State)

	upd = Aggregate("lead", []*patch.LocalState{{HeldInputs: 1}})
	assert.Equal(t, patch.PatchEnabled, upd.State)
	assert.Nil(t, upd.Input)
}

func TestAggregateDeterministic(t *testing.T) {
	states := []*patch.LocalState{holdIn("a", 0), holdOut("b", 1)}
	first := Aggregate("lead", states)
	second := Aggregate("lead", states)
	assert.True(t, second.Same(first))

	changed := Aggregate("lead", append(states, holdIn("c", 2)))
	assert.False(t, changed.Same(first))
}
