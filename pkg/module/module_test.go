package module

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"patchbay/pkg/audio"
	"patchbay/pkg/election"
	"patchbay/pkg/patch"
	"patchbay/transport"
)

type fakeConnect struct {
	jack  int
	group [4]byte
}

// fakeNet scripts the transport side of a module for single-node tests.
type fakeNet struct {
	up       bool
	inbound  [][]byte
	sent     [][]byte
	jackIn   map[int][][]byte
	jackSent map[int][][]byte
	connects []fakeConnect
	pollErr  error
	sendErr  error
}

func newFakeNet() *fakeNet {
	return &fakeNet{
		up:       true,
		jackIn:   map[int][][]byte{},
		jackSent: map[int][][]byte{},
	}
}

func (f *fakeNet) Poll(now int64) error { return f.pollErr }

func (f *fakeNet) CanSend() bool { return f.up }

func (f *fakeNet) RecvDirective(buf []byte) (int, error) {
	if len(f.inbound) == 0 {
		return 0, transport.ErrNoData
	}
	d := f.inbound[0]
	f.inbound = f.inbound[1:]
	return copy(buf, d), nil
}

func (f *fakeNet) SendDirective(data []byte) error {
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, append([]byte(nil), data...))
	return nil
}

func (f *fakeNet) JackConnect(jack int, group [4]byte, now int64) error {
	f.connects = append(f.connects, fakeConnect{jack, group})
	return nil
}

func (f *fakeNet) JackDisconnect(jack int, now int64) error { return nil }

func (f *fakeNet) JackRecv(jack int, buf []byte) (int, error) {
	q := f.jackIn[jack]
	if len(q) == 0 {
		return 0, transport.ErrNoData
	}
	f.jackIn[jack] = q[1:]
	return copy(buf, q[0]), nil
}

func (f *fakeNet) JackSend(jack int, data []byte) error {
	f.jackSent[jack] = append(f.jackSent[jack], append([]byte(nil), data...))
	return nil
}

func (f *fakeNet) JackAddr(jack int) ([4]byte, error) {
	return [4]byte{239, 10, 0, byte(jack)}, nil
}

func (f *fakeNet) Close() error { return nil }

// stubCoord records what the module feeds it and hands back scripted
// directives, one per tick.
type stubCoord struct {
	state  patch.LocalState
	queue  []patch.Directive
	seen   []patch.Directive
	resets int
}

func (s *stubCoord) Poll(msg patch.Directive, now int64) patch.Directive {
	if msg != nil {
		s.seen = append(s.seen, msg)
		return nil
	}
	if len(s.queue) == 0 {
		return nil
	}
	d := s.queue[0]
	s.queue = s.queue[1:]
	return d
}

func (s *stubCoord) Reset(now int64) { s.resets++ }

func (s *stubCoord) SetLocalState(st patch.LocalState) { s.state = st }

var _ election.Coordinator = (*stubCoord)(nil)

func newTestModule(t *testing.T, net transport.Network, coord election.Coordinator, ins, outs int) *Module {
	t.Helper()
	m, err := New(Config{
		ID:          "node-under-test",
		Color:       120,
		Inputs:      ins,
		Outputs:     outs,
		Network:     net,
		Coordinator: coord,
	})
	require.NoError(t, err)
	return m
}

func mustEncode(t *testing.T, d patch.Directive) []byte {
	t.Helper()
	buf, err := patch.Encode(d)
	require.NoError(t, err)
	return buf
}

func TestNewValidatesConfig(t *testing.T) {
	net := newFakeNet()
	coord := &stubCoord{}

	_, err := New(Config{Network: net, Coordinator: coord})
	assert.Error(t, err)

	_, err = New(Config{ID: "x", Coordinator: coord})
	assert.Error(t, err)

	_, err = New(Config{ID: "x", Network: net})
	assert.Error(t, err)

	_, err = New(Config{ID: "x", Network: net, Coordinator: coord, Inputs: maxJacks + 1})
	assert.Error(t, err)
}

func TestAddJackStorageFull(t *testing.T) {
	m := newTestModule(t, newFakeNet(), &stubCoord{}, 2, 1)

	_, err := m.AddInputJack()
	require.NoError(t, err)
	_, err = m.AddInputJack()
	require.NoError(t, err)
	_, err = m.AddInputJack()
	assert.ErrorIs(t, err, ErrStorageFull)

	_, err = m.AddOutputJack()
	require.NoError(t, err)
	_, err = m.AddOutputJack()
	assert.ErrorIs(t, err, ErrStorageFull)
}

func TestHoldBuildsLocalState(t *testing.T) {
	coord := &stubCoord{}
	m := newTestModule(t, newFakeNet(), coord, 2, 2)
	in0, _ := m.AddInputJack()
	in1, _ := m.AddInputJack()
	_, _ = m.AddOutputJack()
	out1, _ := m.AddOutputJack()

	require.NoError(t, m.SetInputPatchEnabled(in0, true))
	assert.Equal(t, uint32(1), coord.state.HeldInputs)
	require.NotNil(t, coord.state.Input)
	assert.Equal(t, patch.NodeID("node-under-test"), coord.state.Input.Node)
	assert.Equal(t, patch.JackID(0), coord.state.Input.Jack)

	// A second held input leaves only the count; no single jack can
	// represent the pair.
	require.NoError(t, m.SetInputPatchEnabled(in1, true))
	assert.Equal(t, uint32(2), coord.state.HeldInputs)
	assert.Nil(t, coord.state.Input)

	require.NoError(t, m.SetInputPatchEnabled(in1, false))
	require.NotNil(t, coord.state.Input)
	assert.Equal(t, patch.JackID(0), coord.state.Input.Jack)

	// The held output carries this node's color and its stream group.
	require.NoError(t, m.SetOutputPatchEnabled(out1, true))
	require.NotNil(t, coord.state.Output)
	assert.Equal(t, patch.JackID(1), coord.state.Output.Jack)
	assert.Equal(t, uint16(120), coord.state.Output.Color)
	assert.Equal(t, [4]byte{239, 10, 0, 1}, coord.state.Output.Group)
}

func TestPollBroadcastsCoordinatorDirectives(t *testing.T) {
	net := newFakeNet()
	coord := &stubCoord{queue: []patch.Directive{
		&patch.RequestVote{From: "node-under-test", Term: 3},
	}}
	m := newTestModule(t, net, coord, 0, 0)

	_, err := m.Poll(1, nil)
	require.NoError(t, err)

	require.Len(t, net.sent, 1)
	d, err := patch.Decode(net.sent[0])
	require.NoError(t, err)
	rv, ok := d.(*patch.RequestVote)
	require.True(t, ok)
	assert.Equal(t, uint32(3), rv.Term)
}

func TestDirectiveSendErrorAbortsTick(t *testing.T) {
	net := newFakeNet()
	net.sendErr = errors.New("wire jam")
	coord := &stubCoord{queue: []patch.Directive{
		&patch.RequestVote{From: "node-under-test", Term: 1},
	}}
	m := newTestModule(t, net, coord, 0, 0)

	_, err := m.Poll(1, nil)
	assert.Error(t, err)
}

func TestPollErrorFromTransport(t *testing.T) {
	net := newFakeNet()
	net.pollErr = errors.New("phy gone")
	m := newTestModule(t, net, &stubCoord{}, 0, 0)

	_, err := m.Poll(1, nil)
	assert.Error(t, err)
}

func TestLeaderAppliesOwnUpdate(t *testing.T) {
	net := newFakeNet()
	group := [4]byte{239, 44, 0, 9}
	coord := &stubCoord{queue: []patch.Directive{
		&patch.GlobalStateUpdate{
			From:   "node-under-test",
			State:  patch.PatchToggled,
			Input:  &patch.HeldInputJack{Node: "node-under-test", Jack: 0},
			Output: &patch.HeldOutputJack{Node: "far", Jack: 2, Color: 9, Group: group},
		},
	}}
	m := newTestModule(t, net, coord, 1, 0)
	_, _ = m.AddInputJack()

	_, err := m.Poll(1, nil)
	require.NoError(t, err)

	assert.Equal(t, patch.PatchToggled, m.State())
	require.Len(t, net.connects, 1)
	assert.Equal(t, fakeConnect{0, group}, net.connects[0])
	// The decision also went out on the wire.
	require.Len(t, net.sent, 1)
}

func TestInboundUpdateConnectsInput(t *testing.T) {
	net := newFakeNet()
	group := [4]byte{239, 7, 7, 7}
	net.inbound = append(net.inbound, mustEncode(t, &patch.GlobalStateUpdate{
		From:   "far",
		State:  patch.PatchToggled,
		Input:  &patch.HeldInputJack{Node: "node-under-test", Jack: 0},
		Output: &patch.HeldOutputJack{Node: "far", Jack: 1, Color: 300, Group: group},
	}))
	coord := &stubCoord{}
	m := newTestModule(t, net, coord, 1, 0)
	_, _ = m.AddInputJack()

	_, err := m.Poll(1, nil)
	require.NoError(t, err)

	assert.Equal(t, patch.PatchToggled, m.State())
	require.Len(t, net.connects, 1)
	assert.Equal(t, fakeConnect{0, group}, net.connects[0])
	// Patch updates are acted on directly, never fed to the
	// coordinator.
	assert.Empty(t, coord.seen)
}

func TestUpdateForAnotherNodeOnlyAdoptsState(t *testing.T) {
	net := newFakeNet()
	net.inbound = append(net.inbound, mustEncode(t, &patch.GlobalStateUpdate{
		From:   "far",
		State:  patch.PatchToggled,
		Input:  &patch.HeldInputJack{Node: "somebody-else", Jack: 0},
		Output: &patch.HeldOutputJack{Node: "far", Jack: 1, Group: [4]byte{239, 1, 1, 1}},
	}))
	m := newTestModule(t, net, &stubCoord{}, 1, 0)

	_, err := m.Poll(1, nil)
	require.NoError(t, err)
	assert.Equal(t, patch.PatchToggled, m.State())
	assert.Empty(t, net.connects)
}

func TestInboundElectionDirectiveForwarded(t *testing.T) {
	net := newFakeNet()
	net.inbound = append(net.inbound, mustEncode(t, &patch.Heartbeat{From: "x", Term: 2, Iteration: 1}))
	coord := &stubCoord{}
	m := newTestModule(t, net, coord, 0, 0)

	_, err := m.Poll(1, nil)
	require.NoError(t, err)

	require.Len(t, coord.seen, 1)
	hb, ok := coord.seen[0].(*patch.Heartbeat)
	require.True(t, ok)
	assert.Equal(t, uint32(2), hb.Term)
}

func TestOwnBroadcastsDiscarded(t *testing.T) {
	net := newFakeNet()
	net.inbound = append(net.inbound, mustEncode(t, &patch.GlobalStateUpdate{
		From:  "node-under-test",
		State: patch.PatchBlocked,
	}))
	coord := &stubCoord{}
	m := newTestModule(t, net, coord, 0, 0)

	_, err := m.Poll(1, nil)
	require.NoError(t, err)
	assert.Equal(t, patch.PatchIdle, m.State())
	assert.Empty(t, coord.seen)
}

func TestMalformedDirectiveIgnored(t *testing.T) {
	net := newFakeNet()
	net.inbound = append(net.inbound, []byte{0xde, 0xad, 0xbe, 0xef})
	coord := &stubCoord{}
	m := newTestModule(t, net, coord, 0, 0)

	_, err := m.Poll(1, nil)
	require.NoError(t, err)
	assert.Empty(t, coord.seen)
}

func TestHaltSurfaces(t *testing.T) {
	net := newFakeNet()
	net.inbound = append(net.inbound, mustEncode(t, &patch.Halt{From: patch.GlobalID}))
	coord := &stubCoord{}
	m := newTestModule(t, net, coord, 0, 0)

	upd, err := m.Poll(1, nil)
	require.NoError(t, err)
	assert.True(t, upd.Halted)
	assert.Equal(t, patch.GlobalID, upd.HaltFrom)
	assert.Empty(t, coord.seen)
}

func TestSendHaltBroadcastsGlobal(t *testing.T) {
	net := newFakeNet()
	m := newTestModule(t, net, &stubCoord{}, 0, 0)

	m.SendHalt()

	require.Len(t, net.sent, 1)
	d, err := patch.Decode(net.sent[0])
	require.NoError(t, err)
	h, ok := d.(*patch.Halt)
	require.True(t, ok)
	assert.Equal(t, patch.GlobalID, h.From)
}

func TestLinkDownResetsCoordinator(t *testing.T) {
	net := newFakeNet()
	net.up = false
	coord := &stubCoord{queue: []patch.Directive{
		&patch.RequestVote{From: "node-under-test", Term: 1},
	}}
	m := newTestModule(t, net, coord, 1, 1)

	called := false
	_, err := m.Poll(1, func(*ProcessBlock) { called = true })
	require.NoError(t, err)

	// Offline: no audio, no directives, coordinator pushed back to
	// square one every tick.
	assert.False(t, called)
	assert.Empty(t, net.sent)
	assert.Equal(t, 1, coord.resets)

	_, err = m.Poll(2, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, coord.resets)
	assert.False(t, m.CanSend())
}

func TestDroppedPacketsReported(t *testing.T) {
	net := newFakeNet()
	m := newTestModule(t, net, &stubCoord{}, 1, 0)

	for _, now := range []int64{9998, 9999} {
		upd, err := m.Poll(now, nil)
		require.NoError(t, err)
		assert.Zero(t, upd.Dropped)
	}

	// The report fires on the period boundary and clears the counter.
	upd, err := m.Poll(10000, nil)
	require.NoError(t, err)
	assert.Equal(t, uint32(3), upd.Dropped)

	upd, err = m.Poll(20000, nil)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), upd.Dropped)
}

func TestAudioRoundTrip(t *testing.T) {
	net := newFakeNet()
	var pkt audio.Packet
	for f := range pkt {
		for c := range pkt[f] {
			pkt[f][c] = 1000
		}
	}
	raw := make([]byte, audio.PacketBytes)
	require.NoError(t, pkt.Encode(raw))
	net.jackIn[0] = append(net.jackIn[0], raw)

	m := newTestModule(t, net, &stubCoord{}, 1, 1)
	in, _ := m.AddInputJack()
	out, _ := m.AddOutputJack()

	upd, err := m.Poll(1, func(b *ProcessBlock) {
		b.SetOutput(out, *b.Input(in))
	})
	require.NoError(t, err)

	require.Len(t, net.jackSent[0], 1)
	assert.Equal(t, raw, net.jackSent[0][0])

	// Idle indicators: the input shows its adopted hue (initially 0,
	// red), the output this node's configured green.
	ic := upd.InputColor(in)
	assert.True(t, ic.R > 0 && ic.G == 0 && ic.B == 0, "input color %+v", ic)
	oc := upd.OutputColor(out)
	assert.True(t, oc.G > 0 && oc.B == 0, "output color %+v", oc)
}

func TestSilentJackCountsAsDrop(t *testing.T) {
	net := newFakeNet()
	m := newTestModule(t, net, &stubCoord{}, 1, 0)
	in, _ := m.AddInputJack()

	upd, err := m.Poll(1, nil)
	require.NoError(t, err)
	assert.Equal(t, Color{}, upd.InputColor(in))
	assert.Equal(t, uint32(1), m.dropped)
}

func TestStatusOverridesIndicators(t *testing.T) {
	net := newFakeNet()
	net.inbound = append(net.inbound, mustEncode(t, &patch.GlobalStateUpdate{
		From:  "far",
		State: patch.PatchBlocked,
	}))
	m := newTestModule(t, net, &stubCoord{}, 2, 1)
	in0, _ := m.AddInputJack()
	in1, _ := m.AddInputJack()
	out0, _ := m.AddOutputJack()

	upd, err := m.Poll(1, nil)
	require.NoError(t, err)

	for _, c := range []Color{upd.InputColor(in0), upd.InputColor(in1), upd.OutputColor(out0)} {
		assert.Equal(t, red, c)
	}
}
