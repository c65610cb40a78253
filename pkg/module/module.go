// Package module ties one node's jacks, audio streams and patch
// coordination together behind a single non-blocking Poll. The caller
// owns the clock: it calls Poll once per millisecond with a process
// callback that turns received audio into transmitted audio, and wires
// the returned indicator colors to whatever front panel it has.
package module

import (
	"errors"
	"fmt"

	"github.com/hashicorp/go-hclog"

	"patchbay/pkg/audio"
	"patchbay/pkg/election"
	"patchbay/pkg/patch"
	"patchbay/transport"
)

// maxJacks bounds jack capacity per direction; held jacks are tracked
// in a 32-bit mask.
const maxJacks = 32

// dropReportMs is how often the dropped-packet counter is reported and
// cleared.
const dropReportMs = 10000

// ErrStorageFull is returned when a jack is added beyond the capacity
// the module was created with.
var ErrStorageFull = errors.New("jack storage full")

// Config describes one module node.
type Config struct {
	// ID uniquely names this node on the network.
	ID patch.NodeID
	// Color is the hue shown on this node's output jacks and adopted
	// by input jacks that connect to them.
	Color uint16
	// Inputs and Outputs fix the jack capacity per direction.
	Inputs  int
	Outputs int

	Network     transport.Network
	Coordinator election.Coordinator

	Logger hclog.Logger
}

// Module is one patchable node. None of its methods block and none are
// safe for concurrent use; everything runs on the caller's poll loop.
type Module struct {
	id    patch.NodeID
	color uint16
	log   hclog.Logger

	net   transport.Network
	coord election.Coordinator

	inputCap  int
	outputCap int
	inputs    int
	outputs   int

	// inputHeld and outputHeld track which jacks the user is holding.
	inputHeld  uint32
	outputHeld uint32

	state patch.PatchState
	// inputColors holds the hue each input jack adopted from the
	// output it last connected to.
	inputColors []uint16

	dropped uint32

	block    ProcessBlock
	recvBuf  [patch.MaxDirectiveSize]byte
	jackBuf  [transport.MaxDatagram]byte
	audioBuf [audio.PacketBytes]byte
}

// New creates a module. The network and coordinator are owned by the
// module from here on.
func New(cfg Config) (*Module, error) {
	if err := cfg.ID.Validate(); err != nil {
		return nil, fmt.Errorf("module id: %w", err)
	}
	if cfg.Network == nil {
		return nil, errors.New("module requires a network")
	}
	if cfg.Coordinator == nil {
		return nil, errors.New("module requires a coordinator")
	}
	if cfg.Inputs < 0 || cfg.Inputs > maxJacks || cfg.Outputs < 0 || cfg.Outputs > maxJacks {
		return nil, fmt.Errorf("jack capacity out of range: %d in, %d out", cfg.Inputs, cfg.Outputs)
	}
	log := cfg.Logger
	if log == nil {
		log = hclog.NewNullLogger()
	}
	return &Module{
		id:          cfg.ID,
		color:       cfg.Color,
		log:         log,
		net:         cfg.Network,
		coord:       cfg.Coordinator,
		inputCap:    cfg.Inputs,
		outputCap:   cfg.Outputs,
		state:       patch.PatchIdle,
		inputColors: make([]uint16, cfg.Inputs),
		block:       newProcessBlock(cfg.Inputs, cfg.Outputs),
	}, nil
}

// AddInputJack allocates the next input jack.
func (m *Module) AddInputJack() (InputJack, error) {
	if m.inputs == m.inputCap {
		return InputJack{}, ErrStorageFull
	}
	h := InputJack{idx: m.inputs}
	m.inputs++
	return h, nil
}

// AddOutputJack allocates the next output jack.
func (m *Module) AddOutputJack() (OutputJack, error) {
	if m.outputs == m.outputCap {
		return OutputJack{}, ErrStorageFull
	}
	h := OutputJack{idx: m.outputs}
	m.outputs++
	return h, nil
}

// SetInputPatchEnabled marks an input jack held or released and reports
// the new local state to the coordinator.
func (m *Module) SetInputPatchEnabled(h InputJack, held bool) error {
	if held {
		m.inputHeld |= 1 << h.idx
	} else {
		m.inputHeld &^= 1 << h.idx
	}
	return m.updateHeldState()
}

// SetOutputPatchEnabled marks an output jack held or released and
// reports the new local state to the coordinator.
func (m *Module) SetOutputPatchEnabled(h OutputJack, held bool) error {
	if held {
		m.outputHeld |= 1 << h.idx
	} else {
		m.outputHeld &^= 1 << h.idx
	}
	return m.updateHeldState()
}

// updateHeldState rebuilds the local state from the held masks. The
// lowest held jack of each direction is the representative.
func (m *Module) updateHeldState() error {
	var (
		ins, outs uint32
		in        *patch.HeldInputJack
		out       *patch.HeldOutputJack
	)
	for i := 0; i < m.inputs; i++ {
		if m.inputHeld&(1<<i) == 0 {
			continue
		}
		if in == nil {
			in = &patch.HeldInputJack{Node: m.id, Jack: patch.JackID(i)}
		}
		ins++
	}
	for i := 0; i < m.outputs; i++ {
		if m.outputHeld&(1<<i) == 0 {
			continue
		}
		if out == nil {
			addr, err := m.net.JackAddr(i)
			if err != nil {
				return err
			}
			out = &patch.HeldOutputJack{
				Node:  m.id,
				Jack:  patch.JackID(i),
				Color: m.color,
				Group: addr,
			}
		}
		outs++
	}
	m.coord.SetLocalState(patch.NewLocalState(ins, outs, in, out))
	return nil
}

// CanSend reports whether the transport is ready to carry traffic.
func (m *Module) CanSend() bool {
	return m.net.CanSend()
}

// State returns the network-wide patch state as last announced.
func (m *Module) State() patch.PatchState {
	return m.state
}

// Poll runs one tick: network upkeep, at most one inbound directive,
// one coordinator step, then the audio path through the process
// callback. process may be nil when the node has no audio to handle.
// Send failures on the directive channel abort the tick; audio losses
// are counted instead.
func (m *Module) Poll(now int64, process func(*ProcessBlock)) (PollUpdate, error) {
	var upd PollUpdate
	inColors := make([]Color, m.inputCap)
	outColors := make([]Color, m.outputCap)

	if err := m.net.Poll(now); err != nil {
		return upd, err
	}

	if m.net.CanSend() {
		d, err := m.recvDirective()
		if err != nil {
			m.log.Warn("directive recv failed", "error", err)
		}
		switch g := d.(type) {
		case nil:
		case *patch.GlobalStateUpdate:
			m.applyUpdate(g, now)
		case *patch.Halt:
			upd.Halted = true
			upd.HaltFrom = g.From
		default:
			if resp := m.coord.Poll(d, now); resp != nil {
				if err := m.sendDirective(resp); err != nil {
					return upd, err
				}
				m.selfApply(resp, now)
			}
		}

		if resp := m.coord.Poll(nil, now); resp != nil {
			if err := m.sendDirective(resp); err != nil {
				return upd, err
			}
			m.selfApply(resp, now)
		}

		m.block.reset()
		for i := 0; i < m.inputCap; i++ {
			if !m.recvJack(i) {
				m.dropped++
				continue
			}
			inColors[i] = hsvColor(m.inputColors[i], m.block.inputs[i].Level())
		}
		if process != nil {
			process(&m.block)
		}
		for i := 0; i < m.outputCap; i++ {
			if err := m.sendJack(i); err != nil {
				m.dropped++
				continue
			}
			outColors[i] = hsvColor(m.color, m.block.outputs[i].Level())
		}
	} else {
		m.coord.Reset(now)
	}

	if err := m.net.Poll(now); err != nil {
		return upd, err
	}

	if now%dropReportMs == 0 && m.dropped != 0 {
		m.log.Info("dropped packets", "count", m.dropped)
		upd.Dropped = m.dropped
		m.dropped = 0
	}

	// Any state beyond idle overrides every indicator uniformly.
	switch m.state {
	case patch.PatchEnabled:
		fillColors(inColors, white)
		fillColors(outColors, white)
	case patch.PatchToggled:
		fillColors(inColors, yellow)
		fillColors(outColors, yellow)
	case patch.PatchBlocked:
		fillColors(inColors, red)
		fillColors(outColors, red)
	}
	upd.inputColors = inColors
	upd.outputColors = outColors
	return upd, nil
}

// SendHalt broadcasts a halt to every node, this one included. Failures
// are logged; there is nobody sensible to report them to.
func (m *Module) SendHalt() {
	if err := m.sendDirective(&patch.Halt{From: patch.GlobalID}); err != nil {
		m.log.Info("halt send failed", "error", err)
	}
}

// Close releases the transport.
func (m *Module) Close() error {
	return m.net.Close()
}

// recvDirective fetches and decodes at most one directive. Quiet
// channels and malformed payloads yield nil; the node's own broadcasts
// are discarded here since self-application happens on the send path.
func (m *Module) recvDirective() (patch.Directive, error) {
	n, err := m.net.RecvDirective(m.recvBuf[:])
	if err != nil {
		if errors.Is(err, transport.ErrNoData) {
			return nil, nil
		}
		return nil, err
	}
	d, err := patch.Decode(m.recvBuf[:n])
	if err != nil {
		m.log.Info("directive parse error", "error", err)
		return nil, nil
	}
	if d.Sender() == m.id {
		return nil, nil
	}
	m.log.Trace("directive received", "kind", d.DirectiveKind(), "from", d.Sender())
	return d, nil
}

func (m *Module) sendDirective(d patch.Directive) error {
	m.log.Trace("directive sent", "kind", d.DirectiveKind())
	buf, err := patch.Encode(d)
	if err != nil {
		return err
	}
	return m.net.SendDirective(buf)
}

// selfApply processes this node's own announcement at the moment it is
// sent, since inbound copies of it are discarded.
func (m *Module) selfApply(d patch.Directive, now int64) {
	if g, ok := d.(*patch.GlobalStateUpdate); ok {
		m.applyUpdate(g, now)
	}
}

// applyUpdate adopts the announced patch state. A toggle naming one of
// this node's input jacks switches that jack onto the output's stream.
func (m *Module) applyUpdate(g *patch.GlobalStateUpdate, now int64) {
	m.state = g.State
	if g.State != patch.PatchToggled || g.Input == nil || g.Output == nil {
		return
	}
	if g.Input.Node != m.id {
		return
	}
	jack := int(g.Input.Jack)
	if err := m.net.JackConnect(jack, g.Output.Group, now); err != nil {
		m.log.Info("jack connection failed", "jack", jack, "error", err)
		return
	}
	m.inputColors[jack] = g.Output.Color
	m.log.Debug("input connected", "jack", jack, "to", g.Output.Node, "source", g.Output.Jack)
}

func (m *Module) recvJack(i int) bool {
	n, err := m.net.JackRecv(i, m.jackBuf[:])
	if err != nil {
		return false
	}
	return m.block.inputs[i].Decode(m.jackBuf[:n]) == nil
}

func (m *Module) sendJack(i int) error {
	if err := m.block.outputs[i].Encode(m.audioBuf[:]); err != nil {
		return err
	}
	return m.net.JackSend(i, m.audioBuf[:])
}

func fillColors(dst []Color, c Color) {
	for i := range dst {
		dst[i] = c
	}
}
