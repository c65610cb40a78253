package module

import (
	"math"

	"github.com/lucasb-eyer/go-colorful"

	"patchbay/pkg/audio"
	"patchbay/pkg/patch"
)

// InputJack is an opaque handle to one allocated input jack.
type InputJack struct {
	idx int
}

// OutputJack is an opaque handle to one allocated output jack.
type OutputJack struct {
	idx int
}

// ProcessBlock carries one block of audio through the process callback.
// Inputs hold whatever arrived this tick, silence otherwise; outputs
// start silent and are transmitted after the callback returns.
type ProcessBlock struct {
	inputs  []audio.Packet
	outputs []audio.Packet
}

func newProcessBlock(inputs, outputs int) ProcessBlock {
	return ProcessBlock{
		inputs:  make([]audio.Packet, inputs),
		outputs: make([]audio.Packet, outputs),
	}
}

func (b *ProcessBlock) reset() {
	for i := range b.inputs {
		b.inputs[i] = audio.Packet{}
	}
	for i := range b.outputs {
		b.outputs[i] = audio.Packet{}
	}
}

// Input returns the audio received on a jack this tick.
func (b *ProcessBlock) Input(h InputJack) *audio.Packet {
	return &b.inputs[h.idx]
}

// SetOutput stages audio for transmission on a jack.
func (b *ProcessBlock) SetOutput(h OutputJack, p audio.Packet) {
	b.outputs[h.idx] = p
}

// Color is an 8-bit RGB value for a jack indicator.
type Color struct {
	R, G, B uint8
}

var (
	white  = Color{255, 255, 255}
	yellow = Color{255, 255, 0}
	red    = Color{255, 0, 0}
)

// hsvColor renders a jack indicator from a hue and a level in [0, 1].
func hsvColor(hue uint16, level float64) Color {
	r, g, b := colorful.Hsv(math.Mod(float64(hue), 360), 1, level).RGB255()
	return Color{r, g, b}
}

// PollUpdate reports the outcome of one poll tick: per-jack indicator
// colors, any halt heard on the network, and the dropped-packet count
// when the periodic report fires. Colors are only meaningful when Poll
// returned without error.
type PollUpdate struct {
	inputColors  []Color
	outputColors []Color

	// Halted is set when a halt directive arrived this tick; HaltFrom
	// is its sender. The caller decides whether to stop polling.
	Halted   bool
	HaltFrom patch.NodeID

	// Dropped carries the dropped-packet count at each periodic report,
	// zero in between.
	Dropped uint32
}

// InputColor returns the indicator color for an input jack.
func (u PollUpdate) InputColor(h InputJack) Color {
	return u.inputColors[h.idx]
}

// OutputColor returns the indicator color for an output jack.
func (u PollUpdate) OutputColor(h OutputJack) Color {
	return u.outputColors[h.idx]
}
