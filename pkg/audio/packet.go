// Package audio defines the fixed-size sample block exchanged between
// patched jacks, and its wire encoding.
package audio

import (
	"encoding/binary"
	"fmt"
	"math"
)

const (
	// Channels is the number of samples per frame.
	Channels = 8
	// BlockSize is the number of frames per packet, one packet per
	// millisecond tick.
	BlockSize = 48
	// PacketBytes is the encoded size of one packet.
	PacketBytes = Channels * BlockSize * 2
	// SampleRate is the nominal sample rate of the network.
	SampleRate = 48000
)

// Frame is one multichannel sample.
type Frame [Channels]int16

// Packet is one tick's worth of frames for a single jack.
type Packet [BlockSize]Frame

// Avg returns the mean of every sample in the packet.
func (p *Packet) Avg() float64 {
	var sum float64
	for f := range p {
		for c := range p[f] {
			sum += float64(p[f][c])
		}
	}
	return sum / (BlockSize * Channels)
}

// Encode writes the packet into dst as little-endian samples, frame by
// frame. dst must hold at least PacketBytes.
func (p *Packet) Encode(dst []byte) error {
	if len(dst) < PacketBytes {
		return fmt.Errorf("packet buffer too small: %d < %d", len(dst), PacketBytes)
	}
	i := 0
	for f := range p {
		for c := range p[f] {
			binary.LittleEndian.PutUint16(dst[i:], uint16(p[f][c]))
			i += 2
		}
	}
	return nil
}

// Decode reads a packet previously written by Encode. src must be
// exactly PacketBytes long; anything else is rejected rather than
// partially applied.
func (p *Packet) Decode(src []byte) error {
	if len(src) != PacketBytes {
		return fmt.Errorf("packet size %d, want %d", len(src), PacketBytes)
	}
	i := 0
	for f := range p {
		for c := range p[f] {
			p[f][c] = int16(binary.LittleEndian.Uint16(src[i:]))
			i += 2
		}
	}
	return nil
}

// Level maps the packet's average amplitude to a brightness in [0, 1]
// for status display.
func (p *Packet) Level() float64 {
	v := p.Avg() * 16.0 / float64(math.MaxInt16)
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
