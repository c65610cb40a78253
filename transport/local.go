package transport

import (
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
)

const (
	// directiveBacklog is how many undelivered directives a node may
	// accumulate before the bus starts dropping new ones for it.
	directiveBacklog = 50
	// jackBacklog is how many undelivered audio packets an input jack
	// may accumulate. Audio is only useful fresh, so this stays small.
	jackBacklog = 2
)

// controlGroup is the group every node's control plane subscribes to.
var controlGroup = [4]byte{239, 0, 0, 0}

// Bus is an in-process message fabric connecting LocalNetworks. It
// stands in for the multicast medium in tests and single-process
// simulations. Delivery is best-effort: a subscriber with a full
// backlog misses the message, like a UDP receiver with a full socket
// buffer.
type Bus struct {
	mu   sync.Mutex
	subs map[[4]byte][]*subscriber
}

type subscriber struct {
	ch   chan []byte
	down *atomic.Bool
}

// NewBus creates an empty fabric. Networks attach via NewNetwork.
func NewBus() *Bus {
	return &Bus{subs: make(map[[4]byte][]*subscriber)}
}

func (b *Bus) subscribe(group [4]byte, backlog int, down *atomic.Bool) *subscriber {
	s := &subscriber{ch: make(chan []byte, backlog), down: down}
	b.mu.Lock()
	b.subs[group] = append(b.subs[group], s)
	b.mu.Unlock()
	return s
}

func (b *Bus) unsubscribe(group [4]byte, s *subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	list := b.subs[group]
	for i, cur := range list {
		if cur == s {
			b.subs[group] = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(b.subs[group]) == 0 {
		delete(b.subs, group)
	}
}

// publish fans data out to every subscriber of group, including one
// owned by the publisher itself. Subscribers behind a downed link or a
// full backlog silently miss the message.
func (b *Bus) publish(group [4]byte, data []byte) {
	msg := make([]byte, len(data))
	copy(msg, data)
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, s := range b.subs[group] {
		if s.down.Load() {
			continue
		}
		select {
		case s.ch <- msg:
		default:
		}
	}
}

// LocalNetwork is a Network backed by an in-process Bus.
type LocalNetwork struct {
	bus  *Bus
	down atomic.Bool

	ctrl *subscriber

	inputs  []*subscriber
	inGroup [][4]byte

	outAddrs [][4]byte

	closed bool
}

var _ Network = (*LocalNetwork)(nil)

// NewNetwork attaches a node with the given jack counts to the bus.
// Each output jack is assigned a random group in 239.0.0.0/8.
func (b *Bus) NewNetwork(inputs, outputs int) *LocalNetwork {
	n := &LocalNetwork{
		bus:      b,
		inputs:   make([]*subscriber, inputs),
		inGroup:  make([][4]byte, inputs),
		outAddrs: make([][4]byte, outputs),
	}
	for i := range n.outAddrs {
		n.outAddrs[i] = [4]byte{239, byte(rand.Intn(255)), byte(rand.Intn(255)), byte(rand.Intn(255))}
	}
	n.ctrl = b.subscribe(controlGroup, directiveBacklog, &n.down)
	return n
}

// SetLinkUp simulates unplugging or replugging the node. While the link
// is down nothing is sent or delivered; messages published in the
// meantime are lost, not queued.
func (n *LocalNetwork) SetLinkUp(up bool) {
	n.down.Store(!up)
}

func (n *LocalNetwork) Poll(now int64) error {
	if n.closed {
		return ErrNetwork
	}
	return nil
}

func (n *LocalNetwork) CanSend() bool {
	return !n.closed && !n.down.Load()
}

func (n *LocalNetwork) RecvDirective(buf []byte) (int, error) {
	if n.closed {
		return 0, ErrNetwork
	}
	return recvFrom(n.ctrl, buf)
}

func (n *LocalNetwork) SendDirective(data []byte) error {
	if n.closed {
		return ErrNetwork
	}
	if n.down.Load() {
		// Dropped on the floor, like a datagram on a dead link.
		return nil
	}
	n.bus.publish(controlGroup, data)
	return nil
}

func (n *LocalNetwork) JackConnect(jack int, group [4]byte, now int64) error {
	if jack < 0 || jack >= len(n.inputs) {
		return fmt.Errorf("input jack %d: %w", jack, ErrInvalidJack)
	}
	if n.inputs[jack] != nil {
		n.bus.unsubscribe(n.inGroup[jack], n.inputs[jack])
	}
	n.inputs[jack] = n.bus.subscribe(group, jackBacklog, &n.down)
	n.inGroup[jack] = group
	return nil
}

func (n *LocalNetwork) JackDisconnect(jack int, now int64) error {
	if jack < 0 || jack >= len(n.inputs) {
		return fmt.Errorf("input jack %d: %w", jack, ErrInvalidJack)
	}
	if n.inputs[jack] != nil {
		n.bus.unsubscribe(n.inGroup[jack], n.inputs[jack])
		n.inputs[jack] = nil
	}
	return nil
}

func (n *LocalNetwork) JackRecv(jack int, buf []byte) (int, error) {
	if n.closed {
		return 0, ErrNetwork
	}
	if jack < 0 || jack >= len(n.inputs) {
		return 0, fmt.Errorf("input jack %d: %w", jack, ErrInvalidJack)
	}
	if n.inputs[jack] == nil {
		return 0, ErrNoData
	}
	return recvFrom(n.inputs[jack], buf)
}

func (n *LocalNetwork) JackSend(jack int, data []byte) error {
	if n.closed {
		return ErrNetwork
	}
	addr, err := n.JackAddr(jack)
	if err != nil {
		return err
	}
	if n.down.Load() {
		return nil
	}
	n.bus.publish(addr, data)
	return nil
}

func (n *LocalNetwork) JackAddr(jack int) ([4]byte, error) {
	if jack < 0 || jack >= len(n.outAddrs) {
		return [4]byte{}, fmt.Errorf("output jack %d: %w", jack, ErrInvalidJack)
	}
	return n.outAddrs[jack], nil
}

func (n *LocalNetwork) Close() error {
	if n.closed {
		return nil
	}
	n.closed = true
	n.bus.unsubscribe(controlGroup, n.ctrl)
	for i, s := range n.inputs {
		if s != nil {
			n.bus.unsubscribe(n.inGroup[i], s)
			n.inputs[i] = nil
		}
	}
	return nil
}

func recvFrom(s *subscriber, buf []byte) (int, error) {
	select {
	case msg := <-s.ch:
		if len(msg) > len(buf) {
			return 0, fmt.Errorf("datagram of %d bytes exceeds buffer: %w", len(msg), ErrNetwork)
		}
		return copy(buf, msg), nil
	default:
		return 0, ErrNoData
	}
}
