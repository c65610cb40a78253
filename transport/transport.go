package transport

import "errors"

var (
	// ErrNoData is returned by receive operations when nothing is
	// pending. Callers treat it as "try again next tick".
	ErrNoData = errors.New("no data available")
	// ErrNetwork is returned when the underlying medium failed.
	ErrNetwork = errors.New("network failure")
	// ErrInvalidJack is returned when a jack index is out of range or
	// the jack is not in the state the operation requires.
	ErrInvalidJack = errors.New("invalid jack")
)

// Network defines the interface for the network backend. All methods are
// non-blocking: the owning coordinator drives them from a single poll
// loop and never waits on the medium.
type Network interface {
	// Poll advances any background work the backend needs (timeouts,
	// membership, link state). Called once per tick before traffic.
	Poll(now int64) error
	// CanSend reports whether the control plane is ready to transmit.
	CanSend() bool

	// Control-plane operations
	RecvDirective(buf []byte) (int, error)
	SendDirective(data []byte) error

	// Jack operations. Input jacks subscribe to one multicast group at
	// a time; output jacks each own a fixed group chosen at creation.
	JackConnect(jack int, group [4]byte, now int64) error
	JackDisconnect(jack int, now int64) error
	JackRecv(jack int, buf []byte) (int, error)
	JackSend(jack int, data []byte) error
	JackAddr(jack int) ([4]byte, error)

	// Lifecycle
	Close() error
}
