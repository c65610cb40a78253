package patch

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/hashicorp/go-msgpack/codec"
)

// MaxDirectiveSize is the largest encoded directive the control plane
// accepts. Transports size their receive buffers off this.
const MaxDirectiveSize = 2048

// ErrParse is returned when bytes on the control plane do not decode to
// a well-formed directive, or a directive cannot be encoded within the
// size bound.
var ErrParse = errors.New("malformed directive")

// envelope is the wire frame for a directive: a kind discriminant plus
// exactly one populated body.
type envelope struct {
	Kind              Kind                 `codec:"kind"`
	Heartbeat         *Heartbeat           `codec:"hb,omitempty"`
	HeartbeatResponse *HeartbeatResponse   `codec:"hbr,omitempty"`
	RequestVote       *RequestVote         `codec:"rv,omitempty"`
	VoteResponse      *RequestVoteResponse `codec:"rvr,omitempty"`
	StateUpdate       *GlobalStateUpdate   `codec:"gsu,omitempty"`
	Halt              *Halt                `codec:"halt,omitempty"`
}

// Encode serializes a directive for the control plane. The result never
// exceeds MaxDirectiveSize.
func Encode(d Directive) ([]byte, error) {
	if d == nil {
		return nil, fmt.Errorf("nil directive: %w", ErrParse)
	}
	env := envelope{Kind: d.DirectiveKind()}
	switch v := d.(type) {
	case *Heartbeat:
		env.Heartbeat = v
	case *HeartbeatResponse:
		env.HeartbeatResponse = v
	case *RequestVote:
		env.RequestVote = v
	case *RequestVoteResponse:
		env.VoteResponse = v
	case *GlobalStateUpdate:
		env.StateUpdate = v
	case *Halt:
		env.Halt = v
	default:
		return nil, fmt.Errorf("unknown directive %T: %w", d, ErrParse)
	}

	var buf bytes.Buffer
	hd := codec.MsgpackHandle{}
	if err := codec.NewEncoder(&buf, &hd).Encode(&env); err != nil {
		return nil, fmt.Errorf("encode directive: %w", ErrParse)
	}
	if buf.Len() > MaxDirectiveSize {
		return nil, fmt.Errorf("directive exceeds %d bytes: %w", MaxDirectiveSize, ErrParse)
	}
	return buf.Bytes(), nil
}

// Decode parses one directive from data. Every field that the variant
// requires is checked; local states are normalized before they are
// handed to callers.
func Decode(data []byte) (Directive, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("empty directive: %w", ErrParse)
	}
	if len(data) > MaxDirectiveSize {
		return nil, fmt.Errorf("directive exceeds %d bytes: %w", MaxDirectiveSize, ErrParse)
	}

	var env envelope
	hd := codec.MsgpackHandle{}
	if err := codec.NewDecoder(bytes.NewReader(data), &hd).Decode(&env); err != nil {
		return nil, fmt.Errorf("decode directive: %w", ErrParse)
	}

	var d Directive
	switch env.Kind {
	case KindHeartbeat:
		if env.Heartbeat == nil {
			return nil, missingBody(env.Kind)
		}
		d = env.Heartbeat
	case KindHeartbeatResponse:
		hbr := env.HeartbeatResponse
		if hbr == nil {
			return nil, missingBody(env.Kind)
		}
		if hbr.Success && hbr.State == nil {
			return nil, fmt.Errorf("heartbeat response without state: %w", ErrParse)
		}
		if hbr.State != nil {
			hbr.State.Normalize()
			if err := validateState(hbr.State); err != nil {
				return nil, err
			}
		}
		d = hbr
	case KindRequestVote:
		if env.RequestVote == nil {
			return nil, missingBody(env.Kind)
		}
		d = env.RequestVote
	case KindRequestVoteResponse:
		if env.VoteResponse == nil {
			return nil, missingBody(env.Kind)
		}
		if err := env.VoteResponse.VotedFor.Validate(); err != nil {
			return nil, err
		}
		d = env.VoteResponse
	case KindGlobalStateUpdate:
		gsu := env.StateUpdate
		if gsu == nil {
			return nil, missingBody(env.Kind)
		}
		if gsu.Input != nil {
			if err := gsu.Input.Node.Validate(); err != nil {
				return nil, err
			}
		}
		if gsu.Output != nil {
			if err := gsu.Output.Node.Validate(); err != nil {
				return nil, err
			}
		}
		d = gsu
	case KindHalt:
		if env.Halt == nil {
			return nil, missingBody(env.Kind)
		}
		d = env.Halt
	default:
		return nil, fmt.Errorf("unknown directive kind %d: %w", env.Kind, ErrParse)
	}

	if err := d.Sender().Validate(); err != nil {
		return nil, err
	}
	return d, nil
}

func missingBody(k Kind) error {
	return fmt.Errorf("directive kind %s without body: %w", k, ErrParse)
}

func validateState(s *LocalState) error {
	if s.Input != nil {
		if err := s.Input.Node.Validate(); err != nil {
			return err
		}
	}
	if s.Output != nil {
		if err := s.Output.Node.Validate(); err != nil {
			return err
		}
	}
	return nil
}
