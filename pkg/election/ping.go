package election

import (
	"github.com/hashicorp/go-hclog"

	"patchbay/pkg/patch"
)

// PingCoordinator is the leaderless strategy: every node holding a jack
// pings its local state on the heartbeat interval, and every node
// aggregates whatever pings it heard. All nodes reach the same decision
// independently, at the cost of redundant broadcasts on larger
// networks.
type PingCoordinator struct {
	id  patch.NodeID
	log hclog.Logger

	hosts hostTable
	local patch.LocalState

	intervalMs int64
	deadline   int64

	lastUpdate *patch.GlobalStateUpdate

	// pending holds the second directive of a round that produced both
	// an update and a ping; it goes out on the next tick.
	pending patch.Directive

	scratch [MaxHosts]*patch.LocalState
}

var _ Coordinator = (*PingCoordinator)(nil)

// NewPing creates a ping coordinator broadcasting on the configured
// heartbeat interval.
func NewPing(id patch.NodeID, now int64, cfg Config) *PingCoordinator {
	cfg = cfg.withDefaults()
	return &PingCoordinator{
		id:         id,
		log:        cfg.Logger,
		intervalMs: cfg.HeartbeatMs,
		deadline:   now + cfg.HeartbeatMs,
	}
}

func (p *PingCoordinator) Poll(msg patch.Directive, now int64) patch.Directive {
	if hbr, ok := msg.(*patch.HeartbeatResponse); ok {
		if hbr.From != p.id && hbr.Success && hbr.State != nil {
			if !p.hosts.record(hbr.From, hbr.State) {
				p.log.Warn("host table full, dropping ping", "from", hbr.From)
			}
		}
	}

	if p.pending != nil {
		d := p.pending
		p.pending = nil
		return d
	}

	if now <= p.deadline {
		return nil
	}
	p.deadline = now + p.intervalMs

	// Aggregate the round that just closed, then start the next one.
	upd := p.maybeUpdate()
	p.hosts.clear()

	var ping patch.Directive
	if p.local.HeldInputs+p.local.HeldOutputs > 0 {
		p.hosts.record(p.id, &p.local)
		st := p.local
		ping = &patch.HeartbeatResponse{From: p.id, Success: true, State: &st}
	}

	if upd != nil {
		p.pending = ping
		return upd
	}
	return ping
}

// Reset drops any state gathered from the network and re-arms the
// interval timer.
func (p *PingCoordinator) Reset(now int64) {
	p.hosts.clear()
	p.pending = nil
	p.deadline = now + p.intervalMs
}

// SetLocalState replaces the state this node pings to the network.
func (p *PingCoordinator) SetLocalState(st patch.LocalState) {
	st.Normalize()
	p.local = st
}

func (p *PingCoordinator) maybeUpdate() *patch.GlobalStateUpdate {
	upd := Aggregate(p.id, p.hosts.states(p.scratch[:0]))
	if upd.Same(p.lastUpdate) {
		return nil
	}
	p.lastUpdate = upd
	p.log.Info("patch state decided", "state", upd.State)
	return upd
}
