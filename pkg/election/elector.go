package election

import (
	"github.com/hashicorp/go-hclog"

	"patchbay/pkg/patch"
)

// Role is the election state a node is in.
type Role uint8

const (
	RoleFollower Role = iota
	RoleCandidate
	RoleLeader
)

func (r Role) String() string {
	switch r {
	case RoleFollower:
		return "follower"
	case RoleCandidate:
		return "candidate"
	case RoleLeader:
		return "leader"
	default:
		return "unknown"
	}
}

// RandSource supplies jitter for election timeouts. *rand.Rand
// satisfies it.
type RandSource interface {
	Uint32() uint32
}

// Config tunes the election timers. Zero values fall back to defaults.
type Config struct {
	// ElectionMinMs and ElectionMaxMs bound the randomized election
	// timeout.
	ElectionMinMs int64
	ElectionMaxMs int64
	// HeartbeatMs is the leader's broadcast interval and the width of
	// one state-gathering round.
	HeartbeatMs int64

	Logger hclog.Logger
}

const (
	defaultElectionMinMs = 150
	defaultElectionMaxMs = 300
	defaultHeartbeatMs   = 50
)

func (c Config) withDefaults() Config {
	if c.ElectionMinMs == 0 {
		c.ElectionMinMs = defaultElectionMinMs
	}
	if c.ElectionMaxMs == 0 {
		c.ElectionMaxMs = defaultElectionMaxMs
	}
	if c.HeartbeatMs == 0 {
		c.HeartbeatMs = defaultHeartbeatMs
	}
	if c.Logger == nil {
		c.Logger = hclog.NewNullLogger()
	}
	return c
}

// Elector runs leader election specialized to a single repeatedly
// recomputed decision: the aggregate patch state. There is no log to
// replicate; the leader's heartbeat doubles as the state-gathering
// round, and heartbeat responses carry each node's local state back.
type Elector struct {
	id  patch.NodeID
	log hclog.Logger
	rnd RandSource
	cfg Config

	hosts hostTable
	local patch.LocalState

	role     Role
	term     uint32
	votedFor patch.NodeID
	votes    uint32

	electionDeadline  int64
	heartbeatDeadline int64

	// iteration numbers the current gathering round so stale heartbeat
	// responses cannot pollute it.
	iteration uint32
	// expected is how many hosts answered the previous round, the bar
	// for finishing this one early. Negative once the round is settled.
	expected int

	lastUpdate *patch.GlobalStateUpdate

	scratch [MaxHosts]*patch.LocalState
}

var _ Coordinator = (*Elector)(nil)

// New creates a follower with a freshly randomized election timeout.
func New(id patch.NodeID, now int64, rnd RandSource, cfg Config) *Elector {
	cfg = cfg.withDefaults()
	e := &Elector{
		id:       id,
		log:      cfg.Logger,
		rnd:      rnd,
		cfg:      cfg,
		role:     RoleFollower,
		expected: 0,
	}
	e.resetElectionTimer(now)
	e.resetHeartbeatTimer(now)
	return e
}

// Role returns the node's current election role.
func (e *Elector) Role() Role { return e.role }

// Term returns the node's current term.
func (e *Elector) Term() uint32 { return e.term }

// Reset demotes the node to follower with fresh timers. Called when the
// transport reports the node cut off from the network.
func (e *Elector) Reset(now int64) {
	e.resetElectionTimer(now)
	e.resetHeartbeatTimer(now)
	e.role = RoleFollower
}

// SetLocalState replaces the state reported in heartbeat responses and
// fed into this node's own aggregation when leading.
func (e *Elector) SetLocalState(st patch.LocalState) {
	st.Normalize()
	e.local = st
}

func (e *Elector) resetElectionTimer(now int64) {
	span := e.cfg.ElectionMaxMs - e.cfg.ElectionMinMs
	if span <= 0 {
		span = 1
	}
	e.electionDeadline = now + e.cfg.ElectionMinMs + int64(e.rnd.Uint32())%span
}

func (e *Elector) resetHeartbeatTimer(now int64) {
	e.heartbeatDeadline = now + e.cfg.HeartbeatMs
}

func (e *Elector) electionElapsed(now int64) bool {
	return now > e.electionDeadline
}

func (e *Elector) heartbeatElapsed(now int64) bool {
	return now > e.heartbeatDeadline
}

// Poll consumes one inbound directive, or nil, and advances the state
// machine for the tick. The returned directive, when non-nil, is the
// single message this node wants broadcast.
func (e *Elector) Poll(msg patch.Directive, now int64) patch.Directive {
	if !e.admit(msg) {
		return nil
	}
	if !e.hosts.record(e.id, &e.local) {
		e.log.Warn("host table full, cannot record own state")
	}

	switch m := msg.(type) {
	case *patch.Heartbeat:
		return e.onHeartbeat(m, now)
	case *patch.RequestVote:
		return e.onRequestVote(m)
	default:
		switch e.role {
		case RoleFollower:
			return e.followerTick(now)
		case RoleCandidate:
			return e.candidateTick(msg, now)
		default:
			return e.leaderTick(msg, now)
		}
	}
}

// admit records the sender of an election directive and rejects
// anything the elector must not act on: its own messages, directives
// outside the election protocol, and senders beyond the host table's
// capacity.
func (e *Elector) admit(msg patch.Directive) bool {
	switch msg.(type) {
	case nil:
		return true
	case *patch.Heartbeat, *patch.HeartbeatResponse, *patch.RequestVote, *patch.RequestVoteResponse:
		from := msg.Sender()
		if from == e.id {
			return false
		}
		if !e.hosts.record(from, nil) {
			e.log.Warn("host table full, dropping directive",
				"from", from, "kind", msg.DirectiveKind())
			return false
		}
		return true
	default:
		return false
	}
}

func (e *Elector) onHeartbeat(m *patch.Heartbeat, now int64) patch.Directive {
	if m.Term < e.term {
		return &patch.HeartbeatResponse{From: e.id, Term: e.term}
	}
	if m.Term > e.term || e.role == RoleCandidate {
		e.term = m.Term
		e.role = RoleFollower
		e.votedFor = m.From
		e.log.Debug("following leader", "leader", m.From, "term", e.term)
	}
	e.resetElectionTimer(now)
	st := e.local
	return &patch.HeartbeatResponse{
		From:      e.id,
		Term:      e.term,
		Success:   true,
		Iteration: m.Iteration,
		State:     &st,
	}
}

func (e *Elector) onRequestVote(m *patch.RequestVote) patch.Directive {
	if m.Term < e.term {
		return &patch.RequestVoteResponse{From: e.id, Term: e.term, VotedFor: m.From}
	}
	if m.Term > e.term {
		e.term = m.Term
		e.role = RoleFollower
		e.votedFor = ""
	}
	granted := e.votedFor == "" || e.votedFor == m.From
	if granted {
		// Granting records the vote, so no second candidate can be
		// granted in this term.
		e.votedFor = m.From
	}
	return &patch.RequestVoteResponse{
		From:     e.id,
		Term:     m.Term,
		VotedFor: m.From,
		Granted:  granted,
	}
}

func (e *Elector) followerTick(now int64) patch.Directive {
	if !e.electionElapsed(now) {
		return nil
	}
	e.role = RoleCandidate
	e.term++
	e.votedFor = e.id
	e.hosts.clear()
	e.hosts.record(e.id, &e.local)
	e.votes = 1
	e.resetElectionTimer(now)
	e.resetHeartbeatTimer(now)
	e.log.Debug("standing for election", "term", e.term)
	return &patch.RequestVote{From: e.id, Term: e.term}
}

func (e *Elector) candidateTick(msg patch.Directive, now int64) patch.Directive {
	if rvr, ok := msg.(*patch.RequestVoteResponse); ok {
		if rvr.Term == e.term && rvr.VotedFor == e.id {
			if rvr.Granted {
				e.votes++
			} else {
				// Someone has voted for a rival this term.
				e.role = RoleFollower
				e.log.Debug("vote denied, standing down", "term", e.term, "by", rvr.From)
				return nil
			}
		}
	}
	if !e.heartbeatElapsed(now) {
		return nil
	}
	if 2*e.votes > uint32(e.hosts.len()) {
		e.role = RoleLeader
		e.iteration = 0
		e.log.Info("elected leader", "term", e.term,
			"votes", e.votes, "hosts", e.hosts.len())
	} else {
		e.role = RoleFollower
		e.log.Debug("election lost", "term", e.term,
			"votes", e.votes, "hosts", e.hosts.len())
	}
	return nil
}

func (e *Elector) leaderTick(msg patch.Directive, now int64) patch.Directive {
	if hbr, ok := msg.(*patch.HeartbeatResponse); ok && hbr.Success && hbr.State != nil {
		if hbr.Iteration != e.iteration {
			return nil
		}
		e.hosts.record(hbr.From, hbr.State)
		// Once everyone from the previous round has checked in, the
		// round can settle early instead of waiting out the timer.
		if e.expected >= 0 && e.hosts.len() == e.expected {
			upd := e.maybeUpdate()
			e.expected = -1
			if upd != nil {
				return upd
			}
		}
		return nil
	}

	if !e.heartbeatElapsed(now) {
		return nil
	}
	if e.expected >= 0 {
		// Settle the round with whoever answered. The heartbeat timer
		// is left running so the next round starts on the next tick,
		// keeping one directive per poll.
		if upd := e.maybeUpdate(); upd != nil {
			return upd
		}
	}

	e.resetHeartbeatTimer(now)
	e.expected = e.hosts.len()
	e.hosts.clear()
	e.hosts.record(e.id, &e.local)
	e.iteration++
	return &patch.Heartbeat{From: e.id, Term: e.term, Iteration: e.iteration}
}

// maybeUpdate aggregates the current table and returns the update only
// when the decision differs from the last one broadcast.
func (e *Elector) maybeUpdate() *patch.GlobalStateUpdate {
	upd := Aggregate(e.id, e.hosts.states(e.scratch[:0]))
	if upd.Same(e.lastUpdate) {
		return nil
	}
	e.lastUpdate = upd
	e.log.Info("patch state decided", "state", upd.State)
	return upd
}
