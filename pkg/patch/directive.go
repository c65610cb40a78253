package patch

// Kind discriminates the directive variants carried on the control plane.
type Kind uint8

const (
	KindHeartbeat Kind = iota + 1
	KindHeartbeatResponse
	KindRequestVote
	KindRequestVoteResponse
	KindGlobalStateUpdate
	KindHalt
)

func (k Kind) String() string {
	switch k {
	case KindHeartbeat:
		return "heartbeat"
	case KindHeartbeatResponse:
		return "heartbeat-response"
	case KindRequestVote:
		return "request-vote"
	case KindRequestVoteResponse:
		return "request-vote-response"
	case KindGlobalStateUpdate:
		return "global-state-update"
	case KindHalt:
		return "halt"
	default:
		return "unknown"
	}
}

// Directive is one control-plane message. The set of implementations is
// closed: anything else on the wire is a parse error.
type Directive interface {
	// Sender returns the node the directive originated from.
	Sender() NodeID
	// DirectiveKind returns the wire discriminant of the variant.
	DirectiveKind() Kind

	sealed()
}

// Heartbeat is broadcast by the leader to assert leadership and solicit
// local state. Iteration ties responses back to the round that asked.
type Heartbeat struct {
	From      NodeID `codec:"from"`
	Term      uint32 `codec:"term"`
	Iteration uint32 `codec:"iter"`
}

func (h *Heartbeat) Sender() NodeID      { return h.From }
func (h *Heartbeat) DirectiveKind() Kind { return KindHeartbeat }
func (h *Heartbeat) sealed()             {}

// HeartbeatResponse answers a Heartbeat. A successful response echoes the
// heartbeat's iteration and carries the responder's local state; a failed
// one carries neither and signals the sender's term is stale.
type HeartbeatResponse struct {
	From    NodeID `codec:"from"`
	Term    uint32 `codec:"term"`
	Success bool   `codec:"ok"`
	// Iteration and State are meaningful only when Success is set.
	Iteration uint32      `codec:"iter"`
	State     *LocalState `codec:"state,omitempty"`
}

func (h *HeartbeatResponse) Sender() NodeID      { return h.From }
func (h *HeartbeatResponse) DirectiveKind() Kind { return KindHeartbeatResponse }
func (h *HeartbeatResponse) sealed()             {}

// RequestVote asks the cohort for election to the given term.
type RequestVote struct {
	From NodeID `codec:"from"`
	Term uint32 `codec:"term"`
}

func (r *RequestVote) Sender() NodeID      { return r.From }
func (r *RequestVote) DirectiveKind() Kind { return KindRequestVote }
func (r *RequestVote) sealed()             {}

// RequestVoteResponse publishes which candidate the responder voted for
// in the given term. Granted is true only for the candidate named.
type RequestVoteResponse struct {
	From     NodeID `codec:"from"`
	Term     uint32 `codec:"term"`
	VotedFor NodeID `codec:"voted"`
	Granted  bool   `codec:"granted"`
}

func (r *RequestVoteResponse) Sender() NodeID      { return r.From }
func (r *RequestVoteResponse) DirectiveKind() Kind { return KindRequestVoteResponse }
func (r *RequestVoteResponse) sealed()             {}

// GlobalStateUpdate announces the aggregate patch state decided by the
// leader. Input and Output name the representative jacks that produced
// the decision, when the state has them.
type GlobalStateUpdate struct {
	From   NodeID          `codec:"from"`
	State  PatchState      `codec:"state"`
	Input  *HeldInputJack  `codec:"in,omitempty"`
	Output *HeldOutputJack `codec:"out,omitempty"`
}

func (g *GlobalStateUpdate) Sender() NodeID      { return g.From }
func (g *GlobalStateUpdate) DirectiveKind() Kind { return KindGlobalStateUpdate }
func (g *GlobalStateUpdate) sealed()             {}

// Same reports whether two updates announce the same decision. The
// sender is ignored so a leader can suppress re-announcing an unchanged
// aggregate.
func (g *GlobalStateUpdate) Same(o *GlobalStateUpdate) bool {
	if o == nil {
		return false
	}
	return g.State == o.State && equalInput(g.Input, o.Input) && equalOutput(g.Output, o.Output)
}

// Halt tells every module to stop processing. It is operator-issued and
// usually carries the GLOBAL sender identity.
type Halt struct {
	From NodeID `codec:"from"`
}

func (h *Halt) Sender() NodeID      { return h.From }
func (h *Halt) DirectiveKind() Kind { return KindHalt }
func (h *Halt) sealed()             {}
