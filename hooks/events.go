package hooks

import (
	"encoding/json"
	"time"

	"github.com/massgen-ai/coordination-core/tools"
)

// EventType discriminates the concrete Event implementations below.
type EventType string

const (
	AgentStarted       EventType = "agent_started"
	AgentTextDelta     EventType = "agent_text_delta"
	ToolCallObserved   EventType = "tool_call_observed"
	AnswerPublished    EventType = "answer_published"
	VoteCast           EventType = "vote_cast"
	AgentStatusChanged EventType = "agent_status_changed"
	ConsensusReached   EventType = "consensus_reached"
	FinalAnswerDelta   EventType = "final_answer_delta"
	SessionEnded       EventType = "session_ended"
)

// Event is the interface every domain event implements. Subscribers type
// switch on the concrete type to access event-specific fields.
//
// Grounded on runtime/agent/hooks.Event, narrowed from the teacher's
// run/session/turn correlation triple to this module's single-session
// scope: every event here belongs to exactly one coordination session, so
// there is no separate RunID/SessionID pair to carry.
type Event interface {
	Type() EventType
	AgentID() tools.AgentID
	Timestamp() int64
	// Generation is the Coordination State generation in effect when this
	// event was produced. AgentStarted, AgentTextDelta, ToolCallObserved
	// and FinalAnswerDelta events always carry 0. Lets subscribers correlate events with the
	// ImmutableView an agent was reacting to.
	Generation() uint64
}

type baseEvent struct {
	agentID    tools.AgentID
	timestamp  int64
	generation uint64
}

func newBaseEvent(agent tools.AgentID, generation uint64) baseEvent {
	return baseEvent{agentID: agent, timestamp: time.Now().UnixMilli(), generation: generation}
}

func (b baseEvent) AgentID() tools.AgentID { return b.agentID }
func (b baseEvent) Timestamp() int64       { return b.timestamp }
func (b baseEvent) Generation() uint64     { return b.generation }

// AgentStartedEvent fires once per agent, when the Orchestrator spawns its
// Agent Runner (Attempt is then 1); restarted turns do not publish it.
type AgentStartedEvent struct {
	baseEvent
	Attempt int
}

// NewAgentStartedEvent constructs an AgentStartedEvent.
func NewAgentStartedEvent(agent tools.AgentID, attempt int) *AgentStartedEvent {
	return &AgentStartedEvent{baseEvent: newBaseEvent(agent, 0), Attempt: attempt}
}

// Type implements Event.
func (e *AgentStartedEvent) Type() EventType { return AgentStarted }

// AgentTextDeltaEvent carries an incremental text fragment from an agent's
// in-progress turn, for streaming presentation. Per §5, these are the one
// event kind subscribers may coalesce under backpressure.
type AgentTextDeltaEvent struct {
	baseEvent
	Text string
}

// NewAgentTextDeltaEvent constructs an AgentTextDeltaEvent.
func NewAgentTextDeltaEvent(agent tools.AgentID, text string) *AgentTextDeltaEvent {
	return &AgentTextDeltaEvent{baseEvent: newBaseEvent(agent, 0), Text: text}
}

// Type implements Event.
func (e *AgentTextDeltaEvent) Type() EventType { return AgentTextDelta }

// ToolCallObservedEvent fires once a tool call completes dispatch (builtin
// or external), carrying its outcome for audit/presentation purposes.
type ToolCallObservedEvent struct {
	baseEvent
	ToolName tools.Ident
	CallID   string
	Args     json.RawMessage
	OK       bool
	Deferred bool
}

// NewToolCallObservedEvent constructs a ToolCallObservedEvent.
func NewToolCallObservedEvent(agent tools.AgentID, name tools.Ident, callID string, args json.RawMessage, ok, deferred bool) *ToolCallObservedEvent {
	return &ToolCallObservedEvent{
		baseEvent: newBaseEvent(agent, 0),
		ToolName:  name,
		CallID:    callID,
		Args:      args,
		OK:        ok,
		Deferred:  deferred,
	}
}

// Type implements Event.
func (e *ToolCallObservedEvent) Type() EventType { return ToolCallObserved }

// AnswerPublishedEvent fires when an agent's new_answer call is applied to
// Coordination State.
type AnswerPublishedEvent struct {
	baseEvent
	Label      string
	SnapshotID string
	Content    string
}

// NewAnswerPublishedEvent constructs an AnswerPublishedEvent.
func NewAnswerPublishedEvent(agent tools.AgentID, generation uint64, label, snapshotID, content string) *AnswerPublishedEvent {
	return &AnswerPublishedEvent{baseEvent: newBaseEvent(agent, generation), Label: label, SnapshotID: snapshotID, Content: content}
}

// Type implements Event.
func (e *AnswerPublishedEvent) Type() EventType { return AnswerPublished }

// VoteCastEvent fires when an agent's vote call is applied to Coordination
// State.
type VoteCastEvent struct {
	baseEvent
	TargetLabel string
	Reason      string
}

// NewVoteCastEvent constructs a VoteCastEvent.
func NewVoteCastEvent(agent tools.AgentID, generation uint64, targetLabel, reason string) *VoteCastEvent {
	return &VoteCastEvent{baseEvent: newBaseEvent(agent, generation), TargetLabel: targetLabel, Reason: reason}
}

// Type implements Event.
func (e *VoteCastEvent) Type() EventType { return VoteCast }

// AgentStatusChangedEvent reports an AgentStatus transition. The
// Orchestrator publishes it only when an agent is marked Failed; other
// transitions (such as to Completed) are not published.
type AgentStatusChangedEvent struct {
	baseEvent
	Status string
}

// NewAgentStatusChangedEvent constructs an AgentStatusChangedEvent.
func NewAgentStatusChangedEvent(agent tools.AgentID, generation uint64, status string) *AgentStatusChangedEvent {
	return &AgentStatusChangedEvent{baseEvent: newBaseEvent(agent, generation), Status: status}
}

// Type implements Event.
func (e *AgentStatusChangedEvent) Type() EventType { return AgentStatusChanged }

// ConsensusReachedEvent fires once the Orchestrator determines every agent
// has converged and selects a winner.
type ConsensusReachedEvent struct {
	baseEvent
	WinnerLabel string
	WinnerAgent tools.AgentID
}

// NewConsensusReachedEvent constructs a ConsensusReachedEvent. Its embedded
// AgentID is empty rather than naming a participant, since consensus is a
// global fact, not one agent's action.
func NewConsensusReachedEvent(generation uint64, winnerLabel string, winnerAgent tools.AgentID) *ConsensusReachedEvent {
	return &ConsensusReachedEvent{baseEvent: newBaseEvent("", generation), WinnerLabel: winnerLabel, WinnerAgent: winnerAgent}
}

// Type implements Event.
func (e *ConsensusReachedEvent) Type() EventType { return ConsensusReached }

// FinalAnswerDeltaEvent carries an incremental text fragment from the
// winner's final-presentation turn.
type FinalAnswerDeltaEvent struct {
	baseEvent
	Text string
}

// NewFinalAnswerDeltaEvent constructs a FinalAnswerDeltaEvent.
func NewFinalAnswerDeltaEvent(agent tools.AgentID, text string) *FinalAnswerDeltaEvent {
	return &FinalAnswerDeltaEvent{baseEvent: newBaseEvent(agent, 0), Text: text}
}

// Type implements Event.
func (e *FinalAnswerDeltaEvent) Type() EventType { return FinalAnswerDelta }

// SessionEndedEvent fires once, at the end of the winner's
// final-presentation turn. After a session timeout, non-winning agents
// may still be in a non-terminal status when it fires.
type SessionEndedEvent struct {
	baseEvent
	FinalLabel string
}

// NewSessionEndedEvent constructs a SessionEndedEvent.
func NewSessionEndedEvent(generation uint64, finalLabel string) *SessionEndedEvent {
	return &SessionEndedEvent{baseEvent: newBaseEvent("", generation), FinalLabel: finalLabel}
}

// Type implements Event.
func (e *SessionEndedEvent) Type() EventType { return SessionEnded }
