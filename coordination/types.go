package coordination

import (
	"time"

	"github.com/massgen-ai/coordination-core/tools"
)

// AgentID aliases tools.AgentID so that coordination.State satisfies
// tools.Coordinator without any conversion at the call boundary.
type AgentID = tools.AgentID

// Generation is the monotonically increasing counter incremented on every
// state mutation that changes what other agents should see. No two
// ImmutableView snapshots handed out by State ever share a Generation.
type Generation uint64

// AgentStatus is one of the values an agent's participation may occupy, per
// §3 and the Agent Runner state machine in §4.4.
type AgentStatus string

const (
	StatusIdle            AgentStatus = "idle"
	StatusWorking         AgentStatus = "working"
	StatusAnswerPublished AgentStatus = "answer_published"
	StatusVoted           AgentStatus = "voted"
	StatusRestarted       AgentStatus = "restarted"
	StatusCompleted       AgentStatus = "completed"
	StatusFailed          AgentStatus = "failed"
)

// Answer is an immutable record published by its author. Labels are unique
// within a session; Attempt increments per agent starting at 1. The winner's
// final answer carries FinalSuffix appended to its label.
type Answer struct {
	Label      string
	Author     AgentID
	Attempt    int
	Content    string
	SnapshotID string
	CreatedAt  time.Time
}

// FinalSuffix is appended to the winning agent's label when it is
// re-published as the session's final answer (§3: "a designated final
// answer from the winner carries the suffix .final").
const FinalSuffix = ".final"

// Vote records one voter's current choice. At most one active Vote exists
// per voter; casting again replaces the prior one.
type Vote struct {
	Voter       AgentID
	TargetLabel string
	Reason      string
	CastAt      time.Time
}

// ImmutableView is a deep, read-only copy of CoordinationState handed to
// Agent Runners so they can build their next prompt without ever observing
// a mutation in progress. Grounded on run/inmem.Store's copy-on-read
// discipline for Labels/Metadata, generalized to the full state here.
type ImmutableView struct {
	Generation     Generation
	Answers        []Answer
	LatestByAuthor map[AgentID]Answer
	Votes          map[AgentID]Vote
	Status         map[AgentID]AgentStatus
}

func cloneAnswers(src []Answer) []Answer {
	if src == nil {
		return nil
	}
	out := make([]Answer, len(src))
	copy(out, src)
	return out
}

func cloneAnswerMap(src map[AgentID]Answer) map[AgentID]Answer {
	out := make(map[AgentID]Answer, len(src))
	for k, v := range src {
		out[k] = v
	}
	return out
}

func cloneVoteMap(src map[AgentID]Vote) map[AgentID]Vote {
	out := make(map[AgentID]Vote, len(src))
	for k, v := range src {
		out[k] = v
	}
	return out
}

func cloneStatusMap(src map[AgentID]AgentStatus) map[AgentID]AgentStatus {
	out := make(map[AgentID]AgentStatus, len(src))
	for k, v := range src {
		out[k] = v
	}
	return out
}
