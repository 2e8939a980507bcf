package coordination

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"
)

// State is the single-writer Coordination State (C5): answers, votes, and
// per-agent status, guarded by one sync.Mutex rather than sync.RWMutex,
// since the publish, vote and status operations all mutate generation. Agent Runners never
// hold a reference to State directly — they observe it only through the
// ImmutableView returned by Snapshot, passed into their next prompt.
//
// Grounded on run/inmem.Store: a single mutex, a plain map of records, and
// defensive deep copies at every read and write boundary.
type State struct {
	mu sync.Mutex

	generation     Generation
	answers        []Answer
	latestByAuthor map[AgentID]Answer
	votes          map[AgentID]Vote
	status         map[AgentID]AgentStatus
	attempts       map[AgentID]int

	closed bool
}

// NewState constructs an empty Coordination State for a fresh session.
func NewState() *State {
	return &State{
		latestByAuthor: make(map[AgentID]Answer),
		votes:          make(map[AgentID]Vote),
		status:         make(map[AgentID]AgentStatus),
		attempts:       make(map[AgentID]int),
	}
}

// RegisterAgent seeds status tracking for agent at StatusIdle. Must be
// called once per agent before any other operation references it.
func (s *State) RegisterAgent(agent AgentID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.status[agent]; !ok {
		s.status[agent] = StatusIdle
	}
}

// ApplyNewAnswer publishes content authored by agent, snapshotted at
// snapshotID, and returns its label ("agent{N}.{attempt}"). Implements
// tools.Coordinator so the Tool Router can call it directly.
func (s *State) ApplyNewAnswer(_ context.Context, agent AgentID, content, snapshotID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return "", ErrSessionClosed
	}
	if _, ok := s.status[agent]; !ok {
		return "", ErrUnknownAgent
	}

	s.attempts[agent]++
	attempt := s.attempts[agent]
	label := answerLabel(agent, attempt)

	answer := Answer{
		Label:      label,
		Author:     agent,
		Attempt:    attempt,
		Content:    content,
		SnapshotID: snapshotID,
		CreatedAt:  time.Now(),
	}
	s.answers = append(s.answers, answer)

	prior, hadPrior := s.latestByAuthor[agent]
	s.latestByAuthor[agent] = answer

	// Invariant 2: every vote's target must appear in latest_by_author's
	// values. Superseding our own prior answer invalidates any vote that
	// targeted it, synchronously, within the same mutation.
	if hadPrior {
		for voter, v := range s.votes {
			if v.TargetLabel == prior.Label {
				delete(s.votes, voter)
			}
		}
	}

	s.status[agent] = StatusAnswerPublished
	s.bumpGeneration()
	return label, nil
}

// ApplyVote casts or replaces voter's vote for targetLabel. Implements
// tools.Coordinator.
func (s *State) ApplyVote(_ context.Context, voter AgentID, targetLabel, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrSessionClosed
	}
	if _, ok := s.status[voter]; !ok {
		return ErrUnknownAgent
	}
	if !s.isCurrentLatest(targetLabel) {
		return ErrInvalidVoteTarget
	}

	s.votes[voter] = Vote{Voter: voter, TargetLabel: targetLabel, Reason: reason, CastAt: time.Now()}
	s.status[voter] = StatusVoted
	s.bumpGeneration()
	return nil
}

// ApplyStatus records a status transition for agent that is not itself a
// publish or vote (Working, Restarted, Completed, Failed). Status changes
// that affect visibility bump the generation, per §3.
func (s *State) ApplyStatus(agent AgentID, status AgentStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed && status != StatusCompleted && status != StatusFailed {
		return ErrSessionClosed
	}
	if _, ok := s.status[agent]; !ok {
		return ErrUnknownAgent
	}

	s.status[agent] = status
	s.bumpGeneration()

	if s.allTerminal() {
		s.closed = true
	}
	return nil
}

// isCurrentLatest reports whether label names some agent's current latest
// answer. Caller must hold s.mu.
func (s *State) isCurrentLatest(label string) bool {
	for _, a := range s.latestByAuthor {
		if a.Label == label {
			return true
		}
	}
	return false
}

// allTerminal reports whether every registered agent's status is Completed
// or Failed (§3 invariant 5, session-termination condition). Caller must
// hold s.mu.
func (s *State) allTerminal() bool {
	for _, st := range s.status {
		if st != StatusCompleted && st != StatusFailed {
			return false
		}
	}
	return len(s.status) > 0
}

// bumpGeneration increments generation. Caller must hold s.mu. Panics via
// InvariantViolation semantics are deliberately avoided here: an overflow of
// a uint64 generation counter within one session is not a reachable
// condition, so no wraparound guard is needed.
func (s *State) bumpGeneration() {
	s.generation++
}

// Closed reports whether the session has reached its termination condition
// and no longer accepts mutating operations.
func (s *State) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Freeze closes the session immediately, independent of allTerminal: the
// Orchestrator calls this the moment Consensus(view) turns true, since
// agents may still be mid-turn (not yet individually Completed) when
// consensus is first detected. Once frozen, ApplyNewAnswer and ApplyVote
// reject every call with ErrSessionClosed; ApplyStatus keeps accepting
// Completed/Failed transitions so stragglers can still wind down.
func (s *State) Freeze() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
}

// Snapshot returns a deep, read-only copy of the current state for use in
// building the next prompt or for the Orchestrator's consensus check.
func (s *State) Snapshot() ImmutableView {
	s.mu.Lock()
	defer s.mu.Unlock()
	return ImmutableView{
		Generation:     s.generation,
		Answers:        cloneAnswers(s.answers),
		LatestByAuthor: cloneAnswerMap(s.latestByAuthor),
		Votes:          cloneVoteMap(s.votes),
		Status:         cloneStatusMap(s.status),
	}
}

func answerLabel(agent AgentID, attempt int) string {
	return string(agent) + "." + strconv.Itoa(attempt)
}

// Consensus reports whether every registered agent has reached a terminal
// participation state with respect to coordination: for every agent A that
// is not Completed or Failed, either A has cast a vote targeting some answer still in LatestByAuthor,
// or A authored an answer in LatestByAuthor that currently receives at
// least one vote from another agent (§4.5's consensus predicate —
// equivalently, every live agent is either voting or is a vote target).
func Consensus(view ImmutableView) bool {
	if len(view.Status) == 0 {
		return false
	}

	votedFor := make(map[string]bool, len(view.Votes)) // label -> has at least one voter
	for _, v := range view.Votes {
		votedFor[v.TargetLabel] = true
	}

	for agent, st := range view.Status {
		if st == StatusFailed || st == StatusCompleted {
			continue
		}
		if _, voted := view.Votes[agent]; voted {
			continue
		}
		if answer, authored := view.LatestByAuthor[agent]; authored && votedFor[answer.Label] {
			continue
		}
		return false
	}
	return true
}

// Winner selects the winning answer from view by the algorithm in §4.6:
// highest vote count first, earliest CreatedAt as the first tiebreak, and
// lexicographically smallest agent_id as the final tiebreak. Returns false
// if view has no answers at all (nothing to select from).
func Winner(view ImmutableView) (Answer, bool) {
	if len(view.LatestByAuthor) == 0 {
		return Answer{}, false
	}

	counts := make(map[string]int, len(view.LatestByAuthor))
	for _, v := range view.Votes {
		counts[v.TargetLabel]++
	}

	candidates := make([]Answer, 0, len(view.LatestByAuthor))
	for _, a := range view.LatestByAuthor {
		candidates = append(candidates, a)
	}

	sort.Slice(candidates, func(i, j int) bool {
		ci, cj := counts[candidates[i].Label], counts[candidates[j].Label]
		if ci != cj {
			return ci > cj
		}
		if !candidates[i].CreatedAt.Equal(candidates[j].CreatedAt) {
			return candidates[i].CreatedAt.Before(candidates[j].CreatedAt)
		}
		return candidates[i].Author < candidates[j].Author
	})
	return candidates[0], true
}
