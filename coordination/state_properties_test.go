package coordination

import (
	"context"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// action is one scripted mutation against a fresh State, generated and
// replayed by the properties below. Grounded on
// registry/store/mongo/mongo_test.go's gopter-property shape, adapted from
// "generate a value, round-trip it through a store" to "generate a
// sequence of coordination actions, replay them, check an invariant holds
// of the resulting state at every step".
type action struct {
	kind   string // "answer" or "vote"
	agent  string
	target string // agent whose current latest answer a "vote" action targets
}

func genAgent() gopter.Gen {
	return gen.OneConstOf("agent1", "agent2", "agent3")
}

func genAction() gopter.Gen {
	return gopter.CombineGens(genAgent(), gen.OneConstOf("answer", "vote"), genAgent()).Map(func(vals []any) action {
		return action{agent: vals[0].(string), kind: vals[1].(string), target: vals[2].(string)}
	})
}

func genActionSlice() gopter.Gen {
	return gen.SliceOfN(30, genAction())
}

// replay applies actions to a fresh State, tracking the generation and
// full state snapshot observed after each step, and returns the sequence
// of snapshots (one per successfully applied action) for the properties to
// check. Vote actions target the current latest answer of action.target if
// one exists; otherwise the action is a no-op (an invalid vote is simply
// rejected by ApplyVote, matching real Router behavior).
func replay(actions []action) []ImmutableView {
	s := NewState()
	ctx := context.Background()
	for _, a := range []string{"agent1", "agent2", "agent3"} {
		s.RegisterAgent(AgentID(a))
	}

	var views []ImmutableView
	for _, act := range actions {
		switch act.kind {
		case "answer":
			if _, err := s.ApplyNewAnswer(ctx, AgentID(act.agent), "content for "+act.agent, "snap-"+act.agent); err != nil {
				continue
			}
		case "vote":
			view := s.Snapshot()
			target, ok := view.LatestByAuthor[AgentID(act.target)]
			if !ok {
				continue
			}
			if err := s.ApplyVote(ctx, AgentID(act.agent), target.Label, "auto"); err != nil {
				continue
			}
		}
		views = append(views, s.Snapshot())
	}
	return views
}

func TestPropertyAttemptsContiguousPerAgent(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("every agent's attempts are contiguous from 1 and unique per (agent, attempt)", prop.ForAll(
		func(actions []action) bool {
			views := replay(actions)
			if len(views) == 0 {
				return true
			}
			final := views[len(views)-1]

			seen := make(map[string]map[int]bool)
			for _, a := range final.Answers {
				if seen[string(a.Author)] == nil {
					seen[string(a.Author)] = make(map[int]bool)
				}
				if seen[string(a.Author)][a.Attempt] {
					return false // duplicate (agent, attempt)
				}
				seen[string(a.Author)][a.Attempt] = true
			}
			for _, attempts := range seen {
				maxAttempt := 0
				for n := range attempts {
					if n > maxAttempt {
						maxAttempt = n
					}
				}
				for i := 1; i <= maxAttempt; i++ {
					if !attempts[i] {
						return false // gap in the contiguous sequence
					}
				}
			}
			return true
		},
		genActionSlice(),
	))

	properties.TestingRun(t)
}

func TestPropertyVoteTargetsAlwaysCurrentLatest(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("no vote ever targets a label outside latest_by_author at the same generation", prop.ForAll(
		func(actions []action) bool {
			for _, view := range replay(actions) {
				current := make(map[string]bool, len(view.LatestByAuthor))
				for _, a := range view.LatestByAuthor {
					current[a.Label] = true
				}
				for _, v := range view.Votes {
					if !current[v.TargetLabel] {
						return false
					}
				}
			}
			return true
		},
		genActionSlice(),
	))

	properties.TestingRun(t)
}

func TestPropertyGenerationStrictlyMonotonic(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("generation strictly increases across successfully applied mutations", prop.ForAll(
		func(actions []action) bool {
			views := replay(actions)
			for i := 1; i < len(views); i++ {
				if views[i].Generation <= views[i-1].Generation {
					return false
				}
			}
			return true
		},
		genActionSlice(),
	))

	properties.TestingRun(t)
}

func TestPropertyWinnerIsPureFunctionOfState(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("running Winner twice on the same snapshot yields the same result", prop.ForAll(
		func(actions []action) bool {
			views := replay(actions)
			if len(views) == 0 {
				return true
			}
			final := views[len(views)-1]
			w1, ok1 := Winner(final)
			w2, ok2 := Winner(final)
			return ok1 == ok2 && w1 == w2
		},
		genActionSlice(),
	))

	properties.TestingRun(t)
}

func TestPropertyConsensusIsPureFunctionOfState(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("Consensus is a pure, repeatable function of the snapshot it is given", prop.ForAll(
		func(actions []action) bool {
			for _, view := range replay(actions) {
				if Consensus(view) != Consensus(view) {
					return false
				}
			}
			return true
		},
		genActionSlice(),
	))

	properties.TestingRun(t)
}

func TestPropertyRepeatedIdenticalVoteIsIdempotent(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("apply_vote(v, t, r) then apply_vote(v, t, r) again leaves the vote's target and reason unchanged", prop.ForAll(
		func(voter, target string) bool {
			s := NewState()
			ctx := context.Background()
			s.RegisterAgent(AgentID(voter))
			s.RegisterAgent(AgentID(target))

			label, err := s.ApplyNewAnswer(ctx, AgentID(target), "content", "snap")
			if err != nil {
				return false
			}
			if err := s.ApplyVote(ctx, AgentID(voter), label, "reason"); err != nil {
				return false
			}
			before := s.Snapshot().Votes[AgentID(voter)]

			if err := s.ApplyVote(ctx, AgentID(voter), label, "reason"); err != nil {
				return false
			}
			after := s.Snapshot().Votes[AgentID(voter)]

			return before.TargetLabel == after.TargetLabel && before.Reason == after.Reason
		},
		genAgent(),
		genAgent(),
	))

	properties.TestingRun(t)
}
