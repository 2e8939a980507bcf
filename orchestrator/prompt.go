package orchestrator

import (
	"fmt"
	"sort"
	"strings"

	"github.com/massgen-ai/coordination-core/backend"
	"github.com/massgen-ai/coordination-core/coordination"
	"github.com/massgen-ai/coordination-core/tools"
)

// BuildPrompt renders the ordered sections of §6's prompt template contract
// into a backend.Request: the system prompt goes in SystemPrompt, and the
// user task, the "latest answers from other agents" block, the current vote
// tally, this agent's own last answer (if any), the final-presentation block
// (finalMode) or the planning-mode instruction (if enabled), and the
// available-tools list are rendered as headed sections of the text of a
// single user message.
//
// reprompt adds §4.4's tie-break instruction as one more section of that
// message, just before the available-tools list, when the agent's previous
// turn stopped without a coordination-tool call.
// hints carries deferred side-effecting tool calls replayed for a winner's
// final-presentation turn (nil for every ordinary Working turn).
func BuildPrompt(cfg SessionConfig, agent AgentDescriptor, task string, view coordination.ImmutableView, reprompt bool, finalMode bool, hints []tools.DeferredCall) backend.Request {
	var b strings.Builder

	fmt.Fprintf(&b, "# Task\n\n%s\n\n", task)

	others := otherAgentsLatestAnswers(tools.AgentID(agent.AgentID), view)
	b.WriteString("# Latest answers from other agents\n\n")
	if len(others) == 0 {
		b.WriteString("(none yet)\n\n")
	} else {
		for _, a := range others {
			fmt.Fprintf(&b, "- %s (by %s): %s\n", a.Label, a.Author, a.Content)
		}
		b.WriteString("\n")
	}

	b.WriteString("# Current vote tally\n\n")
	tally := voteTally(view)
	if len(tally) == 0 {
		b.WriteString("(no votes yet)\n\n")
	} else {
		for _, row := range tally {
			fmt.Fprintf(&b, "- %s: %d vote(s)\n", row.label, row.count)
		}
		b.WriteString("\n")
	}

	if own, ok := view.LatestByAuthor[tools.AgentID(agent.AgentID)]; ok {
		fmt.Fprintf(&b, "# Your own last answer (%s)\n\n%s\n\n", own.Label, own.Content)
	}

	if finalMode {
		b.WriteString("# Final presentation\n\nYou were selected as the winner. Planning-mode restrictions are lifted: side-effecting tools you deferred during coordination may now run for real.\n\n")
		if len(hints) > 0 {
			b.WriteString("Deferred tool calls from coordination, replayed as hints:\n")
			for _, h := range hints {
				fmt.Fprintf(&b, "- %s(%s)\n", h.Name, string(h.Payload))
			}
			b.WriteString("\n")
		}
	} else if cfg.PlanningMode && cfg.PlanningModeInstruction != "" {
		fmt.Fprintf(&b, "# Planning mode\n\n%s\n\n", cfg.PlanningModeInstruction)
	}

	if reprompt {
		b.WriteString("# Action required\n\nYour last turn ended without publishing an answer or casting a vote. You must call either new_answer or vote before stopping.\n\n")
	}

	b.WriteString("# Available tools\n\n")
	for _, t := range agent.AvailableTools {
		fmt.Fprintf(&b, "- %s\n", t)
	}

	return backend.Request{
		SystemPrompt: agent.SystemPrompt,
		Messages: []backend.Message{
			{Role: backend.RoleUser, Parts: []backend.Part{backend.TextPart{Text: b.String()}}},
		},
	}
}

// otherAgentsLatestAnswers returns every answer in LatestByAuthor authored
// by an agent other than self, sorted by label for deterministic prompts.
// Per §6, agents must never see an answer no longer in LatestByAuthor —
// view already guarantees that, since LatestByAuthor holds exactly the
// current latest answers.
func otherAgentsLatestAnswers(self tools.AgentID, view coordination.ImmutableView) []coordination.Answer {
	out := make([]coordination.Answer, 0, len(view.LatestByAuthor))
	for author, answer := range view.LatestByAuthor {
		if author == self {
			continue
		}
		out = append(out, answer)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Label < out[j].Label })
	return out
}

type tallyRow struct {
	label string
	count int
}

func voteTally(view coordination.ImmutableView) []tallyRow {
	counts := make(map[string]int, len(view.Votes))
	for _, v := range view.Votes {
		counts[v.TargetLabel]++
	}
	rows := make([]tallyRow, 0, len(counts))
	for label, count := range counts {
		rows = append(rows, tallyRow{label: label, count: count})
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].count != rows[j].count {
			return rows[i].count > rows[j].count
		}
		return rows[i].label < rows[j].label
	})
	return rows
}
