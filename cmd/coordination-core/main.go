// Command coordination-core runs one multi-agent coordination session from
// a YAML session config and a task prompt, wiring every component (C1-C7)
// together the way a host application would.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/massgen-ai/coordination-core/backend"
	"github.com/massgen-ai/coordination-core/backend/anthropic"
	"github.com/massgen-ai/coordination-core/backend/openai"
	"github.com/massgen-ai/coordination-core/coordination"
	"github.com/massgen-ai/coordination-core/hooks"
	"github.com/massgen-ai/coordination-core/journal"
	"github.com/massgen-ai/coordination-core/orchestrator"
	"github.com/massgen-ai/coordination-core/telemetry"
	"github.com/massgen-ai/coordination-core/tools"
	"github.com/massgen-ai/coordination-core/workspace"
)

func main() {
	configPath := flag.String("config", "session.yaml", "path to the session config YAML file")
	task := flag.String("task", "", "the task prompt given to every agent")
	journalPath := flag.String("journal", "", "optional path for a newline-delimited JSON event journal")
	flag.Parse()

	if *task == "" {
		fmt.Fprintln(os.Stderr, "coordination-core: -task is required")
		os.Exit(1)
	}

	if err := run(*configPath, *task, *journalPath); err != nil {
		fmt.Fprintln(os.Stderr, "coordination-core:", err)
		os.Exit(1)
	}
}

func run(configPath, task, journalPath string) error {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return fmt.Errorf("read session config: %w", err)
	}
	cfg, err := orchestrator.ParseSessionConfig(data)
	if err != nil {
		return err
	}

	backends, err := buildBackends(cfg)
	if err != nil {
		return err
	}

	ws, err := workspace.NewManager(cfg.WorkspaceRoot)
	if err != nil {
		return fmt.Errorf("create workspace manager: %w", err)
	}

	state := coordination.NewState()
	registry := tools.NewRegistry()
	router := tools.NewRouter(registry, state, workspace.NewToolSnapshotter(ws), cfg.PlanningMode)

	bus := hooks.NewBus()
	if journalPath != "" {
		sink, err := journal.NewFileSink(journalPath)
		if err != nil {
			return fmt.Errorf("open journal sink: %w", err)
		}
		if _, err := bus.Register(journal.NewSubscriber(sink, func(err error) {
			fmt.Fprintln(os.Stderr, "coordination-core: journal write failed:", err)
		})); err != nil {
			return fmt.Errorf("register journal subscriber: %w", err)
		}
	}

	logger := telemetry.NewClueLogger()
	orch := orchestrator.New(cfg, state, ws, router, bus, backends, logger)

	outcome, err := orch.RunSession(context.Background(), task)
	if err != nil {
		return fmt.Errorf("run session: %w", err)
	}

	fmt.Printf("winner: %s (final label %s)\n", outcome.WinnerAgent, outcome.FinalLabel)
	if outcome.ForcedWithoutVote {
		fmt.Println("note: winner was declared without a vote (degenerate-survivor fallback)")
	}
	fmt.Println()
	fmt.Println(outcome.FinalContent)
	return nil
}

// buildBackends constructs one backend.Client per distinct BackendRef named
// in cfg.Agents, recognizing the "anthropic:<model>" and "openai:<model>"
// forms; every agent sharing a ref shares the same RateLimiter, per
// RateLimiter's own doc comment ("call sites shared by concurrently running
// agents against the same provider account should share one instance").
func buildBackends(cfg orchestrator.SessionConfig) (map[string]backend.Client, error) {
	out := make(map[string]backend.Client)
	limiters := make(map[string]*backend.RateLimiter)

	for _, a := range cfg.Agents {
		if _, ok := out[a.BackendRef]; ok {
			continue
		}
		provider, model, err := splitBackendRef(a.BackendRef)
		if err != nil {
			return nil, err
		}

		limiter, ok := limiters[provider]
		if !ok {
			limiter = backend.NewRateLimiter(60000, 240000)
			limiters[provider] = limiter
		}

		switch provider {
		case "anthropic":
			apiKey := os.Getenv("ANTHROPIC_API_KEY")
			out[a.BackendRef] = anthropic.New(apiKey, model, limiter)
		case "openai":
			apiKey := os.Getenv("OPENAI_API_KEY")
			out[a.BackendRef] = openai.New(apiKey, model, limiter)
		default:
			return nil, fmt.Errorf("unknown backend provider %q in backend_ref %q", provider, a.BackendRef)
		}
	}
	return out, nil
}

func splitBackendRef(ref string) (provider, model string, err error) {
	for i := 0; i < len(ref); i++ {
		if ref[i] == ':' {
			return ref[:i], ref[i+1:], nil
		}
	}
	return "", "", fmt.Errorf("backend_ref %q must have the form \"<provider>:<model>\"", ref)
}
