// Package orchestrator implements the Orchestrator (C6): the top-level
// session driver that spawns one Agent Runner per configured agent, applies
// their RunnerEvents to Coordination State, issues restart signals, detects
// consensus, and drives the winner's final-presentation turn.
package orchestrator

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// AgentDescriptor configures one participating agent (§6's "agents" session
// configuration option).
type AgentDescriptor struct {
	AgentID        string   `yaml:"agent_id"`
	BackendRef     string   `yaml:"backend_ref"`
	SystemPrompt   string   `yaml:"system_prompt"`
	AvailableTools []string `yaml:"available_tools"`
}

// SessionConfig is the plain, yaml-tagged configuration struct recognized by
// a session (§6's "Session configuration (recognized options)"). Reading
// the file from disk and the flag layer live in cmd/coordination-core;
// ParseSessionConfig covers only the "turn bytes into a validated struct"
// step.
type SessionConfig struct {
	Agents                  []AgentDescriptor `yaml:"agents"`
	PlanningMode            bool              `yaml:"planning_mode"`
	PlanningModeInstruction string            `yaml:"planning_mode_instruction"`
	SessionTimeout          time.Duration     `yaml:"session_timeout"`
	TurnTimeout             time.Duration     `yaml:"turn_timeout"`
	ToolTimeout             time.Duration     `yaml:"tool_timeout"`
	MaxAttemptsPerAgent     int               `yaml:"max_attempts_per_agent"`
	WorkspaceRoot           string            `yaml:"workspace_root"`

	// MaxConsecutiveBackendFailures is §7's PermanentBackend threshold: a
	// Runner marks its agent Failed only after this many consecutive turn
	// errors, rather than on the first one.
	MaxConsecutiveBackendFailures int `yaml:"max_consecutive_backend_failures"`

	// RestartOnVoteTargetUpdate resolves §9's open question on whether a
	// runner with a currently-valid vote is restarted when the generation
	// advances without invalidating that vote. When true, such a runner is
	// restarted on every generation advance; when false (the default), it
	// is restarted only once its vote has been invalidated. Default false
	// matches the spec's own stated default policy.
	RestartOnVoteTargetUpdate bool `yaml:"restart_on_vote_target_update"`
}

// ParseSessionConfig unmarshals data (YAML) into a SessionConfig and applies
// the defaults named in §6 for any zero-valued duration/limit fields.
func ParseSessionConfig(data []byte) (SessionConfig, error) {
	var cfg SessionConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return SessionConfig{}, fmt.Errorf("orchestrator: parse session config: %w", err)
	}
	if len(cfg.Agents) == 0 {
		return SessionConfig{}, fmt.Errorf("orchestrator: session config requires at least one agent")
	}
	if cfg.SessionTimeout <= 0 {
		cfg.SessionTimeout = 30 * time.Minute
	}
	if cfg.TurnTimeout <= 0 {
		cfg.TurnTimeout = 5 * time.Minute
	}
	if cfg.ToolTimeout <= 0 {
		cfg.ToolTimeout = 60 * time.Second
	}
	if cfg.MaxAttemptsPerAgent <= 0 {
		cfg.MaxAttemptsPerAgent = 10
	}
	if cfg.WorkspaceRoot == "" {
		cfg.WorkspaceRoot = "session"
	}
	if cfg.MaxConsecutiveBackendFailures <= 0 {
		cfg.MaxConsecutiveBackendFailures = 3
	}
	return cfg, nil
}
