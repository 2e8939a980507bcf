// Package backend implements the Backend Adapter (C1): one operation,
// StreamTurn, that turns a system prompt, message history, and a tool
// descriptor set into a lazy sequence of typed BackendEvents, with whatever
// translation the underlying provider requires kept entirely inside the
// adapter.
//
// Grounded on runtime/agent/model (model.Client, model.Streamer, model.Chunk,
// model.ToolDefinition): messages are typed parts (text, tool use, tool
// result) rather than a flattened string, and streaming is modeled as a
// pull-based Recv loop rather than a callback, so a Runner can interleave
// cancellation checks between chunks.
package backend

import (
	"context"
	"encoding/json"
	"errors"
)

// Role is the role of a Message in a conversation.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Part is implemented by every kind of message content this module needs:
// plain text, an assistant's private reasoning, a tool invocation, or a tool
// invocation's result being fed back to the model.
type Part interface{ isPart() }

// TextPart is plain human-readable content.
type TextPart struct{ Text string }

// ThinkingPart carries a provider's private reasoning trace, when the
// provider surfaces one. Never shown to other agents.
type ThinkingPart struct{ Text string }

// ToolUsePart records a tool call the assistant made, as reconstructed from
// a ToolCallStart/ToolCallArgDelta/ToolCallEnd sequence, for inclusion in
// the message history of later turns.
type ToolUsePart struct {
	CallID string
	Name   string
	Args   json.RawMessage
}

// ToolResultPart feeds a tool's result back into the conversation so the
// backend can continue the same turn.
type ToolResultPart struct {
	CallID  string
	Content string
	IsError bool
}

func (TextPart) isPart()       {}
func (ThinkingPart) isPart()   {}
func (ToolUsePart) isPart()    {}
func (ToolResultPart) isPart() {}

// Message is one turn of conversation history.
type Message struct {
	Role  Role
	Parts []Part
}

// ToolDescriptor is the enumerated, provider-agnostic shape of a tool's
// descriptor as presented to the backend; adapters translate this to
// whatever the underlying provider expects (function-calling schema,
// Bedrock tool spec, etc.) without leaking the provider's shape upward.
type ToolDescriptor struct {
	Name        string
	Description string
	InputSchema json.RawMessage
}

// StopReason enumerates why a turn ended.
type StopReason string

const (
	StopReasonStop        StopReason = "stop"
	StopReasonToolUse     StopReason = "tool_use"
	StopReasonLengthLimit StopReason = "length_limit"
	StopReasonError       StopReason = "error"
)

// EventKind discriminates the variant carried by an Event.
type EventKind int

const (
	EventTextDelta EventKind = iota
	EventToolCallStart
	EventToolCallArgDelta
	EventToolCallEnd
	EventTurnEnd
)

// Event is a single item in the lazy sequence a Streamer produces. Exactly
// the fields relevant to Kind are populated; this mirrors model.Chunk's
// discriminated-union shape but with this module's own four-plus-one
// variant set (§4.1).
type Event struct {
	Kind EventKind

	// EventTextDelta
	Text string

	// EventToolCallStart / EventToolCallArgDelta / EventToolCallEnd
	ToolCallID   string
	ToolCallName string
	ArgDelta     string

	// EventTurnEnd
	StopReason StopReason
	Err        error
}

// Request bundles everything StreamTurn needs for one turn.
type Request struct {
	SystemPrompt string
	Messages     []Message
	Tools        []ToolDescriptor
}

// Streamer delivers a turn's Events incrementally. Callers must drain Recv
// until it returns io.EOF (after the EventTurnEnd event, if the provider sent
// one) or another terminal error, then call Close. Grounded on model.Streamer.
type Streamer interface {
	Recv() (Event, error)
	Close() error
	Metadata() map[string]any
}

// Client is the provider-agnostic model client every backend/* adapter
// implements. Grounded on model.Client.
type Client interface {
	// Stream performs a streaming model invocation. Cancellation via ctx
	// must terminate the upstream network call promptly (bounded by one
	// network round trip) and release resources.
	Stream(ctx context.Context, req Request) (Streamer, error)
}

// ErrStreamingUnsupported indicates the provider adapter does not implement
// streaming for the requested configuration.
var ErrStreamingUnsupported = errors.New("backend: streaming not supported")

// ErrRateLimited indicates the provider rejected the request due to rate
// limiting after the adapter's internal retry budget was exhausted (§4.1:
// "transient network errors are retried internally up to a small bound with
// exponential backoff; persistent failure surfaces as TurnEnd(Error)").
var ErrRateLimited = errors.New("backend: rate limited")
