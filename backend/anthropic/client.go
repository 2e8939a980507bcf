// Package anthropic adapts the Anthropic Messages streaming API to
// backend.Client.
//
// Grounded on features/model/anthropic/stream.go: a background goroutine
// pumps ssestream events into a buffered channel so Recv can select between
// the next chunk and context cancellation, bounding cancellation latency to
// one pending network read.
package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/massgen-ai/coordination-core/backend"
)

// Client implements backend.Client via the Anthropic Messages API.
type Client struct {
	sdk   sdk.Client
	model string
	limit *backend.RateLimiter
	retry backend.RetryPolicy
}

// New constructs an Anthropic-backed backend.Client. limiter may be nil, in
// which case no rate shaping is applied locally (the SDK's own retry policy
// still applies). Stream establishment uses backend.DefaultRetryPolicy for
// transient failures (§4.1).
func New(apiKey, model string, limiter *backend.RateLimiter) *Client {
	return &Client{
		sdk:   sdk.NewClient(option.WithAPIKey(apiKey)),
		model: model,
		limit: limiter,
		retry: backend.DefaultRetryPolicy,
	}
}

// Stream starts a Messages streaming call and adapts it to backend.Streamer.
func (c *Client) Stream(ctx context.Context, req backend.Request) (backend.Streamer, error) {
	if c.limit != nil {
		if err := c.limit.Wait(ctx, estimateTokens(req)); err != nil {
			return nil, fmt.Errorf("anthropic: rate limit wait: %w", err)
		}
	}

	params := sdk.MessageNewParams{
		Model:     sdk.Model(c.model),
		MaxTokens: 8192,
		System:    []sdk.TextBlockParam{{Text: req.SystemPrompt}},
		Messages:  encodeMessages(req.Messages),
		Tools:     encodeTools(req.Tools),
	}

	result, err := backend.StartStreamWithRetry(ctx, c.retry, backend.IsTransient, func() (backend.Streamer, error) {
		stream := c.sdk.Messages.NewStreaming(ctx, params)
		if stream.Err() != nil {
			return nil, stream.Err()
		}
		return newStreamer(ctx, stream), nil
	})
	if err != nil {
		if c.limit != nil {
			c.limit.ReportThrottled()
		}
		return nil, fmt.Errorf("anthropic: start stream: %w", err)
	}
	if c.limit != nil {
		c.limit.ReportSuccess()
	}
	return result, nil
}

type streamer struct {
	cancel context.CancelFunc
	stream *ssestream.Stream[sdk.MessageStreamEventUnion]

	events chan backend.Event

	mu       sync.Mutex
	err      error
	metadata map[string]any

	openCalls map[int]string // content block index -> call id, for delta routing
}

func newStreamer(ctx context.Context, stream *ssestream.Stream[sdk.MessageStreamEventUnion]) backend.Streamer {
	cctx, cancel := context.WithCancel(ctx)
	s := &streamer{
		cancel:    cancel,
		stream:    stream,
		events:    make(chan backend.Event, 32),
		openCalls: make(map[int]string),
	}
	go s.run(cctx)
	return s
}

func (s *streamer) Recv() (backend.Event, error) {
	ev, ok := <-s.events
	if !ok {
		s.mu.Lock()
		err := s.err
		s.mu.Unlock()
		if err != nil {
			return backend.Event{}, err
		}
		return backend.Event{}, io.EOF
	}
	return ev, nil
}

func (s *streamer) Close() error {
	s.cancel()
	return s.stream.Close()
}

func (s *streamer) Metadata() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.metadata
}

func (s *streamer) run(ctx context.Context) {
	defer close(s.events)
	defer s.stream.Close()

	for s.stream.Next() {
		event := s.stream.Current()
		if ev, ok := s.translate(event); ok {
			select {
			case s.events <- ev:
			case <-ctx.Done():
				s.setErr(ctx.Err())
				return
			}
		}
	}
	if err := s.stream.Err(); err != nil && !errors.Is(err, io.EOF) {
		s.setErr(err)
	}
}

func (s *streamer) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err == nil {
		s.err = err
	}
}

func (s *streamer) translate(event sdk.MessageStreamEventUnion) (backend.Event, bool) {
	switch variant := event.AsAny().(type) {
	case sdk.ContentBlockStartEvent:
		if toolUse, ok := variant.ContentBlock.AsAny().(sdk.ToolUseBlock); ok {
			callID := toolUse.ID
			s.openCalls[int(variant.Index)] = callID
			return backend.Event{Kind: backend.EventToolCallStart, ToolCallID: callID, ToolCallName: toolUse.Name}, true
		}
	case sdk.ContentBlockDeltaEvent:
		switch delta := variant.Delta.AsAny().(type) {
		case sdk.TextDelta:
			return backend.Event{Kind: backend.EventTextDelta, Text: delta.Text}, true
		case sdk.InputJSONDelta:
			callID := s.openCalls[int(variant.Index)]
			return backend.Event{Kind: backend.EventToolCallArgDelta, ToolCallID: callID, ArgDelta: delta.PartialJSON}, true
		}
	case sdk.ContentBlockStopEvent:
		if callID, ok := s.openCalls[int(variant.Index)]; ok {
			delete(s.openCalls, int(variant.Index))
			return backend.Event{Kind: backend.EventToolCallEnd, ToolCallID: callID}, true
		}
	case sdk.MessageDeltaEvent:
		if stop := string(variant.Delta.StopReason); stop != "" {
			return backend.Event{Kind: backend.EventTurnEnd, StopReason: translateStopReason(stop)}, true
		}
	}
	return backend.Event{}, false
}

func translateStopReason(reason string) backend.StopReason {
	switch reason {
	case "tool_use":
		return backend.StopReasonToolUse
	case "max_tokens":
		return backend.StopReasonLengthLimit
	case "end_turn", "stop_sequence":
		return backend.StopReasonStop
	default:
		return backend.StopReasonStop
	}
}

func encodeMessages(msgs []backend.Message) []sdk.MessageParam {
	out := make([]sdk.MessageParam, 0, len(msgs))
	for _, m := range msgs {
		var blocks []sdk.ContentBlockParamUnion
		for _, p := range m.Parts {
			switch part := p.(type) {
			case backend.TextPart:
				blocks = append(blocks, sdk.NewTextBlock(part.Text))
			case backend.ToolUsePart:
				blocks = append(blocks, sdk.NewToolUseBlock(part.CallID, decodeArgs(part.Args), part.Name))
			case backend.ToolResultPart:
				blocks = append(blocks, sdk.NewToolResultBlock(part.CallID, part.Content, part.IsError))
			}
		}
		role := sdk.MessageParamRoleUser
		if m.Role == backend.RoleAssistant {
			role = sdk.MessageParamRoleAssistant
		}
		out = append(out, sdk.MessageParam{Role: role, Content: blocks})
	}
	return out
}

func encodeTools(descs []backend.ToolDescriptor) []sdk.ToolUnionParam {
	out := make([]sdk.ToolUnionParam, 0, len(descs))
	for _, d := range descs {
		var schema map[string]any
		_ = json.Unmarshal(d.InputSchema, &schema)
		out = append(out, sdk.ToolUnionParam{OfTool: &sdk.ToolParam{
			Name:        d.Name,
			Description: sdk.String(d.Description),
			InputSchema: sdk.ToolInputSchemaParam{ExtraFields: schema},
		}})
	}
	return out
}

func decodeArgs(raw json.RawMessage) any {
	var v any
	_ = json.Unmarshal(raw, &v)
	return v
}

// estimateTokens is a coarse cost estimate (4 bytes/token, a commonly used
// rule of thumb) used only to size the rate limiter's request, not to bill
// or report usage.
func estimateTokens(req backend.Request) int {
	total := len(req.SystemPrompt)
	for _, m := range req.Messages {
		for _, p := range m.Parts {
			if t, ok := p.(backend.TextPart); ok {
				total += len(t.Text)
			}
		}
	}
	return total/4 + 1
}
