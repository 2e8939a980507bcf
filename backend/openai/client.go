// Package openai adapts the OpenAI Chat Completions streaming API to
// backend.Client, using the official github.com/openai/openai-go SDK.
//
// Grounded on features/model/openai/client.go's translate-request /
// translate-response shape, adapted here to openai-go's streaming client
// (the teacher's own adapter predates streaming support and used the
// now-superseded github.com/sashabaranov/go-openai client for
// non-streaming Complete only).
package openai

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/ssestream"

	"github.com/massgen-ai/coordination-core/backend"
)

// Client implements backend.Client via OpenAI Chat Completions streaming.
type Client struct {
	sdk   openai.Client
	model string
	limit *backend.RateLimiter
	retry backend.RetryPolicy
}

// New constructs an OpenAI-backed backend.Client. Stream establishment uses
// backend.DefaultRetryPolicy for transient failures (§4.1).
func New(apiKey, model string, limiter *backend.RateLimiter) *Client {
	return &Client{
		sdk:   openai.NewClient(option.WithAPIKey(apiKey)),
		model: model,
		limit: limiter,
		retry: backend.DefaultRetryPolicy,
	}
}

// Stream starts a Chat Completions streaming call.
func (c *Client) Stream(ctx context.Context, req backend.Request) (backend.Streamer, error) {
	if c.limit != nil {
		if err := c.limit.Wait(ctx, estimateTokens(req)); err != nil {
			return nil, fmt.Errorf("openai: rate limit wait: %w", err)
		}
	}

	messages := encodeMessages(req)
	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(c.model),
		Messages: messages,
		Tools:    encodeTools(req.Tools),
	}

	result, err := backend.StartStreamWithRetry(ctx, c.retry, backend.IsTransient, func() (backend.Streamer, error) {
		stream := c.sdk.Chat.Completions.NewStreaming(ctx, params)
		if stream.Err() != nil {
			return nil, stream.Err()
		}
		return newStreamer(ctx, stream), nil
	})
	if err != nil {
		if c.limit != nil {
			c.limit.ReportThrottled()
		}
		return nil, fmt.Errorf("openai: start stream: %w", err)
	}
	if c.limit != nil {
		c.limit.ReportSuccess()
	}
	return result, nil
}

type streamer struct {
	cancel context.CancelFunc
	stream *ssestream.Stream[openai.ChatCompletionChunk]
	events chan backend.Event
	err    error

	openCalls map[int64]string // tool-call index -> call id
}

func newStreamer(ctx context.Context, stream *ssestream.Stream[openai.ChatCompletionChunk]) backend.Streamer {
	cctx, cancel := context.WithCancel(ctx)
	s := &streamer{cancel: cancel, stream: stream, events: make(chan backend.Event, 32), openCalls: make(map[int64]string)}
	go s.run(cctx)
	return s
}

func (s *streamer) Recv() (backend.Event, error) {
	ev, ok := <-s.events
	if !ok {
		if s.err != nil {
			return backend.Event{}, s.err
		}
		return backend.Event{}, io.EOF
	}
	return ev, nil
}

func (s *streamer) Close() error {
	s.cancel()
	return s.stream.Close()
}

func (s *streamer) Metadata() map[string]any { return nil }

func (s *streamer) run(ctx context.Context) {
	defer close(s.events)
	defer s.stream.Close()

	for s.stream.Next() {
		chunk := s.stream.Current()
		for _, ev := range s.translate(chunk) {
			select {
			case s.events <- ev:
			case <-ctx.Done():
				s.err = ctx.Err()
				return
			}
		}
	}
	if err := s.stream.Err(); err != nil {
		s.err = err
	}
}

func (s *streamer) translate(chunk openai.ChatCompletionChunk) []backend.Event {
	if len(chunk.Choices) == 0 {
		return nil
	}
	choice := chunk.Choices[0]
	var out []backend.Event

	if choice.Delta.Content != "" {
		out = append(out, backend.Event{Kind: backend.EventTextDelta, Text: choice.Delta.Content})
	}

	for _, tc := range choice.Delta.ToolCalls {
		idx := tc.Index
		callID, started := s.openCalls[idx]
		if !started && tc.ID != "" {
			callID = tc.ID
			s.openCalls[idx] = callID
			out = append(out, backend.Event{Kind: backend.EventToolCallStart, ToolCallID: callID, ToolCallName: tc.Function.Name})
		}
		if tc.Function.Arguments != "" {
			out = append(out, backend.Event{Kind: backend.EventToolCallArgDelta, ToolCallID: callID, ArgDelta: tc.Function.Arguments})
		}
	}

	if choice.FinishReason != "" {
		for idx, callID := range s.openCalls {
			out = append(out, backend.Event{Kind: backend.EventToolCallEnd, ToolCallID: callID})
			delete(s.openCalls, idx)
		}
		out = append(out, backend.Event{Kind: backend.EventTurnEnd, StopReason: translateFinishReason(choice.FinishReason)})
	}
	return out
}

func translateFinishReason(reason string) backend.StopReason {
	switch reason {
	case "tool_calls":
		return backend.StopReasonToolUse
	case "length":
		return backend.StopReasonLengthLimit
	case "stop":
		return backend.StopReasonStop
	default:
		return backend.StopReasonStop
	}
}

func encodeMessages(req backend.Request) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(req.Messages)+1)
	if req.SystemPrompt != "" {
		out = append(out, openai.SystemMessage(req.SystemPrompt))
	}
	for _, m := range req.Messages {
		for _, p := range m.Parts {
			switch part := p.(type) {
			case backend.TextPart:
				if m.Role == backend.RoleAssistant {
					out = append(out, openai.AssistantMessage(part.Text))
				} else {
					out = append(out, openai.UserMessage(part.Text))
				}
			case backend.ToolResultPart:
				out = append(out, openai.ToolMessage(part.Content, part.CallID))
			}
		}
	}
	return out
}

func encodeTools(descs []backend.ToolDescriptor) []openai.ChatCompletionToolParam {
	out := make([]openai.ChatCompletionToolParam, 0, len(descs))
	for _, d := range descs {
		var schema map[string]any
		_ = json.Unmarshal(d.InputSchema, &schema)
		out = append(out, openai.ChatCompletionToolParam{
			Function: openai.FunctionDefinitionParam{
				Name:        d.Name,
				Description: openai.String(d.Description),
				Parameters:  schema,
			},
		})
	}
	return out
}

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
