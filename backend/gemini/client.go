// Package gemini adapts Google's Gen AI (Gemini) streaming API to
// backend.Client.
//
// No pack repo's chosen teacher covers Gemini; the adapter structure here
// mirrors backend/openai sibling-wise (a background goroutine pumping the
// provider iterator into a channel read by Recv; each complete function
// call is emitted as a start/argument/end event triple), and the SDK call
// shape (google.golang.org/genai's Models.GenerateContentStream, a Go 1.23
// iter.Seq2 iterator) is grounded on haasonsaas-nexus's Gemini provider,
// the only pack repo that integrates this SDK.
package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"google.golang.org/genai"

	"github.com/massgen-ai/coordination-core/backend"
)

// Client implements backend.Client via the Gemini GenerateContentStream API.
type Client struct {
	sdk   *genai.Client
	model string
	limit *backend.RateLimiter
	retry backend.RetryPolicy
}

// New constructs a Gemini-backed backend.Client. Stream establishment uses
// backend.DefaultRetryPolicy for transient failures (§4.1).
func New(ctx context.Context, apiKey, model string, limiter *backend.RateLimiter) (*Client, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{APIKey: apiKey, Backend: genai.BackendGeminiAPI})
	if err != nil {
		return nil, fmt.Errorf("gemini: new client: %w", err)
	}
	return &Client{sdk: client, model: model, limit: limiter, retry: backend.DefaultRetryPolicy}, nil
}

// Stream starts a GenerateContentStream call. Unlike the other adapters,
// GenerateContentStream never returns an error synchronously: the SDK's
// iter.Seq2 iterator only reports a failed call once the first item is
// pulled. peekedStreamer absorbs that first Recv so a transient failure can
// still be retried here instead of surfacing through the first turn event.
func (c *Client) Stream(ctx context.Context, req backend.Request) (backend.Streamer, error) {
	if c.limit != nil {
		if err := c.limit.Wait(ctx, estimateTokens(req)); err != nil {
			return nil, fmt.Errorf("gemini: rate limit wait: %w", err)
		}
	}

	contents := encodeMessages(req.Messages)
	config := &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(req.SystemPrompt, genai.RoleUser),
		Tools:             encodeTools(req.Tools),
	}

	result, err := backend.StartStreamWithRetry(ctx, c.retry, backend.IsTransient, func() (backend.Streamer, error) {
		iterSeq := c.sdk.Models.GenerateContentStream(ctx, c.model, contents, config)
		s := newStreamer(ctx, iterSeq)
		first, ferr := s.Recv()
		if ferr != nil && !errors.Is(ferr, io.EOF) {
			s.Close()
			return nil, ferr
		}
		return &peekedStreamer{Streamer: s, first: first, firstErr: ferr}, nil
	})
	if err != nil {
		return nil, fmt.Errorf("gemini: start stream: %w", err)
	}
	if c.limit != nil {
		c.limit.ReportSuccess()
	}
	return result, nil
}

// peekedStreamer replays a single already-consumed Event (and/or error)
// before falling through to the wrapped Streamer's own Recv.
type peekedStreamer struct {
	backend.Streamer
	first    backend.Event
	firstErr error
	consumed bool
}

func (p *peekedStreamer) Recv() (backend.Event, error) {
	if !p.consumed {
		p.consumed = true
		return p.first, p.firstErr
	}
	return p.Streamer.Recv()
}

type streamer struct {
	cancel context.CancelFunc
	events chan backend.Event
	err    error

	openCallName string
	callCounter  int
}

func newStreamer(ctx context.Context, iterSeq func(func(*genai.GenerateContentResponse, error) bool)) backend.Streamer {
	cctx, cancel := context.WithCancel(ctx)
	s := &streamer{cancel: cancel, events: make(chan backend.Event, 32)}
	go s.run(cctx, iterSeq)
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
	return nil
}

func (s *streamer) Metadata() map[string]any { return nil }

func (s *streamer) run(ctx context.Context, iterSeq func(func(*genai.GenerateContentResponse, error) bool)) {
	defer close(s.events)

	var streamErr error
	iterSeq(func(resp *genai.GenerateContentResponse, err error) bool {
		select {
		case <-ctx.Done():
			streamErr = ctx.Err()
			return false
		default:
		}
		if err != nil {
			streamErr = err
			return false
		}
		if resp == nil {
			return true
		}
		for _, ev := range s.translate(resp) {
			select {
			case s.events <- ev:
			case <-ctx.Done():
				streamErr = ctx.Err()
				return false
			}
		}
		return true
	})
	s.err = streamErr
}

func (s *streamer) translate(resp *genai.GenerateContentResponse) []backend.Event {
	var out []backend.Event
	for _, candidate := range resp.Candidates {
		if candidate == nil || candidate.Content == nil {
			continue
		}
		for _, part := range candidate.Content.Parts {
			if part == nil {
				continue
			}
			if part.Text != "" {
				out = append(out, backend.Event{Kind: backend.EventTextDelta, Text: part.Text})
			}
			if part.FunctionCall != nil {
				s.callCounter++
				callID := fmt.Sprintf("gemini-call-%d", s.callCounter)
				argsJSON, err := json.Marshal(part.FunctionCall.Args)
				if err != nil {
					argsJSON = []byte("{}")
				}
				out = append(out,
					backend.Event{Kind: backend.EventToolCallStart, ToolCallID: callID, ToolCallName: part.FunctionCall.Name},
					backend.Event{Kind: backend.EventToolCallArgDelta, ToolCallID: callID, ArgDelta: string(argsJSON)},
					backend.Event{Kind: backend.EventToolCallEnd, ToolCallID: callID},
				)
			}
		}
		if candidate.FinishReason != "" {
			out = append(out, backend.Event{Kind: backend.EventTurnEnd, StopReason: translateFinishReason(candidate.FinishReason)})
		}
	}
	return out
}

func translateFinishReason(reason genai.FinishReason) backend.StopReason {
	switch reason {
	case genai.FinishReasonStop:
		return backend.StopReasonStop
	case genai.FinishReasonMaxTokens:
		return backend.StopReasonLengthLimit
	default:
		return backend.StopReasonStop
	}
}

func encodeMessages(msgs []backend.Message) []*genai.Content {
	out := make([]*genai.Content, 0, len(msgs))
	for _, m := range msgs {
		role := genai.RoleUser
		if m.Role == backend.RoleAssistant {
			role = genai.RoleModel
		}
		var parts []*genai.Part
		for _, p := range m.Parts {
			switch part := p.(type) {
			case backend.TextPart:
				parts = append(parts, genai.NewPartFromText(part.Text))
			case backend.ToolResultPart:
				var payload map[string]any
				_ = json.Unmarshal([]byte(part.Content), &payload)
				parts = append(parts, genai.NewPartFromFunctionResponse(part.CallID, payload))
			}
		}
		out = append(out, &genai.Content{Role: role, Parts: parts})
	}
	return out
}

func encodeTools(descs []backend.ToolDescriptor) []*genai.Tool {
	if len(descs) == 0 {
		return nil
	}
	decls := make([]*genai.FunctionDeclaration, 0, len(descs))
	for _, d := range descs {
		var schema *genai.Schema
		_ = json.Unmarshal(d.InputSchema, &schema)
		decls = append(decls, &genai.FunctionDeclaration{
			Name:        d.Name,
			Description: d.Description,
			Parameters:  schema,
		})
	}
	return []*genai.Tool{{FunctionDeclarations: decls}}
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
