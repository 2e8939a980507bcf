// Package bedrock adapts the AWS Bedrock Converse streaming API to
// backend.Client.
//
// Grounded on features/model/bedrock/client.go and stream.go: a
// ConverseStream call returns an event stream pumped by a background
// goroutine, and provider throttling is classified via smithy.APIError
// rather than a string match on the error text.
package bedrock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"github.com/aws/smithy-go"
	"github.com/aws/smithy-go/document"
	smithyhttp "github.com/aws/smithy-go/transport/http"

	"github.com/massgen-ai/coordination-core/backend"
)

// Client implements backend.Client via AWS Bedrock's Converse API.
type Client struct {
	aws     *bedrockruntime.Client
	modelID string
	limit   *backend.RateLimiter
	retry   backend.RetryPolicy
}

// New constructs a Bedrock-backed backend.Client bound to modelID (a
// Bedrock model identifier or inference profile ARN). Stream establishment
// uses backend.DefaultRetryPolicy for transient failures (§4.1).
func New(aws *bedrockruntime.Client, modelID string, limiter *backend.RateLimiter) *Client {
	return &Client{aws: aws, modelID: modelID, limit: limiter, retry: backend.DefaultRetryPolicy}
}

// Stream starts a ConverseStream call.
func (c *Client) Stream(ctx context.Context, req backend.Request) (backend.Streamer, error) {
	if c.limit != nil {
		if err := c.limit.Wait(ctx, estimateTokens(req)); err != nil {
			return nil, fmt.Errorf("bedrock: rate limit wait: %w", err)
		}
	}

	messages, err := encodeMessages(req.Messages)
	if err != nil {
		return nil, fmt.Errorf("bedrock: encode messages: %w", err)
	}

	input := &bedrockruntime.ConverseStreamInput{
		ModelId:  &c.modelID,
		Messages: messages,
		System:   []brtypes.SystemContentBlock{&brtypes.SystemContentBlockMemberText{Value: req.SystemPrompt}},
	}
	if toolConfig := encodeTools(req.Tools); toolConfig != nil {
		input.ToolConfig = toolConfig
	}

	throttled := false
	classify := func(err error) bool {
		if isRateLimited(err) {
			throttled = true
			return true
		}
		return backend.IsTransient(err)
	}

	result, err := backend.StartStreamWithRetry(ctx, c.retry, classify, func() (backend.Streamer, error) {
		out, err := c.aws.ConverseStream(ctx, input)
		if err != nil {
			return nil, err
		}
		return newStreamer(ctx, out.GetStream()), nil
	})
	if err != nil {
		if throttled && c.limit != nil {
			c.limit.ReportThrottled()
		}
		return nil, fmt.Errorf("bedrock: converse stream: %w", err)
	}
	if c.limit != nil {
		c.limit.ReportSuccess()
	}
	return result, nil
}

type eventStream interface {
	Events() <-chan bedrockruntime.ConverseStreamOutput
	Close() error
	Err() error
}

type streamer struct {
	cancel context.CancelFunc
	stream eventStream
	events chan backend.Event
	err    error

	openCallID   string
	openCallName string
}

func newStreamer(ctx context.Context, stream eventStream) backend.Streamer {
	cctx, cancel := context.WithCancel(ctx)
	s := &streamer{cancel: cancel, stream: stream, events: make(chan backend.Event, 32)}
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

	for raw := range s.stream.Events() {
		for _, ev := range s.translate(raw) {
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

func (s *streamer) translate(event bedrockruntime.ConverseStreamOutput) []backend.Event {
	switch e := event.(type) {
	case *brtypes.ConverseStreamOutputMemberContentBlockStart:
		if toolUse := e.Value.Start; toolUse != nil {
			if member, ok := toolUse.(*brtypes.ContentBlockStartMemberToolUse); ok {
				s.openCallID = *member.Value.ToolUseId
				s.openCallName = *member.Value.Name
				return []backend.Event{{Kind: backend.EventToolCallStart, ToolCallID: s.openCallID, ToolCallName: s.openCallName}}
			}
		}
	case *brtypes.ConverseStreamOutputMemberContentBlockDelta:
		switch delta := e.Value.Delta.(type) {
		case *brtypes.ContentBlockDeltaMemberText:
			return []backend.Event{{Kind: backend.EventTextDelta, Text: delta.Value}}
		case *brtypes.ContentBlockDeltaMemberToolUse:
			if delta.Value.Input != nil {
				return []backend.Event{{Kind: backend.EventToolCallArgDelta, ToolCallID: s.openCallID, ArgDelta: *delta.Value.Input}}
			}
		}
	case *brtypes.ConverseStreamOutputMemberContentBlockStop:
		if s.openCallID != "" {
			callID := s.openCallID
			s.openCallID = ""
			return []backend.Event{{Kind: backend.EventToolCallEnd, ToolCallID: callID}}
		}
	case *brtypes.ConverseStreamOutputMemberMessageStop:
		return []backend.Event{{Kind: backend.EventTurnEnd, StopReason: translateStopReason(e.Value.StopReason)}}
	}
	return nil
}

func translateStopReason(reason brtypes.StopReason) backend.StopReason {
	switch reason {
	case brtypes.StopReasonToolUse:
		return backend.StopReasonToolUse
	case brtypes.StopReasonMaxTokens:
		return backend.StopReasonLengthLimit
	default:
		return backend.StopReasonStop
	}
}

func encodeMessages(msgs []backend.Message) ([]brtypes.Message, error) {
	out := make([]brtypes.Message, 0, len(msgs))
	for _, m := range msgs {
		role := brtypes.ConversationRoleUser
		if m.Role == backend.RoleAssistant {
			role = brtypes.ConversationRoleAssistant
		}
		var blocks []brtypes.ContentBlock
		for _, p := range m.Parts {
			switch part := p.(type) {
			case backend.TextPart:
				blocks = append(blocks, &brtypes.ContentBlockMemberText{Value: part.Text})
			case backend.ToolUsePart:
				var input map[string]any
				_ = json.Unmarshal(part.Args, &input)
				blocks = append(blocks, &brtypes.ContentBlockMemberToolUse{Value: brtypes.ToolUseBlock{
					ToolUseId: &part.CallID,
					Name:      &part.Name,
					Input:     lazyDocument(input),
				}})
			case backend.ToolResultPart:
				status := brtypes.ToolResultStatusSuccess
				if part.IsError {
					status = brtypes.ToolResultStatusError
				}
				blocks = append(blocks, &brtypes.ContentBlockMemberToolResult{Value: brtypes.ToolResultBlock{
					ToolUseId: &part.CallID,
					Status:    status,
					Content:   []brtypes.ToolResultContentBlock{&brtypes.ToolResultContentBlockMemberText{Value: part.Content}},
				}})
			}
		}
		out = append(out, brtypes.Message{Role: role, Content: blocks})
	}
	return out, nil
}

func encodeTools(descs []backend.ToolDescriptor) *brtypes.ToolConfiguration {
	if len(descs) == 0 {
		return nil
	}
	tools := make([]brtypes.Tool, 0, len(descs))
	for _, d := range descs {
		var schema map[string]any
		_ = json.Unmarshal(d.InputSchema, &schema)
		name, desc := d.Name, d.Description
		tools = append(tools, &brtypes.ToolMemberToolSpec{Value: brtypes.ToolSpecification{
			Name:        &name,
			Description: &desc,
			InputSchema: &brtypes.ToolInputSchemaMemberJson{Value: lazyDocument(schema)},
		}})
	}
	return &brtypes.ToolConfiguration{Tools: tools}
}

func lazyDocument(v any) document.Interface {
	return document.NewLazyDocument(&v)
}

func isRateLimited(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, backend.ErrRateLimited) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "ThrottlingException", "TooManyRequestsException":
			return true
		}
	}
	var respErr *smithyhttp.ResponseError
	if errors.As(err, &respErr) && respErr.HTTPStatusCode() == 429 {
		return true
	}
	return false
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
