package anthropic

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"
	"github.com/rs/zerolog"
	"github.com/termchat/termchat/llm"
)

const defaultMaxTokens = 1024

// AnthropicClient implements the llm.Client interface for Anthropic's
// Messages API. This is the hosted-message style backend: the system/style
// directive is attached through the request's System blocks rather than a
// message in the history, and increments arrive as an SSE event envelope.
type AnthropicClient struct {
	client           *anthropic.Client
	models           llm.ModelTable
	firstByteTimeout time.Duration
	logger           zerolog.Logger
}

// NewAnthropicClient creates a new AnthropicClient with the given API key.
func NewAnthropicClient(apiKey string, models llm.ModelTable, firstByteTimeout time.Duration, logger zerolog.Logger) (*AnthropicClient, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("api key is required")
	}

	client := anthropic.NewClient(option.WithAPIKey(apiKey))
	return &AnthropicClient{
		client:           &client,
		models:           models,
		firstByteTimeout: firstByteTimeout,
		logger:           logger.With().Str("component", "anthropic").Logger(),
	}, nil
}

// ResolveModelID implements llm.Client.ResolveModelID.
func (c *AnthropicClient) ResolveModelID(name string) (string, error) {
	return c.models.Resolve(name)
}

// Stream implements llm.Client.Stream.
func (c *AnthropicClient) Stream(ctx context.Context, req *llm.Request) (llm.Stream, error) {
	if req == nil {
		return nil, fmt.Errorf("request is required")
	}

	model, err := c.models.Resolve(req.Model)
	if err != nil {
		return nil, err
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: maxTokens,
		Messages:  toMessageParams(req.Messages),
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}
	if req.Temperature != nil {
		params.Temperature = anthropic.Float(*req.Temperature)
	}

	streamCtx, cancel := context.WithCancel(ctx)
	stream := c.client.Messages.NewStreaming(streamCtx, params)

	var buf *llm.EventBuffer
	buf = llm.NewEventBuffer(cancel, c.firstByteTimeout, func() {
		c.readStream(stream, buf)
	})
	return buf, nil
}

// readStream drains the SSE stream into the normalized event buffer.
func (c *AnthropicClient) readStream(stream *ssestream.Stream[anthropic.MessageStreamEventUnion], buf *llm.EventBuffer) {
	defer stream.Close() //nolint:errcheck // Best-effort cleanup

	var usage *llm.Usage
	stopReason := "stop"

	for stream.Next() {
		event := stream.Current()

		switch evt := event.AsAny().(type) {
		case anthropic.ContentBlockDeltaEvent:
			if delta, ok := evt.Delta.AsAny().(anthropic.TextDelta); ok && delta.Text != "" {
				buf.Push(delta.Text)
			}

		case anthropic.MessageDeltaEvent:
			// Carries the stop reason and final usage ahead of message_stop.
			if reason := string(evt.Delta.StopReason); reason != "" {
				stopReason = mapStopReason(reason)
			}
			usage = &llm.Usage{
				InputTokens:  evt.Usage.InputTokens,
				OutputTokens: evt.Usage.OutputTokens,
			}

		case anthropic.MessageStopEvent:
			buf.Finish(stopReason, usage)
			return
		}
	}

	if err := stream.Err(); err != nil {
		buf.Fail(convertAnthropicError(err))
		return
	}

	// SSE source closed without a message_stop event.
	buf.Finish(stopReason, usage)
}

// toMessageParams converts history messages to the Messages API shape.
// System-role entries never appear in the history handed to an adapter, but
// anything unexpected is sent as a user turn rather than dropped.
func toMessageParams(msgs []llm.Message) []anthropic.MessageParam {
	params := make([]anthropic.MessageParam, 0, len(msgs))
	for _, m := range msgs {
		block := anthropic.NewTextBlock(m.Content)
		if m.Role == llm.RoleAssistant {
			params = append(params, anthropic.NewAssistantMessage(block))
		} else {
			params = append(params, anthropic.NewUserMessage(block))
		}
	}
	return params
}

func mapStopReason(reason string) string {
	switch reason {
	case "end_turn", "stop_sequence":
		return "stop"
	case "max_tokens":
		return "max_tokens"
	default:
		return reason
	}
}

// convertAnthropicError converts Anthropic API errors to llm.Error types.
func convertAnthropicError(err error) error {
	if err == nil {
		return nil
	}

	if ctxErr := llm.FromContextError(err); ctxErr != nil {
		return ctxErr
	}

	var apiErr *anthropic.Error
	if !errors.As(err, &apiErr) {
		return llm.NewBackendUnavailableError("anthropic request failed", err)
	}

	switch {
	case apiErr.StatusCode >= http.StatusInternalServerError:
		return llm.NewBackendUnavailableError("anthropic server error", err)
	case apiErr.StatusCode >= http.StatusBadRequest:
		return llm.NewBackendRejectedError("anthropic rejected request", apiErr.StatusCode, err)
	default:
		return llm.NewBackendUnavailableError("anthropic API error", err)
	}
}

// Ensure AnthropicClient implements llm.Client.
var _ llm.Client = (*AnthropicClient)(nil)
