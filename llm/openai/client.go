package openai

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"github.com/termchat/termchat/llm"
)

// OpenAIClient implements the llm.Client interface for OpenAI-compatible
// completion APIs. This is the hosted-completion style backend: the full
// message history plus the style directive travel as chat messages, with the
// directive prepended as a system message.
type OpenAIClient struct {
	client           *openai.Client
	models           llm.ModelTable
	firstByteTimeout time.Duration
}

// NewOpenAIClient creates a new OpenAIClient.
// If apiKey is empty, it will return an error.
// If baseURL is empty, it will use the default OpenAI API endpoint.
func NewOpenAIClient(apiKey, baseURL, organization string, models llm.ModelTable, firstByteTimeout time.Duration) (*OpenAIClient, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("api key is required")
	}

	config := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		config.BaseURL = baseURL
	}
	if organization != "" {
		config.OrgID = organization
	}

	return &OpenAIClient{
		client:           openai.NewClientWithConfig(config),
		models:           models,
		firstByteTimeout: firstByteTimeout,
	}, nil
}

// ResolveModelID implements llm.Client.ResolveModelID.
func (c *OpenAIClient) ResolveModelID(name string) (string, error) {
	return c.models.Resolve(name)
}

// Stream implements llm.Client.Stream.
func (c *OpenAIClient) Stream(ctx context.Context, req *llm.Request) (llm.Stream, error) {
	if req == nil {
		return nil, fmt.Errorf("request is required")
	}

	model, err := c.models.Resolve(req.Model)
	if err != nil {
		return nil, err
	}

	chatReq := openai.ChatCompletionRequest{
		Model:    model,
		Messages: toOpenAIMessages(req),
		Stream:   true,
	}
	if req.MaxTokens > 0 {
		chatReq.MaxTokens = int(req.MaxTokens)
	}
	if req.Temperature != nil {
		chatReq.Temperature = float32(*req.Temperature)
	}

	streamCtx, cancel := context.WithCancel(ctx)
	stream, err := c.client.CreateChatCompletionStream(streamCtx, chatReq)
	if err != nil {
		cancel()
		return nil, convertOpenAIError(err)
	}

	var buf *llm.EventBuffer
	buf = llm.NewEventBuffer(cancel, c.firstByteTimeout, func() {
		c.readStream(stream, buf)
	})
	return buf, nil
}

// readStream drains the SDK stream into the normalized event buffer,
// preserving fragment arrival order.
func (c *OpenAIClient) readStream(stream *openai.ChatCompletionStream, buf *llm.EventBuffer) {
	defer stream.Close() //nolint:errcheck // Best-effort cleanup

	var usage *llm.Usage

	for {
		response, err := stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				// Stream ended without an explicit finish reason.
				buf.Finish("stop", usage)
				return
			}
			buf.Fail(convertOpenAIError(err))
			return
		}

		if response.Usage != nil {
			usage = &llm.Usage{
				InputTokens:  int64(response.Usage.PromptTokens),
				OutputTokens: int64(response.Usage.CompletionTokens),
			}
		}

		if len(response.Choices) == 0 {
			continue
		}
		choice := response.Choices[0]

		if choice.Delta.Content != "" {
			buf.Push(choice.Delta.Content)
		}

		if choice.FinishReason != "" {
			buf.Finish(mapFinishReason(choice.FinishReason), usage)
			return
		}
	}
}

// toOpenAIMessages converts the request history, prepending the system/style
// directive as a system message.
func toOpenAIMessages(req *llm.Request) []openai.ChatCompletionMessage {
	msgs := make([]openai.ChatCompletionMessage, 0, len(req.Messages)+1)
	if req.System != "" {
		msgs = append(msgs, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.System,
		})
	}
	for _, m := range req.Messages {
		msgs = append(msgs, openai.ChatCompletionMessage{
			Role:    string(m.Role),
			Content: m.Content,
		})
	}
	return msgs
}

func mapFinishReason(reason openai.FinishReason) string {
	switch reason {
	case openai.FinishReasonLength:
		return "max_tokens"
	case openai.FinishReasonStop:
		return "stop"
	default:
		return string(reason)
	}
}

// convertOpenAIError converts OpenAI API errors to llm.Error types.
func convertOpenAIError(err error) error {
	if err == nil {
		return nil
	}

	if ctxErr := llm.FromContextError(err); ctxErr != nil {
		return ctxErr
	}

	var apiErr *openai.APIError
	if !errors.As(err, &apiErr) {
		// Not an API error: connection refused, DNS failure, broken pipe.
		return llm.NewBackendUnavailableError("openai request failed", err)
	}

	switch {
	case apiErr.HTTPStatusCode >= http.StatusInternalServerError:
		return llm.NewBackendUnavailableError(
			fmt.Sprintf("openai server error: %s", apiErr.Message), err)
	case apiErr.HTTPStatusCode >= http.StatusBadRequest:
		return llm.NewBackendRejectedError(
			fmt.Sprintf("openai rejected request: %s", apiErr.Message),
			apiErr.HTTPStatusCode, err)
	default:
		return llm.NewBackendUnavailableError(
			fmt.Sprintf("openai API error: %s", apiErr.Message), err)
	}
}

// Ensure OpenAIClient implements llm.Client.
var _ llm.Client = (*OpenAIClient)(nil)
