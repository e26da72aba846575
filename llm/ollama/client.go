package ollama

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ollama/ollama/api"
	"github.com/termchat/termchat/llm"
)

// ModelLifecycle is consulted before and during local generations. The
// lifecycle manager tracks which models the inference server has resident,
// loads them on demand, and evicts them after inactivity; the adapter only
// reports usage so a long-running stream keeps its model warm.
type ModelLifecycle interface {
	// Preload ensures the model is loaded, awaiting an in-flight load if one
	// is already underway.
	Preload(ctx context.Context, model string) error

	// Acquire and Release bracket an active generation so the model cannot
	// be evicted mid-stream.
	Acquire(model string)
	Release(model string)

	// Touch refreshes the model's last-used timestamp.
	Touch(model string)
}

// OllamaClient implements the llm.Client interface for a local Ollama
// inference server. This is the local-inference style backend: streaming
// arrives as newline-delimited JSON objects (decoded by the SDK), and the
// target model must be resident in the server before the request is issued.
type OllamaClient struct {
	client           *api.Client
	models           llm.ModelTable
	lifecycle        ModelLifecycle
	keepAlive        time.Duration
	firstByteTimeout time.Duration
}

// NewOllamaClient creates a new OllamaClient.
// If host is empty, it will use the default from environment (OLLAMA_HOST or
// http://localhost:11434). keepAlive is the residency window passed to the
// server on load and generate calls.
func NewOllamaClient(host string, models llm.ModelTable, keepAlive, firstByteTimeout time.Duration) (*OllamaClient, error) {
	var client *api.Client

	if host != "" {
		baseURL, err := parseHost(host)
		if err != nil {
			return nil, fmt.Errorf("invalid host: %w", err)
		}
		client = api.NewClient(baseURL, &http.Client{})
	} else {
		var err error
		client, err = api.ClientFromEnvironment()
		if err != nil {
			return nil, fmt.Errorf("failed to create ollama client: %w", err)
		}
	}

	return &OllamaClient{
		client:           client,
		models:           models,
		keepAlive:        keepAlive,
		firstByteTimeout: firstByteTimeout,
	}, nil
}

// SetLifecycle attaches the lifecycle manager. The manager needs the client
// as its loader and the client needs the manager for preload consultation,
// so the binding happens after both are constructed.
func (c *OllamaClient) SetLifecycle(lc ModelLifecycle) {
	c.lifecycle = lc
}

// parseHost parses a host string into a URL.
func parseHost(host string) (*url.URL, error) {
	if !strings.HasPrefix(host, "http://") && !strings.HasPrefix(host, "https://") {
		host = "http://" + host
	}
	return url.Parse(host)
}

// ResolveModelID implements llm.Client.ResolveModelID.
func (c *OllamaClient) ResolveModelID(name string) (string, error) {
	return c.models.Resolve(name)
}

// Stream implements llm.Client.Stream. The target model is preloaded (and
// awaited) before the wire call is issued.
func (c *OllamaClient) Stream(ctx context.Context, req *llm.Request) (llm.Stream, error) {
	if req == nil {
		return nil, fmt.Errorf("request is required")
	}

	model, err := c.models.Resolve(req.Model)
	if err != nil {
		return nil, err
	}

	if c.lifecycle != nil {
		if err := c.lifecycle.Preload(ctx, model); err != nil {
			return nil, err
		}
	}

	stream := true
	chatReq := &api.ChatRequest{
		Model:    model,
		Messages: toOllamaMessages(req),
		Stream:   &stream,
		Options:  make(map[string]interface{}),
	}
	if c.keepAlive > 0 {
		chatReq.KeepAlive = &api.Duration{Duration: c.keepAlive}
	}
	if req.MaxTokens > 0 {
		chatReq.Options["num_predict"] = int(req.MaxTokens)
	}
	if req.Temperature != nil {
		chatReq.Options["temperature"] = *req.Temperature
	}

	streamCtx, cancel := context.WithCancel(ctx)
	var buf *llm.EventBuffer
	buf = llm.NewEventBuffer(cancel, c.firstByteTimeout, func() {
		c.readStream(streamCtx, chatReq, model, buf)
	})
	return buf, nil
}

// readStream issues the chat call and feeds chunk callbacks into the
// normalized event buffer. The model is pinned for the duration of the
// stream so the sweeper cannot evict it mid-generation.
func (c *OllamaClient) readStream(ctx context.Context, chatReq *api.ChatRequest, model string, buf *llm.EventBuffer) {
	if c.lifecycle != nil {
		c.lifecycle.Acquire(model)
		defer c.lifecycle.Release(model)
	}

	err := c.client.Chat(ctx, chatReq, func(resp api.ChatResponse) error {
		if resp.Message.Content != "" {
			buf.Push(resp.Message.Content)
			if c.lifecycle != nil {
				c.lifecycle.Touch(model)
			}
		}

		if resp.Done {
			usage := &llm.Usage{
				InputTokens:  int64(resp.PromptEvalCount),
				OutputTokens: int64(resp.EvalCount),
			}
			buf.Finish(mapDoneReason(resp.DoneReason), usage)
		}
		return nil
	})
	if err != nil {
		buf.Fail(convertOllamaError(err))
	}
}

// Load makes the model resident in the inference server by issuing an
// empty-prompt generate call with the residency window. The lifecycle
// manager is the sole caller.
func (c *OllamaClient) Load(ctx context.Context, model string) error {
	stream := false
	req := &api.GenerateRequest{
		Model:  model,
		Stream: &stream,
	}
	if c.keepAlive > 0 {
		req.KeepAlive = &api.Duration{Duration: c.keepAlive}
	}
	return c.client.Generate(ctx, req, func(api.GenerateResponse) error { return nil })
}

// Unload evicts the model by issuing an empty-prompt generate call with a
// zero residency window. The lifecycle manager is the sole caller.
func (c *OllamaClient) Unload(ctx context.Context, model string) error {
	stream := false
	req := &api.GenerateRequest{
		Model:     model,
		Stream:    &stream,
		KeepAlive: &api.Duration{Duration: 0},
	}
	return c.client.Generate(ctx, req, func(api.GenerateResponse) error { return nil })
}

// toOllamaMessages converts the request history, prepending the system/style
// directive as a system message.
func toOllamaMessages(req *llm.Request) []api.Message {
	msgs := make([]api.Message, 0, len(req.Messages)+1)
	if req.System != "" {
		msgs = append(msgs, api.Message{Role: "system", Content: req.System})
	}
	for _, m := range req.Messages {
		msgs = append(msgs, api.Message{
			Role:    string(m.Role),
			Content: m.Content,
		})
	}
	return msgs
}

func mapDoneReason(reason string) string {
	switch reason {
	case "", "stop":
		return "stop"
	case "length":
		return "max_tokens"
	default:
		return reason
	}
}

// convertOllamaError converts Ollama API errors to llm.Error types.
func convertOllamaError(err error) error {
	if err == nil {
		return nil
	}

	if ctxErr := llm.FromContextError(err); ctxErr != nil {
		return ctxErr
	}

	var statusErr api.StatusError
	if errors.As(err, &statusErr) {
		if statusErr.StatusCode >= http.StatusInternalServerError {
			return llm.NewBackendUnavailableError("ollama server error", err)
		}
		if statusErr.StatusCode >= http.StatusBadRequest {
			return llm.NewBackendRejectedError("ollama rejected request", statusErr.StatusCode, err)
		}
	}

	// Connection refused, server not running, malformed response.
	return llm.NewBackendUnavailableError("ollama request failed", err)
}

// Ensure OllamaClient implements llm.Client.
var _ llm.Client = (*OllamaClient)(nil)
