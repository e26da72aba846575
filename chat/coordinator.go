package chat

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/termchat/termchat/llm"
)

// Sink receives finalized state for persistence. The sink's durability
// guarantees are outside the core's responsibility; the core guarantees each
// callback fires at most once per event.
type Sink interface {
	OnMessageFinalized(ctx context.Context, conversationID string, msg *Message) error
	OnTitleResolved(ctx context.Context, conversationID string, title string) error
}

// NopSink discards everything. Useful for tests and for running without a
// persistence layer.
type NopSink struct{}

func (NopSink) OnMessageFinalized(context.Context, string, *Message) error { return nil }
func (NopSink) OnTitleResolved(context.Context, string, string) error      { return nil }

// Config holds the coordinator's construction-time parameters.
type Config struct {
	// MaxTokens caps each generation; zero lets the backend decide.
	MaxTokens int64
	// Temperature is the sampling temperature for foreground generations.
	Temperature *float64
	// SubscriberBuffer caps how many undelivered events a subscriber may
	// accumulate before the subscription is failed.
	SubscriberBuffer int
	// Styles maps response-style names to the system directive prefix sent
	// with each request.
	Styles map[string]string
	// Title configures the background title inference task.
	Title TitleConfig
}

const defaultSubscriberBuffer = 256

// Handle represents one in-flight generation. It is owned by the
// coordinator, carries the cancellation signal, and is never reused across
// requests.
type Handle struct {
	conversation *Conversation
	request      *llm.Request
	client       llm.Client

	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once

	mu  sync.Mutex
	msg *Message
}

// Done is closed when the generation has finalized.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Cancel signals the adapter's read loop to unwind at its next I/O boundary.
// It returns immediately; finalization completes shortly after, bounded by
// the adapter's I/O timeout.
func (h *Handle) Cancel() {
	h.cancel()
}

// Message returns the finalized assistant message. Valid only after Done is
// closed.
func (h *Handle) Message() *Message {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.msg
}

// Coordinator owns at most one in-flight generation per conversation. It
// drives an adapter stream, appends tokens to the conversation's in-progress
// message, forwards events to the subscriber in arrival order, and
// guarantees exactly one finalization per generation.
type Coordinator struct {
	registry *llm.ProviderRegistry
	sink     Sink
	cfg      Config
	logger   zerolog.Logger

	mu            sync.Mutex
	active        map[string]*Handle
	subs          map[string]*Subscription
	titleInFlight map[string]bool
}

// NewCoordinator creates a Coordinator.
func NewCoordinator(registry *llm.ProviderRegistry, sink Sink, cfg Config, logger zerolog.Logger) *Coordinator {
	if sink == nil {
		sink = NopSink{}
	}
	if cfg.SubscriberBuffer <= 0 {
		cfg.SubscriberBuffer = defaultSubscriberBuffer
	}
	return &Coordinator{
		registry:      registry,
		sink:          sink,
		cfg:           cfg,
		logger:        logger.With().Str("component", "coordinator").Logger(),
		active:        make(map[string]*Handle),
		subs:          make(map[string]*Subscription),
		titleInFlight: make(map[string]bool),
	}
}

// Subscribe returns the event sequence for a conversation. A new
// subscription replaces any previous one for the same conversation; it stays
// open across generations until Unsubscribe so asynchronous title updates
// can still be delivered.
func (c *Coordinator) Subscribe(conversationID string) *Subscription {
	c.mu.Lock()
	defer c.mu.Unlock()

	if prev, ok := c.subs[conversationID]; ok {
		prev.close()
	}
	sub := newSubscription(c.cfg.SubscriberBuffer)
	c.subs[conversationID] = sub
	return sub
}

// Unsubscribe closes and removes the conversation's subscription.
func (c *Coordinator) Unsubscribe(conversationID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if sub, ok := c.subs[conversationID]; ok {
		sub.close()
		delete(c.subs, conversationID)
	}
}

// Start begins a generation: the prompt is appended as a user message, an
// in-progress assistant message is created, and the conversation's model is
// streamed against the full history snapshot. Fails with a busy error if a
// generation is already in flight for this conversation.
func (c *Coordinator) Start(ctx context.Context, conv *Conversation, prompt string) (*Handle, error) {
	system := c.systemFor(conv.Style)
	return c.start(ctx, conv, prompt, system, c.cfg.MaxTokens, c.cfg.Temperature)
}

// start is the shared entry for foreground generations and background title
// inference; the latter overrides the system directive and sampling caps.
func (c *Coordinator) start(ctx context.Context, conv *Conversation, prompt, system string, maxTokens int64, temperature *float64) (*Handle, error) {
	client, err := c.registry.RouteModel(conv.Model)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	if _, exists := c.active[conv.ID]; exists {
		c.mu.Unlock()
		return nil, llm.NewBusyError(conv.ID)
	}
	// Reserve the slot before touching conversation state so concurrent
	// Start calls settle on the coordinator's lock, not on timing.
	c.active[conv.ID] = nil
	c.mu.Unlock()

	user, _, err := conv.beginExchange(prompt)
	if err != nil {
		c.mu.Lock()
		delete(c.active, conv.ID)
		c.mu.Unlock()
		return nil, err
	}

	c.persistMessage(conv, user)

	req := &llm.Request{
		Model:       conv.Model,
		Messages:    conv.history(),
		System:      system,
		MaxTokens:   maxTokens,
		Temperature: temperature,
	}

	genCtx, cancel := context.WithCancel(ctx)
	h := &Handle{
		conversation: conv,
		request:      req,
		client:       client,
		cancel:       cancel,
		done:         make(chan struct{}),
	}

	c.mu.Lock()
	c.active[conv.ID] = h
	c.mu.Unlock()

	go c.run(genCtx, h)
	return h, nil
}

// Cancel cancels the conversation's in-flight generation, if any. Reports
// whether a generation was active.
func (c *Coordinator) Cancel(conversationID string) bool {
	c.mu.Lock()
	h := c.active[conversationID]
	c.mu.Unlock()

	if h == nil {
		return false
	}
	h.Cancel()
	return true
}

// run drives the adapter stream to completion. Exactly one terminal path is
// taken: Done, Error, or cancellation, whichever the coordinator observes
// first.
func (c *Coordinator) run(ctx context.Context, h *Handle) {
	conv := h.conversation

	stream, err := h.client.Stream(ctx, h.request)
	if err != nil {
		c.finish(ctx, h, "", asLLMError(err))
		return
	}
	defer stream.Close() //nolint:errcheck // Best-effort cleanup

	for stream.Next() {
		ev := stream.Event()
		if ev == nil {
			continue
		}
		switch ev.Type {
		case llm.StreamEventTypeToken:
			conv.appendToken(ev.Text)
			c.publish(conv.ID, Event{Type: EventToken, Text: ev.Text})
		case llm.StreamEventTypeDone:
			c.finish(ctx, h, ev.FinishReason, nil)
			return
		}
	}

	if err := stream.Err(); err != nil {
		c.finish(ctx, h, "", asLLMError(err))
		return
	}

	// Stream drained without an explicit done event.
	c.finish(ctx, h, llm.FinishReasonEmpty, nil)
}

// finish performs the single finalization for a generation: the in-progress
// message becomes immutable, the active slot is released, the sink and
// subscriber are notified, and title inference is spawned when this was the
// conversation's first completed exchange.
func (c *Coordinator) finish(ctx context.Context, h *Handle, finishReason string, genErr *llm.Error) {
	h.once.Do(func() {
		conv := h.conversation

		var errKind llm.ErrorType
		if genErr != nil {
			errKind = genErr.Type
		}
		msg := conv.finalize(errKind)

		h.mu.Lock()
		h.msg = msg
		h.mu.Unlock()

		c.mu.Lock()
		delete(c.active, conv.ID)
		c.mu.Unlock()

		if msg != nil {
			c.persistMessage(conv, msg)
		}

		if genErr != nil {
			c.logger.Warn().
				Str("conversation", conv.ID).
				Str("kind", string(genErr.Type)).
				Err(genErr).
				Msg("Generation ended with error")
			c.publish(conv.ID, Event{Type: EventError, Err: genErr})
		} else {
			c.publish(conv.ID, Event{Type: EventDone, FinishReason: finishReason})
			c.maybeSpawnTitleTask(conv)
		}

		close(h.done)
	})
}

// persistMessage hands a finalized message to the sink. Persistence failure
// is logged, never surfaced: the conversation state already holds the text.
func (c *Coordinator) persistMessage(conv *Conversation, msg *Message) {
	if conv.ephemeral {
		return
	}
	sinkCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.sink.OnMessageFinalized(sinkCtx, conv.ID, msg); err != nil {
		c.logger.Warn().Err(err).Str("conversation", conv.ID).Msg("Failed to persist message")
	}
}

// publish forwards an event to the conversation's subscriber, if any.
func (c *Coordinator) publish(conversationID string, ev Event) {
	c.mu.Lock()
	sub := c.subs[conversationID]
	c.mu.Unlock()

	if sub != nil {
		sub.publish(ev)
	}
}

// systemFor resolves a style name to its directive text. Unknown styles
// resolve to no directive.
func (c *Coordinator) systemFor(style string) string {
	if style == "" || style == "default" {
		return ""
	}
	return c.cfg.Styles[style]
}

// asLLMError coerces any error into the taxonomy for finalization.
func asLLMError(err error) *llm.Error {
	if err == nil {
		return nil
	}
	var llmErr *llm.Error
	if errors.As(err, &llmErr) {
		return llmErr
	}
	if ctxErr := llm.FromContextError(err); ctxErr != nil {
		return ctxErr
	}
	return llm.NewBackendUnavailableError("generation failed", err)
}
