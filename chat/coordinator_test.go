package chat

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/termchat/termchat/llm"
)

// scriptFunc feeds one generation's events into the buffer. It runs on the
// stream's reader goroutine, exactly like a provider read loop.
type scriptFunc func(ctx context.Context, req *llm.Request, buf *llm.EventBuffer)

type fakeClient struct {
	models llm.ModelTable
	script scriptFunc

	mu       sync.Mutex
	requests []*llm.Request
}

func (c *fakeClient) ResolveModelID(name string) (string, error) {
	return c.models.Resolve(name)
}

func (c *fakeClient) Stream(ctx context.Context, req *llm.Request) (llm.Stream, error) {
	c.mu.Lock()
	c.requests = append(c.requests, req)
	c.mu.Unlock()

	streamCtx, cancel := context.WithCancel(ctx)
	var buf *llm.EventBuffer
	buf = llm.NewEventBuffer(cancel, 5*time.Second, func() {
		c.script(streamCtx, req, buf)
	})
	return buf, nil
}

func (c *fakeClient) recordedRequests() []*llm.Request {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*llm.Request(nil), c.requests...)
}

type recordingSink struct {
	mu       sync.Mutex
	messages []*Message
	titles   map[string]string
}

func newRecordingSink() *recordingSink {
	return &recordingSink{titles: make(map[string]string)}
}

func (s *recordingSink) OnMessageFinalized(ctx context.Context, conversationID string, msg *Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, msg)
	return nil
}

func (s *recordingSink) OnTitleResolved(ctx context.Context, conversationID string, title string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.titles[conversationID] = title
	return nil
}

func (s *recordingSink) finalized() []*Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Message(nil), s.messages...)
}

func (s *recordingSink) titleFor(id string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.titles[id]
}

func newTestCoordinator(t *testing.T, client *fakeClient, sink Sink, cfg Config) *Coordinator {
	t.Helper()
	registry := llm.NewProviderRegistry(&llm.ProviderConfig{}, []string{llm.BackendOllama})
	registry.RegisterClient(llm.BackendOllama, client)
	if cfg.Title.Preferences == nil {
		cfg.Title.Disabled = true
	}
	return NewCoordinator(registry, sink, cfg, zerolog.Nop())
}

func await(t *testing.T, h *Handle) {
	t.Helper()
	select {
	case <-h.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("generation did not finalize in time")
	}
}

func TestStartStreamsTokensInOrder(t *testing.T) {
	client := &fakeClient{
		models: llm.ModelTable{"mistral": "mistral"},
		script: func(ctx context.Context, req *llm.Request, buf *llm.EventBuffer) {
			buf.Push("Hi")
			buf.Push("!")
			buf.Finish("stop", nil)
		},
	}
	coordinator := newTestCoordinator(t, client, nil, Config{})

	conv := NewConversation("mistral", "")
	sub := coordinator.Subscribe(conv.ID)

	h, err := coordinator.Start(context.Background(), conv, "Say hi")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	await(t, h)

	var tokens []string
	var sawDone bool
	for !sawDone {
		select {
		case ev := <-sub.Events():
			switch ev.Type {
			case EventToken:
				tokens = append(tokens, ev.Text)
			case EventDone:
				sawDone = true
			case EventError:
				t.Fatalf("unexpected error event: %v", ev.Err)
			}
		case <-time.After(time.Second):
			t.Fatal("event sequence never terminated")
		}
	}

	if got := strings.Join(tokens, ""); got != "Hi!" {
		t.Errorf("expected tokens to assemble to %q, got %q", "Hi!", got)
	}

	msgs := conv.Messages()
	if len(msgs) != 2 {
		t.Fatalf("expected user+assistant messages, got %d", len(msgs))
	}
	if msgs[0].Role != llm.RoleUser || msgs[0].Content != "Say hi" {
		t.Errorf("unexpected user message: %+v", msgs[0])
	}
	if msgs[1].Role != llm.RoleAssistant || msgs[1].Content != "Hi!" || msgs[1].ErrKind != "" {
		t.Errorf("unexpected assistant message: %+v", msgs[1])
	}
	if conv.InProgress() {
		t.Error("conversation still marked in progress after finalization")
	}
}

func TestCancelPreservesPartialText(t *testing.T) {
	pushed := make(chan struct{})
	client := &fakeClient{
		models: llm.ModelTable{"mistral": "mistral"},
		script: func(ctx context.Context, req *llm.Request, buf *llm.EventBuffer) {
			buf.Push("Once")
			buf.Push(" upon")
			close(pushed)
			<-ctx.Done()
			buf.Fail(ctx.Err())
		},
	}
	coordinator := newTestCoordinator(t, client, nil, Config{})

	conv := NewConversation("mistral", "")
	sub := coordinator.Subscribe(conv.ID)

	h, err := coordinator.Start(context.Background(), conv, "Tell me a story")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	<-pushed
	if !coordinator.Cancel(conv.ID) {
		t.Fatal("Cancel reported no in-flight generation")
	}
	await(t, h)

	msg := h.Message()
	if msg == nil {
		t.Fatal("no finalized message")
	}
	if msg.Content != "Once upon" {
		t.Errorf("partial text not preserved: %q", msg.Content)
	}
	if msg.ErrKind != llm.ErrorTypeCancelled {
		t.Errorf("expected cancelled marker, got %q", msg.ErrKind)
	}

	// The subscriber sequence must terminate with a cancelled error event.
	deadline := time.After(time.Second)
	for {
		select {
		case ev := <-sub.Events():
			if ev.Type == EventError {
				if ev.Err.Type != llm.ErrorTypeCancelled {
					t.Errorf("expected cancelled error event, got %v", ev.Err.Type)
				}
				return
			}
		case <-deadline:
			t.Fatal("never received the terminal error event")
		}
	}
}

func TestSecondStartWhileStreamingIsBusy(t *testing.T) {
	release := make(chan struct{})
	client := &fakeClient{
		models: llm.ModelTable{"mistral": "mistral"},
		script: func(ctx context.Context, req *llm.Request, buf *llm.EventBuffer) {
			<-release
			buf.Push("done")
			buf.Finish("stop", nil)
		},
	}
	coordinator := newTestCoordinator(t, client, nil, Config{})

	conv := NewConversation("mistral", "")
	h, err := coordinator.Start(context.Background(), conv, "first")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	if _, err := coordinator.Start(context.Background(), conv, "second"); !llm.IsBusy(err) {
		t.Errorf("expected busy error, got %v", err)
	}

	close(release)
	await(t, h)

	// The rejected start must not have touched conversation state.
	msgs := conv.Messages()
	if len(msgs) != 2 {
		t.Fatalf("busy start corrupted state, %d messages", len(msgs))
	}

	// After finalization a new start is accepted.
	release = make(chan struct{})
	close(release)
	h2, err := coordinator.Start(context.Background(), conv, "third")
	if err != nil {
		t.Fatalf("restart after completion: %v", err)
	}
	await(t, h2)
}

func TestConcurrentStartsOnlyOneWins(t *testing.T) {
	release := make(chan struct{})
	client := &fakeClient{
		models: llm.ModelTable{"mistral": "mistral"},
		script: func(ctx context.Context, req *llm.Request, buf *llm.EventBuffer) {
			<-release
			buf.Finish("stop", nil)
		},
	}
	coordinator := newTestCoordinator(t, client, nil, Config{})
	conv := NewConversation("mistral", "")

	const attempts = 8
	var wg sync.WaitGroup
	handles := make([]*Handle, attempts)
	errs := make([]error, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			handles[i], errs[i] = coordinator.Start(context.Background(), conv, "race")
		}(i)
	}
	wg.Wait()
	close(release)

	var winners int
	for i := 0; i < attempts; i++ {
		switch {
		case errs[i] == nil:
			winners++
			await(t, handles[i])
		case !llm.IsBusy(errs[i]):
			t.Errorf("attempt %d: expected busy, got %v", i, errs[i])
		}
	}
	if winners != 1 {
		t.Fatalf("expected exactly one winner, got %d", winners)
	}
	if got := len(conv.Messages()); got != 2 {
		t.Errorf("expected one exchange in state, got %d messages", got)
	}
}

func TestEmptyStreamFinalizesWithEmptyReason(t *testing.T) {
	client := &fakeClient{
		models: llm.ModelTable{"mistral": "mistral"},
		script: func(ctx context.Context, req *llm.Request, buf *llm.EventBuffer) {
			buf.Finish("stop", nil)
		},
	}
	coordinator := newTestCoordinator(t, client, nil, Config{})

	conv := NewConversation("mistral", "")
	sub := coordinator.Subscribe(conv.ID)

	h, err := coordinator.Start(context.Background(), conv, "hello?")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	await(t, h)

	select {
	case ev := <-sub.Events():
		if ev.Type != EventDone || ev.FinishReason != llm.FinishReasonEmpty {
			t.Errorf("expected done(empty), got %s(%s)", ev.Type, ev.FinishReason)
		}
	case <-time.After(time.Second):
		t.Fatal("no terminal event")
	}

	msg := h.Message()
	if msg.Content != "" || msg.ErrKind != "" {
		t.Errorf("empty stream should finalize an empty success message: %+v", msg)
	}
}

func TestAdapterErrorPreservesPartialText(t *testing.T) {
	client := &fakeClient{
		models: llm.ModelTable{"mistral": "mistral"},
		script: func(ctx context.Context, req *llm.Request, buf *llm.EventBuffer) {
			buf.Push("part")
			buf.Fail(llm.NewBackendUnavailableError("connection reset", errors.New("reset")))
		},
	}
	sink := newRecordingSink()
	coordinator := newTestCoordinator(t, client, sink, Config{})

	conv := NewConversation("mistral", "")
	h, err := coordinator.Start(context.Background(), conv, "prompt")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	await(t, h)

	msg := h.Message()
	if msg.Content != "part" {
		t.Errorf("partial text lost: %q", msg.Content)
	}
	if msg.ErrKind != llm.ErrorTypeBackendUnavailable {
		t.Errorf("expected backend_unavailable marker, got %q", msg.ErrKind)
	}

	// The failed message is still persisted exactly once.
	var assistant int
	for _, m := range sink.finalized() {
		if m.Role == llm.RoleAssistant {
			assistant++
		}
	}
	if assistant != 1 {
		t.Errorf("expected 1 finalized assistant message at sink, got %d", assistant)
	}

	// The conversation is immediately restartable.
	client.script = func(ctx context.Context, req *llm.Request, buf *llm.EventBuffer) {
		buf.Push("ok")
		buf.Finish("stop", nil)
	}
	h2, err := coordinator.Start(context.Background(), conv, "again")
	if err != nil {
		t.Fatalf("restart after error: %v", err)
	}
	await(t, h2)
}

func TestRequestSnapshotExcludesInProgressMessage(t *testing.T) {
	client := &fakeClient{
		models: llm.ModelTable{"mistral": "mistral"},
		script: func(ctx context.Context, req *llm.Request, buf *llm.EventBuffer) {
			buf.Push("answer")
			buf.Finish("stop", nil)
		},
	}
	coordinator := newTestCoordinator(t, client, nil, Config{})
	conv := NewConversation("mistral", "")

	h, err := coordinator.Start(context.Background(), conv, "first question")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	await(t, h)

	h, err = coordinator.Start(context.Background(), conv, "second question")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	await(t, h)

	reqs := client.recordedRequests()
	if len(reqs) != 2 {
		t.Fatalf("expected 2 requests, got %d", len(reqs))
	}
	first := reqs[0].Messages
	if len(first) != 1 || first[0].Content != "first question" {
		t.Errorf("first snapshot should hold only the prompt: %+v", first)
	}
	second := reqs[1].Messages
	if len(second) != 3 {
		t.Fatalf("second snapshot should hold the prior exchange plus prompt, got %d", len(second))
	}
	if second[1].Role != llm.RoleAssistant || second[1].Content != "answer" {
		t.Errorf("prior assistant turn missing from snapshot: %+v", second[1])
	}
}

func TestStyleResolvesToSystemDirective(t *testing.T) {
	client := &fakeClient{
		models: llm.ModelTable{"mistral": "mistral"},
		script: func(ctx context.Context, req *llm.Request, buf *llm.EventBuffer) {
			buf.Push("ok")
			buf.Finish("stop", nil)
		},
	}
	coordinator := newTestCoordinator(t, client, nil, Config{
		Styles: map[string]string{"concise": "Be extremely concise."},
	})

	conv := NewConversation("mistral", "concise")
	h, err := coordinator.Start(context.Background(), conv, "prompt")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	await(t, h)

	reqs := client.recordedRequests()
	if reqs[0].System != "Be extremely concise." {
		t.Errorf("style directive not applied: %q", reqs[0].System)
	}
}

func TestUnknownModelFailsBeforeTouchingState(t *testing.T) {
	client := &fakeClient{models: llm.ModelTable{"mistral": "mistral"}}
	coordinator := newTestCoordinator(t, client, nil, Config{})

	conv := NewConversation("gpt-99", "")
	if _, err := coordinator.Start(context.Background(), conv, "prompt"); llm.TypeOf(err) != llm.ErrorTypeUnknownModel {
		t.Fatalf("expected unknown_model, got %v", err)
	}
	if got := len(conv.Messages()); got != 0 {
		t.Errorf("failed start appended %d messages", got)
	}
}

func TestSlowConsumerFailsSubscriptionNotStream(t *testing.T) {
	client := &fakeClient{
		models: llm.ModelTable{"mistral": "mistral"},
		script: func(ctx context.Context, req *llm.Request, buf *llm.EventBuffer) {
			for i := 0; i < 16; i++ {
				buf.Push("x")
			}
			buf.Finish("stop", nil)
		},
	}
	coordinator := newTestCoordinator(t, client, nil, Config{SubscriberBuffer: 2})

	conv := NewConversation("mistral", "")
	sub := coordinator.Subscribe(conv.ID)

	h, err := coordinator.Start(context.Background(), conv, "flood")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	await(t, h)

	// Drain until the channel closes.
	deadline := time.After(time.Second)
	for {
		select {
		case _, ok := <-sub.Events():
			if !ok {
				if !errors.Is(sub.Err(), ErrSlowConsumer) {
					t.Errorf("expected ErrSlowConsumer, got %v", sub.Err())
				}
				// The generation itself is unaffected.
				if msg := h.Message(); msg.Content != strings.Repeat("x", 16) || msg.ErrKind != "" {
					t.Errorf("overflow corrupted the message: %+v", msg)
				}
				return
			}
		case <-deadline:
			t.Fatal("subscription never closed after overflow")
		}
	}
}
