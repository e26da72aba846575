package llm

import (
	"context"
	"errors"
	"testing"
	"time"
)

func collect(t *testing.T, s Stream) ([]*StreamEvent, error) {
	t.Helper()
	var events []*StreamEvent
	for s.Next() {
		events = append(events, s.Event())
	}
	return events, s.Err()
}

func TestEventBufferDeliversTokensInOrder(t *testing.T) {
	var buf *EventBuffer
	buf = NewEventBuffer(nil, time.Second, func() {
		buf.Push("Hi")
		buf.Push("!")
		buf.Finish("stop", &Usage{InputTokens: 3, OutputTokens: 2})
	})

	events, err := collect(t, buf)
	if err != nil {
		t.Fatalf("unexpected stream error: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(events))
	}
	if events[0].Text != "Hi" || events[1].Text != "!" {
		t.Errorf("tokens out of order: %q, %q", events[0].Text, events[1].Text)
	}
	last := events[2]
	if last.Type != StreamEventTypeDone || last.FinishReason != "stop" {
		t.Errorf("expected done(stop), got %s(%s)", last.Type, last.FinishReason)
	}
	if last.Usage == nil || last.Usage.OutputTokens != 2 {
		t.Errorf("usage not carried through: %+v", last.Usage)
	}
}

func TestEventBufferTokenlessFinishReportsEmpty(t *testing.T) {
	var buf *EventBuffer
	buf = NewEventBuffer(nil, time.Second, func() {
		buf.Finish("stop", nil)
	})

	events, err := collect(t, buf)
	if err != nil {
		t.Fatalf("unexpected stream error: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	if events[0].FinishReason != FinishReasonEmpty {
		t.Errorf("expected finish reason %q, got %q", FinishReasonEmpty, events[0].FinishReason)
	}
}

func TestEventBufferFirstByteTimeout(t *testing.T) {
	cancelled := make(chan struct{})
	var buf *EventBuffer
	buf = NewEventBuffer(func() { close(cancelled) }, 20*time.Millisecond, func() {
		// Reader never produces anything.
	})

	if buf.Next() {
		t.Fatal("expected Next to fail after first-byte timeout")
	}
	if got := TypeOf(buf.Err()); got != ErrorTypeTimeout {
		t.Errorf("expected timeout error, got %v (%v)", got, buf.Err())
	}

	select {
	case <-cancelled:
	case <-time.After(time.Second):
		t.Error("upstream cancel was not invoked on timeout")
	}
}

func TestEventBufferTimerStopsOnFirstToken(t *testing.T) {
	release := make(chan struct{})
	var buf *EventBuffer
	buf = NewEventBuffer(nil, 50*time.Millisecond, func() {
		buf.Push("tok")
		<-release
		buf.Finish("stop", nil)
	})

	if !buf.Next() {
		t.Fatalf("expected first token, got err %v", buf.Err())
	}
	// Wait past the first-byte window; the stream must stay healthy.
	time.Sleep(80 * time.Millisecond)
	close(release)

	if !buf.Next() {
		t.Fatalf("stream died after first byte: %v", buf.Err())
	}
	if buf.Event().Type != StreamEventTypeDone {
		t.Errorf("expected done event, got %s", buf.Event().Type)
	}
}

func TestEventBufferFailConvertsContextErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorType
	}{
		{"cancelled", context.Canceled, ErrorTypeCancelled},
		{"deadline", context.DeadlineExceeded, ErrorTypeTimeout},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf *EventBuffer
			buf = NewEventBuffer(nil, time.Second, func() {
				buf.Fail(tt.err)
			})
			if buf.Next() {
				t.Fatal("expected Next to return false")
			}
			if got := TypeOf(buf.Err()); got != tt.want {
				t.Errorf("expected %v, got %v", tt.want, got)
			}
		})
	}
}

func TestEventBufferFirstTerminalWins(t *testing.T) {
	var buf *EventBuffer
	buf = NewEventBuffer(nil, time.Second, func() {
		buf.Push("tok")
		buf.Finish("stop", nil)
		buf.Fail(errors.New("late failure"))
	})

	events, err := collect(t, buf)
	if err != nil {
		t.Fatalf("late Fail overrode a completed stream: %v", err)
	}
	if len(events) != 2 || events[1].Type != StreamEventTypeDone {
		t.Fatalf("unexpected events: %+v", events)
	}
}

func TestEventBufferCloseCancelsUpstream(t *testing.T) {
	cancelled := make(chan struct{})
	started := make(chan struct{})
	var buf *EventBuffer
	buf = NewEventBuffer(func() { close(cancelled) }, time.Second, func() {
		buf.Push("tok")
		close(started)
	})

	if !buf.Next() {
		t.Fatalf("expected a token, got err %v", buf.Err())
	}
	<-started
	if err := buf.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	select {
	case <-cancelled:
	case <-time.After(time.Second):
		t.Error("upstream cancel was not invoked on close")
	}
	if buf.Next() {
		t.Error("Next returned true after Close")
	}
}
