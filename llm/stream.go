package llm

import (
	"context"
	"sync"
	"time"
)

// EventBuffer implements Stream over an event queue fed by a background
// reader goroutine. Each adapter starts its provider-specific read loop via
// the start function on the first call to Next; normalized events are handed
// over with Push/Finish/Fail.
//
// The buffer also enforces two contract points shared by all adapters: a
// bounded wait for the first event (failing with a timeout error and
// cancelling the upstream read), and reporting a graceful zero-token
// termination as Done("empty") rather than an error.
type EventBuffer struct {
	mu      sync.Mutex
	cond    *sync.Cond
	events  []*StreamEvent
	current int
	err     error
	done    bool
	started bool
	gotByte bool

	start            func()
	cancel           context.CancelFunc
	firstByteTimeout time.Duration
	timer            *time.Timer
}

// NewEventBuffer creates an EventBuffer. start launches the reader goroutine;
// cancel unwinds the upstream read when the stream is closed or the
// first-byte window elapses. A zero firstByteTimeout uses the default.
func NewEventBuffer(cancel context.CancelFunc, firstByteTimeout time.Duration, start func()) *EventBuffer {
	if firstByteTimeout <= 0 {
		firstByteTimeout = DefaultFirstByteTimeout
	}
	b := &EventBuffer{
		current:          -1,
		start:            start,
		cancel:           cancel,
		firstByteTimeout: firstByteTimeout,
	}
	b.cond = sync.NewCond(&b.mu)
	return b
}

// Next advances to the next event in the stream.
func (b *EventBuffer) Next() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	// Lazily launch the reader on first use so construction stays cheap and
	// the request is not issued until the caller consumes the stream.
	if !b.started {
		b.started = true
		b.timer = time.AfterFunc(b.firstByteTimeout, b.onFirstByteTimeout)
		go b.start()
	}

	b.current++

	for b.current >= len(b.events) && !b.done && b.err == nil {
		b.cond.Wait()
	}

	// Deliver events buffered before a terminal state so no token already
	// produced is dropped.
	return b.current < len(b.events)
}

// Event returns the current event.
func (b *EventBuffer) Event() *StreamEvent {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.current < 0 || b.current >= len(b.events) {
		return nil
	}
	return b.events[b.current]
}

// Err returns any error that occurred during streaming.
func (b *EventBuffer) Err() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.err
}

// Close closes the stream and unwinds the upstream read.
func (b *EventBuffer) Close() error {
	b.mu.Lock()
	b.done = true
	b.stopTimerLocked()
	b.cond.Broadcast()
	b.mu.Unlock()

	if b.cancel != nil {
		b.cancel()
	}
	return nil
}

// Push appends a token event in arrival order.
func (b *EventBuffer) Push(text string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.done || b.err != nil {
		return
	}
	b.markFirstByteLocked()
	b.events = append(b.events, &StreamEvent{
		Type: StreamEventTypeToken,
		Text: text,
	})
	b.cond.Broadcast()
}

// Finish terminates the stream with a done event. A graceful termination
// before any token arrived is reported as Done("empty").
func (b *EventBuffer) Finish(reason string, usage *Usage) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.done || b.err != nil {
		return
	}
	tokenless := !b.hasToken()
	b.markFirstByteLocked()
	if tokenless {
		reason = FinishReasonEmpty
	}
	b.events = append(b.events, &StreamEvent{
		Type:         StreamEventTypeDone,
		FinishReason: reason,
		Usage:        usage,
	})
	b.done = true
	b.cond.Broadcast()
}

// Fail terminates the stream with an error. Context terminations are
// converted to their taxonomy equivalents.
func (b *EventBuffer) Fail(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.done || b.err != nil {
		return
	}
	b.markFirstByteLocked()
	if ctxErr := FromContextError(err); ctxErr != nil {
		err = ctxErr
	}
	b.err = err
	b.done = true
	b.cond.Broadcast()
}

func (b *EventBuffer) hasToken() bool {
	for _, ev := range b.events {
		if ev.Type == StreamEventTypeToken {
			return true
		}
	}
	return false
}

func (b *EventBuffer) markFirstByteLocked() {
	if b.gotByte {
		return
	}
	b.gotByte = true
	b.stopTimerLocked()
}

func (b *EventBuffer) stopTimerLocked() {
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
}

func (b *EventBuffer) onFirstByteTimeout() {
	b.mu.Lock()
	if b.gotByte || b.done || b.err != nil {
		b.mu.Unlock()
		return
	}
	b.err = NewTimeoutError("no data from backend within first-byte window", nil)
	b.done = true
	b.cond.Broadcast()
	b.mu.Unlock()

	// Unwind the blocked network read.
	if b.cancel != nil {
		b.cancel()
	}
}

// Ensure EventBuffer implements Stream.
var _ Stream = (*EventBuffer)(nil)
