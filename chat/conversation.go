// Package chat contains the streaming orchestration core: conversation
// state, the stream coordinator that owns one in-flight generation per
// conversation, and the background title inference task.
package chat

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/termchat/termchat/llm"
)

// Message is one entry in a conversation. Content is mutable only while the
// message is the unfinished assistant message of an in-flight stream; once
// finalized it is never touched again. ErrKind is set when generation failed
// or was cancelled before completion.
type Message struct {
	Role      llm.MessageRole
	Content   string
	CreatedAt time.Time
	ErrKind   llm.ErrorType
}

// Conversation is the in-memory record of an exchange with a model. The
// message sequence is append-only except for the in-progress last assistant
// message, which only the coordinator mutates. The owning session reads it;
// the coordinator holds a transient reference only while a generation
// targets it.
type Conversation struct {
	ID    string
	Model string
	Style string

	mu         sync.Mutex
	title      string
	messages   []*Message
	inProgress *Message
	ephemeral  bool
}

// NewConversation creates an empty conversation bound to a user-facing model
// name and response style.
func NewConversation(model, style string) *Conversation {
	return &Conversation{
		ID:    uuid.NewString(),
		Model: model,
		Style: style,
	}
}

// newEphemeralConversation creates a throwaway conversation for background
// work (title inference). It is never persisted and never spawns background
// tasks of its own.
func newEphemeralConversation(model string) *Conversation {
	c := NewConversation(model, "")
	c.ephemeral = true
	return c
}

// Title returns the conversation title, empty until resolved.
func (c *Conversation) Title() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.title
}

// SetTitle sets the conversation title.
func (c *Conversation) SetTitle(title string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.title = title
}

// Messages returns a snapshot of the finalized message sequence in display
// order. The in-progress assistant message, if any, is excluded.
func (c *Conversation) Messages() []*Message {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]*Message, 0, len(c.messages))
	for _, m := range c.messages {
		if m == c.inProgress {
			continue
		}
		out = append(out, m)
	}
	return out
}

// InProgress reports whether a generation is currently appending to this
// conversation.
func (c *Conversation) InProgress() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inProgress != nil
}

// history builds the immutable request snapshot sent as model context.
func (c *Conversation) history() []llm.Message {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]llm.Message, 0, len(c.messages))
	for _, m := range c.messages {
		if m == c.inProgress {
			continue
		}
		out = append(out, llm.Message{Role: m.Role, Content: m.Content})
	}
	return out
}

// beginExchange appends the user message and the empty in-progress assistant
// message under one lock hold. It fails if another generation is already
// appending to this conversation.
func (c *Conversation) beginExchange(prompt string) (*Message, *Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.inProgress != nil {
		return nil, nil, llm.NewBusyError(c.ID)
	}

	now := time.Now()
	user := &Message{Role: llm.RoleUser, Content: prompt, CreatedAt: now}
	assistant := &Message{Role: llm.RoleAssistant, CreatedAt: now}
	c.messages = append(c.messages, user, assistant)
	c.inProgress = assistant
	return user, assistant, nil
}

// appendToken appends one token to the in-progress assistant message.
func (c *Conversation) appendToken(text string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.inProgress != nil {
		c.inProgress.Content += text
	}
}

// finalize transitions the in-progress message to its immutable terminal
// state. errKind is empty on success, "cancelled" on user cancellation, or
// the failure kind. Returns the finalized message, or nil if nothing was in
// progress.
func (c *Conversation) finalize(errKind llm.ErrorType) *Message {
	c.mu.Lock()
	defer c.mu.Unlock()

	msg := c.inProgress
	if msg == nil {
		return nil
	}
	msg.ErrKind = errKind
	c.inProgress = nil
	return msg
}

// completedAssistantTurns counts finalized assistant messages that carry no
// error marker. Used to detect the first completed exchange.
func (c *Conversation) completedAssistantTurns() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for _, m := range c.messages {
		if m == c.inProgress {
			continue
		}
		if m.Role == llm.RoleAssistant && m.ErrKind == "" {
			n++
		}
	}
	return n
}
