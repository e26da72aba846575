package llm

import "time"

// MessageRole represents the role of a message in a conversation.
type MessageRole string

const (
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
	RoleSystem    MessageRole = "system"
)

// Message represents a single message in a conversation.
// This is provider-neutral and can represent user, assistant, or system messages.
type Message struct {
	Role    MessageRole
	Content string
}

// Request represents a complete generation request.
// It is an immutable snapshot: the coordinator builds it once and hands it to
// an adapter; adapters must not mutate it.
type Request struct {
	Model       string
	Messages    []Message
	System      string
	MaxTokens   int64
	Temperature *float64 // Optional temperature override
}

// Usage represents token usage information from an LLM response.
type Usage struct {
	InputTokens  int64
	OutputTokens int64
}

// StreamEventType represents the type of streaming event.
type StreamEventType string

const (
	// StreamEventTypeToken carries an incremental text fragment in the exact
	// order the backend produced it.
	StreamEventTypeToken StreamEventType = "token"
	// StreamEventTypeDone terminates the stream with the backend's finish reason.
	StreamEventTypeDone StreamEventType = "done"
)

// FinishReasonEmpty is reported when a stream terminated gracefully before
// any token arrived. Callers decide how to present a zero-length completion;
// it is not an error.
const FinishReasonEmpty = "empty"

// StreamEvent represents a single normalized streaming event.
type StreamEvent struct {
	Type         StreamEventType
	Text         string // For token events
	FinishReason string // For done events
	Usage        *Usage // Set on done events when the backend reports usage
}

// NewTextMessage creates a new message with the given role and text content.
func NewTextMessage(role MessageRole, text string) Message {
	return Message{Role: role, Content: text}
}

// DefaultFirstByteTimeout bounds how long an adapter waits for the first
// stream event before failing with a timeout error.
const DefaultFirstByteTimeout = 30 * time.Second
