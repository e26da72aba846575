package chat

import (
	"context"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/termchat/termchat/llm"
)

// titleSystemPrompt asks the fast model for a short topical title and
// nothing else.
const titleSystemPrompt = "Generate a brief, descriptive title (maximum 40 characters) for a conversation that starts with the following message. The title should be concise and reflect the main topic or query. Return only the title text with no additional explanation or formatting."

const (
	titleMaxTokens   = 60
	titleTemperature = 0.7
	titleMaxRunes    = 40
	titleAttempts    = 2
	titleRetryDelay  = time.Second
	titleTaskTimeout = 2 * time.Minute
)

// TitleConfig configures the background title inference task.
type TitleConfig struct {
	// Disabled turns title inference off entirely.
	Disabled bool
	// Preferences is the fast-model preference order, tried first to last.
	Preferences []llm.Preference
}

// maybeSpawnTitleTask starts title inference after a successful
// finalization, when this was the conversation's first completed exchange
// and no title has been resolved yet. At most one task runs per
// conversation.
func (c *Coordinator) maybeSpawnTitleTask(conv *Conversation) {
	if c.cfg.Title.Disabled || conv.ephemeral {
		return
	}
	if conv.Title() != "" || conv.completedAssistantTurns() != 1 {
		return
	}

	firstPrompt := firstUserContent(conv)
	if firstPrompt == "" {
		return
	}

	c.mu.Lock()
	if c.titleInFlight[conv.ID] {
		c.mu.Unlock()
		return
	}
	c.titleInFlight[conv.ID] = true
	c.mu.Unlock()

	go c.runTitleTask(conv, firstPrompt)
}

// runTitleTask infers a title on an ephemeral conversation so the user's
// conversation invariants are untouched. Every failure is swallowed; the
// title simply stays empty.
func (c *Coordinator) runTitleTask(conv *Conversation, firstPrompt string) {
	defer func() {
		c.mu.Lock()
		delete(c.titleInFlight, conv.ID)
		c.mu.Unlock()
	}()

	logger := c.logger.With().Str("conversation", conv.ID).Logger()

	pref, _, err := c.registry.ResolvePreferred(c.cfg.Title.Preferences)
	if err != nil {
		logger.Debug().Err(err).Msg("No backend available for title inference")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), titleTaskTimeout)
	defer cancel()

	var title string
	attempt := func() error {
		raw, err := c.inferTitle(ctx, pref.Model, firstPrompt)
		if err != nil {
			return err
		}
		title = sanitizeTitle(raw)
		if title == "" {
			return errEmptyTitle
		}
		return nil
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(titleRetryDelay), titleAttempts-1),
		ctx,
	)
	if err := backoff.Retry(attempt, policy); err != nil {
		logger.Debug().Err(err).Str("model", pref.Model).Msg("Title inference failed")
		return
	}

	conv.SetTitle(title)
	logger.Debug().Str("title", title).Msg("Title resolved")

	sinkCtx, sinkCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer sinkCancel()
	if err := c.sink.OnTitleResolved(sinkCtx, conv.ID, title); err != nil {
		logger.Warn().Err(err).Msg("Failed to persist title")
	}

	c.publish(conv.ID, Event{Type: EventTitleUpdated, Title: title})
}

// inferTitle runs one generation on a throwaway conversation and collects
// the full output.
func (c *Coordinator) inferTitle(ctx context.Context, model, firstPrompt string) (string, error) {
	ephemeral := newEphemeralConversation(model)
	temp := titleTemperature

	h, err := c.start(ctx, ephemeral, firstPrompt, titleSystemPrompt, titleMaxTokens, &temp)
	if err != nil {
		return "", err
	}

	select {
	case <-h.Done():
	case <-ctx.Done():
		h.Cancel()
		<-h.Done()
	}

	msg := h.Message()
	if msg == nil {
		return "", errEmptyTitle
	}
	if msg.ErrKind != "" {
		return "", &llm.Error{Type: msg.ErrKind, Message: "title generation failed"}
	}
	return msg.Content, nil
}

var errEmptyTitle = &llm.Error{Type: llm.ErrorTypeBackendRejected, Message: "model returned an empty title"}

// sanitizeTitle normalizes model output into a display title: surrounding
// whitespace and quotes are stripped, newlines collapse to the first line,
// and anything past 40 characters is truncated with an ellipsis.
func sanitizeTitle(raw string) string {
	title := strings.TrimSpace(raw)
	if i := strings.IndexByte(title, '\n'); i >= 0 {
		title = title[:i]
	}
	title = strings.Trim(title, `"'`)
	title = strings.TrimSpace(title)

	runes := []rune(title)
	if len(runes) > titleMaxRunes {
		title = string(runes[:titleMaxRunes-3]) + "..."
	}
	return title
}

// firstUserContent returns the first user message's content, or empty.
func firstUserContent(conv *Conversation) string {
	for _, m := range conv.Messages() {
		if m.Role == llm.RoleUser {
			return m.Content
		}
	}
	return ""
}
