// Package conversations persists conversation metadata and finalized
// messages to sqlite. The Store implements chat.Sink; the in-memory
// conversation state stays authoritative during a stream and only finalized
// rows ever reach the database.
package conversations

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"

	"github.com/termchat/termchat/chat"
	"github.com/termchat/termchat/llm"
)

// ConversationRecord is one row of the conversation list.
type ConversationRecord struct {
	ID        string
	Title     string
	Model     string
	Style     string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// MessageRecord is one persisted message.
type MessageRecord struct {
	ID             int64
	ConversationID string
	Role           llm.MessageRole
	Content        string
	ErrKind        llm.ErrorType
	CreatedAt      time.Time
}

// Store handles persistence of conversations and their messages.
type Store struct {
	db *sql.DB
}

// NewStore creates a Store on an already-migrated database.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// CreateConversation inserts the conversation row. Must be called before any
// of its messages are finalized.
func (s *Store) CreateConversation(ctx context.Context, conv *chat.Conversation) error {
	now := time.Now().Unix()
	query := sq.Insert("conversations").
		Columns("id", "title", "model", "style", "created_at", "updated_at").
		Values(conv.ID, conv.Title(), conv.Model, conv.Style, now, now)

	queryStr, args, err := query.ToSql()
	if err != nil {
		return fmt.Errorf("build query: %w", err)
	}

	_, err = s.db.ExecContext(ctx, queryStr, args...)
	return err
}

// OnMessageFinalized appends a finalized message row. Part of chat.Sink.
func (s *Store) OnMessageFinalized(ctx context.Context, conversationID string, msg *chat.Message) error {
	query := sq.Insert("messages").
		Columns("conversation_id", "role", "content", "error_kind", "created_at").
		Values(conversationID, string(msg.Role), msg.Content, string(msg.ErrKind), msg.CreatedAt.Unix())

	queryStr, args, err := query.ToSql()
	if err != nil {
		return fmt.Errorf("build query: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, queryStr, args...); err != nil {
		return err
	}
	return s.touchConversation(ctx, conversationID)
}

// OnTitleResolved stores the inferred title. Part of chat.Sink.
func (s *Store) OnTitleResolved(ctx context.Context, conversationID string, title string) error {
	query := sq.Update("conversations").
		Set("title", title).
		Set("updated_at", time.Now().Unix()).
		Where(sq.Eq{"id": conversationID})

	queryStr, args, err := query.ToSql()
	if err != nil {
		return fmt.Errorf("build query: %w", err)
	}

	_, err = s.db.ExecContext(ctx, queryStr, args...)
	return err
}

// ListConversations returns all conversations, most recently updated first.
func (s *Store) ListConversations(ctx context.Context) ([]*ConversationRecord, error) {
	query := sq.Select("id", "title", "model", "style", "created_at", "updated_at").
		From("conversations").
		OrderBy("updated_at DESC")

	queryStr, args, err := query.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, queryStr, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close() //nolint:errcheck // Read-only rows

	var out []*ConversationRecord
	for rows.Next() {
		var rec ConversationRecord
		var createdAt, updatedAt int64
		if err := rows.Scan(&rec.ID, &rec.Title, &rec.Model, &rec.Style, &createdAt, &updatedAt); err != nil {
			return nil, err
		}
		rec.CreatedAt = time.Unix(createdAt, 0)
		rec.UpdatedAt = time.Unix(updatedAt, 0)
		out = append(out, &rec)
	}
	return out, rows.Err()
}

// GetMessages returns a conversation's persisted messages in display order.
func (s *Store) GetMessages(ctx context.Context, conversationID string) ([]*MessageRecord, error) {
	query := sq.Select("id", "conversation_id", "role", "content", "error_kind", "created_at").
		From("messages").
		Where(sq.Eq{"conversation_id": conversationID}).
		OrderBy("id ASC")

	queryStr, args, err := query.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, queryStr, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close() //nolint:errcheck // Read-only rows

	var out []*MessageRecord
	for rows.Next() {
		var rec MessageRecord
		var role, errKind string
		var createdAt int64
		if err := rows.Scan(&rec.ID, &rec.ConversationID, &role, &rec.Content, &errKind, &createdAt); err != nil {
			return nil, err
		}
		rec.Role = llm.MessageRole(role)
		rec.ErrKind = llm.ErrorType(errKind)
		rec.CreatedAt = time.Unix(createdAt, 0)
		out = append(out, &rec)
	}
	return out, rows.Err()
}

func (s *Store) touchConversation(ctx context.Context, conversationID string) error {
	query := sq.Update("conversations").
		Set("updated_at", time.Now().Unix()).
		Where(sq.Eq{"id": conversationID})

	queryStr, args, err := query.ToSql()
	if err != nil {
		return fmt.Errorf("build query: %w", err)
	}

	_, err = s.db.ExecContext(ctx, queryStr, args...)
	return err
}
