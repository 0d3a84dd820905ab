package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// Conversation is one persisted conversation thread.
type Conversation struct {
	ID        int64     `json:"id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Message is one persisted conversation entry. Metadata and ModelResponses
// are opaque JSON written by the orchestrator: the plan summary plus the
// full ExecutionResult (finalOutput, steps, metrics) round-trip through them.
type Message struct {
	ID             int64           `json:"id"`
	ConversationID int64           `json:"conversation_id"`
	Role           string          `json:"role"`
	Content        string          `json:"content"`
	AttachmentIDs  []int64         `json:"attachment_ids,omitempty"`
	Metadata       json.RawMessage `json:"metadata,omitempty"`
	ModelResponses json.RawMessage `json:"model_responses,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

// Attachment is an uploaded file linked to a conversation. ExtractedText
// holds the inlinable text content (for documents) so turns can embed it
// without re-parsing the file.
type Attachment struct {
	ID             int64     `json:"id"`
	ConversationID int64     `json:"conversation_id,omitempty"`
	FileName       string    `json:"file_name"`
	FilePath       string    `json:"file_path"`
	MimeType       string    `json:"mime_type,omitempty"`
	ExtractedText  string    `json:"extracted_text,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// CreateConversation inserts a conversation and returns it.
func (s *DB) CreateConversation(ctx context.Context, title string) (*Conversation, error) {
	if title == "" {
		title = "Nueva conversación"
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO conversations (title) VALUES (?)`, title)
	if err != nil {
		return nil, fmt.Errorf("create conversation: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("conversation id: %w", err)
	}
	return s.GetConversation(ctx, id)
}

// GetConversation fetches one conversation by id.
func (s *DB) GetConversation(ctx context.Context, id int64) (*Conversation, error) {
	var c Conversation
	err := s.db.QueryRowContext(ctx,
		`SELECT id, title, created_at, updated_at FROM conversations WHERE id = ?`, id).
		Scan(&c.ID, &c.Title, &c.CreatedAt, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("conversation %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get conversation: %w", err)
	}
	return &c, nil
}

// ListConversations returns all conversations, most recently updated first.
func (s *DB) ListConversations(ctx context.Context) ([]Conversation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, title, created_at, updated_at FROM conversations ORDER BY updated_at DESC, id DESC`)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	var out []Conversation
	for rows.Next() {
		var c Conversation
		if err := rows.Scan(&c.ID, &c.Title, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// RenameConversation updates a conversation title.
func (s *DB) RenameConversation(ctx context.Context, id int64, title string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET title = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`, title, id)
	if err != nil {
		return fmt.Errorf("rename conversation: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("conversation %d: %w", id, ErrNotFound)
	}
	return nil
}

// DeleteConversation removes a conversation and, via cascade, its messages.
func (s *DB) DeleteConversation(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM conversations WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete conversation: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("conversation %d: %w", id, ErrNotFound)
	}
	return nil
}

// AddMessage appends a message and bumps the conversation's updated_at,
// atomically.
func (s *DB) AddMessage(ctx context.Context, m *Message) (*Message, error) {
	attachmentIDs, err := marshalNullable(m.AttachmentIDs)
	if err != nil {
		return nil, fmt.Errorf("marshal attachment ids: %w", err)
	}

	var id int64
	err = s.WithTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO messages (conversation_id, role, content, attachment_ids, metadata, model_responses)
			VALUES (?, ?, ?, ?, ?, ?)
		`, m.ConversationID, m.Role, m.Content, attachmentIDs,
			rawOrNull(m.Metadata), rawOrNull(m.ModelResponses))
		if err != nil {
			return fmt.Errorf("insert message: %w", err)
		}
		id, err = res.LastInsertId()
		if err != nil {
			return fmt.Errorf("message id: %w", err)
		}

		_, err = tx.ExecContext(ctx,
			`UPDATE conversations SET updated_at = CURRENT_TIMESTAMP WHERE id = ?`, m.ConversationID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return s.GetMessage(ctx, id)
}

// GetMessage fetches one message by id.
func (s *DB) GetMessage(ctx context.Context, id int64) (*Message, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, conversation_id, role, content, attachment_ids, metadata, model_responses, created_at
		FROM messages WHERE id = ?
	`, id)

	m, err := scanMessage(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("message %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get message: %w", err)
	}
	return m, nil
}

// RecentMessages returns the last limit messages of a conversation in
// chronological order. This is the history window handed to the
// orchestrator; limit <= 0 returns everything.
func (s *DB) RecentMessages(ctx context.Context, conversationID int64, limit int) ([]Message, error) {
	query := `
		SELECT id, conversation_id, role, content, attachment_ids, metadata, model_responses, created_at
		FROM messages WHERE conversation_id = ? ORDER BY id DESC
	`
	args := []any{conversationID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("recent messages: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Query is newest-first for the LIMIT; callers want oldest-first.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// AddAttachment inserts an attachment record.
func (s *DB) AddAttachment(ctx context.Context, a *Attachment) (*Attachment, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO attachments (conversation_id, file_name, file_path, mime_type, extracted_text)
		VALUES (?, ?, ?, ?, ?)
	`, nullableID(a.ConversationID), a.FileName, a.FilePath, a.MimeType, a.ExtractedText)
	if err != nil {
		return nil, fmt.Errorf("add attachment: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("attachment id: %w", err)
	}
	return s.GetAttachment(ctx, id)
}

// GetAttachment fetches one attachment by id.
func (s *DB) GetAttachment(ctx context.Context, id int64) (*Attachment, error) {
	var a Attachment
	var convID sql.NullInt64
	var mime, text sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT id, conversation_id, file_name, file_path, mime_type, extracted_text, created_at
		FROM attachments WHERE id = ?
	`, id).Scan(&a.ID, &convID, &a.FileName, &a.FilePath, &mime, &text, &a.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("attachment %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get attachment: %w", err)
	}
	a.ConversationID = convID.Int64
	a.MimeType = mime.String
	a.ExtractedText = text.String
	return &a, nil
}

// GetAttachments fetches several attachments, preserving the requested order
// and skipping missing ids.
func (s *DB) GetAttachments(ctx context.Context, ids []int64) ([]Attachment, error) {
	out := make([]Attachment, 0, len(ids))
	for _, id := range ids {
		a, err := s.GetAttachment(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, nil
}

// ListAttachments returns the attachments linked to a conversation.
func (s *DB) ListAttachments(ctx context.Context, conversationID int64) ([]Attachment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, conversation_id, file_name, file_path, mime_type, extracted_text, created_at
		FROM attachments WHERE conversation_id = ? ORDER BY id
	`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("list attachments: %w", err)
	}
	defer rows.Close()

	var out []Attachment
	for rows.Next() {
		var a Attachment
		var convID sql.NullInt64
		var mime, text sql.NullString
		if err := rows.Scan(&a.ID, &convID, &a.FileName, &a.FilePath, &mime, &text, &a.CreatedAt); err != nil {
			return nil, err
		}
		a.ConversationID = convID.Int64
		a.MimeType = mime.String
		a.ExtractedText = text.String
		out = append(out, a)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (*Message, error) {
	var m Message
	var attachmentIDs, metadata, modelResponses sql.NullString
	if err := row.Scan(&m.ID, &m.ConversationID, &m.Role, &m.Content,
		&attachmentIDs, &metadata, &modelResponses, &m.CreatedAt); err != nil {
		return nil, err
	}

	if attachmentIDs.Valid && attachmentIDs.String != "" {
		if err := json.Unmarshal([]byte(attachmentIDs.String), &m.AttachmentIDs); err != nil {
			return nil, fmt.Errorf("unmarshal attachment ids: %w", err)
		}
	}
	if metadata.Valid && metadata.String != "" {
		m.Metadata = json.RawMessage(metadata.String)
	}
	if modelResponses.Valid && modelResponses.String != "" {
		m.ModelResponses = json.RawMessage(modelResponses.String)
	}
	return &m, nil
}

func marshalNullable(ids []int64) (any, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(ids)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func rawOrNull(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

func nullableID(id int64) any {
	if id == 0 {
		return nil
	}
	return id
}
