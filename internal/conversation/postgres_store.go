package conversation

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/emberai/huoyuan/internal/sequence"
)

// PostgresStore implements Store with PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed conversation store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Create allocates an empty conversation row.
func (p *PostgresStore) Create(ctx context.Context, userID, agentID, projectID int64, title string) (int64, error) {
	var id int64
	err := p.db.QueryRowContext(ctx, `
		INSERT INTO conversations (user_id, agent_id, project_id, title, status, created_at, updated_at)
		VALUES ($1, $2, NULLIF($3, 0), $4, 'active', NOW(), NOW())
		RETURNING id
	`, userID, agentID, projectID, title).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("create conversation: %w", err)
	}
	return id, nil
}

// AppendTurn writes one user/assistant pair. The counter bump is a direct
// arithmetic UPDATE, not read-modify-write, so concurrent turns on the same
// conversation never lose increments.
func (p *PostgresStore) AppendTurn(ctx context.Context, turn Turn) (int64, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	convID := turn.ConversationID
	if convID == 0 {
		err = tx.QueryRowContext(ctx, `
			INSERT INTO conversations (user_id, agent_id, project_id, title, status, created_at, updated_at)
			VALUES ($1, $2, NULLIF($3, 0), $4, 'active', NOW(), NOW())
			RETURNING id
		`, turn.UserID, turn.AgentID, turn.ProjectID, defaultTitle(turn.UserContent)).Scan(&convID)
		if err != nil {
			return 0, fmt.Errorf("create conversation: %w", err)
		}
	}

	userSeq, assistantSeq := sequence.NextPair()
	_, err = tx.ExecContext(ctx, `
		INSERT INTO messages (conversation_id, role, content, tokens, sequence, created_at)
		VALUES ($1, 'user',      $2, $3, $4, NOW()),
		       ($1, 'assistant', $5, $6, $7, NOW())
	`, convID, turn.UserContent, turn.UserTokens, userSeq,
		turn.AssistantContent, turn.AssistantTokens, assistantSeq)
	if err != nil {
		return 0, fmt.Errorf("insert messages: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE conversations SET
			message_count = message_count + 2,
			total_tokens  = total_tokens + $2,
			updated_at    = NOW()
		WHERE id = $1
	`, convID, turn.UserTokens+turn.AssistantTokens)
	if err != nil {
		return 0, fmt.Errorf("bump counters: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return convID, nil
}

// Get retrieves a conversation and its messages ordered by sequence.
func (p *PostgresStore) Get(ctx context.Context, id int64) (*Conversation, []*Message, error) {
	conv := &Conversation{}
	err := p.db.QueryRowContext(ctx, `
		SELECT id, user_id, agent_id, COALESCE(project_id, 0), title,
		       message_count, total_tokens, status, created_at, updated_at
		FROM conversations WHERE id = $1
	`, id).Scan(&conv.ID, &conv.UserID, &conv.AgentID, &conv.ProjectID, &conv.Title,
		&conv.MessageCount, &conv.TotalTokens, &conv.Status, &conv.CreatedAt, &conv.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil, ErrNotFound
	}
	if err != nil {
		return nil, nil, err
	}

	rows, err := p.db.QueryContext(ctx, `
		SELECT id, conversation_id, role, content, tokens, sequence, created_at
		FROM messages
		WHERE conversation_id = $1
		ORDER BY sequence ASC
	`, id)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	var msgs []*Message
	for rows.Next() {
		m := &Message{}
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Role, &m.Content,
			&m.Tokens, &m.Sequence, &m.CreatedAt); err != nil {
			return nil, nil, err
		}
		msgs = append(msgs, m)
	}
	return conv, msgs, rows.Err()
}

// List retrieves the user's conversations, most recently updated first.
func (p *PostgresStore) List(ctx context.Context, userID int64, filter ListFilter, limit, offset int) ([]*Conversation, int64, error) {
	where := []string{"user_id = $1"}
	args := []any{userID}

	if filter.Status != "" {
		args = append(args, filter.Status)
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	if filter.AgentID != 0 {
		args = append(args, filter.AgentID)
		where = append(where, fmt.Sprintf("agent_id = $%d", len(args)))
	}
	if filter.ProjectID != 0 {
		args = append(args, filter.ProjectID)
		where = append(where, fmt.Sprintf("project_id = $%d", len(args)))
	}
	if filter.Keyword != "" {
		args = append(args, "%"+filter.Keyword+"%")
		where = append(where, fmt.Sprintf("title ILIKE $%d", len(args)))
	}
	cond := strings.Join(where, " AND ")

	var total int64
	if err := p.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM conversations WHERE "+cond, args...,
	).Scan(&total); err != nil {
		return nil, 0, err
	}

	args = append(args, limit, offset)
	rows, err := p.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT id, user_id, agent_id, COALESCE(project_id, 0), title,
		       message_count, total_tokens, status, created_at, updated_at
		FROM conversations
		WHERE %s
		ORDER BY updated_at DESC, id DESC
		LIMIT $%d OFFSET $%d
	`, cond, len(args)-1, len(args)), args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var convs []*Conversation
	for rows.Next() {
		c := &Conversation{}
		if err := rows.Scan(&c.ID, &c.UserID, &c.AgentID, &c.ProjectID, &c.Title,
			&c.MessageCount, &c.TotalTokens, &c.Status, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, 0, err
		}
		convs = append(convs, c)
	}
	return convs, total, rows.Err()
}

// UpdateTitle renames a conversation.
func (p *PostgresStore) UpdateTitle(ctx context.Context, id int64, title string) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE conversations SET title = $2, updated_at = NOW() WHERE id = $1
	`, id, title)
	if err != nil {
		return err
	}
	return checkFound(res)
}

// Archive moves a conversation to archived status.
func (p *PostgresStore) Archive(ctx context.Context, id int64) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE conversations SET status = 'archived', updated_at = NOW() WHERE id = $1
	`, id)
	if err != nil {
		return err
	}
	return checkFound(res)
}

// Delete removes a conversation. Messages go with it via ON DELETE CASCADE.
func (p *PostgresStore) Delete(ctx context.Context, id int64) error {
	res, err := p.db.ExecContext(ctx, `DELETE FROM conversations WHERE id = $1`, id)
	if err != nil {
		return err
	}
	return checkFound(res)
}

func checkFound(res sql.Result) error {
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}
