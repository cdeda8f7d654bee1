// Package history persists conversations and their append-only message
// logs. SQLStore is the durable implementation; MemoryStore backs tests and
// ephemeral deployments.
package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/rentguntur/project-school/internal/apperr"
	"github.com/rentguntur/project-school/internal/logger"
	"github.com/rentguntur/project-school/internal/sqldb"
)

const schema = `
CREATE TABLE IF NOT EXISTS conversations (
    id VARCHAR(64) PRIMARY KEY,
    user_id VARCHAR(255) NOT NULL,
    agent_id VARCHAR(255) NOT NULL,
    status VARCHAR(16) NOT NULL,
    created_at BIGINT NOT NULL,
    updated_at BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_conversations_user ON conversations(user_id, agent_id, status);
CREATE TABLE IF NOT EXISTS messages (
    conversation_id VARCHAR(64) NOT NULL,
    seq BIGINT NOT NULL,
    id VARCHAR(64) NOT NULL,
    role VARCHAR(16) NOT NULL,
    content TEXT NOT NULL,
    tool_calls TEXT,
    tool_call_id VARCHAR(255),
    step_tag VARCHAR(64),
    partial BOOLEAN NOT NULL DEFAULT FALSE,
    created_at BIGINT NOT NULL,
    PRIMARY KEY (conversation_id, seq),
    FOREIGN KEY (conversation_id) REFERENCES conversations(id)
);
`

// SQLStore is a Store on sqlite or postgres. Sequence numbers come from
// MAX(seq)+1 inside a transaction; the (conversation_id, seq) primary key
// turns a lost race into a Conflict instead of a gap or a duplicate.
type SQLStore struct {
	db  *sqldb.DB
	now func() time.Time
}

// NewSQLStore creates the schema if needed.
func NewSQLStore(ctx context.Context, db *sqldb.DB) (*SQLStore, error) {
	if db == nil {
		return nil, errors.New("database connection is required")
	}
	if err := db.ExecScript(ctx, schema); err != nil {
		return nil, fmt.Errorf("failed to initialize history schema: %w", err)
	}
	logger.L.Info("history store initialized", "dialect", db.Dialect)
	return &SQLStore{db: db, now: time.Now}, nil
}

func (s *SQLStore) CreateConversation(ctx context.Context, userID, agentID string) (Conversation, error) {
	now := s.now()
	c := Conversation{ID: uuid.NewString(), UserID: userID, AgentID: agentID, Status: StatusActive, CreatedAt: now, UpdatedAt: now}
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`INSERT INTO conversations (id, user_id, agent_id, status, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)`),
		c.ID, c.UserID, c.AgentID, string(c.Status), now.UnixNano(), now.UnixNano())
	if err != nil {
		return Conversation{}, fmt.Errorf("failed to insert conversation: %w", err)
	}
	return c, nil
}

const conversationColumns = `id, user_id, agent_id, status, created_at, updated_at`

func (s *SQLStore) GetConversation(ctx context.Context, id string) (Conversation, error) {
	row := s.db.QueryRowContext(ctx, s.db.Rebind(`SELECT `+conversationColumns+` FROM conversations WHERE id = ?`), id)
	c, err := scanConversation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Conversation{}, apperr.NotFound("history.GetConversation", "conversation %s not found", id)
	}
	if err != nil {
		return Conversation{}, fmt.Errorf("failed to load conversation: %w", err)
	}
	return c, nil
}

func (s *SQLStore) FindActive(ctx context.Context, userID, agentID string) (Conversation, bool, error) {
	row := s.db.QueryRowContext(ctx, s.db.Rebind(`
SELECT `+conversationColumns+` FROM conversations
WHERE user_id = ? AND agent_id = ? AND status = ?
ORDER BY updated_at DESC, created_at DESC, id DESC
LIMIT 1`), userID, agentID, string(StatusActive))
	c, err := scanConversation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Conversation{}, false, nil
	}
	if err != nil {
		return Conversation{}, false, fmt.Errorf("failed to find active conversation: %w", err)
	}
	return c, true, nil
}

func (s *SQLStore) ListConversations(ctx context.Context, userID string) ([]Summary, error) {
	rows, err := s.db.QueryContext(ctx, s.db.Rebind(`
SELECT c.id, c.user_id, c.agent_id, c.status, c.created_at, c.updated_at,
       (SELECT COUNT(*) FROM messages m WHERE m.conversation_id = c.id)
FROM conversations c
WHERE c.user_id = ?
ORDER BY c.created_at ASC, c.id ASC`), userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query conversations: %w", err)
	}
	defer rows.Close()

	out := make([]Summary, 0)
	for rows.Next() {
		var (
			sum              Summary
			status           string
			created, updated int64
		)
		if err := rows.Scan(&sum.ID, &sum.UserID, &sum.AgentID, &status, &created, &updated, &sum.MessageCount); err != nil {
			return nil, fmt.Errorf("failed to scan conversation: %w", err)
		}
		sum.Status = Status(status)
		sum.CreatedAt = time.Unix(0, created)
		sum.UpdatedAt = time.Unix(0, updated)
		out = append(out, sum)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating conversations: %w", err)
	}
	return out, nil
}

func (s *SQLStore) SetStatus(ctx context.Context, id string, status Status) error {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`UPDATE conversations SET status = ?, updated_at = ? WHERE id = ?`),
		string(status), s.now().UnixNano(), id)
	if err != nil {
		return fmt.Errorf("failed to update conversation status: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return apperr.NotFound("history.SetStatus", "conversation %s not found", id)
	}
	return nil
}

func (s *SQLStore) Append(ctx context.Context, conversationID string, msg Message) (_ Message, err error) {
	if err := checkAppend(msg); err != nil {
		return Message{}, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Message{}, s.appendErr("failed to begin transaction", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	var exists int
	err = tx.QueryRowContext(ctx, s.db.Rebind(`SELECT COUNT(*) FROM conversations WHERE id = ?`), conversationID).Scan(&exists)
	if err != nil {
		return Message{}, s.appendErr("failed to check conversation", err)
	}
	if exists == 0 {
		err = apperr.NotFound("history.Append", "conversation %s not found", conversationID)
		return Message{}, err
	}

	var last int64
	err = tx.QueryRowContext(ctx, s.db.Rebind(`SELECT COALESCE(MAX(seq), 0) FROM messages WHERE conversation_id = ?`), conversationID).Scan(&last)
	if err != nil {
		return Message{}, s.appendErr("failed to get sequence number", err)
	}

	msg = prepare(msg, conversationID, last+1, s.now())
	var toolCalls sql.NullString
	if len(msg.ToolCalls) > 0 {
		b, merr := json.Marshal(msg.ToolCalls)
		if merr != nil {
			err = fmt.Errorf("failed to marshal tool calls: %w", merr)
			return Message{}, err
		}
		toolCalls = sql.NullString{String: string(b), Valid: true}
	}

	_, err = tx.ExecContext(ctx, s.db.Rebind(`
INSERT INTO messages (conversation_id, seq, id, role, content, tool_calls, tool_call_id, step_tag, partial, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		conversationID, msg.Seq, msg.ID, string(msg.Role), msg.Content, toolCalls,
		msg.ToolCallID, msg.StepTag, msg.Partial, msg.CreatedAt.UnixNano())
	if err != nil {
		return Message{}, s.appendErr("failed to insert message", err)
	}

	_, err = tx.ExecContext(ctx, s.db.Rebind(`UPDATE conversations SET updated_at = ? WHERE id = ?`), msg.CreatedAt.UnixNano(), conversationID)
	if err != nil {
		return Message{}, s.appendErr("failed to update conversation timestamp", err)
	}

	if err = tx.Commit(); err != nil {
		return Message{}, s.appendErr("failed to commit transaction", err)
	}
	return msg, nil
}

// appendErr turns sequence races and lock contention into Conflict errors.
func (s *SQLStore) appendErr(msg string, err error) error {
	if sqldb.IsUniqueViolation(err) || sqldb.IsBusy(err) {
		return &apperr.Error{Kind: apperr.KindConflict, Op: "history.Append", Msg: "concurrent append; retry", Err: err}
	}
	return fmt.Errorf("%s: %w", msg, err)
}

const messageColumns = `id, conversation_id, seq, role, content, tool_calls, tool_call_id, step_tag, partial, created_at`

func (s *SQLStore) ReadRecent(ctx context.Context, conversationID string, limit int) ([]Message, error) {
	if limit <= 0 {
		return s.ReadAll(ctx, conversationID)
	}
	return s.queryMessages(ctx, `
SELECT `+messageColumns+` FROM (
    SELECT `+messageColumns+` FROM messages
    WHERE conversation_id = ?
    ORDER BY seq DESC
    LIMIT ?
) sub ORDER BY seq ASC`, conversationID, limit)
}

func (s *SQLStore) ReadAll(ctx context.Context, conversationID string) ([]Message, error) {
	return s.queryMessages(ctx, `SELECT `+messageColumns+` FROM messages WHERE conversation_id = ? ORDER BY seq ASC`, conversationID)
}

func (s *SQLStore) queryMessages(ctx context.Context, query string, args ...any) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, s.db.Rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	out := make([]Message, 0)
	for rows.Next() {
		var (
			m                            Message
			role                         string
			toolCalls, toolCallID, stepT sql.NullString
			created                      int64
		)
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Seq, &role, &m.Content, &toolCalls, &toolCallID, &stepT, &m.Partial, &created); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		m.Role = Role(role)
		m.ToolCallID = toolCallID.String
		m.StepTag = stepT.String
		m.CreatedAt = time.Unix(0, created)
		if toolCalls.Valid && toolCalls.String != "" {
			if err := json.Unmarshal([]byte(toolCalls.String), &m.ToolCalls); err != nil {
				return nil, fmt.Errorf("failed to unmarshal tool calls: %w", err)
			}
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating messages: %w", err)
	}
	return out, nil
}

func (s *SQLStore) Close() error { return s.db.Close() }

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(row rowScanner) (Conversation, error) {
	var (
		c                Conversation
		status           string
		created, updated int64
	)
	if err := row.Scan(&c.ID, &c.UserID, &c.AgentID, &status, &created, &updated); err != nil {
		return Conversation{}, err
	}
	c.Status = Status(status)
	c.CreatedAt = time.Unix(0, created)
	c.UpdatedAt = time.Unix(0, updated)
	return c, nil
}
