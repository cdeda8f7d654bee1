package history

import (
	"context"
	"time"
)

// Role identifies who produced a message.
type Role string

const (
	RoleUser   Role = "user"
	RoleAgent  Role = "agent"
	RoleTool   Role = "tool"
	RoleSystem Role = "system"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAgent, RoleTool, RoleSystem:
		return true
	}
	return false
}

// Status is the lifecycle state of a conversation.
type Status string

const (
	StatusActive   Status = "active"
	StatusArchived Status = "archived"
)

// Conversation is a thread of messages between one user and one agent. The
// agent is fixed at creation.
type Conversation struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId"`
	AgentID   string    `json:"agentId"`
	Status    Status    `json:"status"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Summary is a conversation plus the size of its log.
type Summary struct {
	Conversation
	MessageCount int64 `json:"messageCount"`
}

// ToolCall is a structured request from the model to run a tool.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// Message is one immutable entry of a conversation log. Seq is assigned by
// the store on Append and is gapless per conversation.
type Message struct {
	ID             string     `json:"id"`
	ConversationID string     `json:"conversationId"`
	Seq            int64      `json:"seq"`
	Role           Role       `json:"role"`
	Content        string     `json:"content"`
	ToolCalls      []ToolCall `json:"toolCalls,omitempty"`
	ToolCallID     string     `json:"toolCallId,omitempty"`
	StepTag        string     `json:"stepTag,omitempty"`
	Partial        bool       `json:"partial,omitempty"`
	CreatedAt      time.Time  `json:"createdAt"`
}

// Store is the durable, append-only message log.
//
// Append assigns the next sequence number atomically per conversation and
// returns a Conflict error when that cannot be done without a gap; the
// caller may retry. ReadRecent returns the newest limit messages in
// ascending order (all of them when limit <= 0) and an empty slice for an
// unknown conversation.
type Store interface {
	CreateConversation(ctx context.Context, userID, agentID string) (Conversation, error)
	GetConversation(ctx context.Context, id string) (Conversation, error)
	FindActive(ctx context.Context, userID, agentID string) (Conversation, bool, error)
	ListConversations(ctx context.Context, userID string) ([]Summary, error)
	SetStatus(ctx context.Context, id string, status Status) error

	Append(ctx context.Context, conversationID string, msg Message) (Message, error)
	ReadRecent(ctx context.Context, conversationID string, limit int) ([]Message, error)
	ReadAll(ctx context.Context, conversationID string) ([]Message, error)

	Close() error
}
