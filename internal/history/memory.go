package history

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rentguntur/project-school/internal/apperr"
)

// MemoryStore keeps conversations in process memory. A single mutex
// serialises appends, so sequence numbers can never race.
type MemoryStore struct {
	mu            sync.RWMutex
	conversations map[string]*Conversation
	messages      map[string][]Message
	now           func() time.Time
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		conversations: make(map[string]*Conversation),
		messages:      make(map[string][]Message),
		now:           time.Now,
	}
}

func (s *MemoryStore) CreateConversation(_ context.Context, userID, agentID string) (Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	c := &Conversation{ID: uuid.NewString(), UserID: userID, AgentID: agentID, Status: StatusActive, CreatedAt: now, UpdatedAt: now}
	s.conversations[c.ID] = c
	return *c, nil
}

func (s *MemoryStore) GetConversation(_ context.Context, id string) (Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.conversations[id]
	if !ok {
		return Conversation{}, apperr.NotFound("history.GetConversation", "conversation %s not found", id)
	}
	return *c, nil
}

func (s *MemoryStore) FindActive(_ context.Context, userID, agentID string) (Conversation, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var best *Conversation
	for _, c := range s.conversations {
		if c.UserID != userID || c.AgentID != agentID || c.Status != StatusActive {
			continue
		}
		if best == nil || newer(c, best) {
			best = c
		}
	}
	if best == nil {
		return Conversation{}, false, nil
	}
	return *best, true, nil
}

func newer(a, b *Conversation) bool {
	if !a.UpdatedAt.Equal(b.UpdatedAt) {
		return a.UpdatedAt.After(b.UpdatedAt)
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.After(b.CreatedAt)
	}
	return a.ID > b.ID
}

func (s *MemoryStore) ListConversations(_ context.Context, userID string) ([]Summary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Summary, 0)
	for _, c := range s.conversations {
		if c.UserID == userID {
			out = append(out, Summary{Conversation: *c, MessageCount: int64(len(s.messages[c.ID]))})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *MemoryStore) SetStatus(_ context.Context, id string, status Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[id]
	if !ok {
		return apperr.NotFound("history.SetStatus", "conversation %s not found", id)
	}
	c.Status = status
	c.UpdatedAt = s.now()
	return nil
}

func (s *MemoryStore) Append(_ context.Context, conversationID string, msg Message) (Message, error) {
	if err := checkAppend(msg); err != nil {
		return Message{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[conversationID]
	if !ok {
		return Message{}, apperr.NotFound("history.Append", "conversation %s not found", conversationID)
	}
	log := s.messages[conversationID]
	msg = prepare(msg, conversationID, int64(len(log))+1, s.now())
	s.messages[conversationID] = append(log, msg)
	c.UpdatedAt = msg.CreatedAt
	return cloneMessage(msg), nil
}

func (s *MemoryStore) ReadRecent(_ context.Context, conversationID string, limit int) ([]Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	log := s.messages[conversationID]
	start := 0
	if limit > 0 && len(log) > limit {
		start = len(log) - limit
	}
	out := make([]Message, 0, len(log)-start)
	for _, m := range log[start:] {
		out = append(out, cloneMessage(m))
	}
	return out, nil
}

func (s *MemoryStore) ReadAll(ctx context.Context, conversationID string) ([]Message, error) {
	return s.ReadRecent(ctx, conversationID, 0)
}

func (s *MemoryStore) Close() error { return nil }

func checkAppend(msg Message) error {
	if !msg.Role.Valid() {
		return apperr.Validation("history.Append", "unknown role %q", msg.Role)
	}
	return nil
}

// prepare fills the store-assigned fields of a message about to be appended.
func prepare(msg Message, conversationID string, seq int64, now time.Time) Message {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	msg.ConversationID = conversationID
	msg.Seq = seq
	msg.CreatedAt = now
	msg.ToolCalls = append([]ToolCall(nil), msg.ToolCalls...)
	return msg
}

func cloneMessage(m Message) Message {
	m.ToolCalls = append([]ToolCall(nil), m.ToolCalls...)
	return m
}
