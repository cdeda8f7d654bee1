package history

import (
	"context"
	"fmt"
	"math/rand"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rentguntur/project-school/internal/apperr"
	"github.com/rentguntur/project-school/internal/sqldb"
)

func newSQLStore(t *testing.T) *SQLStore {
	t.Helper()
	db, err := sqldb.Open(context.Background(), sqldb.DialectSQLite, filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	s, err := NewSQLStore(context.Background(), db)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// forEachStore runs fn against every Store implementation.
func forEachStore(t *testing.T, fn func(t *testing.T, s Store)) {
	t.Run("memory", func(t *testing.T) { fn(t, NewMemoryStore()) })
	t.Run("sqlite", func(t *testing.T) { fn(t, newSQLStore(t)) })
}

func TestStore_AppendAssignsSequence(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		c, err := s.CreateConversation(ctx, "u1", "study-buddy")
		require.NoError(t, err)
		require.Equal(t, StatusActive, c.Status)

		m1, err := s.Append(ctx, c.ID, Message{Role: RoleUser, Content: "hi"})
		require.NoError(t, err)
		m2, err := s.Append(ctx, c.ID, Message{
			Role:      RoleAgent,
			ToolCalls: []ToolCall{{ID: "call_1", Name: "get_user_goals", Arguments: `{"user_id":"u1"}`}},
			StepTag:   "step-1",
		})
		require.NoError(t, err)
		m3, err := s.Append(ctx, c.ID, Message{Role: RoleTool, Content: `{"goals":[]}`, ToolCallID: "call_1", Partial: true})
		require.NoError(t, err)

		require.Equal(t, int64(1), m1.Seq)
		require.Equal(t, int64(2), m2.Seq)
		require.Equal(t, int64(3), m3.Seq)
		require.NotEmpty(t, m1.ID)
		require.Equal(t, c.ID, m2.ConversationID)

		all, err := s.ReadAll(ctx, c.ID)
		require.NoError(t, err)
		require.Len(t, all, 3)
		require.Equal(t, "hi", all[0].Content)
		require.Equal(t, []ToolCall{{ID: "call_1", Name: "get_user_goals", Arguments: `{"user_id":"u1"}`}}, all[1].ToolCalls)
		require.Equal(t, "step-1", all[1].StepTag)
		require.Equal(t, "call_1", all[2].ToolCallID)
		require.True(t, all[2].Partial)
	})
}

func TestStore_ReadRecent(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		c, err := s.CreateConversation(ctx, "u1", "a1")
		require.NoError(t, err)
		for i := 1; i <= 5; i++ {
			_, err := s.Append(ctx, c.ID, Message{Role: RoleUser, Content: fmt.Sprintf("m%d", i)})
			require.NoError(t, err)
		}

		recent, err := s.ReadRecent(ctx, c.ID, 2)
		require.NoError(t, err)
		require.Len(t, recent, 2)
		require.Equal(t, "m4", recent[0].Content)
		require.Equal(t, "m5", recent[1].Content)

		all, err := s.ReadRecent(ctx, c.ID, 0)
		require.NoError(t, err)
		require.Len(t, all, 5)

		unknown, err := s.ReadRecent(ctx, "missing", 10)
		require.NoError(t, err)
		require.Empty(t, unknown)
	})
}

func TestStore_AppendRejects(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		_, err := s.Append(ctx, "missing", Message{Role: RoleUser, Content: "x"})
		require.True(t, apperr.Is(err, apperr.KindNotFound))

		c, err := s.CreateConversation(ctx, "u1", "a1")
		require.NoError(t, err)
		_, err = s.Append(ctx, c.ID, Message{Role: "robot", Content: "x"})
		require.True(t, apperr.Is(err, apperr.KindValidation))

		all, err := s.ReadAll(ctx, c.ID)
		require.NoError(t, err)
		require.Empty(t, all)
	})
}

func TestStore_Conversations(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		_, ok, err := s.FindActive(ctx, "u1", "a1")
		require.NoError(t, err)
		require.False(t, ok)

		c1, err := s.CreateConversation(ctx, "u1", "a1")
		require.NoError(t, err)
		_, err = s.Append(ctx, c1.ID, Message{Role: RoleUser, Content: "hello"})
		require.NoError(t, err)
		c2, err := s.CreateConversation(ctx, "u1", "a2")
		require.NoError(t, err)
		_, err = s.CreateConversation(ctx, "u2", "a1")
		require.NoError(t, err)

		found, ok, err := s.FindActive(ctx, "u1", "a1")
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, c1.ID, found.ID)

		got, err := s.GetConversation(ctx, c2.ID)
		require.NoError(t, err)
		require.Equal(t, "a2", got.AgentID)

		_, err = s.GetConversation(ctx, "missing")
		require.True(t, apperr.Is(err, apperr.KindNotFound))

		list, err := s.ListConversations(ctx, "u1")
		require.NoError(t, err)
		require.Len(t, list, 2)
		counts := map[string]int64{list[0].ID: list[0].MessageCount, list[1].ID: list[1].MessageCount}
		require.Equal(t, int64(1), counts[c1.ID])
		require.Equal(t, int64(0), counts[c2.ID])

		none, err := s.ListConversations(ctx, "nobody")
		require.NoError(t, err)
		require.Empty(t, none)

		require.NoError(t, s.SetStatus(ctx, c1.ID, StatusArchived))
		_, ok, err = s.FindActive(ctx, "u1", "a1")
		require.NoError(t, err)
		require.False(t, ok)

		require.True(t, apperr.Is(s.SetStatus(ctx, "missing", StatusArchived), apperr.KindNotFound))
	})
}

// TestStore_GaplessUnderInterleaving appends from many goroutines in a
// random order and checks every conversation ends with seq 1..n. Conflicts
// are retried, as callers are expected to.
func TestStore_GaplessUnderInterleaving(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		rng := rand.New(rand.NewSource(42))

		const conversations, writers, perWriter = 3, 4, 8
		ids := make([]string, conversations)
		for i := range ids {
			c, err := s.CreateConversation(ctx, "u", fmt.Sprintf("a%d", i))
			require.NoError(t, err)
			ids[i] = c.ID
		}

		type job struct{ conv string }
		plans := make([][]job, writers)
		for w := range plans {
			for j := 0; j < perWriter; j++ {
				plans[w] = append(plans[w], job{conv: ids[rng.Intn(conversations)]})
			}
		}

		var (
			wg    sync.WaitGroup
			mu    sync.Mutex
			total = map[string]int{}
		)
		for w := range plans {
			wg.Add(1)
			go func(plan []job) {
				defer wg.Done()
				for _, j := range plan {
					for {
						_, err := s.Append(ctx, j.conv, Message{Role: RoleUser, Content: "x"})
						if apperr.Is(err, apperr.KindConflict) {
							continue
						}
						if !assert.NoError(t, err) {
							return
						}
						break
					}
					mu.Lock()
					total[j.conv]++
					mu.Unlock()
				}
			}(plans[w])
		}
		wg.Wait()

		for _, id := range ids {
			all, err := s.ReadAll(ctx, id)
			require.NoError(t, err)
			require.Len(t, all, total[id])
			for i, m := range all {
				require.Equal(t, int64(i+1), m.Seq)
			}
		}
	})
}
