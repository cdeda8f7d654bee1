package window

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rentguntur/project-school/internal/history"
)

func msgs(contents ...string) []history.Message {
	out := make([]history.Message, len(contents))
	for i, c := range contents {
		out[i] = history.Message{Seq: int64(i + 1), Role: history.RoleUser, Content: c}
	}
	return out
}

func TestFit_TailPreserving(t *testing.T) {
	snap := Fit(msgs("aaaa", "bbb", "cc", "d"), 6, LengthSizer{})

	require.Len(t, snap.Messages, 3)
	require.Equal(t, "bbb", snap.Messages[0].Content)
	require.Equal(t, "d", snap.Messages[2].Content)
	require.Equal(t, 6, snap.Size)
	require.Equal(t, 1, snap.Dropped)
	require.False(t, snap.Oversized)
}

func TestFit_OversizedNewestKeptAlone(t *testing.T) {
	snap := Fit(msgs("short", "this one is far too long"), 4, LengthSizer{})

	require.Len(t, snap.Messages, 1)
	require.Equal(t, int64(2), snap.Messages[0].Seq)
	require.True(t, snap.Oversized)
	require.Equal(t, 1, snap.Dropped)
}

func toolRound() []history.Message {
	return []history.Message{
		{Seq: 1, Role: history.RoleUser, Content: "what are my goals?"},
		{Seq: 2, Role: history.RoleAgent, ToolCalls: []history.ToolCall{{ID: "c1", Name: "get_user_goals", Arguments: `{"user_id":"u-1","extra":"xxxxxxxxxxxx"}`}}},
		{Seq: 3, Role: history.RoleTool, ToolCallID: "c1", Content: strings.Repeat("g", 100)},
	}
}

func TestFit_ToolResultStaysWithItsCall(t *testing.T) {
	in := toolRound()
	callSize := LengthSizer{}.Size(in[1])
	require.Greater(t, 100+callSize, 120)

	snap := Fit(in, 120, LengthSizer{})

	require.Len(t, snap.Messages, 2)
	require.Equal(t, history.RoleAgent, snap.Messages[0].Role)
	require.Equal(t, history.RoleTool, snap.Messages[1].Role)
	require.True(t, snap.Oversized)
	require.Equal(t, 1, snap.Dropped)
	require.Equal(t, 100+callSize, snap.Size)
}

func TestFit_ToolGroupDroppedWhole(t *testing.T) {
	in := append(toolRound(), history.Message{Seq: 4, Role: history.RoleAgent, Content: "You want to learn Go."})

	snap := Fit(in, 30, LengthSizer{})

	require.Len(t, snap.Messages, 1)
	require.Equal(t, int64(4), snap.Messages[0].Seq)
	require.False(t, snap.Oversized)
	require.Equal(t, 3, snap.Dropped)
}

func TestFit_MultipleToolResultsGrouped(t *testing.T) {
	in := []history.Message{
		{Seq: 1, Role: history.RoleUser, Content: "q"},
		{Seq: 2, Role: history.RoleAgent, ToolCalls: []history.ToolCall{{ID: "a", Name: "t"}, {ID: "b", Name: "t"}}},
		{Seq: 3, Role: history.RoleTool, ToolCallID: "a", Content: "1"},
		{Seq: 4, Role: history.RoleTool, ToolCallID: "b", Content: "2"},
	}
	groupSize := LengthSizer{}.Size(in[1]) + 2

	snap := Fit(in, groupSize, LengthSizer{})
	require.Len(t, snap.Messages, 3)
	require.Equal(t, int64(2), snap.Messages[0].Seq)
	require.False(t, snap.Oversized)
}

func TestFit_Empty(t *testing.T) {
	snap := Fit(nil, 10, nil)
	require.NotNil(t, snap.Messages)
	require.Empty(t, snap.Messages)
	require.False(t, snap.Oversized)
}

func TestLengthSizer_CountsToolCalls(t *testing.T) {
	m := history.Message{Content: "ab", ToolCalls: []history.ToolCall{{Name: "tool", Arguments: "{}"}}}
	require.Equal(t, 8, LengthSizer{}.Size(m))
}

// TestFit_Properties checks over random histories that the newest message is
// always present, order is chronological and the budget is only exceeded
// when flagged.
func TestFit_Properties(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for iter := 0; iter < 200; iter++ {
		n := 1 + rng.Intn(12)
		contents := make([]string, n)
		for i := range contents {
			contents[i] = string(make([]byte, rng.Intn(40)))
		}
		in := msgs(contents...)
		budget := rng.Intn(120)

		snap := Fit(in, budget, LengthSizer{})
		require.NotEmpty(t, snap.Messages)
		require.Equal(t, in[n-1].Seq, snap.Messages[len(snap.Messages)-1].Seq)
		for i := 1; i < len(snap.Messages); i++ {
			require.Equal(t, snap.Messages[i-1].Seq+1, snap.Messages[i].Seq)
		}
		if snap.Oversized {
			require.Len(t, snap.Messages, 1)
			require.Greater(t, snap.Size, budget)
		} else {
			require.LessOrEqual(t, snap.Size, budget)
		}
		require.Equal(t, n, snap.Dropped+len(snap.Messages))
	}
}

type readerFunc func(ctx context.Context, id string, limit int) ([]history.Message, error)

func (f readerFunc) ReadRecent(ctx context.Context, id string, limit int) ([]history.Message, error) {
	return f(ctx, id, limit)
}

func TestBuilder_Deterministic(t *testing.T) {
	ctx := context.Background()
	store := history.NewMemoryStore()
	c, err := store.CreateConversation(ctx, "u", "a")
	require.NoError(t, err)
	for i := 0; i < 20; i++ {
		_, err := store.Append(ctx, c.ID, history.Message{Role: history.RoleUser, Content: fmt.Sprintf("message number %d", i)})
		require.NoError(t, err)
	}

	b := NewBuilder(store, WithHistoryLimit(10))
	first, err := b.Build(ctx, c.ID, 60)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		again, err := b.Build(ctx, c.ID, 60)
		require.NoError(t, err)
		require.Equal(t, first, again)
	}
	require.Equal(t, c.ID, first.ConversationID)
	require.Equal(t, "message number 19", first.Messages[len(first.Messages)-1].Content)
}

func TestBuilder_PassesLimitAndPropagatesErrors(t *testing.T) {
	var gotLimit int
	b := NewBuilder(readerFunc(func(_ context.Context, _ string, limit int) ([]history.Message, error) {
		gotLimit = limit
		return nil, errors.New("disk on fire")
	}), WithHistoryLimit(7))

	_, err := b.Build(context.Background(), "c", 100)
	require.ErrorContains(t, err, "disk on fire")
	require.Equal(t, 7, gotLimit)
}

func TestBuilder_UnknownConversation(t *testing.T) {
	b := NewBuilder(history.NewMemoryStore())
	snap, err := b.Build(context.Background(), "nope", 100)
	require.NoError(t, err)
	require.Empty(t, snap.Messages)
}
