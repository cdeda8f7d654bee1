// Package window builds the bounded context an agent step sees. Truncation
// keeps the tail of the history, so the newest message always survives. A
// tool result is never separated from the call it answers.
package window

import (
	"context"
	"fmt"

	"github.com/rentguntur/project-school/internal/history"
)

// Snapshot is an ordered, budget-bounded view of a conversation. It is
// derived on every execution and never stored.
type Snapshot struct {
	ConversationID string            `json:"conversationId"`
	Messages       []history.Message `json:"messages"`
	Size           int               `json:"size"`
	Budget         int               `json:"budget"`
	Dropped        int               `json:"dropped"`

	// Oversized is set when the newest message (with the tool call it
	// answers, if any) exceeds Budget and was kept anyway.
	Oversized bool `json:"oversized"`
}

// Reader is the slice of history.Store the builder needs.
type Reader interface {
	ReadRecent(ctx context.Context, conversationID string, limit int) ([]history.Message, error)
}

// Builder reads recent history and fits it to a budget.
type Builder struct {
	store        Reader
	sizer        Sizer
	historyLimit int
}

type Option func(*Builder)

// WithSizer replaces the default LengthSizer.
func WithSizer(s Sizer) Option {
	return func(b *Builder) { b.sizer = s }
}

// WithHistoryLimit caps how many stored messages are considered before
// budget fitting. Zero means the whole log.
func WithHistoryLimit(n int) Option {
	return func(b *Builder) { b.historyLimit = n }
}

func NewBuilder(store Reader, opts ...Option) *Builder {
	b := &Builder{store: store, sizer: LengthSizer{}, historyLimit: 50}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Sizer returns the sizer used for fitting, so the step executor can refit
// its working context with the same measure.
func (b *Builder) Sizer() Sizer { return b.sizer }

// Build returns the snapshot of conversationID under budget. An unknown
// conversation yields an empty snapshot.
func (b *Builder) Build(ctx context.Context, conversationID string, budget int) (Snapshot, error) {
	msgs, err := b.store.ReadRecent(ctx, conversationID, b.historyLimit)
	if err != nil {
		return Snapshot{}, fmt.Errorf("failed to read history for context: %w", err)
	}
	snap := Fit(msgs, budget, b.sizer)
	snap.ConversationID = conversationID
	return snap, nil
}

// Fit keeps the longest suffix of msgs (chronological order) whose summed
// size stays within budget. An agent message carrying tool calls and the
// tool results that follow it are kept or dropped together. If even the
// newest such group is too large it is kept alone and the snapshot is
// flagged Oversized.
func Fit(msgs []history.Message, budget int, sizer Sizer) Snapshot {
	if sizer == nil {
		sizer = LengthSizer{}
	}
	snap := Snapshot{Budget: budget, Messages: []history.Message{}}
	if len(msgs) == 0 {
		return snap
	}

	start := len(msgs)
	total := 0
	for end := len(msgs) - 1; end >= 0; {
		first := groupStart(msgs, end)
		n := sizeOf(msgs[first:end+1], sizer)
		if total+n > budget {
			break
		}
		total += n
		start = first
		end = first - 1
	}

	if start == len(msgs) {
		start = groupStart(msgs, len(msgs)-1)
		total = sizeOf(msgs[start:], sizer)
		snap.Oversized = true
	}

	snap.Messages = append(snap.Messages, msgs[start:]...)
	snap.Size = total
	snap.Dropped = start
	return snap
}

// groupStart returns the index of the first message in the group ending at
// end. Tool results belong to the agent message that requested them.
func groupStart(msgs []history.Message, end int) int {
	if msgs[end].Role != history.RoleTool {
		return end
	}
	i := end
	for i >= 0 && msgs[i].Role == history.RoleTool {
		i--
	}
	if i >= 0 && msgs[i].Role == history.RoleAgent && len(msgs[i].ToolCalls) > 0 {
		return i
	}
	return i + 1
}

func sizeOf(msgs []history.Message, sizer Sizer) int {
	n := 0
	for _, m := range msgs {
		n += sizer.Size(m)
	}
	return n
}
