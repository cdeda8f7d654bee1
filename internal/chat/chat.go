// Package chat is the conversation controller: it serialises executions per
// conversation, appends the user turn and runs the agent to a terminal
// state under a deadline.
package chat

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/rentguntur/project-school/internal/agent"
	"github.com/rentguntur/project-school/internal/apperr"
	"github.com/rentguntur/project-school/internal/history"
	"github.com/rentguntur/project-school/internal/logger"
	"github.com/rentguntur/project-school/internal/registry"
	"github.com/rentguntur/project-school/internal/window"
)

type Resolver interface {
	Resolve(ctx context.Context, agentID string) (registry.AgentDefinition, error)
}

type SnapshotBuilder interface {
	Build(ctx context.Context, conversationID string, budget int) (window.Snapshot, error)
}

type Executor interface {
	Execute(ctx context.Context, def registry.AgentDefinition, snap window.Snapshot) (agent.Result, error)
}

// Options bound every execution.
type Options struct {
	Timeout       time.Duration
	ContextBudget int
}

// Result is what one handled message produced.
type Result struct {
	ConversationID string          `json:"conversationId"`
	Reply          history.Message `json:"reply"`
	State          agent.State     `json:"state"`
	Steps          int             `json:"steps"`
	Partial        bool            `json:"partial"`
}

// errClosed marks a conversation that stopped being active before its lock
// was taken.
var errClosed = errors.New("conversation closed")

const maxReopen = 3

type Controller struct {
	store    history.Store
	resolver Resolver
	windows  SnapshotBuilder
	executor Executor
	opts     Options
	locks    *lockSet
	tracer   trace.Tracer

	// serialises find-or-create so a user/agent pair gets one active
	// conversation
	createMu sync.Mutex
}

func NewController(store history.Store, resolver Resolver, windows SnapshotBuilder, executor Executor, opts Options) *Controller {
	if opts.Timeout <= 0 {
		opts.Timeout = 60 * time.Second
	}
	if opts.ContextBudget <= 0 {
		opts.ContextBudget = 16000
	}
	return &Controller{
		store:    store,
		resolver: resolver,
		windows:  windows,
		executor: executor,
		opts:     opts,
		locks:    newLockSet(),
		tracer:   otel.Tracer("project-school/chat"),
	}
}

// Chat continues the user's most recent active conversation with agentID,
// creating one if none exists.
func (c *Controller) Chat(ctx context.Context, userID, agentID, content string) (Result, error) {
	const op = "chat.Chat"
	if err := validate(op, userID, agentID, content); err != nil {
		return Result{}, err
	}
	def, err := c.resolver.Resolve(ctx, agentID)
	if err != nil {
		return Result{}, err
	}
	// An archive that lands between find and lock closes the conversation
	// found; the next find creates a fresh one.
	for attempt := 1; ; attempt++ {
		conv, err := c.findOrCreate(ctx, userID, agentID)
		if err != nil {
			return Result{}, err
		}
		res, err := c.handle(ctx, conv, def, content)
		if errors.Is(err, errClosed) && attempt < maxReopen {
			logger.L.Debug("conversation closed before lock, retrying", "conversation", conv.ID)
			continue
		}
		return res, err
	}
}

// HandleMessage runs one turn on an existing conversation. An empty userID
// or agentID matches the conversation's own.
func (c *Controller) HandleMessage(ctx context.Context, conversationID, userID, agentID, content string) (Result, error) {
	const op = "chat.HandleMessage"
	if strings.TrimSpace(conversationID) == "" {
		return Result{}, apperr.Validation(op, "conversationId is required")
	}
	if strings.TrimSpace(content) == "" {
		return Result{}, apperr.Validation(op, "content must not be empty")
	}
	conv, err := c.store.GetConversation(ctx, conversationID)
	if err != nil {
		return Result{}, err
	}
	if userID != "" && userID != conv.UserID {
		return Result{}, apperr.Validation(op, "conversation %s does not belong to user %s", conv.ID, userID)
	}
	if agentID == "" {
		agentID = conv.AgentID
	}
	if agentID != conv.AgentID {
		return Result{}, apperr.Validation(op, "conversation %s is bound to agent %s", conv.ID, conv.AgentID)
	}
	if conv.Status != history.StatusActive {
		return Result{}, apperr.Validation(op, "conversation %s is %s", conv.ID, conv.Status)
	}
	def, err := c.resolver.Resolve(ctx, agentID)
	if err != nil {
		return Result{}, err
	}
	return c.handle(ctx, conv, def, content)
}

func (c *Controller) ListConversations(ctx context.Context, userID string) ([]history.Summary, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, apperr.Validation("chat.ListConversations", "userId is required")
	}
	return c.store.ListConversations(ctx, userID)
}

// History returns every message of a conversation in sequence order.
func (c *Controller) History(ctx context.Context, conversationID string) (history.Conversation, []history.Message, error) {
	conv, err := c.store.GetConversation(ctx, conversationID)
	if err != nil {
		return history.Conversation{}, nil, err
	}
	msgs, err := c.store.ReadAll(ctx, conversationID)
	if err != nil {
		return history.Conversation{}, nil, err
	}
	return conv, msgs, nil
}

// Archive closes a conversation to further messages. It fails with Conflict
// while an execution holds the conversation.
func (c *Controller) Archive(ctx context.Context, conversationID string) error {
	if _, err := c.store.GetConversation(ctx, conversationID); err != nil {
		return err
	}
	release, ok := c.locks.tryLock(conversationID)
	if !ok {
		return apperr.Conflict("chat.Archive", "conversation %s is busy", conversationID)
	}
	defer release()
	return c.store.SetStatus(ctx, conversationID, history.StatusArchived)
}

func (c *Controller) findOrCreate(ctx context.Context, userID, agentID string) (history.Conversation, error) {
	c.createMu.Lock()
	defer c.createMu.Unlock()
	conv, ok, err := c.store.FindActive(ctx, userID, agentID)
	if err != nil {
		return history.Conversation{}, err
	}
	if ok {
		return conv, nil
	}
	conv, err = c.store.CreateConversation(ctx, userID, agentID)
	if err != nil {
		return history.Conversation{}, err
	}
	logger.L.Info("conversation created", "conversation", conv.ID, "user", userID, "agent", agentID)
	return conv, nil
}

func (c *Controller) handle(ctx context.Context, conv history.Conversation, def registry.AgentDefinition, content string) (res Result, err error) {
	const op = "chat.handle"
	res.ConversationID = conv.ID

	release, ok := c.locks.tryLock(conv.ID)
	if !ok {
		return res, apperr.Conflict(op, "conversation %s is busy", conv.ID)
	}
	defer release()

	// the status read before locking may be stale
	current, err := c.store.GetConversation(ctx, conv.ID)
	if err != nil {
		return res, err
	}
	if current.Status != history.StatusActive {
		return res, &apperr.Error{Kind: apperr.KindValidation, Op: op, Msg: "conversation " + conv.ID + " is " + string(current.Status), Err: errClosed}
	}

	ctx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()
	ctx, span := c.tracer.Start(ctx, "chat.handleMessage", trace.WithAttributes(
		attribute.String("conversation.id", conv.ID),
		attribute.String("agent.id", def.ID),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	def, mode := def.ForMessage(content)
	if mode != "" {
		logger.L.Info("agent mode selected", "conversation", conv.ID, "agent", def.ID, "mode", mode)
		span.SetAttributes(attribute.String("agent.mode", mode))
	}

	if _, err := c.store.Append(ctx, conv.ID, history.Message{Role: history.RoleUser, Content: content}); err != nil {
		return res, deadline(op, err)
	}
	snap, err := c.windows.Build(ctx, conv.ID, c.opts.ContextBudget)
	if err != nil {
		return res, deadline(op, err)
	}
	if snap.Oversized {
		logger.L.Warn("newest message exceeds the context budget", "conversation", conv.ID, "size", snap.Size, "budget", snap.Budget)
	}

	out, err := c.executor.Execute(ctx, def, snap)
	res.Reply = out.Reply
	res.State = out.State
	res.Steps = out.Steps
	res.Partial = out.State == agent.StateCapped
	span.SetAttributes(attribute.String("agent.final_state", string(out.State)), attribute.Int("agent.steps", out.Steps))
	if err != nil {
		return res, deadline(op, err)
	}
	return res, nil
}

func validate(op, userID, agentID, content string) error {
	if strings.TrimSpace(userID) == "" {
		return apperr.Validation(op, "userId is required")
	}
	if strings.TrimSpace(agentID) == "" {
		return apperr.Validation(op, "agentId is required")
	}
	if strings.TrimSpace(content) == "" {
		return apperr.Validation(op, "content must not be empty")
	}
	return nil
}

// deadline classifies a bare deadline error as a timeout.
func deadline(op string, err error) error {
	var classified *apperr.Error
	if errors.Is(err, context.DeadlineExceeded) && !errors.As(err, &classified) {
		return apperr.Timeout(op, err)
	}
	return err
}
