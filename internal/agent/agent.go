// Package agent runs one agent execution as an explicit state machine:
// Start -> Reasoning <-> ToolCall -> AwaitingTool -> ... until Finished,
// Failed or Capped. Every step that produces visible content is appended to
// the conversation log before the next transition is evaluated.
package agent

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"text/template"
	"time"

	"github.com/qmuntal/stateless"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/rentguntur/project-school/internal/apperr"
	"github.com/rentguntur/project-school/internal/history"
	"github.com/rentguntur/project-school/internal/logger"
	"github.com/rentguntur/project-school/internal/metrics"
	"github.com/rentguntur/project-school/internal/registry"
	"github.com/rentguntur/project-school/internal/window"
)

// CappedNotice is persisted when an execution is capped before the agent
// produced any content.
const CappedNotice = "I ran out of steps before reaching a final answer."

// ReasonRequest is the input of one reasoning step.
type ReasonRequest struct {
	Agent    registry.AgentDefinition
	Messages []history.Message
}

// Output is what the model produced for one reasoning step.
type Output struct {
	Content   string
	ToolCalls []history.ToolCall
}

// Invoker is the external model/tool backend. Errors should be classified
// with apperr.Transient or apperr.Fatal; anything else is treated as fatal.
type Invoker interface {
	Reason(ctx context.Context, req ReasonRequest) (Output, error)
	CallTool(ctx context.Context, call history.ToolCall) (string, error)
}

// Appender is the slice of history.Store the executor writes through.
type Appender interface {
	Append(ctx context.Context, conversationID string, msg history.Message) (history.Message, error)
}

// RetryPolicy bounds retries of transient upstream failures.
type RetryPolicy struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

var DefaultRetryPolicy = RetryPolicy{MaxAttempts: 3, InitialInterval: 200 * time.Millisecond, MaxInterval: 2 * time.Second}

// Result is the outcome of Execute.
type Result struct {
	State    State
	Steps    int
	Reply    history.Message
	Appended []history.Message

	// Err is the failure for Failed and a CapReached error for Capped.
	Err error
}

// Executor drives executions. It is safe for concurrent use; all per-run
// state lives in Run.
type Executor struct {
	store   Appender
	invoker Invoker
	sizer   window.Sizer
	retry   RetryPolicy
	metrics *metrics.Metrics
	tracer  trace.Tracer
}

type Option func(*Executor)

func WithSizer(s window.Sizer) Option { return func(e *Executor) { e.sizer = s } }

func WithRetryPolicy(p RetryPolicy) Option { return func(e *Executor) { e.retry = p } }

func WithMetrics(m *metrics.Metrics) Option { return func(e *Executor) { e.metrics = m } }

func New(store Appender, invoker Invoker, opts ...Option) *Executor {
	e := &Executor{
		store:   store,
		invoker: invoker,
		sizer:   window.LengthSizer{},
		retry:   DefaultRetryPolicy,
		tracer:  otel.Tracer("project-school/agent"),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.retry.MaxAttempts <= 0 {
		e.retry.MaxAttempts = 1
	}
	return e
}

// Execute runs def over snap until a terminal state. The returned error is
// non-nil exactly when the run Failed.
func (e *Executor) Execute(ctx context.Context, def registry.AgentDefinition, snap window.Snapshot) (Result, error) {
	run := &Run{
		ConversationID: snap.ConversationID,
		Agent:          def,
		State:          StateStart,
		Working:        append([]history.Message(nil), snap.Messages...),
		Budget:         snap.Budget,
	}
	prompt, err := renderPrompt(def)
	if err != nil {
		run.State = StateFailed
		run.Err = apperr.Validation("agent.Execute", "agent %s has an invalid system prompt: %v", def.ID, err)
		return e.finish(run), run.Err
	}
	run.Agent.SystemPrompt = prompt

	sm := newMachine()
	sm.OnTransitioned(func(_ context.Context, t stateless.Transition) {
		logger.L.Debug("agent transition", "conversation", run.ConversationID, "from", t.Source, "trigger", t.Trigger, "to", t.Destination, "steps", run.Steps)
	})
	for !run.State.Terminal() {
		trigger := e.step(ctx, run)
		if err := sm.Fire(trigger); err != nil {
			// only reachable through a bug in step
			run.Err = fmt.Errorf("agent: invalid transition %s on %s: %w", run.State, trigger, err)
			run.State = StateFailed
			break
		}
		run.State = sm.MustState().(State)
	}

	if run.State == StateCapped {
		e.persistPartial(ctx, run)
	}

	res := e.finish(run)
	if run.State == StateFailed {
		return res, run.Err
	}
	return res, nil
}

func (e *Executor) finish(run *Run) Result {
	e.metrics.ObserveExecution(string(run.State), run.Steps)
	switch run.State {
	case StateFinished:
		logger.L.Info("agent finished", "conversation", run.ConversationID, "agent", run.Agent.ID, "steps", run.Steps)
	case StateCapped:
		logger.L.Info("agent capped", "conversation", run.ConversationID, "agent", run.Agent.ID, "steps", run.Steps)
	case StateFailed:
		logger.L.Warn("agent failed", "conversation", run.ConversationID, "agent", run.Agent.ID, "steps", run.Steps, "error", run.Err)
	}
	return Result{
		State:    run.State,
		Steps:    run.Steps,
		Reply:    run.Reply,
		Appended: run.Appended,
		Err:      run.Err,
	}
}

// step performs the work of the current state and returns the trigger to
// fire next.
func (e *Executor) step(ctx context.Context, run *Run) Trigger {
	ctx, span := e.tracer.Start(ctx, "agent.step", trace.WithAttributes(
		attribute.String("conversation.id", run.ConversationID),
		attribute.String("agent.state", string(run.State)),
		attribute.Int("agent.steps", run.Steps),
	))
	defer span.End()

	trigger := e.dispatchState(ctx, run)
	span.SetAttributes(attribute.String("agent.trigger", string(trigger)))
	if trigger == TriggerFail {
		span.RecordError(run.Err)
		span.SetStatus(codes.Error, run.Err.Error())
	}
	return trigger
}

func (e *Executor) dispatchState(ctx context.Context, run *Run) Trigger {
	// calls in flight are joined by awaitTools before it reports the error
	if err := ctx.Err(); err != nil && run.State != StateAwaitingTool {
		return e.fail(ctx, run, "agent.step", err)
	}
	switch run.State {
	case StateStart:
		return TriggerBegin
	case StateReasoning:
		return e.reason(ctx, run)
	case StateToolCall:
		return e.callTools(ctx, run)
	case StateAwaitingTool:
		return e.awaitTools(ctx, run)
	default:
		return e.fail(ctx, run, "agent.step", fmt.Errorf("no action for state %s", run.State))
	}
}

// reason invokes the model once and persists its output as an agent
// message.
func (e *Executor) reason(ctx context.Context, run *Run) Trigger {
	if run.Steps >= run.Agent.MaxSteps {
		run.Err = apperr.CapReached("agent.reason", run.Agent.MaxSteps)
		return TriggerCap
	}

	req := ReasonRequest{Agent: run.Agent, Messages: e.stepInput(run)}
	out, err := withRetry(ctx, e.retry, func() (Output, error) {
		return e.invoker.Reason(ctx, req)
	}, e.onRetry(run, "reason"))
	if err != nil {
		return e.fail(ctx, run, "agent.reason", upstream("agent.reason", err))
	}

	decision := Classify(run.Agent, out)
	run.LastDecision = decision

	msg, err := e.append(ctx, run, history.Message{
		Role:      history.RoleAgent,
		Content:   out.Content,
		ToolCalls: out.ToolCalls,
		StepTag:   stepTag(run.Steps, decision),
	})
	if err != nil {
		return e.fail(ctx, run, "agent.reason", err)
	}
	if out.Content != "" {
		run.lastContent = out.Content
	}

	switch decision {
	case DecisionToolCall:
		run.Pending = out.ToolCalls
		return TriggerToolRequested
	case DecisionContinue:
		run.Steps++
		e.metrics.ObserveStep(string(decision))
		return TriggerContinue
	default:
		run.Reply = msg
		e.metrics.ObserveStep(string(decision))
		return TriggerAnswered
	}
}

type dispatch struct {
	group   *errgroup.Group
	calls   []history.ToolCall
	results []string
}

// callTools checks the pending calls against the agent's permitted tools
// and starts them. The results are collected in AwaitingTool.
func (e *Executor) callTools(ctx context.Context, run *Run) Trigger {
	if !run.Agent.Permits(registry.StepToolCall) {
		return e.fail(ctx, run, "agent.callTools", apperr.Fatal("agent.callTools", fmt.Errorf("agent %s does not permit tool calls", run.Agent.ID)))
	}
	for _, call := range run.Pending {
		if !run.Agent.PermitsTool(call.Name) {
			return e.fail(ctx, run, "agent.callTools", apperr.Fatal("agent.callTools", fmt.Errorf("tool %q is not permitted for agent %s", call.Name, run.Agent.ID)))
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	d := &dispatch{group: g, calls: run.Pending, results: make([]string, len(run.Pending))}
	for i, call := range run.Pending {
		g.Go(func() error {
			start := time.Now()
			out, err := withRetry(gctx, e.retry, func() (string, error) {
				return e.invoker.CallTool(gctx, call)
			}, e.onRetry(run, "tool"))
			e.metrics.ObserveTool(call.Name, time.Since(start), err)
			if err != nil {
				return upstream("agent.callTool", fmt.Errorf("tool %s: %w", call.Name, err))
			}
			d.results[i] = out
			return nil
		})
	}
	run.dispatch = d
	run.Pending = nil
	return TriggerDispatched
}

// awaitTools is the suspension point: it blocks until every dispatched call
// returned, then appends one tool message per call in request order.
func (e *Executor) awaitTools(ctx context.Context, run *Run) Trigger {
	d := run.dispatch
	run.dispatch = nil
	if d == nil {
		return e.fail(ctx, run, "agent.awaitTools", errors.New("no tool calls in flight"))
	}
	if err := d.group.Wait(); err != nil {
		return e.fail(ctx, run, "agent.awaitTools", err)
	}
	if err := ctx.Err(); err != nil {
		return e.fail(ctx, run, "agent.awaitTools", err)
	}

	for i, call := range d.calls {
		if _, err := e.append(ctx, run, history.Message{
			Role:       history.RoleTool,
			Content:    d.results[i],
			ToolCallID: call.ID,
			StepTag:    fmt.Sprintf("step-%d:tool:%s", run.Steps, call.Name),
		}); err != nil {
			return e.fail(ctx, run, "agent.awaitTools", err)
		}
	}
	run.Steps++
	e.metrics.ObserveStep(string(DecisionToolCall))
	return TriggerToolResult
}

// persistPartial appends the best available content flagged as partial.
func (e *Executor) persistPartial(ctx context.Context, run *Run) {
	content := run.lastContent
	if content == "" {
		content = CappedNotice
	}
	msg, err := e.append(ctx, run, history.Message{
		Role:    history.RoleAgent,
		Content: content,
		StepTag: "capped",
		Partial: true,
	})
	if err != nil {
		run.State = StateFailed
		run.Err = fmt.Errorf("failed to persist partial reply: %w", err)
		return
	}
	run.Reply = msg
}

func (e *Executor) append(ctx context.Context, run *Run, msg history.Message) (history.Message, error) {
	stored, err := e.store.Append(ctx, run.ConversationID, msg)
	if err != nil {
		return history.Message{}, err
	}
	run.Working = append(run.Working, stored)
	run.Appended = append(run.Appended, stored)
	return stored, nil
}

// stepInput is the agent's system prompt followed by the working context
// refitted to the run's budget.
func (e *Executor) stepInput(run *Run) []history.Message {
	fitted := window.Fit(run.Working, run.Budget, e.sizer).Messages
	msgs := make([]history.Message, 0, len(fitted)+1)
	if run.Agent.SystemPrompt != "" {
		msgs = append(msgs, history.Message{ConversationID: run.ConversationID, Role: history.RoleSystem, Content: run.Agent.SystemPrompt})
	}
	return append(msgs, fitted...)
}

// upstream classifies an invoker error the invoker left unclassified as a
// fatal upstream failure. Context errors are left to fail.
func upstream(op string, err error) error {
	if apperr.KindOf(err) != apperr.KindUnknown || errors.Is(err, context.Canceled) {
		return err
	}
	return apperr.Fatal(op, err)
}

// fail records err (classified) on run and returns the Fail trigger.
func (e *Executor) fail(ctx context.Context, run *Run, op string, err error) Trigger {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		err = apperr.Timeout(op, err)
	}
	run.Err = err
	return TriggerFail
}

func (e *Executor) onRetry(run *Run, what string) func(error, time.Duration) {
	return func(err error, next time.Duration) {
		e.metrics.ObserveRetry(what)
		logger.L.Warn("transient upstream failure; retrying", "conversation", run.ConversationID, "call", what, "in", next, "error", err)
	}
}

func stepTag(steps int, d Decision) string {
	return fmt.Sprintf("step-%d:%s", steps, d)
}

func renderPrompt(def registry.AgentDefinition) (string, error) {
	if def.SystemPrompt == "" {
		return "", nil
	}
	tmpl, err := template.New(def.ID).Option("missingkey=error").Parse(def.SystemPrompt)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, def); err != nil {
		return "", err
	}
	return buf.String(), nil
}
