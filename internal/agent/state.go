package agent

import (
	"strings"

	"github.com/qmuntal/stateless"

	"github.com/rentguntur/project-school/internal/history"
	"github.com/rentguntur/project-school/internal/registry"
)

// State is a node of the execution state machine.
type State string

const (
	StateStart        State = "Start"
	StateReasoning    State = "Reasoning"
	StateToolCall     State = "ToolCall"
	StateAwaitingTool State = "AwaitingTool"
	StateFinished     State = "Finished" // Terminal: final answer persisted
	StateFailed       State = "Failed"   // Terminal: error reported
	StateCapped       State = "Capped"   // Terminal: partial answer persisted
)

// Terminal reports whether no further transitions leave s.
func (s State) Terminal() bool {
	return s == StateFinished || s == StateFailed || s == StateCapped
}

// Trigger is an edge label of the state machine.
type Trigger string

const (
	TriggerBegin         Trigger = "Begin"
	TriggerToolRequested Trigger = "ToolRequested"
	TriggerAnswered      Trigger = "Answered"
	TriggerContinue      Trigger = "Continue"
	TriggerDispatched    Trigger = "Dispatched"
	TriggerToolResult    Trigger = "ToolResult"
	TriggerCap           Trigger = "Cap"
	TriggerFail          Trigger = "Fail"
)

// Decision is how one model output was classified.
type Decision string

const (
	DecisionNone     Decision = ""
	DecisionToolCall Decision = "tool_call"
	DecisionFinal    Decision = "final"
	DecisionContinue Decision = "continue"
)

// Classify decides what a model output means for agent. Tool calls always
// win: an output that carries tool calls and would also satisfy the
// termination policy continues the loop.
func Classify(def registry.AgentDefinition, out Output) Decision {
	if len(out.ToolCalls) > 0 {
		return DecisionToolCall
	}
	if def.Termination == registry.TerminateOnMarker && def.Marker != "" {
		if strings.Contains(out.Content, def.Marker) {
			return DecisionFinal
		}
		return DecisionContinue
	}
	return DecisionFinal
}

// newMachine builds the transition table. Every non-terminal state may be
// capped or failed; the loop itself is driven by Executor.Execute.
func newMachine() *stateless.StateMachine {
	sm := stateless.NewStateMachine(StateStart)

	// State: Start
	// Transitions:
	//   - On Begin -> Reasoning
	sm.Configure(StateStart).
		Permit(TriggerBegin, StateReasoning).
		Permit(TriggerCap, StateCapped).
		Permit(TriggerFail, StateFailed)

	// State: Reasoning
	// Action: invoke the model with the fitted working context.
	// Transitions:
	//   - On ToolRequested -> ToolCall
	//   - On Answered -> Finished
	//   - On Continue -> Reasoning (output neither a tool call nor final)
	sm.Configure(StateReasoning).
		Permit(TriggerToolRequested, StateToolCall).
		Permit(TriggerAnswered, StateFinished).
		PermitReentry(TriggerContinue).
		Permit(TriggerCap, StateCapped).
		Permit(TriggerFail, StateFailed)

	// State: ToolCall
	// Action: check permissions and dispatch the pending calls.
	// Transitions:
	//   - On Dispatched -> AwaitingTool
	sm.Configure(StateToolCall).
		Permit(TriggerDispatched, StateAwaitingTool).
		Permit(TriggerCap, StateCapped).
		Permit(TriggerFail, StateFailed)

	// State: AwaitingTool
	// Action: wait for every dispatched call and append the results.
	// Transitions:
	//   - On ToolResult -> Reasoning
	sm.Configure(StateAwaitingTool).
		Permit(TriggerToolResult, StateReasoning).
		Permit(TriggerCap, StateCapped).
		Permit(TriggerFail, StateFailed)

	sm.Configure(StateFinished)
	sm.Configure(StateFailed)
	sm.Configure(StateCapped)

	return sm
}

// Run is the in-memory state of one execution. It is never persisted; only
// the messages it appends are.
type Run struct {
	ConversationID string
	Agent          registry.AgentDefinition
	State          State
	Steps          int
	Working        []history.Message
	Budget         int
	LastDecision   Decision
	Pending        []history.ToolCall
	Appended       []history.Message
	Reply          history.Message
	Err            error

	lastContent string
	dispatch    *dispatch
}
