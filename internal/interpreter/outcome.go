package interpreter

import "github.com/oriys/conductor/internal/fsm"

// Kind discriminates the three possible effects a step loop run can
// surface to its caller, per the distilled spec's four-effect model
// (effects 1 and 3 — mutate/await — are handled internally by Run's loop
// and never escape as a Kind).
type Kind string

const (
	// KindContinuation means the platform must invoke Continuation.Action
	// with Continuation.Params, then re-enter the conductor with
	// {...result, $composer: Continuation.State}.
	KindContinuation Kind = "continuation"
	// KindJoin means a branch activation reached a terminal state while
	// part of a fork; the platform records the join notice and waits.
	KindJoin Kind = "join"
	// KindTerminal means the activation produced its final result; there
	// is nothing further for the platform to do with this activation.
	KindTerminal Kind = "terminal"
)

// Continuation is the `{method:'action', action, params, state:{$composer}}`
// wire shape returned when the step loop needs an external action invoked.
type Continuation struct {
	Action string
	Params any
	State  fsm.ComposerState
}

// JoinNotice is the `{method:'join', sessionId, barrierId, position}` wire
// shape a branch activation returns on termination.
type JoinNotice struct {
	SessionID string
	BarrierID string
	Position  int
}

// Outcome is what Run returns once it reaches a suspend point or a
// terminal state.
type Outcome struct {
	Kind         Kind
	Continuation *Continuation
	Join         *JoinNotice
	Result       any
}

// InternalError represents a malformed-state condition the distilled spec
// classifies as an internal error: unknown combinator, empty-stack exit,
// an invalid function return. Unlike a user error (which flows through
// Params.error and unwinds to a catch frame), an internal error rejects
// the step loop outright; conductor.Handle's top-level recovery normalizes
// it to a final `{error: "Internal error: <msg>"}` result without
// consulting the stack.
type InternalError struct {
	Msg string
}

func (e *InternalError) Error() string {
	return "Internal error: " + e.Msg
}
