// Package interpreter implements the step loop that advances a compiled
// FSM (internal/fsm) one state at a time for a single activation, stopping
// at whichever point it reaches first: an external action continuation, a
// fork whose first collect timed out, a branch's join, or a terminal
// result. An async spawn does not stop the loop.
package interpreter

import (
	"context"
	"fmt"
	"time"

	"github.com/oriys/conductor/internal/evaluator"
	"github.com/oriys/conductor/internal/fsm"
	"github.com/oriys/conductor/internal/lexenv"
)

// ActionInvoker is the self-invocation capability the step loop uses to
// spawn async and fork branches: asking the platform to invoke the same
// composition action (by name) against a fresh activation carrying a
// child `$composer`. It is satisfied structurally by
// actioninvoke.Invoker, kept as a local interface to avoid an import
// cycle between interpreter and actioninvoke.
type ActionInvoker interface {
	Invoke(ctx context.Context, name string, params any) (activationID string, err error)
}

// Branch describes one fork branch before it is handed to a Forker: the
// params it starts with and the composer continuation it should resume
// from (State already points at the branch's entry offset; the Forker
// fills in Join).
type Branch struct {
	Params   any
	Composer fsm.ComposerState
}

// ForkResultKind discriminates Collect's two outcomes.
type ForkResultKind string

const (
	ForkCollected ForkResultKind = "collected"
	ForkTimedOut  ForkResultKind = "timed_out"
)

// ForkResult is what a Forker returns once spawning (and a first collect
// attempt) has resolved.
type ForkResult struct {
	Kind ForkResultKind
	// Values holds one entry per branch, ordered by position. Only valid
	// when Kind is ForkCollected.
	Values []any
	// BarrierID identifies the still-pending barrier. Only valid when Kind
	// is ForkTimedOut, for the caller to stash into $composer.collect.
	BarrierID string
}

// Forker spawns a set of branches and performs the first collect attempt,
// matching the distilled spec's "after all spawn calls resolve, proceed to
// collect" fork step. It is satisfied structurally by barrier.Barrier.
type Forker interface {
	Fork(ctx context.Context, session string, deadline time.Time, selfAction string, invoker ActionInvoker, branches []Branch) (ForkResult, error)
}

// BranchWriter records a branch activation's terminal result against its
// fork barrier. It is satisfied structurally by barrier.Barrier.
type BranchWriter interface {
	WriteBranch(ctx context.Context, join fsm.JoinState, session string, result any) error
}

// Deps bundles the step loop's external collaborators and per-invocation
// configuration.
type Deps struct {
	Invoker ActionInvoker
	Forker  Forker
	Writer  BranchWriter

	// SelfAction is this conductor action's own name, used for async and
	// fork branch self-invocation.
	SelfAction string
	// HeartbeatAction is invoked on a collect timeout to re-enqueue the
	// parent without holding the activation open across the platform's
	// time limit.
	HeartbeatAction string

	EvalTimeout time.Duration
	// Deadline is this activation's wall-clock deadline, read fresh from
	// platform configuration at each conductor.Handle invocation — never
	// persisted in the continuation, since the platform grants a fresh
	// deadline to every activation including resumptions.
	Deadline time.Time
}

// Run advances a from its current $composer.state until it reaches a
// suspension point or a terminal state, per spec.md section 4.2's state
// semantics.
func Run(ctx context.Context, states []fsm.State, a *fsm.Activation, deps Deps) (Outcome, error) {
	for {
		if fsm.Terminal(a.S.State, len(states)) {
			return terminal(ctx, a, deps)
		}

		idx := a.S.State
		node := &states[idx]
		a.S.State = idx + node.NextOffset()

		switch node.Type {
		case fsm.Pass:
			// no-op; already advanced

		case fsm.Empty:
			Inspect(a)

		case fsm.Choice:
			var value any
			if m, ok := a.ParamsObject(); ok {
				value = m["value"]
			}
			if isTruthy(value) {
				a.S.State = idx + node.Then
			} else {
				a.S.State = idx + node.Else
			}

		case fsm.Try:
			// Catch counts from the state after the try head, so the frame
			// lands past the body's exit, on the handler's first state.
			a.PushFrame(fsm.Catch(idx + 1 + node.Catch))

		case fsm.LetOp:
			if node.IsMask {
				a.PushFrame(fsm.Mask())
			} else {
				a.PushFrame(fsm.Let(lexenv.CloneBindings(node.Let)))
			}

		case fsm.Exit:
			if _, ok := a.PopFrame(); !ok {
				return Outcome{}, &InternalError{Msg: "exit with empty stack"}
			}

		case fsm.ActionOp:
			state := a.S
			state.Resuming = true
			return Outcome{Kind: KindContinuation, Continuation: &Continuation{
				Action: node.Name,
				Params: a.Params,
				State:  state,
			}}, nil

		case fsm.Dynamic:
			if cont, ok := stepDynamic(a); ok {
				return Outcome{Kind: KindContinuation, Continuation: cont}, nil
			}
			// stepDynamic already set params.error and called Inspect; loop
			// continues from wherever the unwind landed.

		case fsm.Function:
			if err := stepFunction(ctx, a, node, deps.EvalTimeout); err != nil {
				return Outcome{}, err
			}

		case fsm.Async:
			stepAsync(ctx, a, node, idx, deps)

		case fsm.Stop:
			a.S.State = -1

		case fsm.Parallel:
			outcome, suspended, err := stepParallel(ctx, a, node, idx, deps)
			if err != nil {
				return Outcome{}, err
			}
			if suspended {
				return outcome, nil
			}

		case fsm.MapOp:
			outcome, suspended, err := stepMap(ctx, a, node, idx, deps)
			if err != nil {
				return Outcome{}, err
			}
			if suspended {
				return outcome, nil
			}

		default:
			return Outcome{}, &InternalError{Msg: fmt.Sprintf("unknown state type %q", node.Type)}
		}
	}
}

// terminal builds the Outcome for a state index outside the compiled FSM.
func terminal(ctx context.Context, a *fsm.Activation, deps Deps) (Outcome, error) {
	if a.S.Join == nil {
		return Outcome{Kind: KindTerminal, Result: a.Params}, nil
	}
	if deps.Writer == nil {
		return Outcome{}, &InternalError{Msg: "branch activation reached a terminal state with no branch writer configured"}
	}
	if err := deps.Writer.WriteBranch(ctx, *a.S.Join, a.S.Session, a.Params); err != nil {
		return Outcome{}, fmt.Errorf("interpreter: write branch result: %w", err)
	}
	return Outcome{Kind: KindJoin, Join: &JoinNotice{
		SessionID: a.S.Session,
		BarrierID: a.S.Join.BarrierID,
		Position:  a.S.Join.Position,
	}}, nil
}

// stepDynamic handles the dynamic combinator: valid input returns the
// continuation to invoke; invalid input sets an error and inspects,
// reporting to the caller that it did not return a continuation.
func stepDynamic(a *fsm.Activation) (*Continuation, bool) {
	if m, ok := a.ParamsObject(); ok {
		if typ, _ := m["type"].(string); typ == "action" {
			if name, ok2 := m["name"].(string); ok2 && name != "" {
				state := a.S
				state.Resuming = true
				return &Continuation{Action: name, Params: m["params"], State: state}, true
			}
		}
	}
	a.Params = map[string]any{"error": "dynamic: params must be {type:'action', name, params}"}
	Inspect(a)
	return nil, false
}

// stepFunction evaluates a function body against the collapsed lexical
// environment, per spec.md section 4.3.
func stepFunction(ctx context.Context, a *fsm.Activation, node *fsm.State, timeout time.Duration) error {
	env := lexenv.Environment(a.S.Stack)
	result, err := evaluator.Run(ctx, node.Exec, env, a.Params, evaluator.Config{Timeout: timeout})
	if err != nil {
		// Malformed state per spec.md section 7: a function-valued result
		// (or any other evaluation failure) is classified as an internal
		// error, not a user params.error — it bypasses catch handlers.
		return &InternalError{Msg: err.Error()}
	}
	if !result.Undefined {
		a.Params = result.Value
	}
	lexenv.WriteBack(a.S.Stack, result.Mutated)
	Inspect(a)
	return nil
}

// stepAsync spawns a child continuation that starts executing the async
// body, then overwrites Params with the spawn's activationId so the
// parent keeps stepping without suspending. This is not a suspension
// point: the injected ActionInvoker returns synchronously.
func stepAsync(ctx context.Context, a *fsm.Activation, node *fsm.State, idx int, deps Deps) {
	a.S.State = idx + node.Return

	childStack := make([]fsm.Frame, 0, len(a.S.Stack)+1)
	childStack = append(childStack, fsm.Marker())
	childStack = append(childStack, a.S.Stack...)

	childComposer := fsm.ComposerState{
		State:        idx + 1,
		Stack:        childStack,
		Session:      a.S.Session,
		Redis:        a.S.Redis,
		ActionInvoke: a.S.ActionInvoke,
	}

	wireInput := map[string]any{}
	if obj, ok := a.ParamsObject(); ok {
		for k, v := range obj {
			wireInput[k] = v
		}
	}
	wireInput["$composer"] = childComposer

	if deps.Invoker == nil || deps.SelfAction == "" {
		a.Params = map[string]any{"error": "async: no self-invocation capability configured"}
		Inspect(a)
		return
	}

	activationID, err := deps.Invoker.Invoke(ctx, deps.SelfAction, wireInput)
	if err != nil {
		a.Params = map[string]any{"error": fmt.Sprintf("async: spawn failed: %v", err)}
		Inspect(a)
		return
	}

	a.Params = map[string]any{
		"method":       "async",
		"activationId": activationID,
		"sessionId":    a.S.Session,
	}
}
