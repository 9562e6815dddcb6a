// Package conductor is the entry/resume shim a deployed action calls: it
// deserializes the wire input, decides whether this is a fresh root
// invocation, a collect-timeout resumption, or an ordinary continuation
// resumption, drives the interpreter's step loop, and marshals whatever
// Outcome it reaches back into the wire shape described in spec.md
// section 6.
package conductor

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/oriys/conductor/internal/actioninvoke"
	"github.com/oriys/conductor/internal/auditlog"
	"github.com/oriys/conductor/internal/barrier"
	"github.com/oriys/conductor/internal/compast"
	"github.com/oriys/conductor/internal/config"
	"github.com/oriys/conductor/internal/fsm"
	"github.com/oriys/conductor/internal/fsmcompiler"
	"github.com/oriys/conductor/internal/interpreter"
)

// Conductor bundles a compiled composition with the collaborators its
// step loop needs to drive a single action's activations.
type Conductor struct {
	states []fsm.State

	invoker actioninvoke.Invoker
	barrier *barrier.Barrier
	audit   *auditlog.Log
	cfg     *config.Config
}

// New compiles ast once and builds a Conductor ready to Handle
// activations for it.
func New(ast *compast.Node, invoker actioninvoke.Invoker, br *barrier.Barrier, audit *auditlog.Log, cfg *config.Config) (*Conductor, error) {
	states, err := fsmcompiler.Compile(ast)
	if err != nil {
		return nil, fmt.Errorf("conductor: compile: %w", err)
	}
	return &Conductor{states: states, invoker: invoker, barrier: br, audit: audit, cfg: cfg}, nil
}

// Continuation is the wire shape returned to the platform between
// activations: a method tag plus whichever fields that method needs, per
// spec.md section 6.
type Continuation struct {
	Method string `json:"method"`

	// method: "action"
	Action string             `json:"action,omitempty"`
	Params any                `json:"params,omitempty"`
	State  *wireComposerState `json:"state,omitempty"`

	// method: "async"
	ActivationID string `json:"activationId,omitempty"`
	SessionID    string `json:"sessionId,omitempty"`

	// method: "join"
	BarrierID string `json:"barrierId,omitempty"`
	Position  int    `json:"position,omitempty"`
}

type wireComposerState struct {
	Composer fsm.ComposerState `json:"$composer"`
}

// Handle implements the distilled spec's single exported entrypoint: a
// deployed action calls Handle(ctx, input) and forwards its result (a
// continuation or a final value) back to whatever invoked it.
func (c *Conductor) Handle(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
	params, composer, err := decodeEnvelope(input)
	if err != nil {
		return nil, fmt.Errorf("conductor: decode input: %w", err)
	}

	deadline := c.deadline(composer)
	deps := interpreter.Deps{
		Invoker:         c.invoker,
		Forker:          c.barrier,
		Writer:          c.barrier,
		SelfAction:      c.cfg.ActionInvoke.SelfAction,
		HeartbeatAction: c.cfg.HeartbeatAction,
		EvalTimeout:     c.cfg.Evaluator.Timeout,
		Deadline:        deadline,
	}

	activation := &fsm.Activation{Params: params}

	var outcome interpreter.Outcome
	switch {
	case composer == nil:
		// Fresh root invocation: state starts at 0, session defaults to
		// this activation's own id.
		activation.S = fsm.ComposerState{State: 0, Session: c.sessionID()}
		c.audit.Record(activation.S.Session, "", auditlog.EventEntered, "")
		outcome, err = interpreter.Run(ctx, c.states, activation, deps)

	case composer.Collect != "":
		activation.S = *composer
		result, ferr := c.barrier.Collect(ctx, composer.Collect, deadline)
		if ferr != nil {
			return nil, fmt.Errorf("conductor: collect: %w", ferr)
		}
		outcome, err = c.resumeFromCollect(ctx, activation, deps, result)

	default:
		activation.S = *composer
		if activation.S.Resuming {
			interpreter.Inspect(activation)
		}
		outcome, err = interpreter.Run(ctx, c.states, activation, deps)
	}

	if err != nil {
		return encodeInternalError(err)
	}
	c.recordOutcome(outcome)
	return encodeOutcome(outcome)
}

// resumeFromCollect folds a direct Collect result into the same shape
// Run's internal fork handling would have produced, then keeps stepping
// (or suspends again behind a fresh heartbeat continuation).
func (c *Conductor) resumeFromCollect(ctx context.Context, a *fsm.Activation, deps interpreter.Deps, result interpreter.ForkResult) (interpreter.Outcome, error) {
	switch result.Kind {
	case interpreter.ForkCollected:
		values := result.Values
		if values == nil {
			values = []any{}
		}
		a.Params = map[string]any{"value": values}
		a.S.Collect = ""
		interpreter.Inspect(a)
		return interpreter.Run(ctx, c.states, a, deps)

	case interpreter.ForkTimedOut:
		return interpreter.Outcome{Kind: interpreter.KindContinuation, Continuation: &interpreter.Continuation{
			Action: deps.HeartbeatAction,
			Params: a.Params,
			State:  a.S,
		}}, nil

	default:
		return interpreter.Outcome{}, fmt.Errorf("conductor: collect returned an unrecognised result kind")
	}
}

func (c *Conductor) recordOutcome(o interpreter.Outcome) {
	switch o.Kind {
	case interpreter.KindTerminal:
		if m, ok := o.Result.(map[string]any); ok {
			if _, hasErr := m["error"]; hasErr {
				c.audit.Record("", "", auditlog.EventTerminalError, fmt.Sprint(m["error"]))
				return
			}
		}
		c.audit.Record("", "", auditlog.EventTerminalOK, "")
	case interpreter.KindJoin:
		if o.Join != nil {
			c.audit.Record(o.Join.SessionID, "", auditlog.EventJoined, o.Join.BarrierID)
		}
	case interpreter.KindContinuation:
		if o.Continuation != nil {
			c.audit.Record(o.Continuation.State.Session, "", auditlog.EventSuspendedAction, o.Continuation.Action)
		}
	}
}

// sessionID names a fresh root invocation's session: the platform-supplied
// CONDUCTOR_ACTIVATION_ID when it is set, otherwise a name derived from the
// self-invocation action.
func (c *Conductor) sessionID() string {
	if id := os.Getenv("CONDUCTOR_ACTIVATION_ID"); id != "" {
		return id
	}
	return c.cfg.ActionInvoke.SelfAction + "-root"
}

// deadline resolves this activation's wall-clock deadline. A resumed
// continuation never carries one (the platform grants a fresh deadline to
// every activation, including resumptions) so it is always read fresh
// from configuration here, never persisted in $composer.
func (c *Conductor) deadline(_ *fsm.ComposerState) time.Time {
	return time.Now().Add(time.Duration(c.cfg.DeadlineMs) * time.Millisecond)
}

func decodeEnvelope(input json.RawMessage) (map[string]any, *fsm.ComposerState, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(input, &raw); err != nil {
		return nil, nil, err
	}

	var composer *fsm.ComposerState
	if cRaw, ok := raw["$composer"]; ok {
		var cs fsm.ComposerState
		if err := json.Unmarshal(cRaw, &cs); err != nil {
			return nil, nil, fmt.Errorf("decode $composer: %w", err)
		}
		composer = &cs
		delete(raw, "$composer")
	}

	params := make(map[string]any, len(raw))
	for k, v := range raw {
		var val any
		if err := json.Unmarshal(v, &val); err != nil {
			return nil, nil, fmt.Errorf("decode param %q: %w", k, err)
		}
		params[k] = val
	}
	return params, composer, nil
}

// encodeOutcome marshals an Outcome to the wire shape described in
// spec.md section 6: a continuation method object, or the final result.
func encodeOutcome(o interpreter.Outcome) (json.RawMessage, error) {
	switch o.Kind {
	case interpreter.KindTerminal:
		if m, ok := o.Result.(map[string]any); ok {
			if _, hasErr := m["error"]; hasErr {
				return json.Marshal(m)
			}
		}
		return json.Marshal(map[string]any{"params": o.Result})

	case interpreter.KindContinuation:
		// async is never a suspension point (interpreter.stepAsync resolves
		// it synchronously against the injected invoker and keeps stepping),
		// so every KindContinuation reaching here is a plain action
		// invocation request.
		return json.Marshal(Continuation{
			Method: "action",
			Action: o.Continuation.Action,
			Params: o.Continuation.Params,
			State:  &wireComposerState{Composer: o.Continuation.State},
		})

	case interpreter.KindJoin:
		return json.Marshal(Continuation{
			Method:    "join",
			SessionID: o.Join.SessionID,
			BarrierID: o.Join.BarrierID,
			Position:  o.Join.Position,
		})

	default:
		return nil, fmt.Errorf("conductor: unrecognised outcome kind %q", o.Kind)
	}
}

// encodeInternalError normalizes an interpreter.InternalError (or any
// other step loop error) to a final {error} result without consulting the
// stack, per spec.md section 7's internal-error propagation rule.
func encodeInternalError(err error) (json.RawMessage, error) {
	return json.Marshal(map[string]any{"error": err.Error()})
}
