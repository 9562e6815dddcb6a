package interpreter

import (
	"context"

	"github.com/oriys/conductor/internal/fsm"
)

// buildForkStack returns [marker] ++ stack, so a branch's error-unwind
// stops at the fork boundary rather than propagating into the parent.
func buildForkStack(stack []fsm.Frame) []fsm.Frame {
	out := make([]fsm.Frame, 0, len(stack)+1)
	out = append(out, fsm.Marker())
	out = append(out, stack...)
	return out
}

// baseBranchComposer returns the composer fields shared by every branch of
// a fork, before the Forker fills in Join (it doesn't know the barrier id
// yet — that's generated inside Fork).
func baseBranchComposer(a *fsm.Activation, state int) fsm.ComposerState {
	return fsm.ComposerState{
		State:        state,
		Stack:        buildForkStack(a.S.Stack),
		Session:      a.S.Session,
		Redis:        a.S.Redis,
		ActionInvoke: a.S.ActionInvoke,
	}
}

// stepParallel implements the parallel combinator's fork: one branch per
// node.Tasks offset, each given a shallow copy of the saved params.
func stepParallel(ctx context.Context, a *fsm.Activation, node *fsm.State, idx int, deps Deps) (Outcome, bool, error) {
	saved := a.Params
	a.S.State = idx + node.Return

	if deps.Forker == nil || deps.Invoker == nil || deps.SelfAction == "" {
		a.Params = map[string]any{"error": "parallel: no fork capability configured"}
		Inspect(a)
		return Outcome{}, false, nil
	}

	branches := make([]Branch, 0, len(node.Tasks))
	for _, offset := range node.Tasks {
		branches = append(branches, Branch{
			Params:   shallowCopy(saved),
			Composer: baseBranchComposer(a, idx+offset),
		})
	}

	return runFork(ctx, a, deps, branches)
}

// stepMap implements the map combinator's fork: one branch per element of
// params.value (or none), each sharing the single compiled body offset and
// receiving its item wrapped per the distilled spec's rule.
func stepMap(ctx context.Context, a *fsm.Activation, node *fsm.State, idx int, deps Deps) (Outcome, bool, error) {
	var items []any
	if m, ok := a.ParamsObject(); ok {
		if arr, ok2 := m["value"].([]any); ok2 {
			items = arr
		}
	}
	a.S.State = idx + node.Return

	if deps.Forker == nil || deps.Invoker == nil || deps.SelfAction == "" {
		a.Params = map[string]any{"error": "map: no fork capability configured"}
		Inspect(a)
		return Outcome{}, false, nil
	}

	branches := make([]Branch, 0, len(items))
	for _, item := range items {
		branches = append(branches, Branch{
			Params:   wrapMapItem(item),
			Composer: baseBranchComposer(a, idx+1),
		})
	}

	return runFork(ctx, a, deps, branches)
}

// runFork hands branches to the Forker and translates its result into
// either a resumed step (collected, or a local fork-setup error) or a
// suspended continuation (timed out, awaiting a heartbeat re-invocation).
func runFork(ctx context.Context, a *fsm.Activation, deps Deps, branches []Branch) (Outcome, bool, error) {
	result, err := deps.Forker.Fork(ctx, a.S.Session, deps.Deadline, deps.SelfAction, deps.Invoker, branches)
	if err != nil {
		a.Params = map[string]any{"error": err.Error()}
		Inspect(a)
		return Outcome{}, false, nil
	}

	switch result.Kind {
	case ForkCollected:
		values := result.Values
		if values == nil {
			values = []any{}
		}
		a.Params = map[string]any{"value": values}
		Inspect(a)
		return Outcome{}, false, nil

	case ForkTimedOut:
		a.S.Collect = result.BarrierID
		return Outcome{Kind: KindContinuation, Continuation: &Continuation{
			Action: deps.HeartbeatAction,
			Params: a.Params,
			State:  a.S,
		}}, true, nil

	default:
		return Outcome{}, false, &InternalError{Msg: "fork returned an unrecognised result kind"}
	}
}

func shallowCopy(v any) any {
	m, ok := v.(map[string]any)
	if !ok {
		return v
	}
	out := make(map[string]any, len(m))
	for k, val := range m {
		out[k] = val
	}
	return out
}

// wrapMapItem wraps a map branch's item as {value: item} unless it is
// already a non-array object.
func wrapMapItem(item any) any {
	if m, ok := item.(map[string]any); ok {
		return m
	}
	return map[string]any{"value": item}
}
