package interpreter

import "github.com/oriys/conductor/internal/fsm"

// Inspect normalizes Params and, if it carries an error, unwinds the stack
// to the nearest catch frame above the nearest marker. It is called after
// every suspend-resuming operation (action result, successful collect,
// function result), not only on error paths — but the unwind in step 3
// only runs once an error has actually been detected in step 2; absent an
// error, normalizing Params is the only effect, since the loop should never
// destructively pop frames on an ordinary continuation resume.
func Inspect(a *fsm.Activation) {
	a.Params = normalizeParams(a.Params)

	m, ok := a.Params.(map[string]any)
	if !ok {
		return
	}
	errVal, has := m["error"]
	if !has {
		return
	}

	a.Params = map[string]any{"error": errVal}
	a.S.State = -1
	unwind(a)
}

// normalizeParams wraps any value that is not a non-array, non-nil object
// as {value: v}, per the inspect invariant.
func normalizeParams(v any) any {
	if m, ok := v.(map[string]any); ok {
		return m
	}
	return map[string]any{"value": v}
}

// unwind pops frames until it finds a catch frame (redirecting state there
// and stopping) or a marker frame (stopping without popping it, so a fork
// boundary never lets an error cross it) or the stack empties (the error
// becomes the activation's final result).
func unwind(a *fsm.Activation) {
	for {
		top, ok := a.PeekFrame()
		if !ok {
			return
		}
		if top.Kind == fsm.FrameMarker {
			return
		}
		a.PopFrame()
		if top.Kind == fsm.FrameCatch {
			a.S.State = top.State
			return
		}
	}
}

// isTruthy mirrors JS truthiness for the handful of falsy values that
// matter for a choice test's params.value: false, 0, "", nil.
func isTruthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	case float64:
		return t != 0
	case int:
		return t != 0
	default:
		return true
	}
}
