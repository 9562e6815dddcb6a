// Package lexenv builds the collapsed lexical environment a function body
// evaluates against, by walking an activation's stack of let/mask frames.
package lexenv

import (
	"encoding/json"

	"github.com/oriys/conductor/internal/fsm"
)

// Collapse walks stack top-down and returns the set of Let frames visible
// to a function body at this point in execution, nearest first. A mask
// frame (Kind==FrameLet, Mask=true) hides exactly one enclosing non-mask
// Let frame from the view: it increments a skip counter; a normal Let
// frame is added to the view only when the counter is 0, otherwise it
// decrements the counter instead of being added. Non-Let frames (Marker,
// Catch) are passed over without affecting the skip counter.
func Collapse(stack []fsm.Frame) []map[string]any {
	var view []map[string]any
	skip := 0
	for _, f := range stack {
		if f.Kind != fsm.FrameLet {
			continue
		}
		if f.Mask {
			skip++
			continue
		}
		if skip > 0 {
			skip--
			continue
		}
		view = append(view, f.Bindings)
	}
	return view
}

// Merge builds a single binding map from a collapsed view by merging
// right-to-left (farthest frame first), so that nearer frames — earlier in
// view, since Collapse returns nearest-first — shadow farther ones.
func Merge(view []map[string]any) map[string]any {
	env := make(map[string]any)
	for i := len(view) - 1; i >= 0; i-- {
		for k, v := range view[i] {
			env[k] = v
		}
	}
	return env
}

// Environment returns the single merged binding map visible at this stack
// position, ready to hand to the evaluator as global scope.
func Environment(stack []fsm.Frame) map[string]any {
	return Merge(Collapse(stack))
}

// WriteBack applies mutated environment values back to the nearest stack
// frame (in view order, i.e. nearest-declaring-frame-first) that already
// declares that name. Names not declared in any visible Let frame are
// dropped — the distilled spec only asks for mutations of *environment*
// names to be preserved, not for new globals to leak into the stack.
func WriteBack(stack []fsm.Frame, mutated map[string]any) {
	if len(mutated) == 0 {
		return
	}
	view := Collapse(stack)
	for name, value := range mutated {
		for _, frame := range view {
			if _, declared := frame[name]; declared {
				frame[name] = deepClone(value)
				break
			}
		}
	}
}

// deepClone isolates a value from shared references via a JSON round-trip,
// matching the distilled spec's deep-clone requirement for writing results
// back into frames.
func deepClone(v any) any {
	data, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return v
	}
	return out
}

// CloneBindings deep-clones a declarations map, used when pushing a new Let
// frame so the frame is isolated from whatever produced the declarations.
func CloneBindings(decls map[string]any) map[string]any {
	if decls == nil {
		return nil
	}
	cloned := deepClone(decls)
	m, _ := cloned.(map[string]any)
	if m == nil {
		m = make(map[string]any)
	}
	return m
}
