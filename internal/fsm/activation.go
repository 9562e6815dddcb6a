package fsm

// Activation is the per-activation runtime state `P` that the interpreter
// advances. Params is kept as a generic value (rather than json.RawMessage)
// because inspect/unwind and function evaluation both need to read and
// mutate it as a Go map during a single step loop; it is re-marshaled only
// at continuation boundaries.
type Activation struct {
	Params any
	S      ComposerState
}

// ParamsObject returns Params as a map. ok is false when Params is not a
// JSON object; the value is not wrapped here (the interpreter's Inspect
// does that).
func (a *Activation) ParamsObject() (map[string]any, bool) {
	m, ok := a.Params.(map[string]any)
	return m, ok
}

// PushFrame pushes a frame onto the stack (index 0 is the top).
func (a *Activation) PushFrame(f Frame) {
	a.S.Stack = append([]Frame{f}, a.S.Stack...)
}

// PopFrame pops and returns the top frame. ok is false on an empty stack.
func (a *Activation) PopFrame() (Frame, bool) {
	if len(a.S.Stack) == 0 {
		return Frame{}, false
	}
	top := a.S.Stack[0]
	a.S.Stack = a.S.Stack[1:]
	return top, true
}

// PeekFrame returns the top frame without popping it.
func (a *Activation) PeekFrame() (Frame, bool) {
	if len(a.S.Stack) == 0 {
		return Frame{}, false
	}
	return a.S.Stack[0], true
}
