// Package fsm defines the compiled, flat state list a composition compiles
// to, and the per-activation runtime state that flows across suspend/resume
// boundaries as a serialized continuation.
package fsm

import "encoding/json"

// StateType is the opcode of a compiled FSM state.
type StateType string

const (
	Pass     StateType = "pass"
	ActionOp StateType = "action"
	Function StateType = "function"
	Async    StateType = "async"
	Stop     StateType = "stop"
	Empty    StateType = "empty"
	Choice   StateType = "choice"
	Try      StateType = "try"
	LetOp    StateType = "let"
	Exit     StateType = "exit"
	Parallel StateType = "parallel"
	MapOp    StateType = "map"
	Dynamic  StateType = "dynamic"
)

// State is one element of the compiled, flat instruction list. Offsets
// (Next, Then, Else, Catch, Return, Tasks) are relative to the state's own
// index unless noted otherwise, which is what makes a compiled sub-FSM
// position-independent and concatenable.
type State struct {
	Parent string    `json:"parent,omitempty"`
	Type   StateType `json:"type"`

	Name string `json:"name,omitempty"` // action
	Exec string `json:"exec,omitempty"` // function body source

	Next int `json:"next,omitempty"` // override default +1; 0 means "use default"

	Then int `json:"then,omitempty"` // choice
	Else int `json:"else,omitempty"` // choice

	Catch int `json:"catch,omitempty"` // try; counted from the state after the try

	Return int `json:"return,omitempty"` // async / parallel / map

	Let     map[string]any `json:"let,omitempty"` // let declarations
	IsMask  bool           `json:"mask,omitempty"` // let with no declarations (nil in the distilled model)

	Tasks []int `json:"tasks,omitempty"` // parallel branch entry offsets

	Path string `json:"path,omitempty"`
}

// NextOffset returns the state's configured Next offset, defaulting to +1.
func (s *State) NextOffset() int {
	if s.Next != 0 {
		return s.Next
	}
	return 1
}

// FrameKind discriminates the stack frame sum type.
type FrameKind string

const (
	FrameMarker FrameKind = "marker"
	FrameCatch  FrameKind = "catch"
	FrameLet    FrameKind = "let"
)

// Frame is one element of P.S.Stack, top at index 0. Exactly one of the
// kind-specific payloads is meaningful for a given Kind:
//   - FrameMarker: no payload; a fork boundary that blocks error unwinding.
//   - FrameCatch: State holds the absolute FSM index to redirect to.
//   - FrameLet: Bindings holds the lexical frame's declarations, or Mask is
//     true and Bindings is nil/empty (a mask frame hiding the next Let down).
type Frame struct {
	Kind     FrameKind      `json:"kind"`
	State    int            `json:"state,omitempty"`
	Bindings map[string]any `json:"bindings,omitempty"`
	Mask     bool           `json:"mask,omitempty"`
}

// Marker returns a fork-boundary frame.
func Marker() Frame { return Frame{Kind: FrameMarker} }

// Catch returns a try-handler frame redirecting to the given absolute state.
func Catch(state int) Frame { return Frame{Kind: FrameCatch, State: state} }

// Let returns a lexical binding frame.
func Let(bindings map[string]any) Frame { return Frame{Kind: FrameLet, Bindings: bindings} }

// Mask returns a lexical frame that hides the nearest enclosing Let frame
// from the collapsed view, without declaring any bindings of its own.
func Mask() Frame { return Frame{Kind: FrameLet, Mask: true} }

// JoinState describes a branch activation's position within a fork.
type JoinState struct {
	BarrierID string `json:"barrierId"`
	Position  int    `json:"position"`
	Count     int    `json:"count"`
}

// ComposerState is the `$composer` continuation shape: the serializable
// part of an activation's runtime state, round-tripped through the
// surrounding platform between activations.
type ComposerState struct {
	State   int     `json:"state"`
	Stack   []Frame `json:"stack"`
	Session string  `json:"session"`

	Redis        json.RawMessage `json:"redis,omitempty"`
	ActionInvoke json.RawMessage `json:"openwhisk,omitempty"`

	Join    *JoinState `json:"join,omitempty"`
	Collect string     `json:"collect,omitempty"`
	Resuming bool      `json:"resuming,omitempty"`
}

// Terminal reports whether a state index is outside the compiled FSM range.
func Terminal(state, length int) bool {
	return state < 0 || state >= length
}
