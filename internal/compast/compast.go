// Package compast defines the composition AST, the tree a composer produces
// and the fsmcompiler consumes. Nodes arrive as opaque JSON from an external
// composer — this package does not validate composer correctness, only
// shapes the wire format into a Go value the compiler can walk.
package compast

import "encoding/json"

// Kind is the combinator type of a composition node.
type Kind string

const (
	Sequence      Kind = "sequence"
	Action        Kind = "action"
	Async         Kind = "async"
	Function      Kind = "function"
	Finally       Kind = "finally"
	Let           Kind = "let"
	Mask          Kind = "mask"
	Try           Kind = "try"
	IfNosave      Kind = "if_nosave"
	WhileNosave   Kind = "while_nosave"
	DowhileNosave Kind = "dowhile_nosave"
	Parallel      Kind = "parallel"
	Map           Kind = "map"
	Dynamic       Kind = "dynamic"
)

// Exec is a user function body, carried as source text for the evaluator.
type Exec struct {
	Code string `json:"code"`
}

// Node is a composition AST node. Only the fields relevant to Type are
// populated by a well-formed composer; the compiler ignores fields that
// don't apply to a node's Type.
type Node struct {
	Type Kind `json:"type"`

	// action / dynamic
	Name string `json:"name,omitempty"`

	// function
	Exec *Exec `json:"exec,omitempty"`

	// sequence / parallel: both combinators fork their direct children over
	// the same "components" wire field, distinct from fsm.State.Tasks (the
	// compiled branch entry offsets parallel lowers to).
	Components []*Node `json:"components,omitempty"`

	// async / finally / let / mask / try / while_nosave / map
	Body *Node `json:"body,omitempty"`

	// finally / try
	Handler   *Node `json:"handler,omitempty"`
	Finalizer *Node `json:"finalizer,omitempty"`

	// if_nosave / while_nosave / dowhile_nosave
	Test       *Node `json:"test,omitempty"`
	Consequent *Node `json:"consequent,omitempty"`
	Alternate  *Node `json:"alternate,omitempty"`

	// let: variable bindings established on entry
	Declarations map[string]any `json:"declarations,omitempty"`

	// Diagnostic path into the source composition tree; stamped onto the
	// head FSM state of whatever this node compiles to.
	Path string `json:"path,omitempty"`
}

// Parse decodes a composition AST from its wire JSON form.
func Parse(data []byte) (*Node, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var n Node
	if err := json.Unmarshal(data, &n); err != nil {
		return nil, err
	}
	return &n, nil
}

// Branches returns the child nodes a parallel node forks over. parallel
// shares the "components" wire field with sequence — both are a repeated
// list of child nodes under the same parent; map instead forks over a
// single Body compiled once and reused per array element.
func (n *Node) Branches() []*Node {
	if n == nil {
		return nil
	}
	return n.Components
}
