// Package fsmcompiler compiles a composition AST (internal/compast) into a
// flat, position-independent FSM (internal/fsm) — one rule per combinator,
// each producing a self-contained slice of states addressed by offsets
// relative to its own first state, so any sub-FSM can be compiled once and
// concatenated anywhere.
package fsmcompiler

import (
	"fmt"

	"github.com/oriys/conductor/internal/compast"
	"github.com/oriys/conductor/internal/fsm"
)

// Compile produces the flat FSM for a composition AST. A nil node compiles
// to a single Empty state, matching the distilled spec's "bare compile(parent)
// with no node yields [empty]".
func Compile(node *compast.Node) ([]fsm.State, error) {
	return compile(node)
}

func compile(node *compast.Node) ([]fsm.State, error) {
	if node == nil {
		return []fsm.State{{Type: fsm.Empty}}, nil
	}

	var states []fsm.State
	var err error

	switch node.Type {
	case compast.Sequence:
		states, err = compileSequence(node)
	case compast.Action:
		states = []fsm.State{{Type: fsm.ActionOp, Name: node.Name}}
	case compast.Function:
		exec := ""
		if node.Exec != nil {
			exec = node.Exec.Code
		}
		states = []fsm.State{{Type: fsm.Function, Exec: exec}}
	case compast.Async:
		states, err = compileAsync(node)
	case compast.Finally:
		states, err = compileFinally(node)
	case compast.Let:
		states, err = compileLet(node)
	case compast.Mask:
		states, err = compileMask(node)
	case compast.Try:
		states, err = compileTry(node)
	case compast.IfNosave:
		states, err = compileIf(node)
	case compast.WhileNosave:
		states, err = compileWhile(node)
	case compast.DowhileNosave:
		states, err = compileDowhile(node)
	case compast.Parallel:
		states, err = compileParallel(node)
	case compast.Map:
		states, err = compileMap(node)
	case compast.Dynamic:
		states = []fsm.State{{Type: fsm.Dynamic}}
	default:
		return nil, fmt.Errorf("fsmcompiler: unknown combinator %q", node.Type)
	}
	if err != nil {
		return nil, err
	}

	if node.Path != "" && len(states) > 0 {
		states[0].Path = node.Path
	}
	return states, nil
}

func compileSequence(node *compast.Node) ([]fsm.State, error) {
	states := []fsm.State{{Type: fsm.Pass}}
	for _, child := range node.Components {
		sub, err := compile(child)
		if err != nil {
			return nil, err
		}
		states = append(states, sub...)
	}
	return states, nil
}

// async(body): [async{return=len(body)+2}] ++ compile(body) ++ [stop, pass]
func compileAsync(node *compast.Node) ([]fsm.State, error) {
	body, err := compile(node.Body)
	if err != nil {
		return nil, err
	}
	head := fsm.State{Type: fsm.Async, Return: len(body) + 2}
	states := append([]fsm.State{head}, body...)
	states = append(states, fsm.State{Type: fsm.Stop}, fsm.State{Type: fsm.Pass})
	return states, nil
}

// finally(body,fin): [try{catch=len(body)+1}] ++ compile(body) ++ [exit] ++ compile(fin)
func compileFinally(node *compast.Node) ([]fsm.State, error) {
	body, err := compile(node.Body)
	if err != nil {
		return nil, err
	}
	fin, err := compile(node.Finalizer)
	if err != nil {
		return nil, err
	}
	head := fsm.State{Type: fsm.Try, Catch: len(body) + 1}
	states := append([]fsm.State{head}, body...)
	states = append(states, fsm.State{Type: fsm.Exit})
	states = append(states, fin...)
	return states, nil
}

// let(decls, body): [let{let=decls}] ++ compile(body) ++ [exit]
func compileLet(node *compast.Node) ([]fsm.State, error) {
	body, err := compile(node.Body)
	if err != nil {
		return nil, err
	}
	head := fsm.State{Type: fsm.LetOp, Let: node.Declarations}
	states := append([]fsm.State{head}, body...)
	states = append(states, fsm.State{Type: fsm.Exit})
	return states, nil
}

// mask(body): [let{let=nil}] ++ compile(body) ++ [exit]
func compileMask(node *compast.Node) ([]fsm.State, error) {
	body, err := compile(node.Body)
	if err != nil {
		return nil, err
	}
	head := fsm.State{Type: fsm.LetOp, IsMask: true}
	states := append([]fsm.State{head}, body...)
	states = append(states, fsm.State{Type: fsm.Exit})
	return states, nil
}

// try(body,handler): [try{catch=len(body)+1}] ++ compile(body) ++ [exit] ++
// compile(handler) ++ [pass], with body's trailing exit.next = len(handler)+1
// so a successful body skips the handler.
func compileTry(node *compast.Node) ([]fsm.State, error) {
	body, err := compile(node.Body)
	if err != nil {
		return nil, err
	}
	handler, err := compile(node.Handler)
	if err != nil {
		return nil, err
	}
	head := fsm.State{Type: fsm.Try, Catch: len(body) + 1}
	exit := fsm.State{Type: fsm.Exit, Next: len(handler) + 1}

	states := append([]fsm.State{head}, body...)
	states = append(states, exit)
	states = append(states, handler...)
	states = append(states, fsm.State{Type: fsm.Pass})
	return states, nil
}

// if_nosave(test,cons,alt): [pass] ++ compile(test) ++ [choice{then=1,
// else=len(cons)+1}] ++ compile(cons) ++ compile(alt) ++ [pass], with cons's
// trailing state's next = len(alt)+1 so the then-branch skips the alternate.
func compileIf(node *compast.Node) ([]fsm.State, error) {
	test, err := compile(node.Test)
	if err != nil {
		return nil, err
	}
	cons, err := compile(node.Consequent)
	if err != nil {
		return nil, err
	}
	alt, err := compile(node.Alternate)
	if err != nil {
		return nil, err
	}

	states := []fsm.State{{Type: fsm.Pass}}
	states = append(states, test...)
	states = append(states, fsm.State{Type: fsm.Choice, Then: 1, Else: len(cons) + 1})
	states = append(states, cons...)

	lastConsIdx := len(states) - 1
	states[lastConsIdx].Next = len(alt) + 1

	states = append(states, alt...)
	states = append(states, fsm.State{Type: fsm.Pass})
	return states, nil
}

// while_nosave(test,body): [pass] ++ compile(test) ++ [choice{then=1,
// else=len(body)+1}] ++ compile(body) ++ [pass], trailing pass.next jumps
// back to the test's first state.
func compileWhile(node *compast.Node) ([]fsm.State, error) {
	test, err := compile(node.Test)
	if err != nil {
		return nil, err
	}
	body, err := compile(node.Body)
	if err != nil {
		return nil, err
	}

	states := []fsm.State{{Type: fsm.Pass}}
	states = append(states, test...)
	states = append(states, fsm.State{Type: fsm.Choice, Then: 1, Else: len(body) + 1})
	states = append(states, body...)

	trailing := fsm.State{Type: fsm.Pass}
	trailing.Next = -(len(states) - 1)
	states = append(states, trailing)
	return states, nil
}

// dowhile_nosave(body,test): [pass] ++ compile(body) ++ compile(test) ++
// [choice{else=1}] ++ [pass]; choice.then jumps back before body.
func compileDowhile(node *compast.Node) ([]fsm.State, error) {
	body, err := compile(node.Body)
	if err != nil {
		return nil, err
	}
	test, err := compile(node.Test)
	if err != nil {
		return nil, err
	}

	states := []fsm.State{{Type: fsm.Pass}}
	states = append(states, body...)
	states = append(states, test...)

	choiceIdx := len(states)
	back := -(choiceIdx - 1)
	states = append(states, fsm.State{Type: fsm.Choice, Then: back, Else: 1})
	states = append(states, fsm.State{Type: fsm.Pass})
	return states, nil
}

// parallel(c1..cn): [parallel{return=len-1, tasks=[offsets]}] ++ (for each
// ci: compile(ci) ++ [stop]) ++ [pass]. tasks[i] is the offset of branch i's
// first state relative to the parallel head.
func compileParallel(node *compast.Node) ([]fsm.State, error) {
	branches := node.Branches()
	if len(branches) == 0 {
		branches = []*compast.Node{node.Body}
	}

	var bodies [][]fsm.State
	offset := 1 // states begin right after the head
	tasks := make([]int, 0, len(branches))
	total := 1 // head
	for _, b := range branches {
		sub, err := compile(b)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, offset)
		bodies = append(bodies, sub)
		offset += len(sub) + 1 // +1 for the trailing stop per branch
		total += len(sub) + 1
	}
	total++ // trailing pass

	head := fsm.State{Type: fsm.Parallel, Return: total - 1, Tasks: tasks}
	states := []fsm.State{head}
	for _, sub := range bodies {
		states = append(states, sub...)
		states = append(states, fsm.State{Type: fsm.Stop})
	}
	states = append(states, fsm.State{Type: fsm.Pass})
	return states, nil
}

// map(body): [map{return=len(body)+2}] ++ compile(body) ++ [stop, pass]
func compileMap(node *compast.Node) ([]fsm.State, error) {
	body, err := compile(node.Body)
	if err != nil {
		return nil, err
	}
	head := fsm.State{Type: fsm.MapOp, Return: len(body) + 2}
	states := append([]fsm.State{head}, body...)
	states = append(states, fsm.State{Type: fsm.Stop}, fsm.State{Type: fsm.Pass})
	return states, nil
}
