package interpreter

import (
	"context"
	"testing"
	"time"

	"github.com/oriys/conductor/internal/compast"
	"github.com/oriys/conductor/internal/fsm"
	"github.com/oriys/conductor/internal/fsmcompiler"
)

func compileOrFatal(t *testing.T, node *compast.Node) []fsm.State {
	t.Helper()
	states, err := fsmcompiler.Compile(node)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	return states
}

func TestRunActionSuspendsWithContinuation(t *testing.T) {
	states := compileOrFatal(t, &compast.Node{Type: compast.Action, Name: "greet"})
	a := &fsm.Activation{Params: map[string]any{"name": "ada"}, S: fsm.ComposerState{State: 0, Session: "s1"}}

	outcome, err := Run(context.Background(), states, a, Deps{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome.Kind != KindContinuation || outcome.Continuation.Action != "greet" {
		t.Fatalf("expected a continuation for action %q, got %+v", "greet", outcome)
	}
}

func TestRunSequenceOfActionsSuspendsOncePerAction(t *testing.T) {
	states := compileOrFatal(t, &compast.Node{
		Type: compast.Sequence,
		Components: []*compast.Node{
			{Type: compast.Action, Name: "first"},
			{Type: compast.Action, Name: "second"},
		},
	})
	a := &fsm.Activation{Params: map[string]any{}, S: fsm.ComposerState{State: 0, Session: "s1"}}

	outcome, err := Run(context.Background(), states, a, Deps{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome.Continuation.Action != "first" {
		t.Fatalf("expected first action, got %+v", outcome)
	}

	// The platform invokes "first", then resumes with its result.
	a.Params = map[string]any{"value": 1.0}
	a.S = outcome.Continuation.State
	Inspect(a)

	outcome, err = Run(context.Background(), states, a, Deps{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome.Continuation.Action != "second" {
		t.Fatalf("expected second action, got %+v", outcome)
	}
}

func TestRunTerminatesWithFinalResultForARootActivation(t *testing.T) {
	states := compileOrFatal(t, &compast.Node{Type: compast.Function, Exec: &compast.Exec{Code: "return 42;"}})
	a := &fsm.Activation{Params: map[string]any{}, S: fsm.ComposerState{State: 0, Session: "s1"}}

	outcome, err := Run(context.Background(), states, a, Deps{EvalTimeout: time.Second})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome.Kind != KindTerminal {
		t.Fatalf("expected a terminal outcome, got %+v", outcome)
	}
	if m, ok := outcome.Result.(map[string]any); !ok || m["value"] != 42.0 {
		t.Fatalf("expected the function's result wrapped as {value: 42}, got %+v", outcome.Result)
	}
}

func TestTryUnwindsToHandlerOnError(t *testing.T) {
	states := compileOrFatal(t, &compast.Node{
		Type:    compast.Try,
		Body:    &compast.Node{Type: compast.Action, Name: "risky"},
		Handler: &compast.Node{Type: compast.Action, Name: "recover"},
	})
	a := &fsm.Activation{Params: map[string]any{}, S: fsm.ComposerState{State: 0, Session: "s1"}}

	outcome, err := Run(context.Background(), states, a, Deps{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome.Continuation.Action != "risky" {
		t.Fatalf("expected the body's action first, got %+v", outcome)
	}

	// The platform's "risky" action failed.
	a.Params = map[string]any{"error": "boom"}
	a.S = outcome.Continuation.State
	Inspect(a)

	outcome, err = Run(context.Background(), states, a, Deps{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome.Continuation.Action != "recover" {
		t.Fatalf("expected the unwind to land on the handler's action, got %+v", outcome)
	}
}

func TestTrySkipsHandlerWhenBodySucceeds(t *testing.T) {
	states := compileOrFatal(t, &compast.Node{
		Type:    compast.Try,
		Body:    &compast.Node{Type: compast.Action, Name: "risky"},
		Handler: &compast.Node{Type: compast.Action, Name: "recover"},
	})
	a := &fsm.Activation{Params: map[string]any{}, S: fsm.ComposerState{State: 0, Session: "s1"}}

	outcome, err := Run(context.Background(), states, a, Deps{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	a.Params = map[string]any{"value": "ok"}
	a.S = outcome.Continuation.State
	Inspect(a)

	outcome, err = Run(context.Background(), states, a, Deps{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome.Kind != KindTerminal {
		t.Fatalf("expected the composition to terminate without invoking the handler, got %+v", outcome)
	}
}

func TestForkBoundaryStopsUnwindAtMarker(t *testing.T) {
	a := &fsm.Activation{Params: map[string]any{"error": "boom"}}
	a.S.Stack = []fsm.Frame{fsm.Marker(), fsm.Catch(7)}

	Inspect(a)

	if a.S.State != -1 {
		t.Fatalf("expected the unwind to stop at the marker without reaching the outer catch, got state=%d", a.S.State)
	}
	if len(a.S.Stack) != 2 {
		t.Fatalf("expected the marker to remain on the stack, got %+v", a.S.Stack)
	}
}

// fakeInvoker records self-invocations and always succeeds.
type fakeInvoker struct {
	calls []string
}

func (f *fakeInvoker) Invoke(_ context.Context, name string, _ any) (string, error) {
	f.calls = append(f.calls, name)
	return "activation-1", nil
}

func TestAsyncDoesNotSuspendAndReportsActivationID(t *testing.T) {
	states := compileOrFatal(t, &compast.Node{
		Type: compast.Async,
		Body: &compast.Node{Type: compast.Action, Name: "background-work"},
	})
	a := &fsm.Activation{Params: map[string]any{}, S: fsm.ComposerState{State: 0, Session: "s1"}}
	invoker := &fakeInvoker{}

	outcome, err := Run(context.Background(), states, a, Deps{Invoker: invoker, SelfAction: "self"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome.Kind != KindTerminal {
		t.Fatalf("expected async to keep stepping to a terminal result, got %+v", outcome)
	}
	m, ok := outcome.Result.(map[string]any)
	if !ok || m["method"] != "async" || m["activationId"] != "activation-1" {
		t.Fatalf("expected an async result envelope, got %+v", outcome.Result)
	}
	if len(invoker.calls) != 1 || invoker.calls[0] != "self" {
		t.Fatalf("expected exactly one self-invocation, got %+v", invoker.calls)
	}
}

// fakeForker returns a fixed ForkResult without actually running branches,
// to exercise stepParallel/stepMap's handling of Collect's two outcomes.
type fakeForker struct {
	result ForkResult
	err    error
}

func (f *fakeForker) Fork(_ context.Context, _ string, _ time.Time, _ string, _ ActionInvoker, branches []Branch) (ForkResult, error) {
	if f.err != nil {
		return ForkResult{}, f.err
	}
	return f.result, nil
}

func TestParallelResumesWithCollectedValuesInOrder(t *testing.T) {
	states := compileOrFatal(t, &compast.Node{
		Type: compast.Parallel,
		Components: []*compast.Node{
			{Type: compast.Action, Name: "left"},
			{Type: compast.Action, Name: "right"},
		},
	})
	a := &fsm.Activation{Params: map[string]any{}, S: fsm.ComposerState{State: 0, Session: "s1"}}
	forker := &fakeForker{result: ForkResult{Kind: ForkCollected, Values: []any{"a", "b"}}}

	outcome, err := Run(context.Background(), states, a, Deps{Forker: forker, Invoker: &fakeInvoker{}, SelfAction: "self"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome.Kind != KindTerminal {
		t.Fatalf("expected a terminal outcome once branches are collected, got %+v", outcome)
	}
	m := outcome.Result.(map[string]any)
	values, ok := m["value"].([]any)
	if !ok || len(values) != 2 || values[0] != "a" || values[1] != "b" {
		t.Fatalf("expected collected values in branch order, got %+v", m["value"])
	}
}

func TestParallelSuspendsWithHeartbeatOnCollectTimeout(t *testing.T) {
	states := compileOrFatal(t, &compast.Node{
		Type: compast.Parallel,
		Components: []*compast.Node{
			{Type: compast.Action, Name: "left"},
		},
	})
	a := &fsm.Activation{Params: map[string]any{}, S: fsm.ComposerState{State: 0, Session: "s1"}}
	forker := &fakeForker{result: ForkResult{Kind: ForkTimedOut, BarrierID: "barrier-1"}}

	outcome, err := Run(context.Background(), states, a, Deps{
		Forker: forker, Invoker: &fakeInvoker{}, SelfAction: "self", HeartbeatAction: "heartbeat",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome.Kind != KindContinuation || outcome.Continuation.Action != "heartbeat" {
		t.Fatalf("expected a heartbeat continuation, got %+v", outcome)
	}
	if outcome.Continuation.State.Collect != "barrier-1" {
		t.Fatalf("expected the barrier id to be stashed in $composer.collect, got %+v", outcome.Continuation.State)
	}
}

// fakeWriter records branch results written by a terminal branch activation.
type fakeWriter struct {
	join   fsm.JoinState
	result any
}

func (f *fakeWriter) WriteBranch(_ context.Context, join fsm.JoinState, _ string, result any) error {
	f.join = join
	f.result = result
	return nil
}

func TestTerminalWritesBranchResultAndReportsJoin(t *testing.T) {
	states := compileOrFatal(t, &compast.Node{Type: compast.Action, Name: "unused"})
	a := &fsm.Activation{Params: map[string]any{"value": "branch-result"}}
	a.S.State = len(states) // terminal: past the end of the compiled FSM
	a.S.Join = &fsm.JoinState{BarrierID: "barrier-1", Position: 2, Count: 3}
	writer := &fakeWriter{}

	outcome, err := Run(context.Background(), states, a, Deps{Writer: writer})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome.Kind != KindJoin {
		t.Fatalf("expected a join notice, got %+v", outcome)
	}
	if writer.join.Position != 2 || writer.result != "branch-result" {
		t.Fatalf("expected the branch result to be written, got join=%+v result=%v", writer.join, writer.result)
	}
}
