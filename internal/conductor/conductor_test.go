package conductor

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/oriys/conductor/internal/actioninvoke"
	"github.com/oriys/conductor/internal/barrier"
	"github.com/oriys/conductor/internal/compast"
	"github.com/oriys/conductor/internal/config"
	"github.com/oriys/conductor/internal/fsm"
	"github.com/oriys/conductor/internal/kvstore"
)

// wireContinuation mirrors Continuation's "action" shape for decoding
// Handle's output back in tests, the same way cmd/conductor run's driver
// reads it.
type wireContinuation struct {
	Method string             `json:"method"`
	Action string             `json:"action"`
	Params any                `json:"params"`
	State  *wireComposerState `json:"state"`
}

// harness drives a Conductor to completion across multiple activations
// (root plus any self-invoked async/fork branches), dispatching every
// "action" continuation to a table of canned stub results. It plays the
// same role cmd/conductor run's driver plays for a real platform.
type harness struct {
	c       *Conductor
	invoker *actioninvoke.FakeInvoker
	stubs   map[string]any
}

func newHarness(t *testing.T, node *compast.Node, cfg *config.Config, stubs map[string]any) *harness {
	t.Helper()
	invoker := actioninvoke.NewFakeInvoker()
	store := kvstore.NewMemStore()
	br := barrier.New(store)

	c, err := New(node, invoker, br, nil, cfg)
	if err != nil {
		t.Fatalf("build conductor: %v", err)
	}

	h := &harness{c: c, invoker: invoker, stubs: stubs}
	invoker.Register(cfg.ActionInvoke.SelfAction, h.runSelfInvocation)
	return h
}

func (h *harness) drive(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
	for {
		out, err := h.c.Handle(ctx, input)
		if err != nil {
			return nil, err
		}

		var cont wireContinuation
		if err := json.Unmarshal(out, &cont); err != nil {
			return nil, err
		}
		if cont.Method != "action" {
			return out, nil
		}

		value, ok := h.stubs[cont.Action]
		if !ok {
			return nil, errUnstubbed(cont.Action)
		}
		next := map[string]any{"value": value}
		if cont.State != nil {
			next["$composer"] = cont.State.Composer
		}
		input, err = json.Marshal(next)
		if err != nil {
			return nil, err
		}
	}
}

func (h *harness) runSelfInvocation(ctx context.Context, params any) (any, error) {
	input, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	out, err := h.drive(ctx, input)
	if err != nil {
		return nil, err
	}
	var result any
	if err := json.Unmarshal(out, &result); err != nil {
		return nil, err
	}
	return result, nil
}

type errUnstubbed string

func (e errUnstubbed) Error() string { return "no stub registered for action " + string(e) }

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.ActionInvoke.SelfAction = "test/composition"
	cfg.Postgres.DSN = ""
	cfg.DeadlineMs = 60000
	return cfg
}

func TestHandleFreshRootInvocationReturnsFirstActionContinuation(t *testing.T) {
	node := &compast.Node{Type: compast.Action, Name: "greet"}
	h := newHarness(t, node, testConfig(), nil)

	out, err := h.c.Handle(context.Background(), json.RawMessage(`{"name":"ada"}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var cont wireContinuation
	if err := json.Unmarshal(out, &cont); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if cont.Method != "action" || cont.Action != "greet" {
		t.Fatalf("expected an action continuation for greet, got %+v", cont)
	}
}

func TestHandleResumesAPlainActionContinuationToATerminalResult(t *testing.T) {
	node := &compast.Node{Type: compast.Action, Name: "greet"}
	h := newHarness(t, node, testConfig(), nil)

	out, err := h.c.Handle(context.Background(), json.RawMessage(`{}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var cont wireContinuation
	json.Unmarshal(out, &cont)

	resumeInput, _ := json.Marshal(map[string]any{"value": "hello ada", "$composer": cont.State.Composer})
	out, err = h.c.Handle(context.Background(), resumeInput)
	if err != nil {
		t.Fatalf("unexpected error on resume: %v", err)
	}
	var final map[string]any
	json.Unmarshal(out, &final)
	params, ok := final["params"].(map[string]any)
	if !ok || params["value"] != "hello ada" {
		t.Fatalf("expected the terminal result to carry the action's result, got %+v", final)
	}
}

func TestHandleUnwindsAFailedActionToItsCatchHandler(t *testing.T) {
	node := &compast.Node{
		Type:    compast.Try,
		Body:    &compast.Node{Type: compast.Action, Name: "risky"},
		Handler: &compast.Node{Type: compast.Action, Name: "recover"},
	}
	h := newHarness(t, node, testConfig(), nil)

	out, _ := h.c.Handle(context.Background(), json.RawMessage(`{}`))
	var cont wireContinuation
	json.Unmarshal(out, &cont)
	if cont.Action != "risky" {
		t.Fatalf("expected the body's action first, got %+v", cont)
	}

	resumeInput, _ := json.Marshal(map[string]any{"error": "boom", "$composer": cont.State.Composer})
	out, err := h.c.Handle(context.Background(), resumeInput)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	json.Unmarshal(out, &cont)
	if cont.Action != "recover" {
		t.Fatalf("expected the unwind to land on the handler, got %+v", cont)
	}

	resumeInput, _ = json.Marshal(map[string]any{"value": "recovered", "$composer": cont.State.Composer})
	out, err = h.c.Handle(context.Background(), resumeInput)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var final map[string]any
	json.Unmarshal(out, &final)
	params := final["params"].(map[string]any)
	if params["value"] != "recovered" {
		t.Fatalf("expected the handler's result as the final value, got %+v", final)
	}
}

func TestHandleRoundTripsALetScopedFunction(t *testing.T) {
	node := &compast.Node{
		Type:         compast.Let,
		Declarations: map[string]any{"x": 1.0},
		Body:         &compast.Node{Type: compast.Function, Exec: &compast.Exec{Code: "return x + 1;"}},
	}
	h := newHarness(t, node, testConfig(), nil)

	out, err := h.c.Handle(context.Background(), json.RawMessage(`{}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var final map[string]any
	json.Unmarshal(out, &final)
	params, ok := final["params"].(map[string]any)
	if !ok || params["value"] != 2.0 {
		t.Fatalf("expected the let-bound x to be visible to the function, got %+v", final)
	}
}

func TestHandleSequencedBareExpressionFunctionsUseCompletionValues(t *testing.T) {
	node := &compast.Node{
		Type:         compast.Let,
		Declarations: map[string]any{"x": 1.0},
		Body: &compast.Node{
			Type: compast.Sequence,
			Components: []*compast.Node{
				{Type: compast.Function, Exec: &compast.Exec{Code: "x = x + 1"}},
				{Type: compast.Function, Exec: &compast.Exec{Code: "x"}},
			},
		},
	}
	h := newHarness(t, node, testConfig(), nil)

	out, err := h.c.Handle(context.Background(), json.RawMessage(`{}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var final map[string]any
	json.Unmarshal(out, &final)
	params, ok := final["params"].(map[string]any)
	if !ok || params["value"] != 2.0 {
		t.Fatalf("expected the bare-expression bodies' completion values to carry through, got %+v", final)
	}
}

func TestHandleAsyncSpawnsWithoutSuspendingTheParent(t *testing.T) {
	node := &compast.Node{
		Type: compast.Async,
		Body: &compast.Node{Type: compast.Action, Name: "notify"},
	}
	h := newHarness(t, node, testConfig(), map[string]any{"notify": "sent"})

	out, err := h.drive(context.Background(), json.RawMessage(`{}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var final map[string]any
	json.Unmarshal(out, &final)
	params := final["params"].(map[string]any)
	if params["method"] != "async" {
		t.Fatalf("expected the parent's result to be the async spawn envelope, got %+v", final)
	}
}

func TestHandleParallelForkCollectsAllBranchesEndToEnd(t *testing.T) {
	node := &compast.Node{
		Type: compast.Parallel,
		Components: []*compast.Node{
			{Type: compast.Action, Name: "left"},
			{Type: compast.Action, Name: "right"},
		},
	}
	h := newHarness(t, node, testConfig(), map[string]any{"left": "L", "right": "R"})

	out, err := h.drive(context.Background(), json.RawMessage(`{}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var final map[string]any
	if err := json.Unmarshal(out, &final); err != nil {
		t.Fatalf("decode final: %v", err)
	}
	params, ok := final["params"].(map[string]any)
	if !ok {
		t.Fatalf("expected a terminal params object, got %+v", final)
	}
	values, ok := params["value"].([]any)
	if !ok || len(values) != 2 {
		t.Fatalf("expected both branch results in order, got %+v", params["value"])
	}
	// Each entry is that branch's final params: its action's {value} result.
	left, _ := values[0].(map[string]any)
	right, _ := values[1].(map[string]any)
	if left["value"] != "L" || right["value"] != "R" {
		t.Fatalf("expected both branch results in order, got %+v", params["value"])
	}
}

func TestHandleCollectTimesOutThenSucceedsOnAResumedCollect(t *testing.T) {
	node := &compast.Node{
		Type:       compast.Parallel,
		Components: []*compast.Node{{Type: compast.Action, Name: "b"}},
	}
	invoker := actioninvoke.NewFakeInvoker()
	store := kvstore.NewMemStore()
	br := barrier.New(store)
	cfg := testConfig()
	cfg.DeadlineMs = 2000 // short enough that collectTimeout floors to 1s

	c, err := New(node, invoker, br, nil, cfg)
	if err != nil {
		t.Fatalf("build conductor: %v", err)
	}

	// Suspended right after the parallel head's branches were spawned,
	// waiting on a barrier nothing has written to yet.
	composer := fsm.ComposerState{State: 3, Session: "s1", Collect: "custom-barrier"}
	input, _ := json.Marshal(map[string]any{"$composer": composer})

	out, err := c.Handle(context.Background(), input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var cont wireContinuation
	json.Unmarshal(out, &cont)
	if cont.Method != "action" || cont.Action != cfg.HeartbeatAction {
		t.Fatalf("expected a heartbeat continuation on collect timeout, got %+v", cont)
	}
	if cont.State.Composer.Collect != "custom-barrier" {
		t.Fatalf("expected the barrier id to survive the timeout, got %+v", cont.State.Composer)
	}

	// Seed the sentinel Fork's spawn step would already have pushed before
	// the original collect attempt, then let the one branch finish out of
	// band, same as a real branch activation's terminal WriteBranch call.
	sentinel, _ := json.Marshal(42)
	if _, err := store.LPush(context.Background(), "live/custom-barrier", sentinel); err != nil {
		t.Fatalf("seed sentinel: %v", err)
	}
	if err := br.WriteBranch(context.Background(), fsm.JoinState{BarrierID: "custom-barrier", Position: 0, Count: 1}, "s1", "branch-result"); err != nil {
		t.Fatalf("write branch: %v", err)
	}

	out, err = c.Handle(context.Background(), input)
	if err != nil {
		t.Fatalf("unexpected error on resumed collect: %v", err)
	}
	var final map[string]any
	json.Unmarshal(out, &final)
	params := final["params"].(map[string]any)
	values := params["value"].([]any)
	if len(values) != 1 || values[0] != "branch-result" {
		t.Fatalf("expected the collected branch result, got %+v", final)
	}
}

func TestHandleReportsAnInternalErrorWithoutConsultingTheStack(t *testing.T) {
	node := &compast.Node{
		Type: compast.Try,
		Body: &compast.Node{Type: compast.Function, Exec: &compast.Exec{Code: "return function() {};"}},
		Handler: &compast.Node{
			Type: compast.Action, Name: "should-not-run",
		},
	}
	h := newHarness(t, node, testConfig(), nil)

	out, err := h.c.Handle(context.Background(), json.RawMessage(`{}`))
	if err != nil {
		t.Fatalf("Handle itself should not error, the error is reported in the output: %v", err)
	}
	var final map[string]any
	json.Unmarshal(out, &final)
	if _, hasErr := final["error"]; !hasErr {
		t.Fatalf("expected an {error: ...} shape bypassing the catch handler, got %+v", final)
	}
	if _, hasParams := final["params"]; hasParams {
		t.Fatalf("internal errors should not be wrapped as {params: ...}, got %+v", final)
	}
}
