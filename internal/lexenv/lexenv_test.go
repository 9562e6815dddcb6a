package lexenv

import (
	"testing"

	"github.com/oriys/conductor/internal/fsm"
)

func TestEnvironmentMergesNearestFirst(t *testing.T) {
	stack := []fsm.Frame{
		fsm.Let(map[string]any{"x": 1.0}),
		fsm.Let(map[string]any{"x": 2.0, "y": 3.0}),
	}
	env := Environment(stack)
	if env["x"] != 1.0 {
		t.Fatalf("expected the nearer frame's x to shadow the farther one, got %v", env["x"])
	}
	if env["y"] != 3.0 {
		t.Fatalf("expected y from the farther frame to survive, got %v", env["y"])
	}
}

func TestMaskHidesNearestEnclosingLetFrame(t *testing.T) {
	stack := []fsm.Frame{
		fsm.Mask(),
		fsm.Let(map[string]any{"x": 1.0}),
		fsm.Let(map[string]any{"x": 2.0}),
	}
	env := Environment(stack)
	if env["x"] != 2.0 {
		t.Fatalf("expected the masked frame to be hidden, exposing x=2.0, got %v", env["x"])
	}
}

func TestMaskOnlyHidesOneFrame(t *testing.T) {
	stack := []fsm.Frame{
		fsm.Mask(),
		fsm.Let(map[string]any{"x": 1.0}),
		fsm.Let(map[string]any{"x": 2.0}),
		fsm.Let(map[string]any{"x": 3.0}),
	}
	env := Environment(stack)
	if env["x"] != 2.0 {
		t.Fatalf("expected only the nearest Let frame to be masked, got x=%v", env["x"])
	}
}

func TestNonLetFramesDoNotAffectMaskSkipCounter(t *testing.T) {
	stack := []fsm.Frame{
		fsm.Mask(),
		fsm.Marker(),
		fsm.Catch(5),
		fsm.Let(map[string]any{"x": 1.0}),
		fsm.Let(map[string]any{"x": 2.0}),
	}
	env := Environment(stack)
	if env["x"] != 2.0 {
		t.Fatalf("expected marker/catch frames to be skipped over, got x=%v", env["x"])
	}
}

func TestWriteBackUpdatesNearestDeclaringFrame(t *testing.T) {
	inner := fsm.Let(map[string]any{"x": 1.0})
	outer := fsm.Let(map[string]any{"x": 2.0, "y": 3.0})
	stack := []fsm.Frame{inner, outer}

	WriteBack(stack, map[string]any{"x": 99.0})

	if stack[0].Bindings["x"] != 99.0 {
		t.Fatalf("expected the nearest frame's x to be updated, got %v", stack[0].Bindings["x"])
	}
	if stack[1].Bindings["x"] != 2.0 {
		t.Fatalf("expected the farther frame's x to be left alone, got %v", stack[1].Bindings["x"])
	}
}

func TestWriteBackDropsUndeclaredNames(t *testing.T) {
	stack := []fsm.Frame{fsm.Let(map[string]any{"x": 1.0})}
	WriteBack(stack, map[string]any{"z": 42.0})
	if _, ok := stack[0].Bindings["z"]; ok {
		t.Fatal("expected an undeclared name to be dropped, not added to the frame")
	}
}

func TestCloneBindingsIsolatesFromTheSource(t *testing.T) {
	decls := map[string]any{"x": map[string]any{"nested": 1.0}}
	cloned := CloneBindings(decls)

	nested := cloned["x"].(map[string]any)
	nested["nested"] = 2.0

	original := decls["x"].(map[string]any)
	if original["nested"] != 1.0 {
		t.Fatal("expected CloneBindings to deep-clone, but the source was mutated")
	}
}
