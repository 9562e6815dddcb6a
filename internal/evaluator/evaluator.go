// Package evaluator runs user function bodies against the collapsed
// lexical environment, using an embedded github.com/dop251/goja runtime.
//
// Each call constructs a fresh goja.Runtime: no pooling, no cross-call
// state. A function body is the only place dynamic code runs in this
// repository; keeping its lifecycle to construct/run/discard per call is
// what the distilled spec's design notes mean by "well-defined."
package evaluator

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"regexp"
	"time"

	"github.com/dop251/goja"
)

// hasExplicitReturn matches the `return` keyword anywhere in a function
// body, including inside a nested function or a string literal. A body
// that matches is run inside an IIFE so a top-level return is legal
// JS; a body without one is run directly as a script, so its value comes
// from ECMAScript's ordinary completion-value rule (the value of the
// last expression statement) instead of defaulting to undefined.
var hasExplicitReturn = regexp.MustCompile(`\breturn\b`)

// Result is the outcome of evaluating a function body.
type Result struct {
	// Value is the body's return value. A nil Value with Undefined true
	// means the body returned undefined, which preserves Params unchanged.
	Value     any
	Undefined bool
	// Mutated holds environment-name globals whose value changed during
	// the call, for lexenv.WriteBack to fold back into the nearest
	// declaring frame.
	Mutated map[string]any
}

// Config bounds evaluation of a single function body.
type Config struct {
	// Timeout aborts a runaway script via goja's interrupt mechanism.
	Timeout time.Duration
}

// DefaultTimeout is used when Config.Timeout is zero.
const DefaultTimeout = 5 * time.Second

// Run evaluates body against env (the collapsed lexical view) plus params
// (bound as a global named "params"). A body with an
// explicit return uses it as the result; otherwise the result is the
// body's own completion value, same as a top-level script (the value of
// its last expression statement, or undefined for a body with none). It
// also returns any env-name globals that changed during the call, for
// the caller to write back via lexenv.
func Run(ctx context.Context, body string, env map[string]any, params any, cfg Config) (Result, error) {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	vm := goja.New()

	for name, value := range env {
		if err := vm.Set(name, value); err != nil {
			return Result{}, fmt.Errorf("bind environment name %q: %w", name, err)
		}
	}
	if err := vm.Set("params", params); err != nil {
		return Result{}, fmt.Errorf("bind params: %w", err)
	}

	done := make(chan struct{})
	timer := time.AfterFunc(timeout, func() {
		vm.Interrupt("function evaluation timed out")
	})
	defer timer.Stop()

	go func() {
		select {
		case <-ctx.Done():
			vm.Interrupt("function evaluation cancelled")
		case <-done:
		}
	}()
	defer close(done)

	// spec.md section 9's worked example relies on bare-expression bodies
	// (e.g. "x=x+1", "x") reporting their completion value the way a
	// top-level script does. A function body can only do that by being
	// run as a script, not called as a function — and a script can't
	// contain a bare `return`, so a body using one still gets the IIFE
	// treatment, which reads back only its explicit return value.
	src := body
	if hasExplicitReturn.MatchString(body) {
		src = "(function(){\n" + body + "\n})()"
	}
	v, err := vm.RunString(src)
	if err != nil {
		if ierr, ok := err.(*goja.InterruptedError); ok {
			return Result{}, fmt.Errorf("function evaluation interrupted: %v", ierr.Value())
		}
		return Result{}, fmt.Errorf("function evaluation failed: %w", err)
	}

	// goja exports integral numbers as int64; a JSON round trip gives
	// results the same shapes decoded params have (float64, map[string]any).
	toJSONValue := func(v goja.Value) any {
		exported := v.Export()
		data, err := json.Marshal(exported)
		if err != nil {
			return exported
		}
		var out any
		if err := json.Unmarshal(data, &out); err != nil {
			return exported
		}
		return out
	}

	mutated := make(map[string]any, len(env))
	for name := range env {
		current := vm.Get(name)
		if current == nil {
			continue
		}
		exported := toJSONValue(current)
		if !reflect.DeepEqual(env[name], exported) {
			mutated[name] = exported
		}
	}

	if v == nil || goja.IsUndefined(v) {
		return Result{Undefined: true, Mutated: mutated}, nil
	}

	if _, isFunc := goja.AssertFunction(v); isFunc {
		return Result{}, fmt.Errorf("function body returned a function, which is not a valid params value")
	}

	return Result{Value: toJSONValue(v), Mutated: mutated}, nil
}
