package actioninvoke

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// Handler is a registered local action implementation: given params,
// produce the result params the real action would have returned.
type Handler func(ctx context.Context, params any) (any, error)

// PendingCall records one invocation a FakeInvoker accepted but has not yet
// been drained by a caller playing "the platform" (cmd/conductor run).
type PendingCall struct {
	ActivationID string
	Name         string
	Params       any
}

// FakeInvoker is an in-memory Invoker, keyed by action name, used by
// package tests and by `cmd/conductor run`'s local harness in place of a
// real serverless platform.
type FakeInvoker struct {
	mu       sync.Mutex
	handlers map[string]Handler
	pending  []PendingCall
}

// NewFakeInvoker creates an empty FakeInvoker.
func NewFakeInvoker() *FakeInvoker {
	return &FakeInvoker{handlers: make(map[string]Handler)}
}

// Register installs a handler for an action name.
func (f *FakeInvoker) Register(name string, h Handler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[name] = h
}

// Invoke records the call and immediately executes the registered handler
// synchronously, unlike a real platform (which would run it as an
// independent activation and never hand the result back through this call).
// This is what lets `cmd/conductor run`'s harness register a handler that
// recursively drives a self-invoked composition (an async spawn or a fork
// branch) to completion inline, entirely on the calling goroutine.
func (f *FakeInvoker) Invoke(ctx context.Context, name string, params any) (string, error) {
	f.mu.Lock()
	h, ok := f.handlers[name]
	f.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("actioninvoke: no fake handler registered for action %q", name)
	}

	activationID := uuid.NewString()
	f.mu.Lock()
	f.pending = append(f.pending, PendingCall{ActivationID: activationID, Name: name, Params: params})
	f.mu.Unlock()

	if _, err := h(ctx, params); err != nil {
		return "", fmt.Errorf("actioninvoke: fake handler for %q: %w", name, err)
	}
	return activationID, nil
}

// Drain removes and returns all calls accumulated since the last Drain, for
// a harness to play the role of "the platform": invoke each named handler
// and re-enter the conductor with its result.
func (f *FakeInvoker) Drain() []PendingCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := f.pending
	f.pending = nil
	return out
}

// Call runs the registered handler for name directly, for a harness driving
// the result of a PendingCall back into the conductor.
func (f *FakeInvoker) Call(ctx context.Context, name string, params any) (any, error) {
	f.mu.Lock()
	h, ok := f.handlers[name]
	f.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("actioninvoke: no fake handler registered for action %q", name)
	}
	return h(ctx, params)
}
