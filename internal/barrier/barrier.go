// Package barrier implements the fork/join rendezvous described in
// spec.md section 4.4: branch activations are spawned independently and
// race to push their result into an external key/value store; the last
// writer flips a sentinel-guarded list from "live" to "done", and the
// waiting parent drains it.
package barrier

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/oriys/conductor/internal/fsm"
	"github.com/oriys/conductor/internal/interpreter"
	"github.com/oriys/conductor/internal/kvstore"
	"golang.org/x/sync/errgroup"
)

// sentinelValue marks the list entry pushed at fork time, ahead of any
// branch result, so push-only-if-exists (LPushX) has something to find
// before the first branch completes. It is filtered out of collected
// results by shape: a bare number, never an object with "position".
const sentinelValue = 42

// entry is the wire shape a branch pushes onto live/<barrierId>.
type entry struct {
	Position int `json:"position"`
	Params   any `json:"params"`
}

// Barrier implements interpreter.Forker and interpreter.BranchWriter
// against an injected kvstore.Store.
type Barrier struct {
	store kvstore.Store
}

// New builds a Barrier over the given store.
func New(store kvstore.Store) *Barrier {
	return &Barrier{store: store}
}

func liveKey(barrierID string) string { return "live/" + barrierID }
func doneKey(barrierID string) string { return "done/" + barrierID }

// Fork validates the store, generates a fresh barrier id, pushes the
// sentinel, spawns every branch by self-invoking selfAction, and makes a
// first collect attempt — matching spec.md section 4.4 fork steps 1-6.
func (b *Barrier) Fork(ctx context.Context, session string, deadline time.Time, selfAction string, invoker interpreter.ActionInvoker, branches []interpreter.Branch) (interpreter.ForkResult, error) {
	if b.store == nil {
		return interpreter.ForkResult{}, fmt.Errorf("barrier: no store configured")
	}
	if invoker == nil || selfAction == "" {
		return interpreter.ForkResult{}, fmt.Errorf("barrier: no self-invocation capability configured")
	}

	barrierID := uuid.NewString()
	n := len(branches)

	sentinel, err := json.Marshal(sentinelValue)
	if err != nil {
		return interpreter.ForkResult{}, fmt.Errorf("barrier: marshal sentinel: %w", err)
	}
	if _, err := b.store.LPush(ctx, liveKey(barrierID), sentinel); err != nil {
		return interpreter.ForkResult{}, fmt.Errorf("barrier: push sentinel: %w", err)
	}
	if err := b.store.Expire(ctx, liveKey(barrierID), kvstore.BarrierTTL); err != nil {
		return interpreter.ForkResult{}, fmt.Errorf("barrier: set sentinel ttl: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	for i, branch := range branches {
		i, branch := i, branch
		g.Go(func() error {
			composer := branch.Composer
			composer.Join = &fsm.JoinState{BarrierID: barrierID, Position: i, Count: n}

			wireInput := map[string]any{}
			if m, ok := branch.Params.(map[string]any); ok {
				for k, v := range m {
					wireInput[k] = v
				}
			} else {
				wireInput["value"] = branch.Params
			}
			wireInput["$composer"] = composer

			if _, err := invoker.Invoke(gctx, selfAction, wireInput); err != nil {
				return fmt.Errorf("spawn branch %d: %w", i, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		b.cleanup(ctx, barrierID)
		return interpreter.ForkResult{}, fmt.Errorf("barrier: %w", err)
	}

	return b.Collect(ctx, barrierID, deadline)
}

// Collect makes (or re-makes, on a resumed parent) one collect attempt: a
// bounded blocking pop against done/<barrierId>, falling back to a timeout
// result the caller turns into a heartbeat continuation. It takes no
// branch count: a successful pop only ever happens after the last branch's
// rename, at which point done/<barrierId> holds exactly the sentinel plus
// one entry per branch, so the result size is read off the entries
// themselves rather than threaded through the continuation.
func (b *Barrier) Collect(ctx context.Context, barrierID string, deadline time.Time) (interpreter.ForkResult, error) {
	timeout := collectTimeout(deadline)

	_, popped, err := b.store.BRPop(ctx, doneKey(barrierID), timeout)
	if err != nil {
		return interpreter.ForkResult{}, fmt.Errorf("barrier: collect brpop: %w", err)
	}
	if !popped {
		return interpreter.ForkResult{Kind: interpreter.ForkTimedOut, BarrierID: barrierID}, nil
	}

	raw, err := b.store.LRange(ctx, doneKey(barrierID))
	if err != nil {
		return interpreter.ForkResult{}, fmt.Errorf("barrier: collect lrange: %w", err)
	}

	entries := make([]entry, 0, len(raw))
	maxPosition := -1
	for _, item := range raw {
		e, ok := decodeEntry(item)
		if !ok {
			continue // the sentinel, or anything else shaped unlike an entry
		}
		entries = append(entries, e)
		if e.Position > maxPosition {
			maxPosition = e.Position
		}
	}

	values := make([]any, maxPosition+1)
	for _, e := range entries {
		if e.Position >= 0 {
			values[e.Position] = e.Params
		}
	}

	if err := b.cleanup(ctx, barrierID); err != nil {
		return interpreter.ForkResult{}, err
	}
	return interpreter.ForkResult{Kind: interpreter.ForkCollected, Values: values}, nil
}

// WriteBranch implements interpreter.BranchWriter: a branch activation
// pushes its result using push-only-if-exists, and the branch that
// observes the list grow past the expected count (sentinel + n entries)
// performs the live-to-done rename.
func (b *Barrier) WriteBranch(ctx context.Context, join fsm.JoinState, session string, result any) error {
	e := entry{Position: join.Position, Params: result}
	raw, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("barrier: marshal branch result: %w", err)
	}

	count, err := b.store.LPushX(ctx, liveKey(join.BarrierID), raw)
	if err != nil {
		return fmt.Errorf("barrier: push branch result: %w", err)
	}

	if int(count) > join.Count {
		if err := b.store.Rename(ctx, liveKey(join.BarrierID), doneKey(join.BarrierID)); err != nil {
			return fmt.Errorf("barrier: rename live to done: %w", err)
		}
	}
	return nil
}

// cleanup deletes both barrier keys, used after a successful collect and
// after a spawn failure (spec.md section 4.4 fork step 7).
func (b *Barrier) cleanup(ctx context.Context, barrierID string) error {
	if err := b.store.Del(ctx, liveKey(barrierID), doneKey(barrierID)); err != nil {
		return fmt.Errorf("barrier: cleanup: %w", err)
	}
	return nil
}

// decodeEntry reports whether raw is a branch {position,params} entry
// rather than the bare-number sentinel.
func decodeEntry(raw []byte) (entry, bool) {
	var e entry
	if err := json.Unmarshal(raw, &e); err != nil {
		return entry{}, false
	}
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(raw, &probe); err != nil {
		return entry{}, false // not an object at all: the sentinel
	}
	if _, has := probe["position"]; !has {
		return entry{}, false
	}
	return e, true
}

// collectTimeout computes max(floor((deadline-now)/s) - 5, 1) seconds,
// per spec.md section 4.4 collect step 1 (s converts the millisecond
// deadline arithmetic to seconds). The five-second headroom always
// leaves enough time to return the timeout continuation before the
// platform kills the activation outright.
func collectTimeout(deadline time.Time) time.Duration {
	const headroomSeconds = 5

	remaining := time.Until(deadline)
	seconds := int64(remaining/time.Second) - headroomSeconds
	if seconds < 1 {
		seconds = 1
	}
	return time.Duration(seconds) * time.Second
}
