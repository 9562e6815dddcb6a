package barrier

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/oriys/conductor/internal/fsm"
	"github.com/oriys/conductor/internal/interpreter"
	"github.com/oriys/conductor/internal/kvstore"
)

// fakeInvoker drives every spawned branch synchronously to completion by
// calling back into WriteBranch, mirroring what cmd/conductor run's driver
// and a real platform's recursive self-invocation both do.
type fakeInvoker struct {
	b        *Barrier
	session  string
	branches []interpreter.Branch
}

func (f *fakeInvoker) Invoke(ctx context.Context, _ string, params any) (string, error) {
	m := params.(map[string]any)
	composer := m["$composer"].(fsm.ComposerState)
	result := m["value"]
	if err := f.b.WriteBranch(ctx, *composer.Join, f.session, result); err != nil {
		return "", err
	}
	return "activation-x", nil
}

func branches(values ...any) []interpreter.Branch {
	out := make([]interpreter.Branch, len(values))
	for i, v := range values {
		out[i] = interpreter.Branch{Params: v, Composer: fsm.ComposerState{}}
	}
	return out
}

func TestForkCollectsAllBranchResultsInPositionOrder(t *testing.T) {
	store := kvstore.NewMemStore()
	b := New(store)
	invoker := &fakeInvoker{b: b, session: "s1"}
	invoker.branches = branches("a", "b", "c")

	result, err := b.Fork(context.Background(), "s1", time.Now().Add(10*time.Second), "self", invoker, invoker.branches)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Kind != interpreter.ForkCollected {
		t.Fatalf("expected a collected result, got %+v", result)
	}
	if len(result.Values) != 3 || result.Values[0] != "a" || result.Values[1] != "b" || result.Values[2] != "c" {
		t.Fatalf("expected values in branch order, got %+v", result.Values)
	}
}

func TestCollectTimesOutWhenNoBranchHasFinished(t *testing.T) {
	store := kvstore.NewMemStore()
	b := New(store)

	result, err := b.Collect(context.Background(), "nonexistent-barrier", time.Now().Add(2*time.Second))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Kind != interpreter.ForkTimedOut {
		t.Fatalf("expected a timeout result, got %+v", result)
	}
}

func TestWriteBranchRenamesOnlyAfterTheLastBranch(t *testing.T) {
	store := kvstore.NewMemStore()
	b := New(store)
	ctx := context.Background()

	barrierID := "b1"
	sentinel, _ := json.Marshal(sentinelValue)
	if _, err := store.LPush(ctx, liveKey(barrierID), sentinel); err != nil {
		t.Fatalf("push sentinel: %v", err)
	}

	join := fsm.JoinState{BarrierID: barrierID, Position: 0, Count: 2}
	if err := b.WriteBranch(ctx, join, "s1", "first"); err != nil {
		t.Fatalf("write first branch: %v", err)
	}
	if list, _ := store.LRange(ctx, doneKey(barrierID)); list != nil {
		t.Fatalf("expected done key to not exist before the last branch writes, got %v", list)
	}

	join.Position = 1
	if err := b.WriteBranch(ctx, join, "s1", "second"); err != nil {
		t.Fatalf("write second branch: %v", err)
	}
	list, err := store.LRange(ctx, doneKey(barrierID))
	if err != nil {
		t.Fatalf("lrange done: %v", err)
	}
	if len(list) != 3 { // sentinel + 2 branch entries
		t.Fatalf("expected the live list to have been renamed to done with 3 entries, got %d", len(list))
	}
}

func TestCollectTimeoutLeavesFiveSecondsOfHeadroom(t *testing.T) {
	got := collectTimeout(time.Now().Add(20 * time.Second))
	if got < 14*time.Second || got > 16*time.Second {
		t.Fatalf("expected roughly 15s of BRPop timeout, got %v", got)
	}
}

func TestCollectTimeoutNeverGoesBelowOneSecond(t *testing.T) {
	got := collectTimeout(time.Now().Add(1 * time.Second))
	if got != 1*time.Second {
		t.Fatalf("expected the floor of 1 second, got %v", got)
	}
}

func TestDecodeEntryDistinguishesSentinelFromBranchEntries(t *testing.T) {
	sentinel, _ := json.Marshal(sentinelValue)
	if _, ok := decodeEntry(sentinel); ok {
		t.Fatal("expected the bare-number sentinel to be rejected")
	}

	branchEntry, _ := json.Marshal(entry{Position: 2, Params: "x"})
	decoded, ok := decodeEntry(branchEntry)
	if !ok || decoded.Position != 2 {
		t.Fatalf("expected a branch entry to decode with its position, got %+v ok=%v", decoded, ok)
	}
}

func TestForkFailsWithoutAStore(t *testing.T) {
	b := New(nil)
	_, err := b.Fork(context.Background(), "s1", time.Now().Add(time.Second), "self", &fakeInvoker{}, branches("a"))
	if err == nil {
		t.Fatal("expected an error when no store is configured")
	}
}
