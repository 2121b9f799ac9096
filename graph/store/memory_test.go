package store

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
)

// TestState is a test state type for store tests.
type TestState struct {
	Value   string
	Counter int
}

func TestMemStore_Construction(t *testing.T) {
	t.Run("construct with NewMemStore", func(t *testing.T) {
		store := NewMemStore[TestState]()
		if store == nil {
			t.Fatal("NewMemStore returned nil")
		}

		var _ Store[TestState] = store
	})

	t.Run("multiple stores are independent", func(t *testing.T) {
		store1 := NewMemStore[TestState]()
		store2 := NewMemStore[TestState]()

		ctx := context.Background()
		_ = store1.SaveStep(ctx, "run-001", 1, "node1", TestState{Value: "store1"})

		_, _, err := store2.LoadLatest(ctx, "run-001")
		if !errors.Is(err, ErrNotFound) {
			t.Error("store2 should not have data from store1")
		}
	})
}

func TestMemStore_SaveStep_Concurrent(t *testing.T) {
	store := NewMemStore[TestState]()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 1; i <= 10; i++ {
		wg.Add(1)
		go func(step int) {
			defer wg.Done()
			_ = store.SaveStep(ctx, "run-001", step, "node", TestState{Counter: step})
		}(i)
	}
	wg.Wait()

	if got := len(store.History("run-001")); got != 10 {
		t.Errorf("expected 10 records, got %d", got)
	}

	_, step, err := store.LoadLatest(ctx, "run-001")
	if err != nil {
		t.Fatalf("LoadLatest failed: %v", err)
	}
	if step != 10 {
		t.Errorf("expected latest step 10, got %d", step)
	}
}

func TestMemStore_History(t *testing.T) {
	store := NewMemStore[TestState]()
	ctx := context.Background()

	_ = store.SaveStep(ctx, "run", 1, "a", TestState{Value: "1"})
	_ = store.SaveStep(ctx, "run", 2, "b", TestState{Value: "2"})

	history := store.History("run")
	if len(history) != 2 || history[0].NodeID != "a" || history[1].NodeID != "b" {
		t.Fatalf("unexpected history: %+v", history)
	}

	history[0].NodeID = "mutated"
	if store.History("run")[0].NodeID != "a" {
		t.Error("History must return a copy")
	}
}

func TestMemStore_JSONRoundTrip(t *testing.T) {
	ctx := context.Background()
	original := NewMemStore[TestState]()
	_ = original.SaveStep(ctx, "run", 1, "a", TestState{Value: "v", Counter: 1})
	_ = original.SaveCheckpoint(ctx, Checkpoint[TestState]{RunID: "run", NodeID: "wait", Step: 1, State: TestState{Value: "v"}})

	data, err := json.Marshal(original)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}

	restored := NewMemStore[TestState]()
	if err := json.Unmarshal(data, restored); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}

	cp, err := restored.LoadCheckpoint(ctx, "run")
	if err != nil {
		t.Fatalf("LoadCheckpoint failed: %v", err)
	}
	if cp.NodeID != "wait" || cp.State.Value != "v" {
		t.Errorf("unexpected checkpoint after restore: %+v", cp)
	}

	empty := NewMemStore[TestState]()
	if err := json.Unmarshal([]byte(`{}`), empty); err != nil {
		t.Fatalf("unmarshal of empty object failed: %v", err)
	}
	if err := empty.SaveStep(ctx, "run", 1, "a", TestState{}); err != nil {
		t.Errorf("store restored from {} should be writable: %v", err)
	}
}
