package docstore

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"loom/internal/domain"
)

func TestMemoryMutateAndView(t *testing.T) {
	store := NewMemory()
	defer store.Close()
	ctx := context.Background()

	// Write two records in one mutation
	err := store.Mutate(ctx, func(txn Txn) error {
		nodes := txn.Map(MapNodes)
		nodes.Set("node-1", json.RawMessage(`{"id":"node-1"}`))
		nodes.Set("node-2", json.RawMessage(`{"id":"node-2"}`))
		return nil
	})
	if err != nil {
		t.Fatalf("Mutate failed: %v", err)
	}

	// Read them back
	err = store.View(ctx, func(txn Txn) error {
		nodes := txn.Map(MapNodes)
		if nodes.Len() != 2 {
			t.Errorf("expected 2 nodes, got %d", nodes.Len())
		}
		if _, ok := nodes.Get("node-1"); !ok {
			t.Errorf("node-1 missing after commit")
		}
		got := nodes.Keys()
		if len(got) != 2 || got[0] != "node-1" || got[1] != "node-2" {
			t.Errorf("Keys() = %v, want sorted [node-1 node-2]", got)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("View failed: %v", err)
	}
}

func TestMemoryMutateRollsBackOnError(t *testing.T) {
	store := NewMemory()
	defer store.Close()
	ctx := context.Background()

	boom := errors.New("boom")
	err := store.Mutate(ctx, func(txn Txn) error {
		txn.Map(MapNodes).Set("node-1", json.RawMessage(`{}`))
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("Mutate error = %v, want boom", err)
	}

	// Nothing committed
	_ = store.View(ctx, func(txn Txn) error {
		if txn.Map(MapNodes).Len() != 0 {
			t.Errorf("failed mutation must not commit writes")
		}
		return nil
	})
}

func TestMemoryViewDiscardsWrites(t *testing.T) {
	store := NewMemory()
	defer store.Close()
	ctx := context.Background()

	_ = store.View(ctx, func(txn Txn) error {
		txn.Map(MapNodes).Set("node-1", json.RawMessage(`{}`))
		return nil
	})

	_ = store.View(ctx, func(txn Txn) error {
		if txn.Map(MapNodes).Len() != 0 {
			t.Errorf("writes inside View must be discarded")
		}
		return nil
	})
}

func TestMemorySubscribe(t *testing.T) {
	store := NewMemory()
	defer store.Close()
	ctx := context.Background()

	calls := 0
	cancel := store.Subscribe(func() { calls++ })

	// Committed change notifies
	_ = store.Mutate(ctx, func(txn Txn) error {
		txn.Map(MapNodes).Set("node-1", json.RawMessage(`{}`))
		return nil
	})
	if calls != 1 {
		t.Fatalf("expected 1 notification, got %d", calls)
	}

	// A mutation that writes nothing does not notify
	_ = store.Mutate(ctx, func(txn Txn) error {
		txn.Map(MapNodes).Get("node-1")
		return nil
	})
	if calls != 1 {
		t.Errorf("read-only mutation should not notify, got %d calls", calls)
	}

	// Cancelled subscription stops receiving
	cancel()
	_ = store.Mutate(ctx, func(txn Txn) error {
		txn.Map(MapNodes).Set("node-2", json.RawMessage(`{}`))
		return nil
	})
	if calls != 1 {
		t.Errorf("cancelled subscription still notified, got %d calls", calls)
	}
}

func TestMemoryBroadcast(t *testing.T) {
	store := NewMemory()
	defer store.Close()
	ctx := context.Background()

	var got []Event
	cancel := store.OnEvent(func(ev Event) { got = append(got, ev) })
	defer cancel()

	event := Event{Name: EventEdgeAdded, Origin: "user-1", Data: json.RawMessage(`{"edgeId":"e1"}`)}
	if err := store.Broadcast(ctx, event); err != nil {
		t.Fatalf("Broadcast failed: %v", err)
	}

	if len(got) != 1 {
		t.Fatalf("expected 1 event, got %d", len(got))
	}
	if got[0].Name != EventEdgeAdded || got[0].Origin != "user-1" {
		t.Errorf("event = %+v, want name %s origin user-1", got[0], EventEdgeAdded)
	}
}

func TestMemoryDeleteAndReAdd(t *testing.T) {
	store := NewMemory()
	defer store.Close()
	ctx := context.Background()

	_ = store.Mutate(ctx, func(txn Txn) error {
		txn.Map(MapNodes).Set("node-1", json.RawMessage(`{"rev":1}`))
		return nil
	})
	_ = store.Mutate(ctx, func(txn Txn) error {
		txn.Map(MapNodes).Delete("node-1")
		return nil
	})
	_ = store.View(ctx, func(txn Txn) error {
		if _, ok := txn.Map(MapNodes).Get("node-1"); ok {
			t.Errorf("node-1 should be deleted")
		}
		return nil
	})

	// Delete then set in one transaction keeps the final value
	_ = store.Mutate(ctx, func(txn Txn) error {
		nodes := txn.Map(MapNodes)
		nodes.Set("node-1", json.RawMessage(`{"rev":2}`))
		nodes.Delete("node-1")
		nodes.Set("node-1", json.RawMessage(`{"rev":3}`))
		return nil
	})
	_ = store.View(ctx, func(txn Txn) error {
		raw, ok := txn.Map(MapNodes).Get("node-1")
		if !ok {
			t.Fatalf("node-1 missing after re-add")
		}
		if string(raw) != `{"rev":3}` {
			t.Errorf("node-1 = %s, want rev 3", raw)
		}
		return nil
	})
}

func TestMemoryClosed(t *testing.T) {
	store := NewMemory()
	store.Close()
	ctx := context.Background()

	if store.Ready() {
		t.Errorf("closed store must not report ready")
	}

	err := store.Mutate(ctx, func(txn Txn) error { return nil })
	if !errors.Is(err, domain.ErrStoreClosed) {
		t.Errorf("Mutate on closed store = %v, want ErrStoreClosed", err)
	}
	err = store.Broadcast(ctx, Event{Name: "x"})
	if !errors.Is(err, domain.ErrStoreClosed) {
		t.Errorf("Broadcast on closed store = %v, want ErrStoreClosed", err)
	}
}
