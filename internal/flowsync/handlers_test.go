package flowsync

import "testing"

func TestHandlerRegistryBindings(t *testing.T) {
	r := NewHandlerRegistry(nil)

	submitted := ""
	r.Bind("n1", PromptHandlers{
		OnSubmit: func(nodeID, prompt string) { submitted = nodeID + ":" + prompt },
	})

	if !r.Has("n1") {
		t.Fatal("expected binding for n1")
	}
	h, ok := r.Get("n1")
	if !ok || h.OnSubmit == nil {
		t.Fatal("expected handlers with OnSubmit")
	}
	h.OnSubmit("n1", "hello")
	if submitted != "n1:hello" {
		t.Errorf("handler not invoked correctly: %q", submitted)
	}

	r.Unbind("n1")
	if r.Has("n1") {
		t.Error("binding should be gone after Unbind")
	}
}

func TestHandlerRegistryRepair(t *testing.T) {
	built := 0
	r := NewHandlerRegistry(func(nodeID string) PromptHandlers {
		built++
		return PromptHandlers{OnSubmit: func(string, string) {}}
	})

	r.Bind("bound", PromptHandlers{})

	repaired := r.Repair([]string{"bound", "wire-1", "wire-2"})
	if repaired != 2 || built != 2 {
		t.Errorf("expected 2 repairs, got repaired=%d built=%d", repaired, built)
	}
	if !r.Has("wire-1") || !r.Has("wire-2") {
		t.Error("repaired nodes must have bindings")
	}

	// A second pass finds nothing to do.
	if again := r.Repair([]string{"bound", "wire-1", "wire-2"}); again != 0 {
		t.Errorf("repair must be idempotent, got %d", again)
	}
}

func TestHandlerRegistryNilFactory(t *testing.T) {
	r := NewHandlerRegistry(nil)
	if repaired := r.Repair([]string{"n1"}); repaired != 0 {
		t.Errorf("nil factory must disable repair, got %d", repaired)
	}
}
