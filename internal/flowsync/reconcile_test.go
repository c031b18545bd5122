package flowsync

import (
	"slices"
	"testing"

	"loom/internal/domain/models/flow"
)

func testNode(id string, typ flow.NodeType, rev int64) flow.Node {
	return flow.Node{
		ID:     id,
		ChatID: "chat-1",
		Type:   typ,
		Rev:    rev,
	}
}

func testEdge(id, source, target string) flow.Edge {
	return flow.Edge{
		ID:     id,
		ChatID: "chat-1",
		Source: source,
		Target: target,
	}
}

func TestReconcileNodesGuards(t *testing.T) {
	local := []flow.Node{
		testNode("a", flow.NodePrompt, 1),
		testNode("b", flow.NodePrompt, 1),
	}

	tests := []struct {
		name   string
		remote []flow.Node
	}{
		{
			name:   "empty remote with local content is a no-op",
			remote: nil,
		},
		{
			name:   "strictly fewer remote nodes is a no-op",
			remote: []flow.Node{testNode("a", flow.NodePrompt, 5)},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			merged, changed := ReconcileNodes(tt.remote, local, nil)
			if changed {
				t.Error("expected changed=false when a guard fires")
			}
			if !slices.Equal(merged, local) {
				t.Errorf("expected local state kept verbatim, got %+v", merged)
			}
		})
	}
}

func TestReconcileNodesAdoptsRemote(t *testing.T) {
	local := []flow.Node{testNode("a", flow.NodePrompt, 1)}
	remote := []flow.Node{
		testNode("a", flow.NodePrompt, 1),
		testNode("b", flow.NodePrompt, 1),
	}

	merged, changed := ReconcileNodes(remote, local, nil)
	if !changed {
		t.Fatal("expected changed=true when remote has a new node")
	}
	if len(merged) != 2 {
		t.Fatalf("expected 2 nodes, got %d", len(merged))
	}
	if merged[1].ID != "b" {
		t.Errorf("expected remote node b adopted, got %q", merged[1].ID)
	}
}

func TestReconcileNodesDragExclusion(t *testing.T) {
	localDragged := testNode("a", flow.NodePrompt, 1)
	localDragged.Position = flow.Position{X: 10, Y: 10}

	remoteMoved := testNode("a", flow.NodePrompt, 9)
	remoteMoved.Position = flow.Position{X: 500, Y: 500}

	local := []flow.Node{localDragged, testNode("b", flow.NodePrompt, 1)}
	remote := []flow.Node{remoteMoved, testNode("b", flow.NodePrompt, 1)}
	dragging := map[string]bool{"a": true}

	merged, _ := ReconcileNodes(remote, local, dragging)

	idx := slices.IndexFunc(merged, func(n flow.Node) bool { return n.ID == "a" })
	if idx < 0 {
		t.Fatal("dragged node missing from merge result")
	}
	if merged[idx] != localDragged {
		t.Errorf("dragged node not kept verbatim: got %+v", merged[idx])
	}
}

func TestReconcileNodesDraggedNodeRetainedWhenAbsentRemotely(t *testing.T) {
	dragged := testNode("a", flow.NodePrompt, 1)
	local := []flow.Node{dragged, testNode("b", flow.NodePrompt, 1)}
	// Remote dropped "a" but carries enough nodes to pass the count guard.
	remote := []flow.Node{
		testNode("b", flow.NodePrompt, 2),
		testNode("c", flow.NodePrompt, 1),
	}

	merged, changed := ReconcileNodes(remote, local, map[string]bool{"a": true})
	if !changed {
		t.Fatal("expected changed=true")
	}
	if !slices.ContainsFunc(merged, func(n flow.Node) bool { return n == dragged }) {
		t.Errorf("dragged node dropped during merge: %+v", merged)
	}
}

func TestReconcileNodesTypeDemotionGuard(t *testing.T) {
	localAnswer := testNode("a", flow.NodeAnswer, 2)
	localAnswer.Data.UserMessage = "question"
	localAnswer.Data.AssistantMessage = "reply"

	// A stale prompt copy with a higher rev must still lose: type demotion
	// is refused unconditionally.
	stalePrompt := testNode("a", flow.NodePrompt, 40)
	stalePrompt.Data.Prompt = "question"

	merged, _ := ReconcileNodes(
		[]flow.Node{stalePrompt},
		[]flow.Node{localAnswer},
		nil,
	)
	if merged[0] != localAnswer {
		t.Errorf("answer node demoted to prompt: got %+v", merged[0])
	}
}

func TestReconcileNodesRevOrdering(t *testing.T) {
	tests := []struct {
		name       string
		remoteRev  int64
		localRev   int64
		wantRemote bool
	}{
		{name: "lower remote rev keeps local", remoteRev: 1, localRev: 3, wantRemote: false},
		{name: "equal rev takes remote", remoteRev: 3, localRev: 3, wantRemote: true},
		{name: "higher remote rev takes remote", remoteRev: 5, localRev: 3, wantRemote: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			local := testNode("a", flow.NodePrompt, tt.localRev)
			local.Position = flow.Position{X: 1}
			remote := testNode("a", flow.NodePrompt, tt.remoteRev)
			remote.Position = flow.Position{X: 2}

			merged, _ := ReconcileNodes([]flow.Node{remote}, []flow.Node{local}, nil)

			got := merged[0]
			if tt.wantRemote && got != remote {
				t.Errorf("expected remote copy, got %+v", got)
			}
			if !tt.wantRemote && got != local {
				t.Errorf("expected local copy, got %+v", got)
			}
		})
	}
}

func TestReconcileNodesPayloadPreservation(t *testing.T) {
	t.Run("local payload carried onto newer remote answer", func(t *testing.T) {
		local := testNode("a", flow.NodeAnswer, 2)
		local.Data.UserMessage = "question"
		local.Data.AssistantMessage = "streamed reply"
		local.Data.IsLoading = true

		remote := testNode("a", flow.NodeAnswer, 4)
		remote.Position = flow.Position{X: 120}
		remote.Data.Model = "gpt-4o"

		merged, _ := ReconcileNodes([]flow.Node{remote}, []flow.Node{local}, nil)

		got := merged[0]
		if got.Rev != 4 || got.Position.X != 120 || got.Data.Model != "gpt-4o" {
			t.Fatalf("remote fields not adopted: %+v", got)
		}
		if got.Data.UserMessage != "question" || got.Data.AssistantMessage != "streamed reply" || !got.Data.IsLoading {
			t.Errorf("local message payload lost: %+v", got.Data)
		}
	})

	t.Run("remote payload wins when present", func(t *testing.T) {
		local := testNode("a", flow.NodeAnswer, 2)
		local.Data.UserMessage = "question"
		local.Data.AssistantMessage = "partial"
		local.Data.IsLoading = true

		remote := testNode("a", flow.NodeAnswer, 4)
		remote.Data.UserMessage = "question"
		remote.Data.AssistantMessage = "full reply"

		merged, _ := ReconcileNodes([]flow.Node{remote}, []flow.Node{local}, nil)

		got := merged[0]
		if got.Data.AssistantMessage != "full reply" || got.Data.IsLoading {
			t.Errorf("expected remote payload adopted wholesale: %+v", got.Data)
		}
	})
}

func TestReconcileNodesDropsLocalOnlyNonDragging(t *testing.T) {
	local := []flow.Node{
		testNode("a", flow.NodePrompt, 1),
		testNode("gone", flow.NodePrompt, 1),
	}
	remote := []flow.Node{
		testNode("a", flow.NodePrompt, 2),
		testNode("b", flow.NodePrompt, 1),
	}

	merged, _ := ReconcileNodes(remote, local, nil)
	if slices.ContainsFunc(merged, func(n flow.Node) bool { return n.ID == "gone" }) {
		t.Errorf("local-only node should be dropped by the merge: %+v", merged)
	}
}

func TestReconcileNodesUnchangedReportsFalse(t *testing.T) {
	state := []flow.Node{
		testNode("a", flow.NodePrompt, 1),
		testNode("b", flow.NodeAnswer, 2),
	}

	merged, changed := ReconcileNodes(slices.Clone(state), slices.Clone(state), nil)
	if changed {
		t.Error("identical snapshots must report changed=false")
	}
	if !slices.Equal(merged, state) {
		t.Errorf("merge altered identical state: %+v", merged)
	}
}

func TestReconcileEdges(t *testing.T) {
	local := []flow.Edge{testEdge("e1", "a", "b"), testEdge("e2", "b", "c")}

	t.Run("empty remote keeps local", func(t *testing.T) {
		merged, changed := ReconcileEdges(nil, local)
		if changed || !slices.Equal(merged, local) {
			t.Errorf("expected local edges kept, got %+v", merged)
		}
	})

	t.Run("fewer remote edges keeps local", func(t *testing.T) {
		merged, changed := ReconcileEdges([]flow.Edge{testEdge("e1", "a", "b")}, local)
		if changed || !slices.Equal(merged, local) {
			t.Errorf("expected local edges kept, got %+v", merged)
		}
	})

	t.Run("remote adopted wholesale", func(t *testing.T) {
		remote := []flow.Edge{
			testEdge("e1", "a", "b"),
			testEdge("e3", "c", "d"),
		}
		merged, changed := ReconcileEdges(remote, local)
		if !changed {
			t.Fatal("expected changed=true")
		}
		if !slices.Equal(merged, remote) {
			t.Errorf("expected remote edge set, got %+v", merged)
		}
	})

	t.Run("identical sets report unchanged", func(t *testing.T) {
		_, changed := ReconcileEdges(slices.Clone(local), local)
		if changed {
			t.Error("identical edge sets must report changed=false")
		}
	})
}
