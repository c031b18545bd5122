package flowsync

import (
	"slices"

	"loom/internal/domain/models/flow"
)

// ReconcileNodes merges a remote node snapshot into the local optimistic
// set and reports whether the local set changed.
//
// Two guards can skip the merge entirely:
//   - an empty remote snapshot against non-empty local state is treated as
//     a not-yet-loaded store, never as a mass deletion;
//   - local state with strictly more records than the remote snapshot means
//     fresh local adds have not landed remotely yet, and merging now would
//     drop them.
//
// When the merge runs, nodes in the drag set are kept verbatim (a dragged
// node missing from remote is retained, the gesture must not be lost),
// matched nodes go through mergeNode, and local-only nodes outside the drag
// set are dropped, adopting remote deletions.
func ReconcileNodes(remote, local []flow.Node, dragging map[string]bool) ([]flow.Node, bool) {
	if len(remote) == 0 && len(local) > 0 {
		return local, false
	}
	if len(local) > len(remote) {
		return local, false
	}

	localByID := make(map[string]flow.Node, len(local))
	for _, node := range local {
		localByID[node.ID] = node
	}
	remoteIDs := make(map[string]struct{}, len(remote))

	merged := make([]flow.Node, 0, len(remote))
	for _, remoteNode := range remote {
		remoteIDs[remoteNode.ID] = struct{}{}
		localNode, known := localByID[remoteNode.ID]
		switch {
		case known && dragging[remoteNode.ID]:
			merged = append(merged, localNode)
		case known:
			merged = append(merged, mergeNode(remoteNode, localNode))
		default:
			merged = append(merged, remoteNode)
		}
	}

	for _, localNode := range local {
		if _, present := remoteIDs[localNode.ID]; !present && dragging[localNode.ID] {
			merged = append(merged, localNode)
		}
	}

	return merged, !slices.Equal(merged, local)
}

// mergeNode resolves one matched node pair.
//
// The type-demotion guard is absolute: once a node is an answer locally it
// never regresses to a prompt, whatever the remote revision says; a
// regression would resurrect the transient prompt UI over final content.
// Past that, the higher revision wins, remote taking ties. When remote wins
// with an empty message payload while the local answer has one, the local
// payload is carried over whole; a concurrent position write must not blank
// out answer content.
func mergeNode(remote, local flow.Node) flow.Node {
	if local.Type == flow.NodeAnswer && remote.Type == flow.NodePrompt {
		return local
	}
	if remote.Rev < local.Rev {
		return local
	}

	merged := remote
	if merged.Type == flow.NodeAnswer && local.Data.HasMessagePayload() && !remote.Data.HasMessagePayload() {
		merged.Data.UserMessage = local.Data.UserMessage
		merged.Data.AssistantMessage = local.Data.AssistantMessage
		merged.Data.IsLoading = local.Data.IsLoading
	}
	return merged
}

// ReconcileEdges merges a remote edge snapshot into the local set. The same
// two guards apply; past them the remote set is adopted wholesale, since
// edges are immutable after creation and carry no merge state.
func ReconcileEdges(remote, local []flow.Edge) ([]flow.Edge, bool) {
	if len(remote) == 0 && len(local) > 0 {
		return local, false
	}
	if len(local) > len(remote) {
		return local, false
	}

	merged := slices.Clone(remote)
	return merged, !slices.Equal(merged, local)
}
