package repositories

import (
	"context"

	flowModels "loom/internal/domain/models/flow"
)

// FlowRepository persists a chat's canvas graph. The graph is saved as a
// whole: callers hand over the complete node and edge sets and the
// repository makes the stored rows match, so records deleted on the canvas
// disappear from the database on the next save.
type FlowRepository interface {
	// LoadFlowData returns the persisted graph for a chat. A chat with no
	// saved canvas yields empty slices, not an error.
	LoadFlowData(ctx context.Context, chatID string) ([]flowModels.Node, []flowModels.Edge, error)

	// SaveFlowData upserts every given record and deletes stored records
	// absent from the given sets, scoped to the chat.
	SaveFlowData(ctx context.Context, chatID string, nodes []flowModels.Node, edges []flowModels.Edge) error

	// DeleteFlowData removes the chat's whole graph.
	DeleteFlowData(ctx context.Context, chatID string) error
}
