package services

import (
	"context"

	flowModels "loom/internal/domain/models/flow"
)

// SaveResult reports the outcome of a best-effort graph save. Persistence
// failures are carried as data, not errors: callers log and move on, since
// the shared document store remains the live source of truth.
type SaveResult struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// FlowService is the persistence boundary for canvas graphs. Load never
// fails the caller: a storage problem yields an empty graph and a log line,
// and the canvas starts blank rather than broken.
type FlowService interface {
	LoadFlowData(ctx context.Context, chatID string) ([]flowModels.Node, []flowModels.Edge)
	SaveFlowData(ctx context.Context, chatID string, nodes []flowModels.Node, edges []flowModels.Edge) SaveResult
	DeleteFlowData(ctx context.Context, chatID string) error
}
