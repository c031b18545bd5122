package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"

	"loom/internal/domain"
	flowModels "loom/internal/domain/models/flow"
	"loom/internal/domain/repositories"
	"loom/internal/domain/services"
)

// flowService implements the FlowService interface
type flowService struct {
	flowRepo repositories.FlowRepository
	txMgr    repositories.TransactionManager
	breaker  *gobreaker.CircuitBreaker
	logger   *slog.Logger
}

// NewFlowService creates a new flow persistence service. Saves run behind a
// circuit breaker so a down database sheds the best-effort save traffic
// instead of being hammered by every debounce flush.
func NewFlowService(
	flowRepo repositories.FlowRepository,
	txMgr repositories.TransactionManager,
	logger *slog.Logger,
) services.FlowService {
	s := &flowService{
		flowRepo: flowRepo,
		txMgr:    txMgr,
		logger:   logger,
	}

	s.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "flow-save",
		MaxRequests: 3,
		Interval:    30 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < 5 {
				return false
			}
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return failureRatio >= 0.6
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn("flow save circuit breaker state changed",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
	})

	return s
}

// LoadFlowData returns the persisted graph for a chat. Failures degrade to
// an empty graph: the canvas opens blank and live state rebuilds it.
func (s *flowService) LoadFlowData(ctx context.Context, chatID string) ([]flowModels.Node, []flowModels.Edge) {
	nodes, edges, err := s.flowRepo.LoadFlowData(ctx, chatID)
	if err != nil {
		s.logger.Warn("failed to load flow data, starting empty",
			"chat_id", chatID,
			"error", err,
		)
		return []flowModels.Node{}, []flowModels.Edge{}
	}

	s.logger.Debug("flow data loaded",
		"chat_id", chatID,
		"nodes", len(nodes),
		"edges", len(edges),
	)
	return nodes, edges
}

// SaveFlowData replaces the persisted graph with the given one inside a
// single transaction. The outcome is reported as a SaveResult, never a
// panic or an error the caller has to handle.
func (s *flowService) SaveFlowData(ctx context.Context, chatID string, nodes []flowModels.Node, edges []flowModels.Edge) services.SaveResult {
	// Records carry the chat partition they were saved under
	for i := range nodes {
		nodes[i].ChatID = chatID
	}
	for i := range edges {
		edges[i].ChatID = chatID
	}

	if err := s.validateSaveRequest(chatID, nodes, edges); err != nil {
		s.logger.Warn("rejecting invalid flow save",
			"chat_id", chatID,
			"error", err,
		)
		return services.SaveResult{Success: false, Error: fmt.Sprintf("%v: %v", domain.ErrValidation, err)}
	}

	_, err := s.breaker.Execute(func() (any, error) {
		return nil, s.txMgr.ExecTx(ctx, func(txCtx context.Context) error {
			return s.flowRepo.SaveFlowData(txCtx, chatID, nodes, edges)
		})
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			s.logger.Warn("flow save shed by circuit breaker", "chat_id", chatID)
			return services.SaveResult{Success: false, Error: "persistence temporarily unavailable"}
		}
		s.logger.Error("failed to save flow data",
			"chat_id", chatID,
			"nodes", len(nodes),
			"edges", len(edges),
			"error", err,
		)
		return services.SaveResult{Success: false, Error: err.Error()}
	}

	s.logger.Debug("flow data saved",
		"chat_id", chatID,
		"nodes", len(nodes),
		"edges", len(edges),
	)
	return services.SaveResult{Success: true}
}

// DeleteFlowData removes the chat's persisted graph.
func (s *flowService) DeleteFlowData(ctx context.Context, chatID string) error {
	if chatID == "" {
		return fmt.Errorf("%w: chat id required", domain.ErrValidation)
	}

	err := s.txMgr.ExecTx(ctx, func(txCtx context.Context) error {
		return s.flowRepo.DeleteFlowData(txCtx, chatID)
	})
	if err != nil {
		return fmt.Errorf("delete flow data: %w", err)
	}

	s.logger.Info("flow data deleted", "chat_id", chatID)
	return nil
}

// validateSaveRequest checks the graph before it reaches the database
func (s *flowService) validateSaveRequest(chatID string, nodes []flowModels.Node, edges []flowModels.Edge) error {
	if chatID == "" {
		return errors.New("chat id required")
	}
	for _, node := range nodes {
		if err := node.Validate(); err != nil {
			return fmt.Errorf("node %s: %v", node.ID, err)
		}
	}
	for _, edge := range edges {
		if err := edge.Validate(); err != nil {
			return fmt.Errorf("edge %s: %v", edge.ID, err)
		}
	}
	return nil
}
