package flow

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"

	flowModels "loom/internal/domain/models/flow"
	"loom/internal/domain/repositories"
	"loom/internal/repository/postgres"
)

// PostgresFlowRepository implements the FlowRepository interface using PostgreSQL
type PostgresFlowRepository struct {
	pool   *pgxpool.Pool
	tables *postgres.TableNames
	logger *slog.Logger
}

// NewFlowRepository creates a new PostgresFlowRepository
func NewFlowRepository(config *postgres.RepositoryConfig) repositories.FlowRepository {
	return &PostgresFlowRepository{
		pool:   config.Pool,
		tables: config.Tables,
		logger: config.Logger,
	}
}

// LoadFlowData retrieves the persisted graph for a chat. A chat without a
// saved canvas returns empty slices.
func (r *PostgresFlowRepository) LoadFlowData(ctx context.Context, chatID string) ([]flowModels.Node, []flowModels.Edge, error) {
	executor := postgres.GetExecutor(ctx, r.pool)

	nodeQuery := fmt.Sprintf(`
		SELECT id, type, position_x, position_y, data, rev, created_at, updated_at
		FROM %s
		WHERE chat_id = $1
		ORDER BY created_at, id
	`, r.tables.FlowNodes)

	rows, err := executor.Query(ctx, nodeQuery, chatID)
	if err != nil {
		return nil, nil, fmt.Errorf("load flow nodes: %w", err)
	}
	defer rows.Close()

	var nodes []flowModels.Node
	for rows.Next() {
		var (
			node flowModels.Node
			data []byte
		)
		err := rows.Scan(
			&node.ID,
			&node.Type,
			&node.Position.X,
			&node.Position.Y,
			&data,
			&node.Rev,
			&node.CreatedAt,
			&node.UpdatedAt,
		)
		if err != nil {
			return nil, nil, fmt.Errorf("scan flow node: %w", err)
		}
		node.ChatID = chatID
		if node.Data, err = decodeNodeData(data); err != nil {
			return nil, nil, fmt.Errorf("decode node %s data: %w", node.ID, err)
		}
		nodes = append(nodes, node)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate flow nodes: %w", err)
	}

	edgeQuery := fmt.Sprintf(`
		SELECT id, source, target, type, animated, style, creator_id, creator_color, created_at
		FROM %s
		WHERE chat_id = $1
		ORDER BY created_at, id
	`, r.tables.FlowEdges)

	edgeRows, err := executor.Query(ctx, edgeQuery, chatID)
	if err != nil {
		return nil, nil, fmt.Errorf("load flow edges: %w", err)
	}
	defer edgeRows.Close()

	var edges []flowModels.Edge
	for edgeRows.Next() {
		var (
			edge  flowModels.Edge
			style []byte
		)
		err := edgeRows.Scan(
			&edge.ID,
			&edge.Source,
			&edge.Target,
			&edge.Type,
			&edge.Animated,
			&style,
			&edge.CreatorID,
			&edge.CreatorColor,
			&edge.CreatedAt,
		)
		if err != nil {
			return nil, nil, fmt.Errorf("scan flow edge: %w", err)
		}
		edge.ChatID = chatID
		if edge.Style, err = decodeEdgeStyle(style); err != nil {
			return nil, nil, fmt.Errorf("decode edge %s style: %w", edge.ID, err)
		}
		edges = append(edges, edge)
	}
	if err := edgeRows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate flow edges: %w", err)
	}

	// Return empty slices instead of nil
	if nodes == nil {
		nodes = []flowModels.Node{}
	}
	if edges == nil {
		edges = []flowModels.Edge{}
	}

	return nodes, edges, nil
}

// SaveFlowData makes the stored graph match the given one: every record is
// upserted, then stored records absent from the given sets are deleted.
// Run inside a transaction (ExecTx) so readers never observe a half-saved
// graph.
func (r *PostgresFlowRepository) SaveFlowData(ctx context.Context, chatID string, nodes []flowModels.Node, edges []flowModels.Edge) error {
	executor := postgres.GetExecutor(ctx, r.pool)

	nodeUpsert := fmt.Sprintf(`
		INSERT INTO %s (id, chat_id, type, position_x, position_y, data, rev, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			type = EXCLUDED.type,
			position_x = EXCLUDED.position_x,
			position_y = EXCLUDED.position_y,
			data = EXCLUDED.data,
			rev = EXCLUDED.rev,
			updated_at = EXCLUDED.updated_at
	`, r.tables.FlowNodes)

	for _, node := range nodes {
		data, err := encodeNodeData(node.Data)
		if err != nil {
			return fmt.Errorf("encode node %s data: %w", node.ID, err)
		}
		_, err = executor.Exec(ctx, nodeUpsert,
			node.ID,
			chatID,
			node.Type,
			node.Position.X,
			node.Position.Y,
			data,
			node.Rev,
			node.CreatedAt,
			node.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("upsert flow node %s: %w", node.ID, err)
		}
	}

	// Edges are immutable after creation, so conflicts are left alone.
	edgeUpsert := fmt.Sprintf(`
		INSERT INTO %s (id, chat_id, source, target, type, animated, style, creator_id, creator_color, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO NOTHING
	`, r.tables.FlowEdges)

	for _, edge := range edges {
		style, err := encodeEdgeStyle(edge.Style)
		if err != nil {
			return fmt.Errorf("encode edge %s style: %w", edge.ID, err)
		}
		_, err = executor.Exec(ctx, edgeUpsert,
			edge.ID,
			chatID,
			edge.Source,
			edge.Target,
			edge.Type,
			edge.Animated,
			style,
			edge.CreatorID,
			edge.CreatorColor,
			edge.CreatedAt,
		)
		if err != nil {
			if postgres.IsPgForeignKeyError(err) {
				r.logger.Warn("skipping edge referencing missing node",
					"edge_id", edge.ID, "source", edge.Source, "target", edge.Target)
				continue
			}
			return fmt.Errorf("upsert flow edge %s: %w", edge.ID, err)
		}
	}

	edgeDelete := fmt.Sprintf(`
		DELETE FROM %s WHERE chat_id = $1 AND NOT (id = ANY($2))
	`, r.tables.FlowEdges)
	if _, err := executor.Exec(ctx, edgeDelete, chatID, edgeIDs(edges)); err != nil {
		return fmt.Errorf("delete missing flow edges: %w", err)
	}

	// Deleting missing nodes cascades any edge that still references them,
	// the relational backstop behind the client-side cascade.
	nodeDelete := fmt.Sprintf(`
		DELETE FROM %s WHERE chat_id = $1 AND NOT (id = ANY($2))
	`, r.tables.FlowNodes)
	if _, err := executor.Exec(ctx, nodeDelete, chatID, nodeIDs(nodes)); err != nil {
		return fmt.Errorf("delete missing flow nodes: %w", err)
	}

	return nil
}

// DeleteFlowData removes the chat's whole graph.
func (r *PostgresFlowRepository) DeleteFlowData(ctx context.Context, chatID string) error {
	executor := postgres.GetExecutor(ctx, r.pool)

	edgeDelete := fmt.Sprintf(`DELETE FROM %s WHERE chat_id = $1`, r.tables.FlowEdges)
	if _, err := executor.Exec(ctx, edgeDelete, chatID); err != nil {
		return fmt.Errorf("delete flow edges: %w", err)
	}

	nodeDelete := fmt.Sprintf(`DELETE FROM %s WHERE chat_id = $1`, r.tables.FlowNodes)
	if _, err := executor.Exec(ctx, nodeDelete, chatID); err != nil {
		return fmt.Errorf("delete flow nodes: %w", err)
	}

	return nil
}

func nodeIDs(nodes []flowModels.Node) []string {
	ids := make([]string, len(nodes))
	for i, n := range nodes {
		ids[i] = n.ID
	}
	return ids
}

func edgeIDs(edges []flowModels.Edge) []string {
	ids := make([]string, len(edges))
	for i, e := range edges {
		ids[i] = e.ID
	}
	return ids
}

func encodeNodeData(data flowModels.NodeData) ([]byte, error) {
	return json.Marshal(data)
}

func decodeNodeData(raw []byte) (flowModels.NodeData, error) {
	var data flowModels.NodeData
	if len(raw) == 0 {
		return data, nil
	}
	if err := json.Unmarshal(raw, &data); err != nil {
		return flowModels.NodeData{}, err
	}
	return data, nil
}

func encodeEdgeStyle(style flowModels.EdgeStyle) ([]byte, error) {
	return json.Marshal(style)
}

func decodeEdgeStyle(raw []byte) (flowModels.EdgeStyle, error) {
	var style flowModels.EdgeStyle
	if len(raw) == 0 {
		return style, nil
	}
	if err := json.Unmarshal(raw, &style); err != nil {
		return flowModels.EdgeStyle{}, err
	}
	return style, nil
}
