package handler

import (
	"fmt"
	"log/slog"
	"net/http"

	"loom/internal/config"
	"loom/internal/domain"
	flowModels "loom/internal/domain/models/flow"
	"loom/internal/domain/services"
	"loom/internal/httputil"
	"loom/internal/provider"
)

// FlowHandler handles HTTP requests for persisted canvas graphs.
type FlowHandler struct {
	service  services.FlowService
	registry *provider.Registry
	logger   *slog.Logger
}

// NewFlowHandler creates a new flow handler
func NewFlowHandler(service services.FlowService, registry *provider.Registry, logger *slog.Logger) *FlowHandler {
	return &FlowHandler{
		service:  service,
		registry: registry,
		logger:   logger,
	}
}

// FlowResponse is the persisted graph for one chat.
type FlowResponse struct {
	ChatID string            `json:"chatId"`
	Nodes  []flowModels.Node `json:"nodes"`
	Edges  []flowModels.Edge `json:"edges"`
}

// SaveFlowRequest is the graph payload for an explicit save.
type SaveFlowRequest struct {
	Nodes []flowModels.Node `json:"nodes"`
	Edges []flowModels.Edge `json:"edges"`
}

// GetFlow returns the persisted graph for a chat. A chat that has never
// been saved returns an empty graph, not 404: the canvas treats both the
// same way.
func (h *FlowHandler) GetFlow(w http.ResponseWriter, r *http.Request) {
	chatID := r.PathValue("chatID")
	if chatID == "" {
		httputil.RespondError(w, http.StatusBadRequest, "chat id required")
		return
	}

	nodes, edges := h.service.LoadFlowData(r.Context(), chatID)
	if nodes == nil {
		nodes = []flowModels.Node{}
	}
	if edges == nil {
		edges = []flowModels.Edge{}
	}

	httputil.RespondJSON(w, http.StatusOK, FlowResponse{
		ChatID: chatID,
		Nodes:  nodes,
		Edges:  edges,
	})
}

// PutFlow replaces the persisted graph for a chat. The request is validated
// up front; the save itself is best-effort and its outcome is returned as
// data so the canvas can keep working off the live document store.
func (h *FlowHandler) PutFlow(w http.ResponseWriter, r *http.Request) {
	chatID := r.PathValue("chatID")
	if chatID == "" {
		httputil.RespondError(w, http.StatusBadRequest, "chat id required")
		return
	}

	var req SaveFlowRequest
	if err := httputil.ParseJSON(w, r, &req); err != nil {
		httputil.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.validateGraph(req); err != nil {
		handleError(w, fmt.Errorf("%w: %v", domain.ErrValidation, err))
		return
	}

	result := h.service.SaveFlowData(r.Context(), chatID, req.Nodes, req.Edges)
	if !result.Success {
		h.logger.Warn("flow save failed",
			"chat_id", chatID,
			"error", result.Error,
		)
	}
	httputil.RespondJSON(w, http.StatusOK, result)
}

// DeleteFlow removes the persisted graph for a chat.
func (h *FlowHandler) DeleteFlow(w http.ResponseWriter, r *http.Request) {
	chatID := r.PathValue("chatID")
	if chatID == "" {
		httputil.RespondError(w, http.StatusBadRequest, "chat id required")
		return
	}

	if err := h.service.DeleteFlowData(r.Context(), chatID); err != nil {
		handleError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// validateGraph rejects oversized or malformed graphs before they reach
// the service layer. Model references are checked against the provider
// catalog so a typo'd model id fails the save instead of failing later
// at invocation time.
func (h *FlowHandler) validateGraph(req SaveFlowRequest) error {
	if len(req.Nodes) > config.MaxGraphNodes {
		return fmt.Errorf("too many nodes: %d exceeds limit of %d", len(req.Nodes), config.MaxGraphNodes)
	}
	if len(req.Edges) > config.MaxGraphEdges {
		return fmt.Errorf("too many edges: %d exceeds limit of %d", len(req.Edges), config.MaxGraphEdges)
	}

	for _, node := range req.Nodes {
		if len(node.Data.Prompt) > config.MaxPromptLength {
			return fmt.Errorf("node %s: prompt exceeds %d characters", node.ID, config.MaxPromptLength)
		}
		if node.Data.Model == "" || h.registry == nil {
			continue
		}
		if _, err := h.registry.Resolve(node.Data.Model); err != nil {
			return fmt.Errorf("node %s: %v", node.ID, err)
		}
	}
	return nil
}
