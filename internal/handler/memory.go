package handler

import (
	"log/slog"
	"net/http"

	"loom/internal/httputil"
	"loom/internal/memoryclient"
)

// MemoryHandler proxies the canvas's memory calls to the external memory
// service. Recall is advisory: a search that fails returns an empty result
// so prompt assembly keeps working without it.
type MemoryHandler struct {
	client *memoryclient.Client
	logger *slog.Logger
}

// NewMemoryHandler creates a new memory handler
func NewMemoryHandler(client *memoryclient.Client, logger *slog.Logger) *MemoryHandler {
	return &MemoryHandler{
		client: client,
		logger: logger,
	}
}

// SearchMemoriesRequest asks for memories relevant to a prompt.
type SearchMemoriesRequest struct {
	UserID string `json:"userId"`
	Query  string `json:"query"`
	Limit  int    `json:"limit"`
}

// SearchMemoriesResponse carries scored memories, best match first.
type SearchMemoriesResponse struct {
	Memories []memoryclient.Memory `json:"memories"`
}

// AddMemoryRequest stores one fact for a user.
type AddMemoryRequest struct {
	UserID  string `json:"userId"`
	Content string `json:"content"`
}

// SearchMemories returns memories relevant to the query. Service failures
// degrade to an empty result.
func (h *MemoryHandler) SearchMemories(w http.ResponseWriter, r *http.Request) {
	var req SearchMemoriesRequest
	if err := httputil.ParseJSON(w, r, &req); err != nil {
		httputil.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.UserID == "" {
		httputil.RespondError(w, http.StatusBadRequest, "user id required")
		return
	}

	memories, err := h.client.Search(r.Context(), req.UserID, req.Query, req.Limit)
	if err != nil {
		h.logger.Warn("memory search failed", "user_id", req.UserID, "error", err)
		memories = nil
	}
	if memories == nil {
		memories = []memoryclient.Memory{}
	}

	httputil.RespondJSON(w, http.StatusOK, SearchMemoriesResponse{Memories: memories})
}

// AddMemory stores a new memory for a user.
func (h *MemoryHandler) AddMemory(w http.ResponseWriter, r *http.Request) {
	var req AddMemoryRequest
	if err := httputil.ParseJSON(w, r, &req); err != nil {
		httputil.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.UserID == "" || req.Content == "" {
		httputil.RespondError(w, http.StatusBadRequest, "user id and content required")
		return
	}

	memory, err := h.client.Add(r.Context(), req.UserID, req.Content)
	if err != nil {
		h.logger.Warn("memory add failed", "user_id", req.UserID, "error", err)
		httputil.RespondError(w, http.StatusBadGateway, "memory service unavailable")
		return
	}

	httputil.RespondJSON(w, http.StatusCreated, memory)
}

// DeleteMemory removes a stored memory.
func (h *MemoryHandler) DeleteMemory(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		httputil.RespondError(w, http.StatusBadRequest, "memory id required")
		return
	}

	if err := h.client.Delete(r.Context(), id); err != nil {
		h.logger.Warn("memory delete failed", "memory_id", id, "error", err)
		httputil.RespondError(w, http.StatusBadGateway, "memory service unavailable")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
