package flowsync

import "sync"

// PromptHandlers are the UI callbacks a prompt node needs to function.
// They never enter the shared document: records stay pure data, and
// bindings live here, looked up by node id.
type PromptHandlers struct {
	OnSubmit func(nodeID, prompt string)
	OnChange func(nodeID, prompt string)
	OnDelete func(nodeID string)
}

// HandlerRegistry is the side table mapping node ids to their prompt
// handlers. Nodes that arrive over the wire have no bindings; the engine
// repairs them through the registry's factory right after every merge.
type HandlerRegistry struct {
	mu       sync.RWMutex
	bindings map[string]PromptHandlers
	factory  func(nodeID string) PromptHandlers
}

// NewHandlerRegistry creates a registry. factory builds bindings for nodes
// appearing via remote merges; a nil factory disables repair.
func NewHandlerRegistry(factory func(nodeID string) PromptHandlers) *HandlerRegistry {
	return &HandlerRegistry{
		bindings: make(map[string]PromptHandlers),
		factory:  factory,
	}
}

// Bind associates handlers with a node id, replacing any existing binding.
func (r *HandlerRegistry) Bind(nodeID string, handlers PromptHandlers) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bindings[nodeID] = handlers
}

// Unbind drops the node's binding.
func (r *HandlerRegistry) Unbind(nodeID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.bindings, nodeID)
}

// Get returns the node's handlers.
func (r *HandlerRegistry) Get(nodeID string) (PromptHandlers, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.bindings[nodeID]
	return h, ok
}

// Has reports whether the node has a binding.
func (r *HandlerRegistry) Has(nodeID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.bindings[nodeID]
	return ok
}

// Repair binds factory-built handlers for every given node id that lacks
// one. Returns how many bindings were created.
func (r *HandlerRegistry) Repair(nodeIDs []string) int {
	if r.factory == nil {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	repaired := 0
	for _, id := range nodeIDs {
		if _, ok := r.bindings[id]; ok {
			continue
		}
		r.bindings[id] = r.factory(id)
		repaired++
	}
	return repaired
}
