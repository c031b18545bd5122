package flow

// ChangeType discriminates the canvas change events the sync layer
// understands. Unknown types are applied to local state and otherwise
// ignored.
type ChangeType string

const (
	ChangePosition   ChangeType = "position"
	ChangeSelect     ChangeType = "select"
	ChangeRemove     ChangeType = "remove"
	ChangeDimensions ChangeType = "dimensions"
)

// NodeChange is one entry of a canvas change batch. Position carries the
// new coordinates for position changes; Dragging distinguishes
// mid-gesture movement (debounced) from the final settle. Selected is
// only meaningful for select changes, which stay local.
type NodeChange struct {
	Type     ChangeType `json:"type"`
	NodeID   string     `json:"id"`
	Position *Position  `json:"position,omitempty"`
	Dragging bool       `json:"dragging,omitempty"`
	Selected bool       `json:"selected,omitempty"`
	Width    float64    `json:"width,omitempty"`
	Height   float64    `json:"height,omitempty"`
}

// EdgeChange is one entry of a canvas edge change batch. Only removals
// reach the shared store; selection is per-participant.
type EdgeChange struct {
	Type     ChangeType `json:"type"`
	EdgeID   string     `json:"id"`
	Selected bool       `json:"selected,omitempty"`
}
