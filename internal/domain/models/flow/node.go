package flow

import (
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
)

// NodeType tags the payload variant a node carries. The canvas defines
// additional presentation-only types; anything outside the two core types
// passes through the sync layer untouched.
type NodeType string

const (
	NodePrompt NodeType = "promptNode"
	NodeAnswer NodeType = "answerNode"
	NodeNote   NodeType = "noteNode"
)

// Position is a node's coordinates on the canvas.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// NodeData is the variant payload of a node. Field usage depends on the
// node type: a prompt node carries the in-progress input text, an answer
// node carries the question/answer pair. Records are pure data: handler
// bindings live in a client-side table keyed by node id, never here.
type NodeData struct {
	Prompt           string `json:"prompt,omitempty"`
	UserMessage      string `json:"userMessage,omitempty"`
	AssistantMessage string `json:"assistantMessage,omitempty"`
	IsLoading        bool   `json:"isLoading,omitempty"`
	Model            string `json:"model,omitempty"`
	UseMemory        bool   `json:"useMemory,omitempty"`
	CreatorID        string `json:"creatorId,omitempty"`
	CreatorName      string `json:"creatorName,omitempty"`
	CreatorColor     string `json:"creatorColor,omitempty"`
}

// Node is one conversation turn (or annotation) on a chat's canvas.
// Rev is a monotonic per-node revision counter bumped on every write;
// reconciliation prefers the higher revision. JSON field names mirror the
// canvas's wire objects, hence camelCase.
type Node struct {
	ID        string    `json:"id"`
	ChatID    string    `json:"chatId"`
	Type      NodeType  `json:"type"`
	Position  Position  `json:"position"`
	Data      NodeData  `json:"data"`
	Rev       int64     `json:"rev"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Validate checks the fields every stored node must carry.
func (n Node) Validate() error {
	return validation.ValidateStruct(&n,
		validation.Field(&n.ID, validation.Required),
		validation.Field(&n.ChatID, validation.Required),
		validation.Field(&n.Type, validation.Required),
	)
}

// IsPrompt reports whether the node is awaiting user input.
func (n Node) IsPrompt() bool { return n.Type == NodePrompt }

// IsAnswer reports whether the node holds a question/answer pair.
func (n Node) IsAnswer() bool { return n.Type == NodeAnswer }

// HasMessagePayload reports whether any of the answer message fields is
// populated. An answer node with content must never have that content
// clobbered by a partial remote write.
func (d NodeData) HasMessagePayload() bool {
	return d.UserMessage != "" || d.AssistantMessage != ""
}
