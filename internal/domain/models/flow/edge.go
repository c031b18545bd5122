package flow

import (
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
)

// EdgeStyle is the stroke styling the canvas renders an edge with. The
// creator's color is baked in at creation time so every participant sees
// the same line.
type EdgeStyle struct {
	Stroke      string  `json:"stroke,omitempty"`
	StrokeWidth float64 `json:"strokeWidth,omitempty"`
}

// Edge links a prompt to the answer that continues it. Edges carry no
// revision counter: they are immutable after creation, so last-writer-wins
// on the full record is already correct.
type Edge struct {
	ID           string    `json:"id"`
	ChatID       string    `json:"chatId"`
	Source       string    `json:"source"`
	Target       string    `json:"target"`
	Type         string    `json:"type,omitempty"`
	Animated     bool      `json:"animated,omitempty"`
	Style        EdgeStyle `json:"style,omitempty"`
	CreatorID    string    `json:"creatorId,omitempty"`
	CreatorColor string    `json:"creatorColor,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
}

// Validate checks the fields every stored edge must carry.
func (e Edge) Validate() error {
	return validation.ValidateStruct(&e,
		validation.Field(&e.ID, validation.Required),
		validation.Field(&e.ChatID, validation.Required),
		validation.Field(&e.Source, validation.Required),
		validation.Field(&e.Target, validation.Required),
	)
}
