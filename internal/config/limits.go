package config

const (
	// MaxGraphNodes is the maximum number of nodes in one chat's canvas.
	// A graph near this size is already unusable to navigate; the cap
	// mostly guards the save path against runaway clients.
	MaxGraphNodes = 2000

	// MaxGraphEdges is the maximum number of edges in one chat's canvas.
	// Higher than the node cap since branching conversations fan out.
	MaxGraphEdges = 4000

	// MaxPromptLength is the maximum length for a prompt node's draft
	// text, in characters. Matches the canvas-side textarea limit.
	MaxPromptLength = 32000

	// MaxChatIDLength is the maximum length for chat identifiers.
	// Limited to 255 to fit in PostgreSQL VARCHAR(255).
	MaxChatIDLength = 255

	// MaxDisplayNameLength is the maximum length for collaborator display
	// names shown in presence rosters and lock badges.
	MaxDisplayNameLength = 80
)
