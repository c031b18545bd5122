package flow

import (
	"hash/fnv"

	validation "github.com/go-ozzo/ozzo-validation/v4"
)

// Identity is who a sync engine acts as. It is injected at construction
// rather than read from any ambient session, so the same process can host
// engines for different participants.
type Identity struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Color string `json:"color"`
}

// Validate checks that the identity can be attributed in lock and
// presence records.
func (id Identity) Validate() error {
	return validation.ValidateStruct(&id,
		validation.Field(&id.ID, validation.Required),
		validation.Field(&id.Name, validation.Required),
	)
}

// identityPalette holds the cursor and attribution colors assigned to
// identities that arrive without one.
var identityPalette = []string{
	"#f87171",
	"#fb923c",
	"#fbbf24",
	"#4ade80",
	"#2dd4bf",
	"#60a5fa",
	"#a78bfa",
	"#f472b6",
}

// DefaultColor picks a stable palette color for a user id, so the same
// user renders the same color on every client without coordination.
func DefaultColor(userID string) string {
	h := fnv.New32a()
	h.Write([]byte(userID))
	return identityPalette[h.Sum32()%uint32(len(identityPalette))]
}
