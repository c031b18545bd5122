package realtime

import (
	"slices"
	"strings"
	"time"

	"loom/internal/domain/models/flow"
)

// Presence is one connection's ephemeral state in a room. It lives only in
// the gateway's memory and is rebuilt from scratch on reconnect.
type Presence struct {
	ConnectionID string         `json:"connectionId"`
	Identity     flow.Identity  `json:"identity"`
	Cursor       *flow.Position `json:"cursor,omitempty"`
	JoinedAt     time.Time      `json:"joinedAt"`
	LastSeen     time.Time      `json:"lastSeen"`
}

// Roster is the presence broadcast sent to every room member whenever
// anyone joins, leaves, or moves their cursor.
type Roster struct {
	ChatID       string     `json:"chatId"`
	Participants []Presence `json:"participants"`
}

// sortParticipants orders a roster by join time, connection id as the
// tiebreaker, so every member renders the same list.
func sortParticipants(participants []Presence) {
	slices.SortFunc(participants, func(a, b Presence) int {
		if c := a.JoinedAt.Compare(b.JoinedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ConnectionID, b.ConnectionID)
	})
}
