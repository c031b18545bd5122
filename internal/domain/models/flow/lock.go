package flow

import "time"

// LockTimeout is how long a node lock is honored without renewal.
// Editing sessions renew well inside this window; the timeout only
// matters when a holder disconnects without releasing.
const LockTimeout = 5 * time.Minute

// NodeLock is a soft advisory claim on a node. Locks signal intent and
// drive UI affordances; the sync layer never hard-rejects a write from a
// non-holder.
type NodeLock struct {
	NodeID    string    `json:"nodeId"`
	ChatID    string    `json:"chatId"`
	UserID    string    `json:"userId"`
	UserName  string    `json:"userName"`
	LockedAt  time.Time `json:"lockedAt"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Expired reports whether the lock has outlived its timeout at the given
// instant. Expired locks are treated as free by acquirers and reaped by
// the sweep.
func (l NodeLock) Expired(now time.Time) bool {
	return !now.Before(l.ExpiresAt)
}

// HeldBy reports whether the lock belongs to the given user.
func (l NodeLock) HeldBy(userID string) bool {
	return l.UserID == userID
}

// LockRequest is a queued ask for a lock someone else holds. Requests are
// replayed in arrival order when the holder releases.
type LockRequest struct {
	NodeID      string    `json:"nodeId"`
	UserID      string    `json:"userId"`
	UserName    string    `json:"userName"`
	RequestedAt time.Time `json:"requestedAt"`
}
