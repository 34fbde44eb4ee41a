package domain

import "time"

// Lease is a time-bounded exclusive claim of a task by an agent.
// At most one lease exists per task (unique on TaskID).
type Lease struct {
	ID        string
	TaskID    string
	AgentID   string
	ExpiresAt time.Time
	CreatedAt time.Time
}

// ExpiredAt reports whether the lease expiry has passed at now.
func (l *Lease) ExpiredAt(now time.Time) bool {
	return !now.Before(l.ExpiresAt)
}
