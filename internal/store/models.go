package store

import (
	"time"

	"drawspace/api/internal/board"
)

// Canvas is the durable form of one shared board.
type Canvas struct {
	ID         string
	Name       string
	OwnerID    string
	SharedWith []string
	Elements   []*board.Element
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// SharedWithUser reports whether userID appears in the share list.
func (c Canvas) SharedWithUser(userID string) bool {
	for _, id := range c.SharedWith {
		if id == userID {
			return true
		}
	}
	return false
}
