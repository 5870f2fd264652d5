package stanza

import "github.com/google/uuid"

// NewID returns a fresh globally unique stanza or session identifier.
// Channel implementations without their own id scheme can delegate to it.
func NewID() string {
	return uuid.NewString()
}
